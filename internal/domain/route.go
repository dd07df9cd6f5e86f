package domain

// Route is what the directory knows about a participant: where invites for
// that identity have to be published.
type Route struct {
	Identity string `json:"id"`
	Inbox    string `json:"inbox"`
}
