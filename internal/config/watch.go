package config

import (
	"fmt"
	"path/filepath"

	"duocall/native/internal/domain"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ICEWatcher reloads an ICE server file whenever it changes on disk.
type ICEWatcher struct {
	path    string
	apply   func([]domain.ICEServer)
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchICEServers calls apply with the parsed contents of path after every
// write. The parent directory is watched so atomic replaces are seen too.
// Files that fail to parse are logged and skipped.
func WatchICEServers(path string, apply func([]domain.ICEServer)) (*ICEWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &ICEWatcher{
		path:    abs,
		apply:   apply,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *ICEWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			servers, err := LoadICEServersFile(w.path)
			if err != nil {
				log.Warn().Err(err).Str("component", "config").Msg("ICE server reload failed")
				continue
			}
			if len(servers) == 0 {
				servers = domain.DefaultICEServers()
			}
			log.Info().Str("component", "config").Int("servers", len(servers)).Msg("ICE servers reloaded")
			w.apply(servers)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("component", "config").Msg("Watcher error")
		}
	}
}

// Close stops watching and waits for the reload loop to exit.
func (w *ICEWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
