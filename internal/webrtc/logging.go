package webrtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerFactory routes pion's internal logs into zerolog. Levels below warn
// are shifted down one step.
type loggerFactory struct {
	base zerolog.Logger
}

func newLoggerFactory() logging.LoggerFactory {
	return loggerFactory{base: log.With().Str("component", "pion").Logger()}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{l: f.base.With().Str("scope", scope).Logger()}
}

type leveledLogger struct {
	l zerolog.Logger
}

func (l leveledLogger) Trace(msg string) { l.l.Trace().Msg(msg) }
func (l leveledLogger) Tracef(format string, args ...any) {
	l.l.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l leveledLogger) Debug(msg string) { l.l.Trace().Msg(msg) }
func (l leveledLogger) Debugf(format string, args ...any) {
	l.l.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l leveledLogger) Info(msg string) { l.l.Debug().Msg(msg) }
func (l leveledLogger) Infof(format string, args ...any) {
	l.l.Debug().Msg(fmt.Sprintf(format, args...))
}
func (l leveledLogger) Warn(msg string) { l.l.Warn().Msg(msg) }
func (l leveledLogger) Warnf(format string, args ...any) {
	l.l.Warn().Msg(fmt.Sprintf(format, args...))
}
func (l leveledLogger) Error(msg string) { l.l.Error().Msg(msg) }
func (l leveledLogger) Errorf(format string, args ...any) {
	l.l.Error().Msg(fmt.Sprintf(format, args...))
}
