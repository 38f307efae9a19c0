package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogAdapter bridges whatsmeow's printf-style logger onto the process logger
// so transport internals land in the same structured stream as everything
// else.
type slogAdapter struct {
	log *slog.Logger
}

func newLogAdapter(log *slog.Logger, module string) waLog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return &slogAdapter{log: log.With("component", module)}
}

func (a *slogAdapter) Errorf(msg string, args ...any) { a.log.Error(fmt.Sprintf(msg, args...)) }
func (a *slogAdapter) Warnf(msg string, args ...any)  { a.log.Warn(fmt.Sprintf(msg, args...)) }
func (a *slogAdapter) Infof(msg string, args ...any)  { a.log.Info(fmt.Sprintf(msg, args...)) }
func (a *slogAdapter) Debugf(msg string, args ...any) { a.log.Debug(fmt.Sprintf(msg, args...)) }

func (a *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{log: a.log.With("component", module)}
}
