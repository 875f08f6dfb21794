package contracts

import (
	"log/slog"
)

// EventHandler receives diagnostic output from the messaging core. It never
// influences control flow.
type EventHandler interface {
	HandleEvent(event string)
	HandleError(err string)
}

// LogEventHandler writes events at info level and errors at warn level
type LogEventHandler struct {
	logger *slog.Logger
}

// NewLogEventHandler creates an event handler backed by logger.
// A nil logger falls back to slog.Default().
func NewLogEventHandler(logger *slog.Logger) *LogEventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEventHandler{logger: logger}
}

// HandleEvent implements EventHandler
func (h *LogEventHandler) HandleEvent(event string) {
	h.logger.Info(event)
}

// HandleError implements EventHandler
func (h *LogEventHandler) HandleError(err string) {
	h.logger.Warn(err)
}

// NopEventHandler discards everything
type NopEventHandler struct{}

func (NopEventHandler) HandleEvent(string) {}
func (NopEventHandler) HandleError(string) {}
