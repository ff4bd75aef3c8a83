package journal

import (
	"log/slog"

	"taolend/core/events"
	"taolend/core/types"
)

// Sink adapts the journal to the engine's event emitter interface. The
// emitter contract has no error return, so append failures are logged and the
// engine keeps running.
type Sink struct {
	journal *Journal
	logger  *slog.Logger
}

// NewSink wires the journal into an event emitter fan-out.
func NewSink(j *Journal, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{journal: j, logger: logger}
}

// Emit implements the events.Emitter interface.
func (s *Sink) Emit(evt events.Event) {
	if s == nil || s.journal == nil || evt == nil {
		return
	}
	payload, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		s.logger.Warn("journal: unsupported event payload", slog.String("type", evt.EventType()))
		return
	}
	typed := payload.Event()
	if typed == nil {
		return
	}
	if _, err := s.journal.Append(typed); err != nil {
		s.logger.Error("journal: append event failed", slog.String("type", typed.Type), slog.Any("error", err))
	}
}
