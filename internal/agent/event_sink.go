package agent

import (
	"context"

	"github.com/haasonsaas/heyfun/internal/tools"
	"github.com/haasonsaas/heyfun/internal/triggers"
	"github.com/haasonsaas/heyfun/pkg/models"
)

// RunEventType names the kinds of events a run reports.
type RunEventType string

const (
	RunEventTurn       RunEventType = "turn"
	RunEventToolResult RunEventType = "tool_result"
	RunEventTrigger    RunEventType = "trigger"
	RunEventDone       RunEventType = "done"
)

// RunEvent is one observable step of a Runner.
type RunEvent struct {
	Type     RunEventType             `json:"type"`
	Step     int                      `json:"step"`
	Event    *Event                   `json:"event,omitempty"`
	ToolCall *models.ToolCall         `json:"tool_call,omitempty"`
	Result   *tools.Result            `json:"result,omitempty"`
	Report   *triggers.DispatchReport `json:"report,omitempty"`
	Stop     StopReason               `json:"stop_reason,omitempty"`
	Usage    *models.TokenUsage       `json:"usage,omitempty"`
}

// EventSink receives run events.
// Implementations must be safe to call from multiple goroutines.
type EventSink interface {
	Emit(ctx context.Context, e RunEvent)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, e RunEvent)

func (f SinkFunc) Emit(ctx context.Context, e RunEvent) { f(ctx, e) }

// ChanSink sends events to a channel, dropping them when the channel is full.
type ChanSink struct {
	ch chan<- RunEvent
}

// NewChanSink creates a sink that sends to a channel.
// The channel should be buffered to avoid dropping events.
func NewChanSink(ch chan<- RunEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

func (s *ChanSink) Emit(ctx context.Context, e RunEvent) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// MultiSink fans out events to several sinks.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a fan-out sink. Nil sinks are ignored.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

func (s *MultiSink) Emit(ctx context.Context, e RunEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

type nopSink struct{}

func (nopSink) Emit(context.Context, RunEvent) {}
