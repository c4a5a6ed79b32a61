package tools

import (
	"strings"

	"github.com/haasonsaas/heyfun/internal/session"
	"github.com/haasonsaas/heyfun/internal/workflow"
)

// ExecContext carries everything a tool needs about the call site.
type ExecContext struct {
	CallID         string
	SessionID      string
	OrganizationID string
	Turn           *session.Turn

	// Steps is the durable surface of the enclosing workflow run. Nil runs the
	// tool without journaling.
	Steps workflow.Steps
}

// StepKey is the durable step key of the call.
func (c *ExecContext) StepKey() string {
	return "tool:" + c.CallID
}

// SubStepKey derives the key of a nested durable step inside the call.
func (c *ExecContext) SubStepKey(name string) string {
	return c.StepKey() + ":" + name
}

// WaitKey derives a step key for a wait inside the call. It never collides
// with StepKey.
func (c *ExecContext) WaitKey(suffix ...string) string {
	key := c.StepKey() + ":wait"
	if len(suffix) > 0 {
		key += ":" + strings.Join(suffix, ":")
	}
	return key
}

// State returns the session state, if the call belongs to a session.
func (c *ExecContext) State() *session.State {
	if c == nil || c.Turn == nil {
		return nil
	}
	return c.Turn.State
}
