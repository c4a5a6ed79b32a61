package observability

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	sessionIDKey      contextKey = "session_id"
	organizationIDKey contextKey = "organization_id"
	toolCallIDKey     contextKey = "tool_call_id"
	runIDKey          contextKey = "run_id"
)

// WithSessionID adds a session ID to the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithOrganizationID adds an organization ID to the context.
func WithOrganizationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, organizationIDKey, id)
}

// WithToolCallID adds a tool call ID to the context.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallIDKey, id)
}

// WithRunID adds a workflow run ID to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// SessionID returns the session ID stored in ctx, if any.
func SessionID(ctx context.Context) string {
	return stringValue(ctx, sessionIDKey)
}

// OrganizationID returns the organization ID stored in ctx, if any.
func OrganizationID(ctx context.Context) string {
	return stringValue(ctx, organizationIDKey)
}

// ToolCallID returns the tool call ID stored in ctx, if any.
func ToolCallID(ctx context.Context) string {
	return stringValue(ctx, toolCallIDKey)
}

// RunID returns the workflow run ID stored in ctx, if any.
func RunID(ctx context.Context) string {
	return stringValue(ctx, runIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

func contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	for _, key := range []contextKey{sessionIDKey, organizationIDKey, toolCallIDKey, runIDKey} {
		if v := stringValue(ctx, key); v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}
