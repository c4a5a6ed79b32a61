package builtin

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/heyfun/internal/tools"
)

// AskUserTool asks the user a question through the interface.
type AskUserTool struct{}

// NewAskUserTool returns ask_user.
func NewAskUserTool() *AskUserTool { return &AskUserTool{} }

type askUserArgs struct {
	Question      string   `json:"question" jsonschema:"minLength=1"`
	Options       []string `json:"options,omitempty" jsonschema:"maxItems=8,description=Suggested answers"`
	AllowFreeText *bool    `json:"allow_free_text,omitempty"`
}

func (t *AskUserTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "ask_user",
		Description: "Ask the user a clarifying question. The answer arrives as their next message.",
		Category:    tools.CategoryInteraction,
		Runtime:     tools.RuntimeClient,
		Parameters:  tools.ReflectSchema[askUserArgs](),
	}
}

func (t *AskUserTool) PrepareClientAction(ctx context.Context, ec *tools.ExecContext, args json.RawMessage) (*tools.ClientAction, error) {
	var input askUserArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, err
	}
	freeText := true
	if input.AllowFreeText != nil {
		freeText = *input.AllowFreeText
	}
	payload := map[string]any{
		"question":        input.Question,
		"allow_free_text": freeText,
	}
	if len(input.Options) > 0 {
		payload["options"] = input.Options
	}
	return &tools.ClientAction{Type: "ask_user", Payload: payload}, nil
}
