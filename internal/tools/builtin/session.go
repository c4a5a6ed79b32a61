package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/heyfun/internal/prompts"
	"github.com/haasonsaas/heyfun/internal/tools"
)

var errNoSession = errors.New("tool call is not bound to a session")

// TerminateTool ends the session.
type TerminateTool struct{}

// NewTerminateTool returns the terminate tool.
func NewTerminateTool() *TerminateTool { return &TerminateTool{} }

type terminateArgs struct {
	Summary string `json:"summary,omitempty" jsonschema:"description=Short summary of what was accomplished"`
}

func (t *TerminateTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "terminate",
		Description: "Finish the session once the user's request is fully handled. Call it last, after the final answer.",
		Category:    tools.CategoryCore,
		Runtime:     tools.RuntimeServer,
		Parameters:  tools.ReflectSchema[terminateArgs](),
	}
}

func (t *TerminateTool) Execute(ctx context.Context, ec *tools.ExecContext, args json.RawMessage) (*tools.Result, error) {
	state := ec.State()
	if state == nil {
		return nil, errNoSession
	}
	var input terminateArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, err
	}
	summary := strings.TrimSpace(input.Summary)
	state.Complete(summary)
	res := tools.OK(map[string]any{"terminated": true, "summary": input.Summary})
	res.Terminate = true
	res.Summary = summary
	return res, nil
}

// AttachToolsTool adds attachable tools to the session's tool list.
type AttachToolsTool struct {
	registry *tools.Registry
}

// NewAttachToolsTool returns attach_tools bound to registry.
func NewAttachToolsTool(registry *tools.Registry) *AttachToolsTool {
	return &AttachToolsTool{registry: registry}
}

type attachArgs struct {
	Tools []string `json:"tools" jsonschema:"minItems=1,description=Names of the tools to attach"`
}

func (t *AttachToolsTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "attach_tools",
		Description: "Attach additional tools to this session. They become callable from the next step on.",
		Category:    tools.CategoryCore,
		Runtime:     tools.RuntimeServer,
		Parameters:  tools.ReflectSchema[attachArgs](),
	}
}

func (t *AttachToolsTool) Execute(ctx context.Context, ec *tools.ExecContext, args json.RawMessage) (*tools.Result, error) {
	state := ec.State()
	if state == nil {
		return nil, errNoSession
	}
	var input attachArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, err
	}

	available := t.registry.Attachable()
	allowed := make(map[string]bool, len(available))
	for _, name := range available {
		allowed[name] = true
	}
	var valid, unknown []string
	for _, name := range input.Tools {
		if allowed[name] {
			valid = append(valid, name)
		} else {
			unknown = append(unknown, name)
		}
	}
	if len(valid) == 0 {
		return tools.Failure(tools.KindInvalidArguments,
			"none of the requested tools can be attached",
			fmt.Sprintf("unknown: %s", strings.Join(unknown, ", ")),
			fmt.Sprintf("available: %s", strings.Join(available, ", ")),
		), nil
	}

	added := state.AttachTools(valid...)
	res := tools.OK(map[string]any{
		"attached": added,
		"active":   state.AttachedTools(),
		"unknown":  unknown,
	})
	res.AttachedTools = valid
	return res, nil
}

// UpdateSystemPromptTool refreshes the session's dynamic prompt layer.
type UpdateSystemPromptTool struct {
	prompts PromptRefresher
}

// NewUpdateSystemPromptTool returns update_system_prompt.
func NewUpdateSystemPromptTool(p PromptRefresher) *UpdateSystemPromptTool {
	return &UpdateSystemPromptTool{prompts: p}
}

type updatePromptArgs struct {
	Query string `json:"query" jsonschema:"minLength=1,description=What the upcoming work is about"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"minimum=1,maximum=10,description=How many guidance fragments to draw on"`
}

func (t *UpdateSystemPromptTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "update_system_prompt",
		Description: "Load task-specific guidance into your instructions when the conversation moves to a new kind of task.",
		Category:    tools.CategoryPrompt,
		Runtime:     tools.RuntimeServer,
		Parameters:  tools.ReflectSchema[updatePromptArgs](),
	}
}

func (t *UpdateSystemPromptTool) Execute(ctx context.Context, ec *tools.ExecContext, args json.RawMessage) (*tools.Result, error) {
	state := ec.State()
	if state == nil {
		return nil, errNoSession
	}
	var input updatePromptArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, err
	}
	req := prompts.AssembleRequest{SessionID: ec.SessionID, Message: input.Query, TopK: input.TopK}
	if ec.Turn != nil {
		req.Intent = ec.Turn.Intent()
	}

	result, err := t.prompts.Refresh(ctx, state, req)
	if err != nil {
		res := tools.ExecutionFailed("prompt assembly failed: " + err.Error())
		res.UpdateSystemPrompt = true
		return res, nil
	}
	res := tools.OK(map[string]any{
		"fragment_ids": result.FragmentIDs,
		"confidence":   result.Confidence,
		"reasons":      result.Reasons,
	})
	res.UpdateSystemPrompt = true
	res.SystemPrompt = state.DynamicPrompt()
	return res, nil
}
