package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/heyfun/internal/blob"
	"github.com/haasonsaas/heyfun/internal/generation"
	"github.com/haasonsaas/heyfun/internal/tools"
	"github.com/haasonsaas/heyfun/internal/workflow"
)

// GenerateMediaTool creates a generation task and hands it to the reconciler.
type GenerateMediaTool struct {
	tasks         generation.Store
	triggerer     workflow.Triggerer
	blobs         blob.Store
	defaultModels map[generation.Type]string
	parallelism   int
	waitTimeout   time.Duration
	urlTTL        time.Duration
}

// NewGenerateMediaTool returns generate_media.
func NewGenerateMediaTool(deps Deps) *GenerateMediaTool {
	return &GenerateMediaTool{
		tasks:         deps.Tasks,
		triggerer:     deps.Triggerer,
		blobs:         deps.Blobs,
		defaultModels: deps.DefaultModels,
		parallelism:   deps.Parallelism,
		waitTimeout:   deps.WaitTimeout,
		urlTTL:        deps.URLTTL,
	}
}

type generateArgs struct {
	Prompt string `json:"prompt" jsonschema:"minLength=1,description=Description of the media to generate"`
	Type   string `json:"type,omitempty" jsonschema:"enum=image,enum=video,enum=audio,enum=speech,default=image"`
	Model  string `json:"model,omitempty" jsonschema:"description=Model to use; defaults per media type"`
	N      int    `json:"n,omitempty" jsonschema:"minimum=1,maximum=4"`
	Size   string `json:"size,omitempty" jsonschema:"description=Output size such as 1024x1024"`
	Wait   bool   `json:"wait,omitempty" jsonschema:"description=Wait for the result instead of returning the task id"`
}

func (t *GenerateMediaTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:                 "generate_media",
		Description:          "Generate an image, video, or audio clip. Returns a task id; results can be fetched with get_generation_task.",
		Category:             tools.CategoryMedia,
		Runtime:              tools.RuntimeServer,
		Parameters:           tools.ReflectSchema[generateArgs](),
		Attachable:           true,
		RequiresOrganization: true,
	}
}

func (t *GenerateMediaTool) Execute(ctx context.Context, ec *tools.ExecContext, args json.RawMessage) (*tools.Result, error) {
	var input generateArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, err
	}
	kind := generation.Type(input.Type)
	if kind == "" {
		kind = generation.TypeImage
	}
	if !generation.ValidType(kind) {
		return tools.InvalidArguments(fmt.Sprintf("/type: unsupported media type %q", input.Type)), nil
	}
	model := input.Model
	if model == "" {
		model = t.defaultModels[kind]
	}
	if model == "" {
		return tools.InvalidArguments(fmt.Sprintf("/model: no default model for %s generation", kind)), nil
	}

	params := map[string]any{"prompt": input.Prompt}
	if input.N > 0 {
		params["n"] = float64(input.N)
	}
	if input.Size != "" {
		params["size"] = input.Size
	}

	taskID := uuid.NewString()
	if ec.CallID != "" {
		taskID = generation.TaskIDForCall(ec.CallID)
	}
	create := func(ctx context.Context) (*generation.Task, error) {
		task, created, err := t.tasks.Create(ctx, &generation.Task{
			ID:             taskID,
			OrganizationID: ec.OrganizationID,
			Model:          model,
			Type:           kind,
			Params:         params,
			Status:         generation.StatusPending,
		})
		if err != nil {
			return nil, err
		}
		if created || !task.Status.Terminal() {
			if err := generation.Enqueue(ctx, t.triggerer, task, t.parallelism); err != nil {
				return nil, workflow.Upstream("workflow", err)
			}
		}
		return task, nil
	}

	var (
		task *generation.Task
		err  error
	)
	if ec.Steps != nil {
		task, err = workflow.Step(ctx, ec.Steps, ec.SubStepKey("create"), create)
	} else {
		task, err = create(ctx)
	}
	if err != nil {
		return nil, err
	}

	if !input.Wait || ec.Steps == nil {
		return tools.OK(map[string]any{
			"task_id": task.ID,
			"status":  task.Status,
			"model":   task.Model,
			"type":    task.Type,
		}), nil
	}

	raw, err := ec.Steps.WaitForEvent(ctx, ec.WaitKey(task.ID), generation.EventName(task.ID), t.waitTimeout)
	if errors.Is(err, workflow.ErrWaitTimeout) {
		return tools.OK(map[string]any{
			"task_id": task.ID,
			"status":  generation.StatusProcessing,
			"message": "generation is still running; check it later with get_generation_task",
		}), nil
	}
	if err != nil {
		return nil, err
	}
	var event generation.TaskEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("decode generation event: %w", err)
	}
	if event.Status == generation.StatusFailed {
		return tools.ExecutionFailed(fmt.Sprintf("generation %s failed: %s", task.ID, event.Error)), nil
	}
	return tools.OK(map[string]any{
		"task_id": task.ID,
		"status":  event.Status,
		"results": signResults(ctx, t.blobs, event.Results, t.urlTTL),
	}), nil
}

// GetGenerationTaskTool reads a generation task of the caller's organization.
type GetGenerationTaskTool struct {
	tasks  generation.Store
	blobs  blob.Store
	urlTTL time.Duration
}

// NewGetGenerationTaskTool returns get_generation_task.
func NewGetGenerationTaskTool(tasks generation.Store, blobs blob.Store, urlTTL time.Duration) *GetGenerationTaskTool {
	return &GetGenerationTaskTool{tasks: tasks, blobs: blobs, urlTTL: urlTTL}
}

type getTaskArgs struct {
	TaskID string `json:"task_id" jsonschema:"minLength=1"`
}

func (t *GetGenerationTaskTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:                 "get_generation_task",
		Description:          "Fetch the status and result links of a media generation task.",
		Category:             tools.CategoryMedia,
		Runtime:              tools.RuntimeServer,
		Parameters:           tools.ReflectSchema[getTaskArgs](),
		Attachable:           true,
		RequiresOrganization: true,
	}
}

func (t *GetGenerationTaskTool) Execute(ctx context.Context, ec *tools.ExecContext, args json.RawMessage) (*tools.Result, error) {
	var input getTaskArgs
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, err
	}
	task, err := t.tasks.Get(ctx, strings.TrimSpace(input.TaskID))
	if errors.Is(err, generation.ErrTaskNotFound) {
		return tools.Failure(tools.KindNotFound, fmt.Sprintf("generation task %q not found", input.TaskID)), nil
	}
	if err != nil {
		return nil, err
	}
	if task.OrganizationID != ec.OrganizationID {
		return tools.Unauthorized("generation task belongs to another organization"), nil
	}

	data := map[string]any{
		"task_id":    task.ID,
		"status":     task.Status,
		"type":       task.Type,
		"model":      task.Model,
		"created_at": task.CreatedAt,
	}
	if task.Error != "" {
		data["error"] = task.Error
	}
	if len(task.Results) > 0 {
		data["results"] = signResults(ctx, t.blobs, task.Results, t.urlTTL)
	}
	return tools.OK(data), nil
}

type signedResult struct {
	URL         string `json:"url,omitempty"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

func signResults(ctx context.Context, blobs blob.Store, items []generation.ResultItem, ttl time.Duration) []signedResult {
	out := make([]signedResult, 0, len(items))
	for _, item := range items {
		r := signedResult{Key: item.Key, ContentType: item.ContentType, Size: item.Size}
		if blobs != nil {
			if url, err := blobs.SignedURL(ctx, item.Key, ttl); err == nil {
				r.URL = url
			}
		}
		out = append(out, r)
	}
	return out
}
