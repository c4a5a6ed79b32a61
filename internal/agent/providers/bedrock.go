package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/heyfun/internal/agent"
	"github.com/haasonsaas/heyfun/internal/retry"
	"github.com/haasonsaas/heyfun/pkg/models"
)

const (
	defaultBedrockModel  = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	defaultBedrockRegion = "us-east-1"
)

// bedrockEventStream is the part of the ConverseStream event stream the
// provider reads.
type bedrockEventStream interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// BedrockProvider streams the Converse API of AWS Bedrock. Tool input
// arrives as fragments keyed by content block index.
type BedrockProvider struct {
	open   func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (bedrockEventStream, error)
	cfg    Config
	policy retry.Policy
}

// NewBedrockProvider loads AWS configuration for cfg.Region. BaseURL
// overrides the service endpoint.
func NewBedrockProvider(ctx context.Context, cfg Config) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = defaultBedrockRegion
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.BaseURL != "" {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		}
	})

	p := &BedrockProvider{cfg: cfg, policy: cfg.policy()}
	p.open = func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (bedrockEventStream, error) {
		out, err := client.ConverseStream(ctx, in)
		if err != nil {
			return nil, err
		}
		return out.GetStream(), nil
	}
	return p, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) StreamCompletion(ctx context.Context, req *agent.ChatRequest) (<-chan *agent.Delta, error) {
	model := p.cfg.model(req.Model, defaultBedrockModel)
	input, err := buildConverseInput(model, req)
	if err != nil {
		return nil, err
	}

	stream, err := openStream(ctx, p.policy, func(ctx context.Context) (bedrockEventStream, error) {
		s, err := p.open(ctx, input)
		if err != nil {
			return nil, wrapBedrockError(model, err)
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan *agent.Delta)
	go func() {
		defer close(out)
		defer stream.Close()
		events := stream.Events()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					if err := stream.Err(); err != nil {
						send(ctx, out, &agent.Delta{Err: wrapBedrockError(model, err)})
					}
					return
				}
				d := fromConverseEvent(event)
				if d == nil {
					continue
				}
				if !send(ctx, out, d) {
					return
				}
			}
		}
	}()
	return out, nil
}

// fromConverseEvent maps one stream event. It returns nil for events that
// carry nothing the driver needs.
func fromConverseEvent(event types.ConverseStreamOutput) *agent.Delta {
	switch ev := event.(type) {
	case *types.ConverseStreamOutputMemberMessageStart:
		return &agent.Delta{Role: models.RoleAssistant}

	case *types.ConverseStreamOutputMemberContentBlockStart:
		toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		return &agent.Delta{ToolCalls: []agent.ToolCallDelta{{
			Index: int(aws.ToInt32(ev.Value.ContentBlockIndex)),
			ID:    aws.ToString(toolUse.Value.ToolUseId),
			Name:  aws.ToString(toolUse.Value.Name),
		}}}

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		switch delta := ev.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return &agent.Delta{Content: delta.Value}
		case *types.ContentBlockDeltaMemberToolUse:
			input := aws.ToString(delta.Value.Input)
			if input == "" {
				return nil
			}
			return &agent.Delta{ToolCalls: []agent.ToolCallDelta{{
				Index:     int(aws.ToInt32(ev.Value.ContentBlockIndex)),
				Arguments: input,
			}}}
		}
		return nil

	case *types.ConverseStreamOutputMemberMessageStop:
		return &agent.Delta{FinishReason: string(ev.Value.StopReason)}

	case *types.ConverseStreamOutputMemberMetadata:
		usage := ev.Value.Usage
		if usage == nil {
			return nil
		}
		return &agent.Delta{Usage: &models.TokenUsage{
			PromptTokens:     int(aws.ToInt32(usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(usage.TotalTokens)),
		}}
	}
	return nil
}

func buildConverseInput(model string, req *agent.ChatRequest) (*bedrockruntime.ConverseStreamInput, error) {
	input := &bedrockruntime.ConverseStreamInput{ModelId: aws.String(model)}

	var pendingResults []types.ContentBlock
	flushResults := func() {
		if len(pendingResults) > 0 {
			input.Messages = append(input.Messages, types.Message{
				Role:    types.ConversationRoleUser,
				Content: pendingResults,
			})
			pendingResults = nil
		}
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			if msg.HasContent() {
				input.System = append(input.System, &types.SystemContentBlockMemberText{Value: msg.Content})
			}
		case models.RoleTool:
			pendingResults = append(pendingResults, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(msg.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: msg.Content}},
			}})
		case models.RoleAssistant:
			flushResults()
			var blocks []types.ContentBlock
			if msg.HasContent() {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args any = map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						return nil, fmt.Errorf("bedrock: invalid arguments for call %s: %w", tc.ID, err)
					}
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(args),
				}})
			}
			if len(blocks) > 0 {
				input.Messages = append(input.Messages, types.Message{Role: types.ConversationRoleAssistant, Content: blocks})
			}
		default:
			flushResults()
			if msg.HasContent() {
				input.Messages = append(input.Messages, types.Message{
					Role:    types.ConversationRoleUser,
					Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}},
				})
			}
		}
	}
	flushResults()

	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(min(req.MaxTokens, math.MaxInt32))),
		}
	}

	if len(req.Tools) > 0 {
		tools := make([]types.Tool, 0, len(req.Tools))
		for _, decl := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(schemaOrEmpty(decl.Parameters), &schema); err != nil {
				return nil, fmt.Errorf("bedrock: invalid tool schema for %s: %w", decl.Name, err)
			}
			tools = append(tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
				Name:        aws.String(decl.Name),
				Description: aws.String(decl.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			}})
		}
		input.ToolConfig = &types.ToolConfiguration{Tools: tools}
		if req.ToolChoice == agent.ToolChoiceAuto {
			input.ToolConfig.ToolChoice = &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}}
		}
	}
	return input, nil
}

func wrapBedrockError(model string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var status int
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		status = statusErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe := newProviderError("bedrock", model, status, bedrockErrorCode(apiErr.ErrorCode()), err)
		if msg := apiErr.ErrorMessage(); msg != "" {
			pe.Message = msg
		}
		pe.Code = apiErr.ErrorCode()
		return pe
	}
	return newProviderError("bedrock", model, status, "", err)
}

// bedrockErrorCode maps AWS exception names onto the shared code vocabulary.
func bedrockErrorCode(code string) string {
	switch code {
	case "ThrottlingException", "ServiceQuotaExceededException":
		return "rate_limit_exceeded"
	case "AccessDeniedException", "UnrecognizedClientException":
		return "permission_error"
	case "ResourceNotFoundException", "ModelNotReadyException":
		return "model_not_available"
	case "InternalServerException", "ServiceUnavailableException", "ModelTimeoutException":
		return "server_error"
	case "ValidationException":
		return "invalid_request_error"
	}
	return code
}
