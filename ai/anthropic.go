package ai

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/types"
)

// DefaultTimeout bounds one AI call end to end.
const DefaultTimeout = 60 * time.Second

// MessagesClient is the subset of the Anthropic SDK the service uses. It is
// satisfied by *sdk.MessageService, so tests can pass a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic-backed service.
type Options struct {
	// Model is the Claude model identifier. Required.
	Model string
	// MaxTokens caps completion length. Defaults to 8192.
	MaxTokens int
	// Timeout bounds one call. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// Service implements Client on top of the Anthropic Messages API. Every call
// asks for a single JSON document and runs it through the ingress parsers.
type Service struct {
	msg       MessagesClient
	model     string
	maxTokens int
	timeout   time.Duration
	logger    *log.Logger
}

// NewService builds an AI service from a Messages client.
func NewService(msg MessagesClient, opts Options, logger *log.Logger) (*Service, error) {
	if msg == nil {
		return nil, types.E(types.KindInvalidInput, "messages client is required")
	}
	if opts.Model == "" {
		return nil, types.E(types.KindInvalidInput, "model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{msg: msg, model: opts.Model, maxTokens: maxTokens, timeout: timeout, logger: logger}, nil
}

// NewServiceFromAPIKey builds a service using the default Anthropic HTTP
// client.
func NewServiceFromAPIKey(apiKey string, opts Options, logger *log.Logger) (*Service, error) {
	if apiKey == "" {
		return nil, types.E(types.KindInvalidInput, "api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewService(&ac.Messages, opts, logger)
}

const systemPreamble = `You are the deployment assistant of an infrastructure orchestrator.
You receive one JSON request and answer with exactly one JSON object, no prose
and no markdown fences outside the object.`

var actionSchemas = map[Action]string{
	ActionGenerate: `Respond with {"instructions": string, "commands": [{"command": string, "type": "shell"|"iac"|"provider"|"docker", "reason": string}], "fileProposals": [{"path": string, "content": string, "type": string}]}.`,
	ActionRegenerate: `Respond with {"instructions": string, "commands": [{"command": string, "type": "shell"|"iac"|"provider"|"docker", "reason": string}], "fileProposals": [{"path": string, "content": string, "type": string}]}.
The previous plan for this stage failed or was rejected; produce a revised plan.`,
	ActionAnalyzeErrors: `Respond with {"analysis": string, "fixCommands": [...], "retryCommands": [...]} where command items are {"command": string, "type": string, "reason": string}.`,
	ActionAutoVerify:    `Respond with {"passed": bool, "analysis": string, "shouldAdvance": bool, "fixCommands": [...], "retryCommands": [...]}.`,
	ActionChat:          `Respond with {"message": string, "instructions": string, "commands": [...]}.`,
}

// Generate implements Client.
func (s *Service) Generate(ctx context.Context, req Request) (*GenerateResponse, error) {
	if req.Action != ActionRegenerate {
		req.Action = ActionGenerate
	}
	raw, err := s.call(ctx, req)
	if err != nil {
		return nil, err
	}
	return ParseGenerate(raw)
}

// AnalyzeErrors implements Client.
func (s *Service) AnalyzeErrors(ctx context.Context, req Request) (*AnalysisResponse, error) {
	req.Action = ActionAnalyzeErrors
	raw, err := s.call(ctx, req)
	if err != nil {
		return nil, err
	}
	return ParseAnalysis(raw)
}

// AutoVerify implements Client.
func (s *Service) AutoVerify(ctx context.Context, req Request) (*VerifyResponse, error) {
	req.Action = ActionAutoVerify
	raw, err := s.call(ctx, req)
	if err != nil {
		return nil, err
	}
	return ParseVerify(raw)
}

// Chat implements Client.
func (s *Service) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	req.Action = ActionChat
	raw, err := s.call(ctx, req)
	if err != nil {
		return nil, err
	}
	return ParseChat(raw)
}

// call issues one Messages request and returns the raw JSON document from the
// first text block.
func (s *Service) call(ctx context.Context, req Request) ([]byte, error) {
	schema, ok := actionSchemas[req.Action]
	if !ok {
		return nil, types.Ef(types.KindInvalidInput, "unknown action %q", req.Action)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "encode request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	msg, err := s.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(s.model),
		MaxTokens: int64(s.maxTokens),
		System: []sdk.TextBlockParam{
			{Text: systemPreamble},
			{Text: schema},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(string(payload))),
		},
	})
	if err != nil {
		s.logger.Warn("ai call failed",
			zap.String("deployment_id", req.DeploymentID),
			zap.String("action", string(req.Action)),
			zap.Error(err))
		return nil, types.WrapErr(types.KindAIUnavailable, "messages.new", err)
	}
	s.logger.Debug("ai call completed",
		zap.String("deployment_id", req.DeploymentID),
		zap.String("action", string(req.Action)),
		zap.Duration("elapsed", time.Since(started)))

	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return []byte(stripFences(block.Text)), nil
		}
	}
	return nil, types.E(types.KindAIUnavailable, "response carried no text block")
}

// stripFences removes a surrounding markdown code fence when the model wraps
// its JSON despite the instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
