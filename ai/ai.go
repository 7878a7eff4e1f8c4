// Package ai defines the engine's contract with the code-generation service
// and its Anthropic-backed implementation.
//
// AI output is treated as an untyped document: it is validated against a
// minimal schema on ingress, coerced into typed records, and unknown fields
// are dropped before anything reaches downstream components.
package ai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/skyform-io/skyform/types"
)

// Action selects the kind of work requested from the service.
type Action string

// Actions of the AI contract.
const (
	ActionGenerate      Action = "generate"
	ActionRegenerate    Action = "regenerate"
	ActionAnalyzeErrors Action = "analyze-errors"
	ActionAutoVerify    Action = "auto-verify"
	ActionChat          Action = "chat"
)

// Request seeds one AI call with the deployment's identity and cumulative
// context.
type Request struct {
	DeploymentID   string          `json:"deploymentId"`
	Stage          types.StageID   `json:"stageId"`
	ProjectContext string          `json:"projectContext,omitempty"`
	History        []string        `json:"history,omitempty"`
	Action         Action          `json:"action"`
	FailedCommands []types.Command `json:"failedCommands,omitempty"`

	// StatusMap and OutputSamples seed auto-verify calls.
	StatusMap     map[string]string `json:"statusMap,omitempty"`
	OutputSamples []string          `json:"outputSamples,omitempty"`

	// Message carries the operator's text on chat calls.
	Message string `json:"message,omitempty"`
}

// GenerateResponse is the typed form of a generate/regenerate reply.
type GenerateResponse struct {
	Instructions  string               `json:"instructions"`
	Commands      []types.Command      `json:"commands,omitempty"`
	FileProposals []types.FileProposal `json:"fileProposals,omitempty"`
}

// AnalysisResponse is the typed form of an analyze-errors reply.
type AnalysisResponse struct {
	Analysis      string          `json:"analysis"`
	FixCommands   []types.Command `json:"fixCommands,omitempty"`
	RetryCommands []types.Command `json:"retryCommands,omitempty"`
}

// VerifyResponse is the typed form of an auto-verify reply.
type VerifyResponse struct {
	Passed        bool            `json:"passed"`
	Analysis      string          `json:"analysis,omitempty"`
	ShouldAdvance bool            `json:"shouldAdvance,omitempty"`
	FixCommands   []types.Command `json:"fixCommands,omitempty"`
	RetryCommands []types.Command `json:"retryCommands,omitempty"`
}

// ChatResponse is the typed form of a chat reply.
type ChatResponse struct {
	Message      string          `json:"message"`
	Instructions string          `json:"instructions,omitempty"`
	Commands     []types.Command `json:"commands,omitempty"`
}

// Client is the service boundary the orchestrator depends on.
type Client interface {
	// Generate asks for stage instructions, commands, and file proposals.
	Generate(ctx context.Context, req Request) (*GenerateResponse, error)
	// AnalyzeErrors asks for a diagnosis and remediation of failed commands.
	AnalyzeErrors(ctx context.Context, req Request) (*AnalysisResponse, error)
	// AutoVerify asks whether a completed stage actually succeeded.
	AutoVerify(ctx context.Context, req Request) (*VerifyResponse, error)
	// Chat relays a free-form operator message.
	Chat(ctx context.Context, req Request) (*ChatResponse, error)
}

// rawCommand is the wire shape of a command in AI replies. The service
// sometimes sends bare strings instead of objects; coercion accepts both.
type rawCommand struct {
	Command        string `json:"command"`
	Type           string `json:"type"`
	Reason         string `json:"reason"`
	IsFixCommand   bool   `json:"isFixCommand"`
	IsRetryCommand bool   `json:"isRetryCommand"`
}

// coerceCommands converts a raw JSON array into typed commands, dropping
// entries with no command text and defaulting unknown types to shell.
func coerceCommands(raw json.RawMessage) []types.Command {
	if len(raw) == 0 {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	var out []types.Command
	for _, item := range items {
		var rc rawCommand
		if err := json.Unmarshal(item, &rc); err != nil {
			// Bare string form.
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				continue
			}
			rc = rawCommand{Command: s}
		}
		rc.Command = strings.TrimSpace(rc.Command)
		if rc.Command == "" {
			continue
		}
		out = append(out, types.Command{
			Command:        rc.Command,
			Type:           coerceType(rc.Type),
			Reason:         rc.Reason,
			Status:         types.CommandPending,
			IsFixCommand:   rc.IsFixCommand,
			IsRetryCommand: rc.IsRetryCommand,
		})
	}
	return out
}

func coerceType(s string) types.CommandType {
	switch types.CommandType(strings.ToLower(strings.TrimSpace(s))) {
	case types.CommandIaC:
		return types.CommandIaC
	case types.CommandProvider:
		return types.CommandProvider
	case types.CommandDocker:
		return types.CommandDocker
	default:
		return types.CommandShell
	}
}

type rawProposal struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// coerceProposals converts raw file proposals, dropping entries missing a
// path or content.
func coerceProposals(raw json.RawMessage) []types.FileProposal {
	if len(raw) == 0 {
		return nil
	}
	var items []rawProposal
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var out []types.FileProposal
	for _, p := range items {
		if p.Path == "" || p.Content == "" {
			continue
		}
		out = append(out, types.FileProposal{
			Path:    p.Path,
			Content: p.Content,
			Type:    p.Type,
			Status:  types.ProposalPending,
		})
	}
	return out
}

// generateDoc is the minimal ingress schema of a generate reply.
type generateDoc struct {
	Instructions  string          `json:"instructions"`
	Commands      json.RawMessage `json:"commands"`
	FileProposals json.RawMessage `json:"fileProposals"`
}

// ParseGenerate validates and coerces a raw generate document.
func ParseGenerate(data []byte) (*GenerateResponse, error) {
	var doc generateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.WrapErr(types.KindAIUnavailable, "malformed generate response", err)
	}
	if strings.TrimSpace(doc.Instructions) == "" {
		return nil, types.E(types.KindAIUnavailable, "generate response missing instructions")
	}
	return &GenerateResponse{
		Instructions:  doc.Instructions,
		Commands:      coerceCommands(doc.Commands),
		FileProposals: coerceProposals(doc.FileProposals),
	}, nil
}

type analysisDoc struct {
	Analysis      string          `json:"analysis"`
	FixCommands   json.RawMessage `json:"fixCommands"`
	RetryCommands json.RawMessage `json:"retryCommands"`
}

// ParseAnalysis validates and coerces a raw analyze-errors document.
func ParseAnalysis(data []byte) (*AnalysisResponse, error) {
	var doc analysisDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.WrapErr(types.KindAIUnavailable, "malformed analysis response", err)
	}
	if strings.TrimSpace(doc.Analysis) == "" {
		return nil, types.E(types.KindAIUnavailable, "analysis response missing analysis")
	}
	fixes := coerceCommands(doc.FixCommands)
	for i := range fixes {
		fixes[i].IsFixCommand = true
	}
	retries := coerceCommands(doc.RetryCommands)
	for i := range retries {
		retries[i].IsRetryCommand = true
	}
	return &AnalysisResponse{Analysis: doc.Analysis, FixCommands: fixes, RetryCommands: retries}, nil
}

type verifyDoc struct {
	Passed        *bool           `json:"passed"`
	Analysis      string          `json:"analysis"`
	ShouldAdvance *bool           `json:"shouldAdvance"`
	FixCommands   json.RawMessage `json:"fixCommands"`
	RetryCommands json.RawMessage `json:"retryCommands"`
}

// ParseVerify validates and coerces a raw auto-verify document.
func ParseVerify(data []byte) (*VerifyResponse, error) {
	var doc verifyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.WrapErr(types.KindAIUnavailable, "malformed verify response", err)
	}
	if doc.Passed == nil {
		return nil, types.E(types.KindAIUnavailable, "verify response missing passed")
	}
	out := &VerifyResponse{
		Passed:        *doc.Passed,
		Analysis:      doc.Analysis,
		ShouldAdvance: *doc.Passed,
		FixCommands:   coerceCommands(doc.FixCommands),
		RetryCommands: coerceCommands(doc.RetryCommands),
	}
	if doc.ShouldAdvance != nil {
		out.ShouldAdvance = *doc.ShouldAdvance
	}
	return out, nil
}

type chatDoc struct {
	Message      string          `json:"message"`
	Instructions string          `json:"instructions"`
	Commands     json.RawMessage `json:"commands"`
}

// ParseChat validates and coerces a raw chat document.
func ParseChat(data []byte) (*ChatResponse, error) {
	var doc chatDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.WrapErr(types.KindAIUnavailable, "malformed chat response", err)
	}
	if strings.TrimSpace(doc.Message) == "" {
		return nil, types.E(types.KindAIUnavailable, "chat response missing message")
	}
	return &ChatResponse{
		Message:      doc.Message,
		Instructions: doc.Instructions,
		Commands:     coerceCommands(doc.Commands),
	}, nil
}
