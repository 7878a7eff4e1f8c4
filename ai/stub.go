package ai

import (
	"context"
	"sync"

	"github.com/skyform-io/skyform/types"
)

// Stub is a scripted Client for tests and local dry runs. Responses are
// dequeued per action; an exhausted script fails with AIUnavailable so tests
// notice unplanned calls.
type Stub struct {
	mu sync.Mutex

	GenerateQueue []*GenerateResponse
	AnalysisQueue []*AnalysisResponse
	VerifyQueue   []*VerifyResponse
	ChatQueue     []*ChatResponse

	// Requests records every call for assertions.
	Requests []Request

	// Err, when set, fails every call.
	Err error
}

var _ Client = (*Stub)(nil)

// Generate implements Client.
func (s *Stub) Generate(_ context.Context, req Request) (*GenerateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.GenerateQueue) == 0 {
		return nil, types.Ef(types.KindAIUnavailable, "stub: no generate response scripted for stage %s", req.Stage)
	}
	out := s.GenerateQueue[0]
	s.GenerateQueue = s.GenerateQueue[1:]
	return out, nil
}

// AnalyzeErrors implements Client.
func (s *Stub) AnalyzeErrors(_ context.Context, req Request) (*AnalysisResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.AnalysisQueue) == 0 {
		return nil, types.E(types.KindAIUnavailable, "stub: no analysis response scripted")
	}
	out := s.AnalysisQueue[0]
	s.AnalysisQueue = s.AnalysisQueue[1:]
	return out, nil
}

// AutoVerify implements Client.
func (s *Stub) AutoVerify(_ context.Context, req Request) (*VerifyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.VerifyQueue) == 0 {
		// Unscripted verification passes; most tests only care about the
		// command flow.
		return &VerifyResponse{Passed: true, ShouldAdvance: true}, nil
	}
	out := s.VerifyQueue[0]
	s.VerifyQueue = s.VerifyQueue[1:]
	return out, nil
}

// Chat implements Client.
func (s *Stub) Chat(_ context.Context, req Request) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.ChatQueue) == 0 {
		return nil, types.E(types.KindAIUnavailable, "stub: no chat response scripted")
	}
	out := s.ChatQueue[0]
	s.ChatQueue = s.ChatQueue[1:]
	return out, nil
}

// Calls returns the actions recorded so far.
func (s *Stub) Calls() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Action, len(s.Requests))
	for i, r := range s.Requests {
		out[i] = r.Action
	}
	return out
}
