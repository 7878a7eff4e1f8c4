package runner_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/runner"
	"github.com/skyform-io/skyform/types"
)

func newRunner(opts ...runner.RunnerOption) *runner.Runner {
	return runner.New(log.NewNop(), runner.NewHub(), opts...)
}

func TestRun_CapturesStdoutAndExitCode(t *testing.T) {
	r := newRunner()
	res, err := r.Run(context.Background(), "echo hello", runner.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", res.ExitCode)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	r := newRunner()
	res, err := r.Run(context.Background(), "exit 3", runner.Options{})
	if err != nil {
		t.Fatalf("non-zero exit should not error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit 3, got %d", res.ExitCode)
	}
}

func TestRun_SeparatesStderr(t *testing.T) {
	r := newRunner()
	res, err := r.Run(context.Background(), "echo out; echo err >&2", runner.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Stdout, "out") {
		t.Errorf("stdout missing: %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "err") {
		t.Errorf("stderr missing: %q", res.Stderr)
	}
	if !strings.Contains(res.Output(), "--- stderr ---") {
		t.Errorf("merged output missing marker: %q", res.Output())
	}
}

func TestRun_ShellSemantics(t *testing.T) {
	r := newRunner()
	res, err := r.Run(context.Background(), `VAR="quoted value"; echo "$VAR" | tr a-z A-Z`, runner.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "QUOTED VALUE" {
		t.Errorf("pipes and quoting not honored: %q", got)
	}
}

func TestRun_WorkingDirectoryAndEnv(t *testing.T) {
	r := newRunner()
	dir := t.TempDir()
	res, err := r.Run(context.Background(), "pwd; echo $MARKER", runner.Options{
		Dir: dir,
		Env: []string{"PATH=/usr/bin:/bin", "MARKER=present"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Stdout, dir) {
		t.Errorf("cwd not applied: %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "present") {
		t.Errorf("env not applied: %q", res.Stdout)
	}
}

func TestRun_TimeoutReturnsPartialOutput(t *testing.T) {
	r := newRunner(runner.WithKillGrace(100 * time.Millisecond))
	_, err := r.Run(context.Background(), "echo partial; sleep 30", runner.Options{
		Timeout: 200 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var te *types.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %T: %v", err, err)
	}
	if !strings.Contains(te.PartialOutput, "partial") {
		t.Errorf("partial output missing: %q", te.PartialOutput)
	}
	if !types.IsKind(err, types.KindTimeout) {
		t.Errorf("expected timeout kind, got %v", types.KindOf(err))
	}
}

func TestRun_ContextCancellationKillsProcess(t *testing.T) {
	r := newRunner(runner.WithKillGrace(100 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Run(ctx, "sleep 30", runner.Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
}

func TestRun_OutputCapTruncates(t *testing.T) {
	r := newRunner()
	res, err := r.Run(context.Background(), "yes x | head -c 4096", runner.Options{
		OutputCap: 512,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Stdout, runner.TruncationMarker) {
		t.Error("expected truncation marker in capped output")
	}
	if len(res.Stdout) > 512+len(runner.TruncationMarker) {
		t.Errorf("output exceeds cap: %d bytes", len(res.Stdout))
	}
}

func TestRun_StreamsToHub(t *testing.T) {
	hub := runner.NewHub()
	r := runner.New(log.NewNop(), hub)
	key := types.CorrelationKey("command", "c1")

	ch, cancel := hub.Subscribe(key)
	defer cancel()

	go func() {
		_, _ = r.Run(context.Background(), "echo streamed", runner.Options{Correlation: key})
	}()

	var sawData, sawEnd bool
	deadline := time.After(5 * time.Second)
	for !sawEnd {
		select {
		case ev, ok := <-ch:
			if !ok {
				if !sawEnd {
					t.Fatal("stream closed without end frame")
				}
				return
			}
			switch ev.Type {
			case types.EventStdout:
				if strings.Contains(ev.Data, "streamed") {
					sawData = true
				}
			case types.EventEnd:
				sawEnd = true
				if ev.ExitCode == nil || *ev.ExitCode != 0 {
					t.Errorf("end frame exit code: %v", ev.ExitCode)
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream events")
		}
	}
	if !sawData {
		t.Error("no stdout frame observed before end")
	}
}

func TestRun_SignaledExitCode(t *testing.T) {
	r := newRunner()
	res, err := r.Run(context.Background(), "kill -TERM $$", runner.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// 128 + SIGTERM(15).
	if res.ExitCode != 143 {
		t.Errorf("expected exit 143 for SIGTERM, got %d", res.ExitCode)
	}
}
