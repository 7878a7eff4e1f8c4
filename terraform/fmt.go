package terraform

import (
	"context"
	"strings"
	"time"

	"github.com/skyform-io/skyform/runner"
	"github.com/skyform-io/skyform/types"
)

// FmtTimeout bounds a formatting pass; fmt touches only local files.
const FmtTimeout = 30 * time.Second

// Fmt runs the CLI's fmt verb over a directory. It satisfies
// worktree.Formatter; the working-tree manager logs and swallows its errors,
// so formatting is never fatal.
type Fmt struct {
	Binary string
	Env    []string
	Proc   ProcessRunner
}

// Format reformats every IaC file under dir. A non-zero exit that still
// reports reformatted files counts as success; the CLI exits non-zero in
// check-style configurations even when it did the work.
func (f *Fmt) Format(dir string) error {
	binary := f.Binary
	if binary == "" {
		binary = "terraform"
	}
	res, err := f.Proc.Run(context.Background(), binary+" fmt -recursive", runner.Options{
		Dir:     dir,
		Env:     f.Env,
		Timeout: FmtTimeout,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 && !strings.Contains(res.Output(), "reformatted") {
		return &types.SubprocessError{Command: binary + " fmt", ExitCode: res.ExitCode, Output: res.Output()}
	}
	return nil
}
