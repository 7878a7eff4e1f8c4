// Package worktree manages per-deployment IaC working directories with
// atomic replace semantics.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/types"
)

// Well-known file names inside a working tree.
const (
	FileMain      = "main.tf"
	FileVariables = "variables.tf"
	FileOutputs   = "outputs.tf"
	FileProviders = "providers.tf"
	FileBackend   = "backend.tf"
)

const minMainSize = 50

var resourceDeclRe = regexp.MustCompile(`resource\s+"[^"]+"`)

// backendTemplate renders backend.tf. The state key and lock table follow the
// shared backend layout so every engine instance resolves the same state.
const backendTemplate = `terraform {
  backend "s3" {
    bucket         = %q
    key            = %q
    region         = %q
    dynamodb_table = %q
    encrypt        = true
  }
}
`

// Options configures a Manager.
type Options struct {
	// Root is the directory under which per-deployment trees live.
	Root string
	// StateBucket is the object-storage bucket referenced by backend.tf.
	StateBucket string
	// LockTable is the KV lock table referenced by backend.tf.
	LockTable string
	// Region is the cloud region referenced by backend.tf.
	Region string
}

// Formatter reformats IaC sources in a directory. Formatting is cosmetic:
// failures are logged and swallowed by the Manager.
type Formatter interface {
	Format(dir string) error
}

// Manager lays out and atomically replaces per-deployment working trees under
// {root}/terraform/{deploymentId}/.
type Manager struct {
	opts      Options
	formatter Formatter
	logger    *log.Logger
}

// NewManager creates a working-tree manager. formatter may be nil to skip the
// post-write format pass.
func NewManager(opts Options, formatter Formatter, logger *log.Logger) *Manager {
	return &Manager{opts: opts, formatter: formatter, logger: logger}
}

// Dir returns the working-tree directory for a deployment.
func (m *Manager) Dir(deploymentID string) string {
	return filepath.Join(m.opts.Root, "terraform", deploymentID)
}

// BackendFile renders the backend.tf content for a deployment.
func (m *Manager) BackendFile(deploymentID string) string {
	return fmt.Sprintf(backendTemplate,
		m.opts.StateBucket,
		types.StateKeyFor(deploymentID),
		m.opts.Region,
		m.opts.LockTable,
	)
}

// Validate runs the static pre-checks on a files map without touching disk.
// It returns the list of violations; an empty slice means the input is
// acceptable.
func Validate(files map[string]string) []string {
	var reasons []string

	main := files[FileMain]
	if len(main) < minMainSize {
		reasons = append(reasons, fmt.Sprintf("main.tf too short (%d bytes, need at least %d)", len(main), minMainSize))
	}
	if !strings.Contains(main, "terraform") && !strings.Contains(main, "provider") {
		reasons = append(reasons, "main.tf contains neither a terraform nor a provider token")
	}
	if !strings.Contains(files[FileProviders], "provider") && !strings.Contains(main, "provider") {
		reasons = append(reasons, "no provider block in providers.tf or main.tf")
	}
	if !resourceDeclRe.MatchString(main) {
		reasons = append(reasons, "main.tf declares no resources")
	}
	return reasons
}

// WriteAtomic replaces the deployment's working tree with the given files plus
// a generated backend.tf. The replacement is all-or-nothing: content is staged
// into a sibling .tmp directory and swapped in with a rename, so a failure
// leaves the previous tree untouched.
//
// Returns the names of the files written, including backend.tf.
func (m *Manager) WriteAtomic(deploymentID string, files map[string]string) ([]string, error) {
	if reasons := Validate(files); len(reasons) > 0 {
		return nil, &types.InvalidSourceError{Reasons: reasons}
	}

	dir := m.Dir(deploymentID)
	tmp := dir + ".tmp"

	if err := os.RemoveAll(tmp); err != nil {
		return nil, types.WrapErr(types.KindInternal, "clear stale staging directory", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, types.WrapErr(types.KindInternal, "create staging directory", err)
	}

	written, err := m.stage(deploymentID, tmp, files)
	if err != nil {
		m.cleanup(tmp)
		return nil, err
	}

	// Swap. Remove-then-rename is the atomicity boundary: the rename either
	// happens or it does not, and the staging dir is a sibling so it is on
	// the same filesystem.
	if err := os.RemoveAll(dir); err != nil {
		m.cleanup(tmp)
		return nil, types.WrapErr(types.KindInternal, "remove previous working tree", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		m.cleanup(tmp)
		return nil, types.WrapErr(types.KindInternal, "swap working tree", err)
	}

	if m.formatter != nil {
		if err := m.formatter.Format(dir); err != nil {
			m.logger.Warn("format pass failed",
				zap.String("deployment_id", deploymentID), zap.Error(err))
		}
	}

	m.logger.Info("working tree replaced",
		zap.String("deployment_id", deploymentID),
		zap.Int("files", len(written)))
	return written, nil
}

func (m *Manager) stage(deploymentID, tmp string, files map[string]string) ([]string, error) {
	var written []string
	for name, content := range files {
		if content == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(tmp, name), []byte(content), 0o644); err != nil {
			return nil, types.WrapErr(types.KindInternal, "stage "+name, err)
		}
		written = append(written, name)
	}
	backend := m.BackendFile(deploymentID)
	if err := os.WriteFile(filepath.Join(tmp, FileBackend), []byte(backend), 0o644); err != nil {
		return nil, types.WrapErr(types.KindInternal, "stage backend.tf", err)
	}
	written = append(written, FileBackend)
	return written, nil
}

func (m *Manager) cleanup(tmp string) {
	if err := os.RemoveAll(tmp); err != nil {
		m.logger.Warn("staging cleanup failed", zap.String("dir", tmp), zap.Error(err))
	}
}

// ReadTree returns the current contents of the deployment's working tree as a
// files map. Missing tree yields NotFound.
func (m *Manager) ReadTree(deploymentID string) (map[string]string, error) {
	dir := m.Dir(deploymentID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.Ef(types.KindNotFound, "working tree for %s not found", deploymentID)
		}
		return nil, types.WrapErr(types.KindInternal, "read working tree", err)
	}
	files := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, types.WrapErr(types.KindInternal, "read "+e.Name(), err)
		}
		files[e.Name()] = string(b)
	}
	return files, nil
}

// Remove deletes the deployment's working tree and any leftover staging
// directory.
func (m *Manager) Remove(deploymentID string) error {
	dir := m.Dir(deploymentID)
	if err := os.RemoveAll(dir + ".tmp"); err != nil {
		return types.WrapErr(types.KindInternal, "remove staging directory", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return types.WrapErr(types.KindInternal, "remove working tree", err)
	}
	return nil
}
