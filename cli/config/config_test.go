package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_FullConfig(t *testing.T) {
	yaml := `region: eu-west-1
environment: production

state:
  bucket: acme-state
  lock_table: acme-locks
  lock_ttl: 15m

broker:
  url: redis://broker.internal:6379
  key_prefix: acme

store:
  uri: mongodb://db.internal:27017
  database: acme

ai:
  model: claude-sonnet-4-5
  max_tokens: 4096
  timeout: 45s

worktree:
  root: /srv/skyform/worktrees

adapter:
  type: webhook
  url: https://hooks.example.com/skyform
  headers:
    Authorization: Bearer token123
  timeout: 10s
  retries: 3
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	assertEqual(t, "region", cfg.Region, "eu-west-1")
	assertEqual(t, "environment", cfg.Environment, "production")

	assertEqual(t, "state.bucket", cfg.State.Bucket, "acme-state")
	assertEqual(t, "state.lock_table", cfg.State.LockTable, "acme-locks")
	if cfg.State.LockTTL.Duration != 15*time.Minute {
		t.Errorf("expected state.lock_ttl=15m, got %v", cfg.State.LockTTL.Duration)
	}

	assertEqual(t, "broker.url", cfg.Broker.URL, "redis://broker.internal:6379")
	assertEqual(t, "broker.key_prefix", cfg.Broker.KeyPrefix, "acme")

	assertEqual(t, "store.uri", cfg.Store.URI, "mongodb://db.internal:27017")
	assertEqual(t, "store.database", cfg.Store.Database, "acme")

	assertEqual(t, "ai.model", cfg.AI.Model, "claude-sonnet-4-5")
	if cfg.AI.MaxTokens != 4096 {
		t.Errorf("expected ai.max_tokens=4096, got %d", cfg.AI.MaxTokens)
	}
	if cfg.AI.Timeout.Duration != 45*time.Second {
		t.Errorf("expected ai.timeout=45s, got %v", cfg.AI.Timeout.Duration)
	}

	assertEqual(t, "worktree.root", cfg.Worktree.Root, "/srv/skyform/worktrees")

	assertEqual(t, "adapter.type", cfg.Adapter.Type, "webhook")
	assertEqual(t, "adapter.url", cfg.Adapter.URL, "https://hooks.example.com/skyform")
	if cfg.Adapter.Timeout.Duration != 10*time.Second {
		t.Errorf("expected adapter.timeout=10s, got %v", cfg.Adapter.Timeout.Duration)
	}
	if cfg.Adapter.Retries == nil || *cfg.Adapter.Retries != 3 {
		t.Errorf("expected adapter.retries=3")
	}
	if cfg.Adapter.Headers["Authorization"] != "Bearer token123" {
		t.Errorf("expected Authorization header")
	}
}

func TestLoad_EmptyConfig(t *testing.T) {
	path := writeTemp(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Region != "" {
		t.Errorf("expected empty region before ApplyEnv, got %q", cfg.Region)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/skyform.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTemp(t, "{{invalid yaml")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_BUCKET", "expanded-bucket")

	yaml := "state:\n  bucket: ${TEST_BUCKET}\n"
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assertEqual(t, "state.bucket", cfg.State.Bucket, "expanded-bucket")
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeTemp(t, "state:\n  lock_ttl: notaduration\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestApplyEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"SKYFORM_REGION", "SKYFORM_ENVIRONMENT", "SKYFORM_STATE_BUCKET",
		"SKYFORM_LOCK_TABLE", "SKYFORM_LOCK_TTL", "SKYFORM_BROKER_URL",
		"SKYFORM_STORE_URI", "SKYFORM_STORE_DATABASE", "SKYFORM_WORKTREE_ROOT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := &Config{}
	cfg.ApplyEnv()

	assertEqual(t, "region", cfg.Region, DefaultRegion)
	assertEqual(t, "environment", cfg.Environment, DefaultEnvironment)
	assertEqual(t, "state.bucket", cfg.State.Bucket, DefaultStateBucket)
	assertEqual(t, "state.lock_table", cfg.State.LockTable, DefaultLockTable)
	assertEqual(t, "broker.url", cfg.Broker.URL, DefaultBrokerURL)
	assertEqual(t, "broker.key_prefix", cfg.Broker.KeyPrefix, DefaultKeyPrefix)
	assertEqual(t, "store.uri", cfg.Store.URI, DefaultStoreURI)
	assertEqual(t, "store.database", cfg.Store.Database, DefaultDatabase)
	assertEqual(t, "worktree.root", cfg.Worktree.Root, DefaultWorktreeRoot)
	if cfg.State.LockTTL.Duration != DefaultLockTTL {
		t.Errorf("expected default lock TTL %v, got %v", DefaultLockTTL, cfg.State.LockTTL.Duration)
	}
}

func TestApplyEnv_EnvironmentFallback(t *testing.T) {
	t.Setenv("SKYFORM_REGION", "ap-southeast-2")
	t.Setenv("SKYFORM_STATE_BUCKET", "env-bucket")
	t.Setenv("SKYFORM_LOCK_TTL", "5m")

	cfg := &Config{}
	cfg.ApplyEnv()

	assertEqual(t, "region", cfg.Region, "ap-southeast-2")
	assertEqual(t, "state.bucket", cfg.State.Bucket, "env-bucket")
	if cfg.State.LockTTL.Duration != 5*time.Minute {
		t.Errorf("expected lock TTL 5m, got %v", cfg.State.LockTTL.Duration)
	}
}

func TestApplyEnv_FilePrecedesEnv(t *testing.T) {
	t.Setenv("SKYFORM_REGION", "env-region")

	cfg := &Config{Region: "file-region"}
	cfg.ApplyEnv()

	assertEqual(t, "region", cfg.Region, "file-region")
}

func TestAIAPIKey_FromEnvOnly(t *testing.T) {
	t.Setenv("SKYFORM_AI_API_KEY", "sk-test-key")
	if got := AIAPIKey(); got != "sk-test-key" {
		t.Errorf("expected sk-test-key, got %q", got)
	}
}

func TestDefaultPath_EnvOverride(t *testing.T) {
	t.Setenv("SKYFORM_CONFIG", "/etc/skyform/skyform.yaml")
	assertEqual(t, "path", DefaultPath(), "/etc/skyform/skyform.yaml")

	os.Unsetenv("SKYFORM_CONFIG")
	assertEqual(t, "path", DefaultPath(), "skyform.yaml")
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if cfg.Region == "" {
		t.Error("expected defaults applied for missing file")
	}
}

func TestLoadOrDefault_AppliesEnvOverFile(t *testing.T) {
	path := writeTemp(t, "region: eu-central-1\n")
	cfg, err := LoadOrDefault(path)
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	assertEqual(t, "region", cfg.Region, "eu-central-1")
	if cfg.Store.URI == "" {
		t.Error("expected store URI default applied")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "skyform.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func assertEqual(t *testing.T, field, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}
