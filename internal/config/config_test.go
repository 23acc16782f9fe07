package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskmesh.yaml")
	content := `server:
  address: ":9090"
registry:
  driver: chain
  rpc_url: http://127.0.0.1:8545
  chains_file: chains.yaml
executor:
  max_attempts: 5
  invoke_timeout: 2s
orchestrator:
  auto_approve: false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
	if cfg.Executor.MaxAttempts != 5 || cfg.Executor.InvokeTimeout != 2*time.Second {
		t.Fatalf("executor overrides lost: %+v", cfg.Executor)
	}
	if cfg.Executor.BaseBackoff != 250*time.Millisecond {
		t.Fatalf("expected default backoff, got %s", cfg.Executor.BaseBackoff)
	}
	if cfg.Registry.RetryAttempts != 3 || cfg.Registry.MetadataGateway != "https://ipfs.io/ipfs/" {
		t.Fatalf("registry defaults missing: %+v", cfg.Registry)
	}
	if cfg.Registry.ChainsFile != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("chains file should be resolved against config dir, got %s", cfg.Registry.ChainsFile)
	}
	if cfg.AutoApprove() {
		t.Fatal("auto approve should honour explicit false")
	}
	if !cfg.MetricsEnabled() {
		t.Fatal("metrics should default to enabled")
	}
	if cfg.Negotiator.MaxFallbacks != 2 {
		t.Fatalf("unexpected fallback default %d", cfg.Negotiator.MaxFallbacks)
	}
}

func TestParseRejectsUnknownDriver(t *testing.T) {
	cases := map[string]string{
		"task store": "storage:\n  task_store:\n    driver: sqlite\n",
		"mysql dsn":  "storage:\n  task_store:\n    driver: mysql\n",
		"queue":      "queue:\n  driver: kafka\n",
		"registry":   "registry:\n  driver: chain\n",
		"auth":       "auth:\n  enabled: true\n  secret_env: TASKMESH_TEST_UNSET_SECRET\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseReadsSecretFromEnv(t *testing.T) {
	t.Setenv("TASKMESH_JWT_SECRET", "s3cret")
	cfg, err := Parse([]byte("auth:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Auth.Secret != "s3cret" {
		t.Fatalf("secret not loaded from env")
	}
}

func TestParseAcceptsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"queue": {"driver": "redis", "redis": {"address": "127.0.0.1:6379"}}}`))
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if cfg.Queue.Redis.Address != "127.0.0.1:6379" || cfg.Queue.Redis.Queue != "taskmesh:tasks" {
		t.Fatalf("unexpected queue config %+v", cfg.Queue)
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "taskmesh.yaml"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.Registry.Driver != "memory" || len(cfg.Registry.Seed) == 0 {
		t.Fatalf("expected seeded memory registry, got %+v", cfg.Registry)
	}
	if want := filepath.Join("..", "..", "configs", "chains.yaml"); cfg.Registry.ChainsFile != want {
		t.Fatalf("chains file = %s, want %s", cfg.Registry.ChainsFile, want)
	}
	if !cfg.AutoApprove() {
		t.Fatal("shipped config should auto approve")
	}
}
