package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validConfig = `
app:
  log-level: debug
  metrics-port: "9090"
transport:
  address: 127.0.0.1
  raft-port: "7000"
  client-port: "7001"
raft:
  node-id: 3
  data-dir: /tmp/quorumkv
  interval: 50ms
  election-timeout: 400ms
  max-log-entries: 5000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Raft.NodeID != 3 {
		t.Errorf("node id = %d, want 3", cfg.Raft.NodeID)
	}
	if cfg.Raft.Interval.Std() != 50*time.Millisecond {
		t.Errorf("interval = %s, want 50ms", cfg.Raft.Interval.Std())
	}
	if cfg.Raft.MaxLogEntries != 5000 {
		t.Errorf("max log entries = %d, want 5000", cfg.Raft.MaxLogEntries)
	}
	if cfg.Transport.RaftAddr() != "127.0.0.1:7000" {
		t.Errorf("raft addr = %q", cfg.Transport.RaftAddr())
	}
	if cfg.Transport.ClientAddr() != "127.0.0.1:7001" {
		t.Errorf("client addr = %q", cfg.Transport.ClientAddr())
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("QKV_DATA_DIR", "/var/lib/qkv")

	content := `
transport:
  address: 127.0.0.1
  raft-port: "7000"
  client-port: "7001"
raft:
  node-id: 1
  data-dir: ${QKV_DATA_DIR}
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Raft.DataDir != "/var/lib/qkv" {
		t.Errorf("data dir = %q, want expanded value", cfg.Raft.DataDir)
	}
}

func TestLoad_MissingEnvFails(t *testing.T) {
	content := `
transport:
  address: 127.0.0.1
  raft-port: "7000"
  client-port: "7001"
raft:
  node-id: 1
  data-dir: ${QKV_DEFINITELY_UNSET_VAR}
`
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatal("expected error for unset environment variable")
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := map[string]string{
		"missing node id": `
transport:
  address: 127.0.0.1
  raft-port: "7000"
  client-port: "7001"
raft:
  data-dir: /tmp/x
`,
		"missing data dir": `
transport:
  address: 127.0.0.1
  raft-port: "7000"
  client-port: "7001"
raft:
  node-id: 1
`,
		"missing ports": `
raft:
  node-id: 1
  data-dir: /tmp/x
`,
	}

	for name, content := range cases {
		if _, err := Load(writeConfig(t, content)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestExpandEnvStrict_PassesThroughPlainText(t *testing.T) {
	out, err := ExpandEnvStrict("no variables here")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if out != "no variables here" {
		t.Errorf("output changed: %q", out)
	}
}
