package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshnode.toml")
	doc := `
listen_addrs = ["/ip4/0.0.0.0/tcp/5001"]

[kademlia]
alpha = 5
query_timeout = "45s"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.ListenAddrs) != 1 || cfg.ListenAddrs[0] != "/ip4/0.0.0.0/tcp/5001" {
		t.Fatalf("expected overridden listen_addrs, got %v", cfg.ListenAddrs)
	}
	if cfg.Kademlia.Alpha != 5 {
		t.Fatalf("expected overridden alpha=5, got %d", cfg.Kademlia.Alpha)
	}
	if cfg.Kademlia.BucketSize != 20 {
		t.Fatalf("expected default bucket_size=20 to survive, got %d", cfg.Kademlia.BucketSize)
	}
	if cfg.Kademlia.QueryTimeout.Duration() != 45*time.Second {
		t.Fatalf("expected overridden query_timeout=45s, got %v", cfg.Kademlia.QueryTimeout)
	}
	if cfg.ConnectTimeout.Duration() != 15*time.Second {
		t.Fatalf("expected default connect_timeout to survive, got %v", cfg.ConnectTimeout)
	}
	if !cfg.StrictMultistream {
		t.Fatalf("expected default strict_multistream=true to survive, got %v", cfg.StrictMultistream)
	}
}

func TestLoadOverridesStrictMultistream(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshnode.toml")
	if err := os.WriteFile(path, []byte("strict_multistream = false\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StrictMultistream {
		t.Fatal("expected strict_multistream=false to override the default")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
