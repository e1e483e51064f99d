package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_Validates(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if c.TenantRegex() == nil {
		t.Fatal("Validate should compile the tenant regex")
	}
}

func TestValidate_RejectsBadRegex(t *testing.T) {
	c := DefaultConfig()
	c.ValidTenantRegex = "("
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestValidate_RejectsShortJWTSecret(t *testing.T) {
	c := DefaultConfig()
	c.JWTSecret = "too-short"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for jwt_secret shorter than horosafe.MinSecretLen")
	}
}

func TestValidate_AcceptsLongJWTSecret(t *testing.T) {
	c := DefaultConfig()
	c.JWTSecret = "0123456789abcdef0123456789abcdef"
	if err := c.Validate(); err != nil {
		t.Fatalf("32-byte jwt_secret should validate: %v", err)
	}
}

func TestValidate_RejectsBackendWithNoPaths(t *testing.T) {
	c := DefaultConfig()
	c.Backends = map[string]map[string]*Backend{
		"disk": {"files": {}},
	}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for backend with neither import nor export path")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
port: 9090
backends:
  disk:
    files:
      import_path: /data/pXX/imports
      export_path: /data/pXX/exports
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != 9090 {
		t.Fatalf("port = %d, want 9090", c.Port)
	}
	b, ok := c.Backend("files")
	if !ok {
		t.Fatal("expected backends.disk.files to load")
	}
	if b.Name != "files" {
		t.Fatalf("backend name = %q, want %q", b.Name, "files")
	}
}

func TestExportPolicy_Evaluate(t *testing.T) {
	tests := []struct {
		name       string
		policy     ExportPolicy
		mime       string
		size       int64
		exportable bool
	}{
		{"disabled policy allows anything", ExportPolicy{Disabled: true}, "application/x-evil", 1 << 30, true},
		{"no restrictions", ExportPolicy{}, "text/plain", 10, true},
		{"mime not allowed", ExportPolicy{AllowedMimeTypes: []string{"text/plain"}}, "image/png", 10, false},
		{"wildcard mime", ExportPolicy{AllowedMimeTypes: []string{"*"}}, "image/png", 10, true},
		{"over max size", ExportPolicy{MaxSizeBytes: 100}, "text/plain", 200, false},
		{"within max size", ExportPolicy{MaxSizeBytes: 100}, "text/plain", 50, true},
	}
	for _, tt := range tests {
		exportable, reason := tt.policy.Evaluate(tt.mime, tt.size)
		if exportable != tt.exportable {
			t.Errorf("%s: exportable = %v, want %v (reason=%q)", tt.name, exportable, tt.exportable, reason)
		}
		if !exportable && reason == "" {
			t.Errorf("%s: expected a non-empty reason when not exportable", tt.name)
		}
	}
}

func TestSkipsHook(t *testing.T) {
	c := DefaultConfig() // SkipHookBackends: ["cluster"]
	if !c.SkipsHook("cluster", "p99") {
		t.Fatal("cluster backend should skip hook by default")
	}
	if c.SkipsHook("files", "p99") {
		t.Fatal("files backend should not skip hook by default")
	}
	c.HookExemptTenants = []string{"p01"}
	if c.SkipsHook("cluster", "p01") {
		t.Fatal("exempt tenant should not skip hook even on a skip-listed backend")
	}
}
