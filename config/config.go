// Package config loads the single immutable, process-wide configuration
// record from a YAML file, the way sas_ingester's Config did, generalized
// to this service's tenant/backend/export-policy shape.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/tsdgate/horosafe"
)

// ExportPolicy gates which files a backend's export directory will serve.
type ExportPolicy struct {
	Disabled         bool     `yaml:"disabled"`
	AllowedMimeTypes []string `yaml:"allowed_mime_types"` // "*" means any
	MaxSizeBytes     int64    `yaml:"max_size_bytes"`     // 0 = unlimited
}

// Allows "*" wildcard or an exact MIME match.
func (p *ExportPolicy) allowsMime(mime string) bool {
	if len(p.AllowedMimeTypes) == 0 {
		return true
	}
	for _, m := range p.AllowedMimeTypes {
		if m == "*" || m == mime {
			return true
		}
	}
	return false
}

// Evaluate returns (exportable, reason). reason is empty when exportable.
func (p *ExportPolicy) Evaluate(mime string, size int64) (bool, string) {
	if p.Disabled {
		return true, ""
	}
	if !p.allowsMime(mime) {
		return false, "mime type not allowed"
	}
	if p.MaxSizeBytes > 0 && size > p.MaxSizeBytes {
		return false, "file exceeds max_size"
	}
	return true, ""
}

// Backend describes one of {cluster, files, store} for a tenant.
type Backend struct {
	Name         string       `yaml:"-"`
	ImportPath   string       `yaml:"import_path"`
	AdminPath    string       `yaml:"admin_path"`
	ExportPath   string       `yaml:"export_path"`
	ExportPolicy ExportPolicy `yaml:"export_policy"`
	RequestHook  string       `yaml:"request_hook"`
	HookUseSudo  bool         `yaml:"hook_use_sudo"`
}

// Config is the full, validated, read-only process configuration.
type Config struct {
	Port     int  `yaml:"port"`
	Debug    bool `yaml:"debug"`
	APIUser  string `yaml:"api_user"`

	TokenCheckTenant bool `yaml:"token_check_tenant"`
	TokenCheckExp    bool `yaml:"token_check_exp"`

	DisallowedStartChars string `yaml:"disallowed_start_chars"`
	RequestorClaimName   string `yaml:"requestor_claim_name"`
	TenantClaimName      string `yaml:"tenant_claim_name"`
	TenantStringPattern  string `yaml:"tenant_string_pattern"`
	ValidTenantRegex     string `yaml:"valid_tenant_regex"`
	ValidGroupRegex      string `yaml:"valid_group_regex"`

	ExportChunkSize  int `yaml:"export_chunk_size"`
	ExportMaxNumList int `yaml:"export_max_num_list"`

	JWTSecret string `yaml:"jwt_secret"`

	// SkipHookBackends lists backend names for which the request hook is
	// skipped for any tenant not in HookExemptTenants. Generalizes the
	// legacy cluster/p01 special case into a configuration flag.
	SkipHookBackends  []string `yaml:"skip_hook_backends"`
	HookExemptTenants []string `yaml:"hook_exempt_tenants"`

	ProxyPort           int `yaml:"proxy_port"`
	ProxyTimeoutSeconds int `yaml:"proxy_timeout_seconds"`

	AuditDBPath string `yaml:"audit_db_path"`

	Backends map[string]map[string]*Backend `yaml:"backends"` // backends["disk"]["files"] = ...

	tenantRe *regexp.Regexp
	groupRe  *regexp.Regexp
}

// DefaultConfig returns sane defaults mirroring the upstream service.
func DefaultConfig() *Config {
	return &Config{
		Port:                 8080,
		TokenCheckTenant:     true,
		TokenCheckExp:        true,
		DisallowedStartChars: ".~",
		RequestorClaimName:   "requestor",
		TenantClaimName:      "tenant",
		TenantStringPattern:  "pXX",
		ValidTenantRegex:     `^p[0-9]+$`,
		ValidGroupRegex:      `^p[0-9]+-[a-z0-9-]+$`,
		ExportChunkSize:      65536,
		ExportMaxNumList:     5000,
		SkipHookBackends:     []string{"cluster"},
		HookExemptTenants:    nil,
		ProxyPort:            8080,
		ProxyTimeoutSeconds:  12000,
		AuditDBPath:          "tsdgate_audit.db",
	}
}

// LoadConfig reads and parses a YAML config file, the sole CLI argument.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and compiles the tenant regex.
func (c *Config) Validate() error {
	if c.JWTSecret != "" {
		if err := horosafe.ValidateSecret([]byte(c.JWTSecret)); err != nil {
			return fmt.Errorf("jwt_secret: %w", err)
		}
	}

	if c.ValidTenantRegex == "" {
		return fmt.Errorf("valid_tenant_regex is required")
	}
	re, err := regexp.Compile(c.ValidTenantRegex)
	if err != nil {
		return fmt.Errorf("valid_tenant_regex: %w", err)
	}
	c.tenantRe = re

	if c.ValidGroupRegex != "" {
		gre, err := regexp.Compile(c.ValidGroupRegex)
		if err != nil {
			return fmt.Errorf("valid_group_regex: %w", err)
		}
		c.groupRe = gre
	}

	if c.ExportChunkSize <= 0 {
		return fmt.Errorf("export_chunk_size must be > 0")
	}
	if c.ExportMaxNumList <= 0 {
		return fmt.Errorf("export_max_num_list must be > 0")
	}
	for kind, backends := range c.Backends {
		for name, b := range backends {
			b.Name = name
			if b.ImportPath == "" && b.ExportPath == "" {
				return fmt.Errorf("backends.%s.%s: at least one of import_path/export_path required", kind, name)
			}
		}
	}
	return nil
}

// TenantRegex returns the compiled regex validating tenant segments.
func (c *Config) TenantRegex() *regexp.Regexp { return c.tenantRe }

// GroupRegex returns the compiled regex validating group names, or nil if
// none was configured.
func (c *Config) GroupRegex() *regexp.Regexp { return c.groupRe }

// Backend resolves the named disk backend (e.g. "files", "cluster", "store").
func (c *Config) Backend(name string) (*Backend, bool) {
	disk, ok := c.Backends["disk"]
	if !ok {
		return nil, false
	}
	b, ok := disk[name]
	return b, ok
}

// SkipsHook reports whether the request hook should be skipped for the
// given backend/tenant pair, per the generalized skip-hook configuration.
func (c *Config) SkipsHook(backend, tenant string) bool {
	skip := false
	for _, b := range c.SkipHookBackends {
		if b == backend {
			skip = true
			break
		}
	}
	if !skip {
		return false
	}
	for _, t := range c.HookExemptTenants {
		if t == tenant {
			return false
		}
	}
	return true
}
