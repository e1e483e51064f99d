// Package tenant implements the Tenant Resolver (C1): extracting and
// validating the tenant segment of a request path, then materializing
// per-tenant, per-backend filesystem paths from the configured templates.
package tenant

import (
	"os"
	"strings"

	"github.com/hazyhaar/tsdgate/apierr"
	"github.com/hazyhaar/tsdgate/config"
)

// Resolve validates a tenant segment against the configured regex.
func Resolve(cfg *config.Config, tenant string) (string, error) {
	if tenant == "" || !cfg.TenantRegex().MatchString(tenant) {
		return "", apierr.BadTenant("tenant does not match configured pattern")
	}
	return tenant, nil
}

// Dir substitutes cfg.TenantStringPattern for tenant in pattern, e.g.
// "/data/pXX/imports" -> "/data/p01/imports".
func Dir(cfg *config.Config, pattern, tenant string) string {
	return strings.ReplaceAll(pattern, cfg.TenantStringPattern, tenant)
}

// EnsureBackendDir resolves the backend's import directory for tenant and
// creates it (0700) if missing — required for the cluster backend and any
// non-privileged tenant per SPEC_FULL.md §4.1. Returns BackendUnavailable on
// failure to create.
func EnsureBackendDir(cfg *config.Config, backend *config.Backend, tenant string) (string, error) {
	dir := Dir(cfg, backend.ImportPath, tenant)
	if dir == "" {
		return "", apierr.BackendUnavailable("backend has no import_path configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", apierr.Wrap(apierr.KindBackendUnavailable, 500, "cannot create tenant directory", err)
	}
	return dir, nil
}

// ExportDir resolves the backend's export directory for tenant.
func ExportDir(cfg *config.Config, backend *config.Backend, tenant string) string {
	return Dir(cfg, backend.ExportPath, tenant)
}
