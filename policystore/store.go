// Package policystore implements the tenant-scoped, cached read-through
// access to SLA thresholds and reason-code metadata described in
// spec.md §2 "Policy Store". It holds no billing rates and has no
// billing-rate lookup. The reason-code catalog is
// loaded once from a YAML file (policy/reason_codes.yaml) per
// SPEC_FULL.md's data-model expansion; tenant SLA policy is read
// through a pluggable TenantLoader and cached process-wide until
// invalidated.
package policystore

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
	"gopkg.in/yaml.v3"
)

// TenantLoader fetches a tenant's SLA policy from its backing store
// (the `tenants` table). Implementations live outside this package;
// policystore only caches what they return.
type TenantLoader interface {
	LoadSLAPolicy(ctx context.Context, tenant string) (domain.SLAPolicy, error)
}

// Store is the process-local, read-mostly policy cache, invalidated on
// operator request per spec.md §5 "Shared state".
type Store struct {
	loader TenantLoader
	logger core.Logger

	mu        sync.RWMutex
	policies  map[string]domain.SLAPolicy
	reasonMeta map[domain.ReasonCode]domain.ReasonCodeMeta
}

// New builds a Store. The reason-code catalog is loaded eagerly from
// catalogPath; a missing or malformed catalog is a startup error since
// every exception created by the core carries one of these codes.
func New(loader TenantLoader, catalogPath string, logger core.Logger) (*Store, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	s := &Store{
		loader:   loader,
		logger:   logger,
		policies: make(map[string]domain.SLAPolicy),
	}
	meta, err := loadCatalog(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("policystore: load reason-code catalog: %w", err)
	}
	s.reasonMeta = meta
	return s, nil
}

// SLAPolicy returns the cached policy for tenant, fetching and caching
// it via the TenantLoader on a cache miss.
func (s *Store) SLAPolicy(ctx context.Context, tenant string) (domain.SLAPolicy, error) {
	s.mu.RLock()
	if p, ok := s.policies[tenant]; ok {
		s.mu.RUnlock()
		return p, nil
	}
	s.mu.RUnlock()

	p, err := s.loader.LoadSLAPolicy(ctx, tenant)
	if err != nil {
		return domain.SLAPolicy{}, core.NewDomainError("policystore.SLAPolicy", core.KindTransient, err)
	}

	s.mu.Lock()
	s.policies[tenant] = p
	s.mu.Unlock()
	return p, nil
}

// ReasonCodeMeta returns the static catalog entry for code, or false if
// code is outside the closed set.
func (s *Store) ReasonCodeMeta(code domain.ReasonCode) (domain.ReasonCodeMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.reasonMeta[code]
	return meta, ok
}

// InvalidateTenant drops the cached policy for tenant, forcing the next
// SLAPolicy call to read through to the TenantLoader.
func (s *Store) InvalidateTenant(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, tenant)
}

// InvalidateAll clears the entire tenant policy cache — the "operator
// request" invalidation path spec.md §5 describes, wired to the
// admin POST /admin/cache/clear contract (§6, out of scope here).
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = make(map[string]domain.SLAPolicy)
}

// ReloadCatalog re-reads the reason-code catalog from disk, mirroring
// the Prompt Loader's operator-triggered Reload() in ai.PromptLoader.
func (s *Store) ReloadCatalog(catalogPath string) error {
	meta, err := loadCatalog(catalogPath)
	if err != nil {
		return fmt.Errorf("policystore: reload reason-code catalog: %w", err)
	}
	s.mu.Lock()
	s.reasonMeta = meta
	s.mu.Unlock()
	return nil
}

type catalogFile struct {
	ReasonCodes []domain.ReasonCodeMeta `yaml:"reason_codes"`
}

func loadCatalog(path string) (map[domain.ReasonCode]domain.ReasonCodeMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out := make(map[domain.ReasonCode]domain.ReasonCodeMeta, len(file.ReasonCodes))
	for _, m := range file.ReasonCodes {
		out[m.Code] = m
	}
	return out, nil
}
