// Package inmem provides an in-memory versionstore.Store for tests and
// local development.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workflowmanager/engine/versionstore"
)

// Store implements versionstore.Store in memory.
type Store struct {
	mu        sync.Mutex
	templates map[string]*versionstore.Template
	versions  map[string]*versionstore.Version
}

// New returns an empty in-memory version store.
func New() *Store {
	return &Store{
		templates: make(map[string]*versionstore.Template),
		versions:  make(map[string]*versionstore.Version),
	}
}

var _ versionstore.Store = (*Store)(nil)

func newTemplateID() string { return "tpl_" + uuid.Must(uuid.NewV7()).String() }
func newVersionID() string  { return "ver_" + uuid.Must(uuid.NewV7()).String() }

// GetOrCreateTemplate implements versionstore.Store.
func (s *Store) GetOrCreateTemplate(_ context.Context, name, userID string) (versionstore.Template, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.templates {
		if t.Name == name && t.OwnerUserID == userID && t.Scope == versionstore.ScopeUser {
			return *t, false, nil
		}
	}

	now := time.Now().UTC()
	tpl := &versionstore.Template{
		ID: newTemplateID(), Name: name, OwnerUserID: userID,
		Scope: versionstore.ScopeUser, Visibility: versionstore.VisibilityVisible,
		CreatedAt: now, UpdatedAt: now,
	}
	s.templates[tpl.ID] = tpl
	return *tpl, true, nil
}

// GetOrCreateGlobalTemplate implements versionstore.Store.
func (s *Store) GetOrCreateGlobalTemplate(_ context.Context, name, ownerUserID string) (versionstore.Template, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.templates {
		if t.Name == name && t.Scope == versionstore.ScopeGlobal {
			return *t, false, nil
		}
	}

	now := time.Now().UTC()
	tpl := &versionstore.Template{
		ID: newTemplateID(), Name: name, OwnerUserID: versionstore.GlobalOwner,
		Scope: versionstore.ScopeGlobal, Visibility: versionstore.VisibilityPublic,
		CreatedAt: now, UpdatedAt: now,
	}
	_ = ownerUserID
	s.templates[tpl.ID] = tpl
	return *tpl, true, nil
}

// GetOrCreateHiddenTemplate implements versionstore.Store.
func (s *Store) GetOrCreateHiddenTemplate(_ context.Context, globalTemplateID, userID string) (versionstore.Template, bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	syntheticName := fmt.Sprintf("global_%s_%s", globalTemplateID, userID)
	for _, t := range s.templates {
		if t.Name == syntheticName && t.OwnerUserID == userID {
			return *t, false, syntheticName, nil
		}
	}

	now := time.Now().UTC()
	tpl := &versionstore.Template{
		ID: newTemplateID(), Name: syntheticName, OwnerUserID: userID,
		Scope: versionstore.ScopeUser, Visibility: versionstore.VisibilityHidden,
		DerivedFrom: globalTemplateID, CreatedAt: now, UpdatedAt: now,
	}
	s.templates[tpl.ID] = tpl
	return *tpl, true, syntheticName, nil
}

// GetTemplate implements versionstore.Store.
func (s *Store) GetTemplate(_ context.Context, templateID string) (versionstore.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[templateID]
	if !ok {
		return versionstore.Template{}, versionstore.ErrNotFound
	}
	return *t, nil
}

// GetVersion implements versionstore.Store.
func (s *Store) GetVersion(_ context.Context, versionID string) (versionstore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return versionstore.Version{}, versionstore.ErrNotFound
	}
	return *v, nil
}

// GetVersionByContentHash implements versionstore.Store.
func (s *Store) GetVersionByContentHash(_ context.Context, templateID, hash string) (versionstore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.TemplateID == templateID && v.ContentHash == hash {
			return *v, nil
		}
	}
	return versionstore.Version{}, versionstore.ErrNotFound
}

// CreateSourceVersion implements versionstore.Store.
func (s *Store) CreateSourceVersion(_ context.Context, templateID, contentHash string, sourceType versionstore.SourceType, resolvedWorkflow map[string]any) (versionstore.Version, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.versions {
		if v.TemplateID == templateID && v.ContentHash == contentHash {
			return *v, false, nil
		}
	}

	v := &versionstore.Version{
		ID: newVersionID(), TemplateID: templateID, ContentHash: contentHash,
		SourceType: sourceType, VersionType: versionstore.VersionRaw,
		ResolvedWorkflow: resolvedWorkflow, CreatedAt: time.Now().UTC(),
	}
	s.versions[v.ID] = v
	return *v, true, nil
}

// CreateResolvedVersion implements versionstore.Store.
func (s *Store) CreateResolvedVersion(_ context.Context, templateID, parentVersionID string, resolvedWorkflow map[string]any, requires []versionstore.CapabilityRequirement, contentHash string) (versionstore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if contentHash == "" {
		contentHash = versionstore.ContentHash(resolvedWorkflow)
	}

	for _, v := range s.versions {
		if v.TemplateID == templateID && v.ContentHash == contentHash {
			return *v, nil
		}
	}

	v := &versionstore.Version{
		ID: newVersionID(), TemplateID: templateID, ContentHash: contentHash,
		SourceType: versionstore.SourceJSON, VersionType: versionstore.VersionResolved,
		ParentWorkflowVersion: parentVersionID, Requires: requires,
		ResolvedWorkflow: resolvedWorkflow, CreatedAt: time.Now().UTC(),
	}
	s.versions[v.ID] = v
	return *v, nil
}

// SetVersionType implements versionstore.Store.
func (s *Store) SetVersionType(_ context.Context, versionID string, versionType versionstore.VersionType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return versionstore.ErrNotFound
	}
	v.VersionType = versionType
	return nil
}

// ResolvedChildren implements versionstore.Store.
func (s *Store) ResolvedChildren(_ context.Context, parentVersionID string) ([]versionstore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []versionstore.Version
	for _, v := range s.versions {
		if v.VersionType == versionstore.VersionResolved && v.ParentWorkflowVersion == parentVersionID {
			out = append(out, *v)
		}
	}
	return out, nil
}

// SourceVersionsForTemplate implements versionstore.Store.
func (s *Store) SourceVersionsForTemplate(_ context.Context, templateID string, limit int) ([]versionstore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []versionstore.Version
	for _, v := range s.versions {
		if v.TemplateID != templateID {
			continue
		}
		if v.VersionType != versionstore.VersionRaw && v.VersionType != versionstore.VersionUnresolved {
			continue
		}
		out = append(out, *v)
	}
	sortByCreatedAtDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestSourceVersion implements versionstore.Store.
func (s *Store) LatestSourceVersion(_ context.Context, templateName, userID string) (versionstore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var templateID string
	for _, t := range s.templates {
		if t.Name == templateName && t.OwnerUserID == userID {
			templateID = t.ID
			break
		}
	}
	if templateID == "" {
		return versionstore.Version{}, versionstore.ErrNotFound
	}

	var candidates []versionstore.Version
	for _, v := range s.versions {
		if v.TemplateID == templateID && (v.VersionType == versionstore.VersionRaw || v.VersionType == versionstore.VersionUnresolved) {
			candidates = append(candidates, *v)
		}
	}
	if len(candidates) == 0 {
		return versionstore.Version{}, versionstore.ErrNotFound
	}
	sortByCreatedAtDesc(candidates)
	return candidates[0], nil
}

// AllVersionsForTemplate implements versionstore.Store.
func (s *Store) AllVersionsForTemplate(_ context.Context, templateID string) ([]versionstore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []versionstore.Version
	for _, v := range s.versions {
		if v.TemplateID == templateID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func sortByCreatedAtDesc(versions []versionstore.Version) {
	sort.Slice(versions, func(i, j int) bool { return versions[i].CreatedAt.After(versions[j].CreatedAt) })
}
