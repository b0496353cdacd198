// Package versionstore stores workflow templates and their version trees:
// raw (no execution groups), unresolved (source with execution groups, has
// resolved children), and resolved (one concrete, runnable path). Insertion
// is deduplicated by content hash per template; an unresolved version is
// never assigned to a run directly, only through BestForCapabilities.
package versionstore

import (
	"context"
	"errors"
	"time"
)

// SourceType identifies how a version's content was submitted.
type SourceType string

const (
	SourceJSON SourceType = "json"
	SourceZip  SourceType = "zip"
)

// VersionType is a version's position in the raw → unresolved → resolved
// lifecycle.
type VersionType string

const (
	VersionRaw        VersionType = "raw"
	VersionUnresolved VersionType = "unresolved"
	VersionResolved   VersionType = "resolved"
)

// Scope distinguishes per-user templates from global ones.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeGlobal Scope = "global"
)

// Visibility controls whether a template shows up in template listings.
type Visibility string

const (
	VisibilityVisible Visibility = "visible"
	VisibilityHidden  Visibility = "hidden"
	VisibilityPublic  Visibility = "public"
)

// GlobalOwner is the sentinel owning user id for global templates.
const GlobalOwner = "global"

type (
	// Template is a named, per-user or global entity owning a sequence of
	// versions.
	Template struct {
		ID          string
		Name        string
		OwnerUserID string
		Scope       Scope
		Visibility  Visibility
		DerivedFrom string
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// CapabilityRequirement is one entry of a resolved version's `requires`
	// list.
	CapabilityRequirement struct {
		Capability string
		Priority   int
	}

	// Version is an immutable workflow definition snapshot.
	Version struct {
		ID                     string
		TemplateID             string
		ContentHash            string
		SourceType             SourceType
		VersionType            VersionType
		ParentWorkflowVersion  string
		Requires               []CapabilityRequirement
		ResolvedWorkflow       map[string]any
		CreatedAt              time.Time
	}

	// Store persists workflow templates and versions.
	Store interface {
		// GetOrCreateTemplate returns the per-user template for name,
		// creating it (scope=user) if absent.
		GetOrCreateTemplate(ctx context.Context, name, userID string) (Template, bool, error)

		// GetOrCreateGlobalTemplate returns the global template for name,
		// creating it (scope=global) if absent.
		GetOrCreateGlobalTemplate(ctx context.Context, name, ownerUserID string) (Template, bool, error)

		// GetOrCreateHiddenTemplate returns the per-user hidden shadow
		// template for a global template, creating it if absent. The
		// synthetic name embeds the global template id and user id so
		// collisions are impossible.
		GetOrCreateHiddenTemplate(ctx context.Context, globalTemplateID, userID string) (tpl Template, isNew bool, syntheticName string, err error)

		// GetTemplate returns a template by id.
		GetTemplate(ctx context.Context, templateID string) (Template, error)

		// GetVersion returns a version by id.
		GetVersion(ctx context.Context, versionID string) (Version, error)

		// GetVersionByContentHash returns the version in templateID whose
		// content hash equals hash, or ErrNotFound.
		GetVersionByContentHash(ctx context.Context, templateID, hash string) (Version, error)

		// CreateSourceVersion stores resolvedWorkflow as a new raw version,
		// deduplicated by content hash within templateID. isNew is false
		// when a version with that hash already existed.
		CreateSourceVersion(ctx context.Context, templateID, contentHash string, sourceType SourceType, resolvedWorkflow map[string]any) (version Version, isNew bool, err error)

		// CreateResolvedVersion stores a resolved child of parentVersionID,
		// deduplicated by content hash within templateID.
		CreateResolvedVersion(ctx context.Context, templateID, parentVersionID string, resolvedWorkflow map[string]any, requires []CapabilityRequirement, contentHash string) (Version, error)

		// SetVersionType updates a version's type. Used only for the
		// raw → unresolved promotion.
		SetVersionType(ctx context.Context, versionID string, versionType VersionType) error

		// ResolvedChildren returns every resolved child of parentVersionID.
		ResolvedChildren(ctx context.Context, parentVersionID string) ([]Version, error)

		// SourceVersionsForTemplate returns raw/unresolved versions for a
		// template, most recent first.
		SourceVersionsForTemplate(ctx context.Context, templateID string, limit int) ([]Version, error)

		// LatestSourceVersion returns the most recently created raw or
		// unresolved version for (templateName, userID), or ErrNotFound.
		LatestSourceVersion(ctx context.Context, templateName, userID string) (Version, error)

		// AllVersionsForTemplate returns every version (any type) stored
		// under templateID; used by CopyVersionTree/SyncTemplateVersions.
		AllVersionsForTemplate(ctx context.Context, templateID string) ([]Version, error)
	}
)

// ErrNotFound is returned when a referenced template or version does not
// exist.
var ErrNotFound = errors.New("versionstore: not found")

// ErrNoRunnableVersion is returned by BestForCapabilities when the parent
// is unresolved and no resolved child matches the supplied capabilities.
var ErrNoRunnableVersion = errors.New("versionstore: no runnable version for capabilities")

// ExecutionGroupExpander enumerates every concrete execution path through a
// raw workflow's execution groups. It is an external dependency (the
// engine does not implement execution-group expansion itself); ProcessAndStore
// calls it once per newly-created source version.
type ExecutionGroupExpander interface {
	Expand(ctx context.Context, resolvedWorkflow map[string]any) ([]ExpandedPath, error)
}

// ExpandedPath is one concrete path produced by an ExecutionGroupExpander.
type ExpandedPath struct {
	FlattenedWorkflow map[string]any
	Requires          []CapabilityRequirement
	SelectedPaths     map[string]string
}
