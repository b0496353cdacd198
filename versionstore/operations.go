package versionstore

import (
	"context"
	"fmt"
)

// Service composes Store with an ExecutionGroupExpander to implement the
// higher-level version-store operations that span multiple store calls:
// process_and_store, best_for_capabilities, copy_version_tree, and
// sync_template_versions.
type Service struct {
	Store    Store
	Expander ExecutionGroupExpander
}

// NewService returns a Service over store, using expander to enumerate
// execution-group paths during ProcessAndStore.
func NewService(store Store, expander ExecutionGroupExpander) *Service {
	return &Service{Store: store, Expander: expander}
}

// ProcessAndStore stores resolvedWorkflow as a raw version (deduplicated by
// content hash), then runs the execution-groups expansion: for each
// expanded path it stores a resolved child carrying that path's capability
// requirements, and finally promotes the source version from raw to
// unresolved if any paths were found. If the source version already
// existed (is_new false), expansion is skipped entirely — the caller
// already has whatever resolved children were created the first time.
func (s *Service) ProcessAndStore(ctx context.Context, templateID, contentHash string, sourceType SourceType, resolvedWorkflow map[string]any) (version Version, isNew bool, err error) {
	version, isNew, err = s.Store.CreateSourceVersion(ctx, templateID, contentHash, sourceType, resolvedWorkflow)
	if err != nil {
		return Version{}, false, fmt.Errorf("versionstore: process_and_store: %w", err)
	}
	if !isNew {
		return version, false, nil
	}

	paths, err := s.Expander.Expand(ctx, resolvedWorkflow)
	if err != nil {
		return Version{}, false, fmt.Errorf("versionstore: execution groups expansion: %w", err)
	}

	var hasExecutionGroups bool
	for _, path := range paths {
		hasExecutionGroups = true
		if _, err := s.Store.CreateResolvedVersion(ctx, templateID, version.ID, path.FlattenedWorkflow, path.Requires, ""); err != nil {
			return Version{}, false, fmt.Errorf("versionstore: create resolved version: %w", err)
		}
	}

	if hasExecutionGroups {
		if err := s.Store.SetVersionType(ctx, version.ID, VersionUnresolved); err != nil {
			return Version{}, false, fmt.Errorf("versionstore: promote to unresolved: %w", err)
		}
		version.VersionType = VersionUnresolved
	}

	return version, true, nil
}

// BestForCapabilities returns the resolved child of rawVersionID whose
// requires capabilities are a subset of capabilities and whose priority
// sum is highest; ties are broken by whichever child ResolvedChildren
// returns first. If no child matches and the parent is raw, the parent
// itself is returned (it has no execution groups to satisfy). If the
// parent is unresolved and nothing matches, ErrNoRunnableVersion.
func (s *Service) BestForCapabilities(ctx context.Context, rawVersionID string, capabilities []string) (Version, error) {
	parent, err := s.Store.GetVersion(ctx, rawVersionID)
	if err != nil {
		return Version{}, fmt.Errorf("versionstore: best_for_capabilities: %w", err)
	}

	children, err := s.Store.ResolvedChildren(ctx, rawVersionID)
	if err != nil {
		return Version{}, fmt.Errorf("versionstore: resolved children: %w", err)
	}

	have := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		have[c] = true
	}

	var best *Version
	bestScore := -1
	for i := range children {
		child := children[i]
		if !requiresSubsetOf(child.Requires, have) {
			continue
		}
		score := prioritySum(child.Requires)
		if score > bestScore {
			best = &children[i]
			bestScore = score
		}
	}

	if best != nil {
		return *best, nil
	}
	if parent.VersionType == VersionRaw {
		return parent, nil
	}
	return Version{}, ErrNoRunnableVersion
}

func requiresSubsetOf(requires []CapabilityRequirement, have map[string]bool) bool {
	for _, r := range requires {
		if !have[r.Capability] {
			return false
		}
	}
	return true
}

func prioritySum(requires []CapabilityRequirement) int {
	sum := 0
	for _, r := range requires {
		sum += r.Priority
	}
	return sum
}

// CopyVersionTree copies sourceVersionID and its resolved children into
// targetTemplateID, deduplicating by content hash against whatever
// versions targetTemplateID already has. Returns counts of versions
// inserted vs. already present.
func (s *Service) CopyVersionTree(ctx context.Context, sourceVersionID, targetTemplateID string) (inserted, existing int, err error) {
	source, err := s.Store.GetVersion(ctx, sourceVersionID)
	if err != nil {
		return 0, 0, fmt.Errorf("versionstore: copy_version_tree: %w", err)
	}

	targetVersions, err := s.Store.AllVersionsForTemplate(ctx, targetTemplateID)
	if err != nil {
		return 0, 0, fmt.Errorf("versionstore: copy_version_tree target versions: %w", err)
	}
	byHash := hashIndex(targetVersions)

	sourceTargetID, sourceInserted, err := s.ensureCopy(ctx, source, targetTemplateID, "", byHash)
	if err != nil {
		return 0, 0, err
	}
	if sourceInserted {
		inserted++
	} else {
		existing++
	}

	children, err := s.Store.ResolvedChildren(ctx, sourceVersionID)
	if err != nil {
		return 0, 0, fmt.Errorf("versionstore: copy_version_tree children: %w", err)
	}
	for _, child := range children {
		_, childInserted, err := s.ensureCopy(ctx, child, targetTemplateID, sourceTargetID, byHash)
		if err != nil {
			return 0, 0, err
		}
		if childInserted {
			inserted++
		} else {
			existing++
		}
	}

	return inserted, existing, nil
}

// SyncTemplateVersions copies every version from sourceTemplateID into
// targetTemplateID: raw/unresolved versions first (so resolved children
// can remap their parent id), then resolved versions.
func (s *Service) SyncTemplateVersions(ctx context.Context, sourceTemplateID, targetTemplateID string) (inserted, existing int, err error) {
	sourceVersions, err := s.Store.AllVersionsForTemplate(ctx, sourceTemplateID)
	if err != nil {
		return 0, 0, fmt.Errorf("versionstore: sync_template_versions source: %w", err)
	}
	targetVersions, err := s.Store.AllVersionsForTemplate(ctx, targetTemplateID)
	if err != nil {
		return 0, 0, fmt.Errorf("versionstore: sync_template_versions target: %w", err)
	}
	byHash := hashIndex(targetVersions)
	idMap := make(map[string]string)

	for _, v := range sourceVersions {
		if v.VersionType != VersionRaw && v.VersionType != VersionUnresolved {
			continue
		}
		targetID, wasInserted, err := s.ensureCopy(ctx, v, targetTemplateID, "", byHash)
		if err != nil {
			return 0, 0, err
		}
		idMap[v.ID] = targetID
		if wasInserted {
			inserted++
		} else {
			existing++
		}
	}

	for _, v := range sourceVersions {
		if v.VersionType != VersionResolved {
			continue
		}
		parentTarget := idMap[v.ParentWorkflowVersion]
		targetID, wasInserted, err := s.ensureCopy(ctx, v, targetTemplateID, parentTarget, byHash)
		if err != nil {
			return 0, 0, err
		}
		idMap[v.ID] = targetID
		if wasInserted {
			inserted++
		} else {
			existing++
		}
	}

	return inserted, existing, nil
}

func hashIndex(versions []Version) map[string]string {
	idx := make(map[string]string, len(versions))
	for _, v := range versions {
		if v.ContentHash != "" {
			idx[v.ContentHash] = v.ID
		}
	}
	return idx
}

func (s *Service) ensureCopy(ctx context.Context, source Version, targetTemplateID, parentTargetID string, byHash map[string]string) (targetID string, inserted bool, err error) {
	if existingID, ok := byHash[source.ContentHash]; ok {
		return existingID, false, nil
	}

	if source.VersionType == VersionResolved {
		v, err := s.Store.CreateResolvedVersion(ctx, targetTemplateID, parentTargetID, source.ResolvedWorkflow, source.Requires, source.ContentHash)
		if err != nil {
			return "", false, fmt.Errorf("versionstore: copy resolved version: %w", err)
		}
		byHash[source.ContentHash] = v.ID
		return v.ID, true, nil
	}

	v, _, err := s.Store.CreateSourceVersion(ctx, targetTemplateID, source.ContentHash, source.SourceType, source.ResolvedWorkflow)
	if err != nil {
		return "", false, fmt.Errorf("versionstore: copy source version: %w", err)
	}
	if source.VersionType == VersionUnresolved {
		if err := s.Store.SetVersionType(ctx, v.ID, VersionUnresolved); err != nil {
			return "", false, fmt.Errorf("versionstore: copy version type: %w", err)
		}
	}
	byHash[source.ContentHash] = v.ID
	return v.ID, true, nil
}
