// Package branchgraph tracks branch lineage for a run. A branch is a
// partial history viewport: an ordered list of ancestors, each with an
// optional event-id cutoff, ending at the branch itself (whose cutoff is
// always null/empty). Branches are never mutated after creation; retry,
// jump, and recovery all fork a new child branch rather than editing one
// in place.
package branchgraph

import (
	"context"
	"fmt"
	"time"
)

type (
	// LineageEntry is one (ancestor_branch_id, cutoff_event_id) pair. An
	// empty Cutoff means "include all events on this ancestor".
	LineageEntry struct {
		BranchID string
		Cutoff   string
	}

	// Branch is a node in the branch graph for a single run.
	Branch struct {
		ID        string
		RunID     string
		Lineage   []LineageEntry
		CreatedAt time.Time
	}

	// Store persists branches. create_root/create_child are the only
	// write operations; a branch, once created, is read-only.
	Store interface {
		// CreateRoot creates the run's first branch, whose lineage is
		// exactly [(self, "")].
		CreateRoot(ctx context.Context, runID string) (*Branch, error)

		// CreateChild forks parent at cutoff (empty means "everything so
		// far on parent"), copying parent's lineage and setting parent's
		// own cutoff entry to the supplied value, then appending
		// (child, "").
		CreateChild(ctx context.Context, runID, parentBranchID, cutoff string) (*Branch, error)

		// Get returns a single branch by id.
		Get(ctx context.Context, branchID string) (*Branch, error)

		// Lineage returns the lineage of branchID, root first.
		Lineage(ctx context.Context, branchID string) ([]LineageEntry, error)

		// DeleteByRun removes every branch belonging to a run.
		DeleteByRun(ctx context.Context, runID string) error
	}
)

// ErrNotFound is returned when a referenced branch does not exist.
var ErrNotFound = fmt.Errorf("branchgraph: branch not found")

// BuildChildLineage copies parent's lineage, rewriting the parent's own
// entry to carry the fork cutoff, then appends the new child with no
// cutoff. Every Store implementation calls this so the fork algorithm lives
// in exactly one place.
func BuildChildLineage(parentLineage []LineageEntry, parentBranchID, childBranchID, cutoff string) []LineageEntry {
	lineage := make([]LineageEntry, 0, len(parentLineage)+1)
	for _, entry := range parentLineage {
		if entry.BranchID == parentBranchID {
			lineage = append(lineage, LineageEntry{BranchID: entry.BranchID, Cutoff: cutoff})
			continue
		}
		lineage = append(lineage, entry)
	}
	lineage = append(lineage, LineageEntry{BranchID: childBranchID, Cutoff: ""})
	return lineage
}
