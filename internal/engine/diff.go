package engine

import (
	"fmt"

	"formflow-backend/internal/metadata"
)

// BlockChange records one modified block with full before/after snapshots
// so changelog consumers can render the whole block, not just the delta.
type BlockChange struct {
	ID     string         `json:"id"`
	Before metadata.Block `json:"before"`
	After  metadata.Block `json:"after"`
}

// DiffResult is the structural difference between two workflow graph
// versions, keyed by stable block identity. It is serialized verbatim into
// the published version's changelog column.
type DiffResult struct {
	Added    []metadata.Block `json:"added"`
	Removed  []metadata.Block `json:"removed"`
	Modified []BlockChange    `json:"modified"`
}

// DiffGraphs computes the added, removed, and modified blocks between two
// graph snapshots. Both graphs are validated first: every block must carry a
// non-empty id that is unique within its graph, otherwise a typed
// INVALID_GRAPH error is returned and the caller (the publish flow) aborts.
//
// The result is pure and deterministic: added and modified follow next-graph
// order, removed follows previous-graph order, and every block id appearing
// in either graph lands in exactly one of added, removed, modified, or
// unchanged.
func DiffGraphs(previous, next *metadata.Graph) (*DiffResult, error) {
	if previous == nil {
		previous = &metadata.Graph{}
	}
	if next == nil {
		next = &metadata.Graph{}
	}

	if err := ValidateGraph(previous); err != nil {
		return nil, err
	}
	if err := ValidateGraph(next); err != nil {
		return nil, err
	}

	prevBlocks := previous.Flatten()
	nextBlocks := next.Flatten()

	prevByID := make(map[string]metadata.Block, len(prevBlocks))
	for _, placed := range prevBlocks {
		prevByID[placed.Block.ID] = placed.Block
	}

	result := &DiffResult{
		Added:    []metadata.Block{},
		Removed:  []metadata.Block{},
		Modified: []BlockChange{},
	}

	seen := make(map[string]bool, len(nextBlocks))
	for _, placed := range nextBlocks {
		block := placed.Block
		seen[block.ID] = true

		before, existed := prevByID[block.ID]
		if !existed {
			result.Added = append(result.Added, block)
			continue
		}
		if !metadata.BlocksEqual(before, block) {
			result.Modified = append(result.Modified, BlockChange{
				ID:     block.ID,
				Before: before,
				After:  block,
			})
		}
	}

	for _, placed := range prevBlocks {
		if !seen[placed.Block.ID] {
			result.Removed = append(result.Removed, placed.Block)
		}
	}

	return result, nil
}

// ValidateGraph checks the structural invariants diffing depends on:
// non-empty page ids, and non-empty block ids unique across the graph.
func ValidateGraph(g *metadata.Graph) error {
	var problems []string
	seen := make(map[string]string) // block id -> page id of first occurrence

	for pi, page := range g.Pages {
		if page.ID == "" {
			problems = append(problems, fmt.Sprintf("page at index %d has no id", pi))
		}
		for bi, block := range page.Blocks {
			if block.ID == "" {
				problems = append(problems, fmt.Sprintf("block at page %q index %d has no id", page.ID, bi))
				continue
			}
			if firstPage, dup := seen[block.ID]; dup {
				problems = append(problems, fmt.Sprintf("duplicate block id %q (pages %q and %q)", block.ID, firstPage, page.ID))
				continue
			}
			seen[block.ID] = page.ID
		}
	}

	if len(problems) > 0 {
		return InvalidGraphError(problems)
	}
	return nil
}
