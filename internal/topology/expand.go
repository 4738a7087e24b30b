// Package topology walks the relation graph around a CI.
package topology

import (
	"context"

	"github.com/cmdb-studio/relgraph/internal/models"
)

const (
	MinDepth        = 1
	MaxDepth        = 4
	DefaultMaxNodes = 500
)

// Graph is the storage view the walk needs.
type Graph interface {
	// Relations returns every edge with ciID as source or target.
	Relations(ctx context.Context, ciID uint) ([]models.Relation, error)
	// Instances loads CIs by id; unknown ids are absent from the map.
	Instances(ctx context.Context, ids []uint) (map[uint]models.CIInstance, error)
}

// AccessFunc decides whether the caller may see an edge between two CIs.
type AccessFunc func(source, target *models.CIInstance) bool

// AllowAll is the AccessFunc of an unrestricted caller.
func AllowAll(*models.CIInstance, *models.CIInstance) bool { return true }

// Node is a CI reached by the walk.
type Node struct {
	CI    models.CIInstance
	Depth int
}

type Result struct {
	// Nodes in discovery order; Nodes[0] is the start CI.
	Nodes     []Node
	Edges     []models.Relation
	Truncated bool
}

// NodeIDs returns the ids of the result nodes in order.
func (r *Result) NodeIDs() []uint {
	ids := make([]uint, len(r.Nodes))
	for i, n := range r.Nodes {
		ids[i] = n.CI.ID
	}
	return ids
}

// ClampDepth bounds a requested depth to MinDepth..MaxDepth.
func ClampDepth(depth int) int {
	if depth < MinDepth {
		return MinDepth
	}
	if depth > MaxDepth {
		return MaxDepth
	}
	return depth
}

type queued struct {
	id    uint
	depth int
}

// Expand walks breadth-first from start, ignoring edge direction. Nodes at
// maxDepth are included but not expanded. Edges rejected by access are not
// followed. When more than maxNodes are reached the earliest discovered are
// kept (start always survives) and edges are trimmed to surviving endpoints.
func Expand(ctx context.Context, g Graph, start *models.CIInstance, maxDepth int, access AccessFunc, maxNodes int) (*Result, error) {
	if access == nil {
		access = AllowAll
	}
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}

	cache := map[uint]models.CIInstance{start.ID: *start}
	depthOf := map[uint]int{start.ID: 0}
	order := []uint{start.ID}
	seenEdges := map[uint]struct{}{}
	var edges []models.Relation

	queue := []queued{{id: start.ID, depth: 0}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}

		rels, err := g.Relations(ctx, cur.id)
		if err != nil {
			return nil, err
		}
		if err := loadMissing(ctx, g, rels, cache); err != nil {
			return nil, err
		}

		for _, rel := range rels {
			if _, ok := seenEdges[rel.ID]; ok {
				continue
			}
			src, okSrc := cache[rel.SourceCIID]
			tgt, okTgt := cache[rel.TargetCIID]
			if !okSrc || !okTgt {
				continue
			}
			if !access(&src, &tgt) {
				continue
			}
			seenEdges[rel.ID] = struct{}{}
			edges = append(edges, rel)

			next := cur.depth + 1
			for _, id := range [2]uint{rel.SourceCIID, rel.TargetCIID} {
				d, seen := depthOf[id]
				if seen && d <= next {
					continue
				}
				if !seen {
					order = append(order, id)
				}
				depthOf[id] = next
				queue = append(queue, queued{id: id, depth: next})
			}
		}
	}

	res := &Result{}
	if len(order) > maxNodes {
		order = order[:maxNodes]
		res.Truncated = true
	}
	keep := make(map[uint]struct{}, len(order))
	for _, id := range order {
		keep[id] = struct{}{}
		res.Nodes = append(res.Nodes, Node{CI: cache[id], Depth: depthOf[id]})
	}
	for _, e := range edges {
		_, a := keep[e.SourceCIID]
		_, b := keep[e.TargetCIID]
		if a && b {
			res.Edges = append(res.Edges, e)
		}
	}
	return res, nil
}

func loadMissing(ctx context.Context, g Graph, rels []models.Relation, cache map[uint]models.CIInstance) error {
	var missing []uint
	for _, r := range rels {
		for _, id := range [2]uint{r.SourceCIID, r.TargetCIID} {
			if _, ok := cache[id]; !ok {
				missing = append(missing, id)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	found, err := g.Instances(ctx, missing)
	if err != nil {
		return err
	}
	for id, ci := range found {
		cache[id] = ci
	}
	return nil
}
