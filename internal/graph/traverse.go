package graph

import (
	"context"
	"fmt"
	"strings"
)

const (
	defaultMaxHops = 2
	defaultLimit   = 50
)

// Traverse runs a breadth-first expansion from the seed node, bounded by
// maxHops and a total node limit. Neighbors of nodes sitting at the hop
// limit are not explored, but nodes already queued are still drained until
// the limit is reached. The distance map records the first (shortest) hop
// count for every discovered node.
func Traverse(ctx context.Context, src EdgeSource, seedGID, predicate string, maxHops, limit int) (*Result, error) {
	seedGID = strings.TrimSpace(seedGID)
	if seedGID == "" {
		return nil, fmt.Errorf("graph: seed gid required")
	}
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	seed, err := src.NodeByGID(ctx, seedGID)
	if err != nil {
		return nil, fmt.Errorf("graph: resolve seed %q: %w", seedGID, err)
	}

	type visit struct {
		gid      string
		distance int
	}

	queue := []visit{{gid: seed.GID, distance: 0}}
	visited := map[string]struct{}{seed.GID: {}}
	distances := map[string]int{seed.GID: 0}

	result := &Result{Distances: distances}

	for len(queue) > 0 && len(result.Nodes) < limit {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}
		current := queue[0]
		queue = queue[1:]

		node, err := src.NodeByGID(ctx, current.gid)
		if err != nil {
			return nil, fmt.Errorf("graph: resolve node %q: %w", current.gid, err)
		}
		result.Nodes = append(result.Nodes, node)

		if current.distance >= maxHops {
			continue
		}
		edges, err := src.Outgoing(ctx, current.gid, predicate)
		if err != nil {
			return nil, fmt.Errorf("graph: expand %q: %w", current.gid, err)
		}
		for _, edge := range edges {
			result.Edges = append(result.Edges, edge)
			if _, seen := visited[edge.ToGID]; seen {
				continue
			}
			visited[edge.ToGID] = struct{}{}
			distances[edge.ToGID] = current.distance + 1
			queue = append(queue, visit{gid: edge.ToGID, distance: current.distance + 1})
		}
	}
	return result, nil
}
