package graph

import "context"

// Node is the page/title projection of a visited graph node.
type Node struct {
	GID    string `json:"gid"`
	PageNo int    `json:"page_no"`
	Title  string `json:"title,omitempty"`
}

// Edge is a directed, weighted, labeled relationship between two pages.
type Edge struct {
	FromGID   string  `json:"from"`
	ToGID     string  `json:"to"`
	Predicate string  `json:"pred"`
	Weight    float64 `json:"weight"`
	HintScore float64 `json:"hint_score,omitempty"`
}

// Result is the subgraph produced by a traversal: the visited nodes, every
// traversed edge (including edges to nodes discovered but never dequeued),
// and the shortest hop distance at which each node was first reached.
type Result struct {
	Nodes     []Node         `json:"nodes"`
	Edges     []Edge         `json:"edges"`
	Distances map[string]int `json:"distances"`
}

// EdgeSource is the read surface the traversal needs from the capsule.
// Outgoing must return edges in descending weight order.
type EdgeSource interface {
	NodeByGID(ctx context.Context, gid string) (Node, error)
	Outgoing(ctx context.Context, gid string, predicate string) ([]Edge, error)
}
