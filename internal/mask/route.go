package mask

import (
	"context"
	"fmt"
	"slices"
)

type Blocked struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	At      string `json:"at"`
}

type Route struct {
	OK       bool     `json:"ok"`
	Path     []string `json:"path"`
	Edges    []string `json:"edges"`
	Distance int      `json:"distance"`
	Cost     int      `json:"cost"`
	Blocked  *Blocked `json:"blocked,omitempty"`
}

// Route finds the shortest path by hop count from one location to another
// over edges usable under the current facts. Locations whose state has
// "blocked" set cannot be entered. A failed route reports the first block
// seen, or the block right at the goal when there is one.
func (e *Engine) Route(ctx context.Context, session, from, to string) (*Route, error) {
	if _, err := e.world.GetLocation(ctx, session, from); err != nil {
		return nil, &ResolutionError{Kind: "location", ID: from, Err: err}
	}
	if _, err := e.world.GetLocation(ctx, session, to); err != nil {
		return nil, &ResolutionError{Kind: "location", ID: to, Err: err}
	}
	if from == to {
		return &Route{OK: true, Path: []string{from}, Edges: []string{}}, nil
	}
	facts, err := e.facts.GetFacts(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("reading facts: %w", err)
	}

	parent := map[string]hop{from: {}}
	queue := []string{from}
	var firstBlocked *Blocked

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		edges, err := e.world.GetEdges(ctx, session, cur)
		if err != nil {
			return nil, fmt.Errorf("reading edges from %s: %w", cur, err)
		}
		for _, edge := range edges {
			if _, seen := parent[edge.To]; seen {
				continue
			}
			if !usable(edge, facts) {
				if firstBlocked == nil || edge.To == to {
					firstBlocked = &Blocked{
						Reason:  "edge_locked",
						Message: fmt.Sprintf("edge %s needs %s", edge.ID, edge.Requires),
						At:      edge.ID,
					}
				}
				continue
			}
			dest, err := e.world.GetLocation(ctx, session, edge.To)
			if err != nil {
				return nil, &ResolutionError{Kind: "location", ID: edge.To, Err: err}
			}
			if blocked, _ := dest.State["blocked"].(bool); blocked {
				if firstBlocked == nil || dest.ID == to {
					firstBlocked = &Blocked{
						Reason:  "node_blocked",
						Message: fmt.Sprintf("location %s is blocked", dest.ID),
						At:      dest.ID,
					}
				}
				continue
			}

			parent[edge.To] = hop{prev: cur, edge: edge.ID, cost: edge.Cost}
			if edge.To == to {
				return buildRoute(parent, from, to), nil
			}
			queue = append(queue, edge.To)
		}
	}

	if firstBlocked == nil {
		firstBlocked = &Blocked{
			Reason:  "unreachable",
			Message: fmt.Sprintf("no path from %s to %s", from, to),
			At:      from + "->" + to,
		}
	}
	return &Route{OK: false, Path: []string{}, Edges: []string{}, Distance: -1, Blocked: firstBlocked}, nil
}

type hop struct {
	prev string
	edge string
	cost int
}

func buildRoute(parent map[string]hop, from, to string) *Route {
	var path, edges []string
	total := 0
	for cur := to; cur != from; cur = parent[cur].prev {
		h := parent[cur]
		path = append(path, cur)
		edges = append(edges, h.edge)
		total += h.cost
	}
	path = append(path, from)
	slices.Reverse(path)
	slices.Reverse(edges)
	return &Route{OK: true, Path: path, Edges: edges, Distance: len(edges), Cost: total}
}
