package validate

import (
	"context"
	"time"

	"storywarden/internal/store"
)

// Sources is what the validator reads. It never writes.
type Sources interface {
	GetFacts(ctx context.Context, session string) (map[string]store.Fact, error)
	ListBeats(ctx context.Context, session string) ([]store.Beat, error)
	ListStoryEdges(ctx context.Context, session string) ([]store.StoryEdge, error)
	GetEntity(ctx context.Context, session, nameOrID string, at time.Time) (*store.Entity, error)
	ListSpells(ctx context.Context, session string) ([]store.Spell, error)
}

// StoryPrefix namespaces projections of the authored story graph so they can
// never collide with world facts.
const StoryPrefix = "story."

// StoryFactKey is the projected fact key for an authored story edge.
func StoryFactKey(e store.StoryEdge) string {
	return StoryPrefix + e.From + "." + e.Rel + "." + e.To
}

// projectStory turns authored story edges into read-only facts with full
// confidence.
func projectStory(edges []store.StoryEdge) map[string]store.Fact {
	out := make(map[string]store.Fact, len(edges))
	for _, e := range edges {
		key := StoryFactKey(e)
		out[key] = store.Fact{Key: key, Value: true, Provenance: "story", Confidence: 1}
	}
	return out
}
