// Package retrieval selects the prior turns that go into a generation request.
package retrieval

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/zhouzirui/dyno-tavern/backend/internal/model/chat"
	"github.com/zhouzirui/dyno-tavern/backend/internal/observability"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/memory"
)

const (
	MinWindow     = 3
	MaxWindow     = 15
	DefaultWindow = 5
)

const (
	ModeRecencyOnly    = "recency_only"
	ModeSimilarityOnly = "similarity_only"
	ModeEmpty          = "empty"
)

// ClampWindow forces w into [MinWindow, MaxWindow].
func ClampWindow(w int) int {
	if w < MinWindow {
		return MinWindow
	}
	if w > MaxWindow {
		return MaxWindow
	}
	return w
}

// Retriever blends similarity and recency recall from the memory store.
type Retriever struct {
	store   memory.Store
	metrics *observability.Metrics
}

func NewRetriever(store memory.Store, metrics *observability.Metrics) *Retriever {
	return &Retriever{store: store, metrics: metrics}
}

// Retrieve returns at most w turns, oldest first: ceil(w/2) picked by similarity
// to message and floor(w/2) of the most recent, with duplicates counted once.
// Store failures degrade the result instead of failing the turn.
func (r *Retriever) Retrieve(ctx context.Context, personaID, message string, w int) []chat.Turn {
	w = ClampWindow(w)
	similarK := (w + 1) / 2
	recentN := w / 2

	var (
		similar, recent       []chat.Turn
		similarErr, recentErr error
	)

	// Recent is fetched at full width so it can stand in for similarity alone.
	var wg conc.WaitGroup
	wg.Go(func() {
		similar, similarErr = r.store.Query(ctx, personaID, message, similarK)
	})
	wg.Go(func() {
		recent, recentErr = r.store.Recent(ctx, personaID, w)
	})
	wg.Wait()

	logger := log.With().Str("persona", personaID).Int("window", w).Logger()

	switch {
	case similarErr != nil && recentErr != nil:
		logger.Warn().AnErr("query_err", similarErr).AnErr("recent_err", recentErr).
			Msg("memory unavailable, continuing without context")
		r.metrics.ObserveRetrievalDegradation(ModeEmpty)
		return []chat.Turn{}
	case similarErr != nil:
		logger.Warn().Err(similarErr).Msg("similarity query failed, falling back to recent turns")
		r.metrics.ObserveRetrievalDegradation(ModeRecencyOnly)
		return merge(nil, recent, w)
	case recentErr != nil:
		logger.Warn().Err(recentErr).Msg("recent lookup failed, using similarity results only")
		r.metrics.ObserveRetrievalDegradation(ModeSimilarityOnly)
		return merge(similar, nil, w)
	}

	if len(recent) > recentN {
		recent = recent[len(recent)-recentN:]
	}
	window := merge(similar, recent, w)
	logger.Debug().Int("similar", len(similar)).Int("recent", len(recent)).Int("merged", len(window)).
		Msg("context window assembled")
	return window
}

// merge dedups by sequence number, orders chronologically and keeps the newest
// limit turns.
func merge(a, b []chat.Turn, limit int) []chat.Turn {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]chat.Turn, 0, len(a)+len(b))
	for _, set := range [][]chat.Turn{a, b} {
		for _, turn := range set {
			if _, ok := seen[turn.Seq]; ok {
				continue
			}
			seen[turn.Seq] = struct{}{}
			out = append(out, turn)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
