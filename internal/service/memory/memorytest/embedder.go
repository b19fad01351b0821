// Package memorytest provides deterministic embedders for tests that need real
// similarity ordering without an embedding server.
package memorytest

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"unicode"
)

const dims = 128

// BagOfWords embeds text as hashed word counts, so texts sharing words score a
// higher cosine similarity than unrelated ones.
func BagOfWords(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, dims)
	vec[0] = 0.25 // keeps empty or unmatched texts from becoming zero vectors

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[1+int(h.Sum32()%(dims-1))]++
	}
	return vec, nil
}

// ErrEmbedUnavailable is returned by a Switchable embedder while it is failing.
var ErrEmbedUnavailable = errors.New("embedding service unavailable")

// Switchable wraps BagOfWords and can be flipped into a failing state.
type Switchable struct {
	failing atomic.Bool
	calls   atomic.Int64
}

func (s *Switchable) SetFailing(v bool) { s.failing.Store(v) }

func (s *Switchable) Calls() int64 { return s.calls.Load() }

func (s *Switchable) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls.Add(1)
	if s.failing.Load() {
		return nil, ErrEmbedUnavailable
	}
	return BagOfWords(ctx, text)
}
