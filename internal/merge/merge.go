// Package merge combines keyword and vector result lists into one
// ranked, deduplicated list.
package merge

import (
	"sort"

	"github.com/civica-dev/legisearch/internal/domain"
)

// Ranked is one entry of the merged result list.
type Ranked struct {
	EntityID string
	Score    float64
	Source   domain.Source
}

// Weights splits the combined score between the two backends.
type Weights struct {
	Keyword float64
	Vector  float64
}

// DefaultWeights returns the standard keyword/vector split.
func DefaultWeights() Weights {
	return Weights{Keyword: 0.4, Vector: 0.6}
}

// Ranker merges per-backend result lists. Safe for concurrent use.
type Ranker struct {
	weights Weights
}

// New creates a ranker. Zero weights fall back to the defaults.
func New(w Weights) *Ranker {
	if w.Keyword <= 0 && w.Vector <= 0 {
		w = DefaultWeights()
	}
	return &Ranker{weights: w}
}

// Merge fuses the two result lists over their union, orders them by
// combined score, and cuts the requested page window. The full union is
// ranked before pagination so page boundaries never invert ranks.
//
// Each list is normalized to [0,1] independently; an entity absent from
// one list contributes 0 for that side. dates carries metadata dates for
// tie-breaking and may be nil.
func (r *Ranker) Merge(
	keyword, vector []domain.Hit, dates map[string]int64, page, pageSize int,
) []Ranked {
	type fused struct {
		kw, vec  float64
		inKW     bool
		inVector bool
	}

	normKW := normalize(keyword)
	normVec := normalize(vector)

	union := make(map[string]*fused, len(keyword)+len(vector))
	for i, h := range keyword {
		union[h.EntityID] = &fused{kw: normKW[i], inKW: true}
	}
	for i, h := range vector {
		if f, ok := union[h.EntityID]; ok {
			f.vec = normVec[i]
			f.inVector = true
		} else {
			union[h.EntityID] = &fused{vec: normVec[i], inVector: true}
		}
	}

	results := make([]Ranked, 0, len(union))
	for id, f := range union {
		results = append(results, Ranked{
			EntityID: id,
			Score:    r.weights.Keyword*f.kw + r.weights.Vector*f.vec,
			Source:   source(f.inKW, f.inVector),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		// Tie-breaks: both lists beat a single list, then the more
		// recent date, then the lexicographically smaller entity id.
		aBoth := a.Source == domain.SourceBoth
		bBoth := b.Source == domain.SourceBoth
		if aBoth != bBoth {
			return aBoth
		}
		if dates[a.EntityID] != dates[b.EntityID] {
			return dates[a.EntityID] > dates[b.EntityID]
		}
		return a.EntityID < b.EntityID
	})

	return pageWindow(results, page, pageSize)
}

// normalize scales a hit list's scores into [0,1]. Non-negative lists
// are anchored at zero so relative magnitudes survive; a single-element
// or constant list maps to 1.0.
func normalize(hits []domain.Hit) []float64 {
	if len(hits) == 0 {
		return nil
	}

	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	if lo > 0 {
		lo = 0
	}

	norm := make([]float64, len(hits))
	if hi == lo {
		for i := range norm {
			norm[i] = 1.0
		}
		return norm
	}
	for i, h := range hits {
		norm[i] = (h.Score - lo) / (hi - lo)
	}
	return norm
}

func source(inKW, inVector bool) domain.Source {
	switch {
	case inKW && inVector:
		return domain.SourceBoth
	case inKW:
		return domain.SourceKeyword
	default:
		return domain.SourceVector
	}
}

func pageWindow(results []Ranked, page, pageSize int) []Ranked {
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(results) {
		return nil
	}
	end := start + pageSize
	if end > len(results) {
		end = len(results)
	}
	return results[start:end]
}
