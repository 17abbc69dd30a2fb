// Package ranking maintains the bounded top-N leaderboard of each chart.
package ranking

import (
	"cmp"
	"slices"

	"github.com/rhythm-ranking/internal/domain"
)

// Compare orders entries by score descending, then by the earlier
// achievement, then by nickname so that the order is total.
func Compare(a, b domain.RankEntry) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Nickname, b.Nickname)
}

// Merge inserts candidate into top and returns the new sorted sequence,
// truncated to maxSize, together with the candidate's 1-based rank.
//
// An existing entry for the same nickname is replaced only by a strictly
// higher score. The rank is domain.NotRanked when no retained entry carries
// both the candidate's nickname and score. top is not modified.
func Merge(top []domain.RankEntry, candidate domain.RankEntry, maxSize int) ([]domain.RankEntry, int) {
	merged := make([]domain.RankEntry, len(top), len(top)+1)
	copy(merged, top)

	idx := slices.IndexFunc(merged, func(e domain.RankEntry) bool {
		return e.Nickname == candidate.Nickname
	})
	switch {
	case idx < 0:
		merged = append(merged, candidate)
	case candidate.Score > merged[idx].Score:
		merged[idx] = candidate
	}

	slices.SortStableFunc(merged, Compare)

	if maxSize > 0 && len(merged) > maxSize {
		merged = merged[:maxSize]
	}

	// A lower score for a nickname that already holds a better entry reports
	// NotRanked, not the position of the kept entry: the rank describes this
	// submission.
	rank := domain.NotRanked
	for i, e := range merged {
		if e.Nickname == candidate.Nickname && e.Score == candidate.Score {
			rank = i + 1
			break
		}
	}

	return merged, rank
}

// Limit returns at most limit leading entries of top
func Limit(top []domain.RankEntry, limit int) []domain.RankEntry {
	if limit < 0 {
		limit = 0
	}
	if limit > len(top) {
		limit = len(top)
	}
	out := make([]domain.RankEntry, limit)
	copy(out, top[:limit])
	return out
}
