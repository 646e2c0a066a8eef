package hybrid

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"
)

func scoreDoc(id uint32, score, ratio float64) ScoredDoc {
	return ScoredDoc{DocID: id, Scores: ScoreVector{{Kind: AtomScore, Score: score}}, Ratio: ratio}
}

func pinnedDoc(id uint32, position uint32) ScoredDoc {
	p := position
	return ScoredDoc{DocID: id, PinPosition: &p}
}

func TestCompareScoresOrdersByWeightedScore(t *testing.T) {
	left := ScoreVector{{Kind: AtomScore, Score: 0.8}}
	right := ScoreVector{{Kind: AtomScore, Score: 0.4}}
	require.Equal(t, 1, compareScores(left, 0.5, right, 0.5))
	require.Equal(t, -1, compareScores(right, 0.5, left, 0.5))
	require.Equal(t, 0, compareScores(left, 0.5, left, 0.5))
}

func TestCompareScoresExhaustedSideWins(t *testing.T) {
	short := ScoreVector{{Kind: AtomScore, Score: 1}}
	long := ScoreVector{{Kind: AtomScore, Score: 1}, {Kind: AtomSort, SortKey: 2}}
	require.Equal(t, 1, compareScores(short, 1, long, 1))
}

// Scenario 5 (spec.md §8): short-circuit bypasses the vector call when
// the keyword page is full of good-enough scores.
func TestResultsGoodEnoughShortCircuit(t *testing.T) {
	keyword := []ScoreVector{
		{{Kind: AtomScore, Score: 0.95}},
		{{Kind: AtomScore, Score: 0.9}},
		{{Kind: AtomScore, Score: 0.92}},
	}
	require.True(t, ResultsGoodEnough(keyword, 3, 0, 0.5, DefaultGoodEnoughScore))

	tooFew := keyword[:2]
	require.False(t, ResultsGoodEnough(tooFew, 3, 0, 0.5, DefaultGoodEnoughScore))

	weak := []ScoreVector{
		{{Kind: AtomScore, Score: 0.95}},
		{{Kind: AtomScore, Score: 0.5}}, // 0.5*0.5 = 0.25 < 0.45
		{{Kind: AtomScore, Score: 0.92}},
	}
	require.False(t, ResultsGoodEnough(weak, 3, 0, 0.5, DefaultGoodEnoughScore))
}

// Scenario 6 (spec.md §8): pins reserve their positions, are excluded
// from organic selection, and semantic_hit_count only counts organic
// vector-sourced entries.
func TestMergeWithPins(t *testing.T) {
	const A, B, C, D, E, F = 1, 2, 3, 4, 5, 6

	keyword := Results{
		DocumentScores: []ScoredDoc{
			pinnedDoc(D, 0),
			scoreDoc(A, 0.9, 0.5),
			scoreDoc(B, 0.8, 0.5),
			scoreDoc(C, 0.7, 0.5),
			pinnedDoc(E, 2),
		},
		Candidates: roaring.BitmapOf(A, B, C, D, E),
	}
	vector := Results{
		DocumentScores: []ScoredDoc{
			pinnedDoc(E, 2),
			scoreDoc(F, 0.95, 0.5),
			scoreDoc(A, 0.6, 0.5),
		},
		Candidates: roaring.BitmapOf(E, F, A),
	}

	result, semanticHits := Merge(vector, keyword, 0, 4, nil)

	require.Equal(t, []uint32{D, F, E, A}, result.DocumentIDs)
	require.LessOrEqual(t, len(result.DocumentIDs), 4)
	require.Equal(t, 1, semanticHits) // only F is organic and vector-sourced

	seen := map[uint32]bool{}
	for _, id := range result.DocumentIDs {
		require.False(t, seen[id], "duplicate docid %d", id)
		seen[id] = true
	}
}

func TestMergeRespectsLimitAndNoDuplicates(t *testing.T) {
	keyword := Results{
		DocumentScores: []ScoredDoc{
			scoreDoc(1, 0.9, 0.5), scoreDoc(2, 0.8, 0.5), scoreDoc(3, 0.7, 0.5),
		},
		Candidates: roaring.BitmapOf(1, 2, 3),
	}
	vector := Results{
		DocumentScores: []ScoredDoc{
			scoreDoc(3, 0.95, 0.5), scoreDoc(4, 0.85, 0.5),
		},
		Candidates: roaring.BitmapOf(3, 4),
	}
	result, _ := Merge(vector, keyword, 0, 2, nil)
	require.Len(t, result.DocumentIDs, 2)
	// doc 3 (vector, weighted .475) outranks doc 1 (keyword, weighted .45)
	// which outranks doc 4 (vector, weighted .425): 3 then 1.
	require.Equal(t, []uint32{3, 1}, result.DocumentIDs)
}

func TestMergeDistinctExpansion(t *testing.T) {
	keyword := Results{
		DocumentScores: []ScoredDoc{scoreDoc(1, 0.9, 0.5), scoreDoc(2, 0.8, 0.5)},
		Candidates:     roaring.BitmapOf(1, 2),
	}
	vector := Results{DocumentScores: nil, Candidates: roaring.New()}

	// doc 2 is indistinct from doc 1: expanding on doc 1 should exclude 2.
	expander := func(id uint32) []uint32 {
		if id == 1 {
			return []uint32{2}
		}
		return nil
	}
	result, _ := Merge(vector, keyword, 0, 10, expander)
	require.Equal(t, []uint32{1}, result.DocumentIDs)
}
