package hybrid

import (
	"sort"

	"github.com/RoaringBitmap/roaring"
)

type pin struct {
	position uint32
	docID    uint32
}

// extractPins pulls every leading-Pin entry out of both streams (keyword
// first, then vector, matching the original's dedup-by-first-occurrence
// order), returning the organic (pin-free) streams plus the sorted pin
// list and the set of pinned docids (spec.md §4.F step 1).
func extractPins(keyword, vector []ScoredDoc) (kwOut, vecOut []ScoredDoc, pins []pin, pinnedDocIDs *roaring.Bitmap) {
	pinnedDocIDs = roaring.New()
	extract := func(in []ScoredDoc) []ScoredDoc {
		out := make([]ScoredDoc, 0, len(in))
		for _, d := range in {
			if d.PinPosition != nil {
				if !pinnedDocIDs.Contains(d.DocID) {
					pinnedDocIDs.Add(d.DocID)
					pins = append(pins, pin{position: *d.PinPosition, docID: d.DocID})
				}
				continue
			}
			out = append(out, d)
		}
		return out
	}
	kwOut = extract(keyword)
	vecOut = extract(vector)
	sort.Slice(pins, func(i, j int) bool { return pins[i].position < pins[j].position })
	return
}

// Merge implements spec.md §4.F's full algorithm: pin extraction,
// pagination adjustment, priority-merge with distinct expansion,
// pagination, pin reinjection and candidate-set computation.
func Merge(vectorResults, keywordResults Results, from, length int, distinct DistinctExpander) (MergeResult, int) {
	keywordDocs, vectorDocs, pins, pinnedDocIDs := extractPins(keywordResults.DocumentScores, vectorResults.DocumentScores)

	pinsBefore := 0
	pinsOnPage := 0
	for _, p := range pins {
		pos := int(p.position)
		if pos < from {
			pinsBefore++
		} else if pos < from+length {
			pinsOnPage++
		}
	}
	rankedFrom := saturatingSub(from, pinsBefore)
	rankedLength := saturatingSub(length, pinsOnPage)

	excluded := pinnedDocIDs.Clone()

	type merged struct {
		doc    ScoredDoc
		source Source
	}
	vi, ki := 0, 0
	var kept []merged
	semanticHitCount := 0
	skipped := 0

	for vi < len(vectorDocs) || ki < len(keywordDocs) {
		var pickVector bool
		switch {
		case vi >= len(vectorDocs):
			pickVector = false
		case ki >= len(keywordDocs):
			pickVector = true
		default:
			pickVector = compareScores(vectorDocs[vi].Scores, vectorDocs[vi].Ratio, keywordDocs[ki].Scores, keywordDocs[ki].Ratio) >= 0
		}

		var d ScoredDoc
		var src Source
		if pickVector {
			d, src = vectorDocs[vi], SourceSemantic
			vi++
		} else {
			d, src = keywordDocs[ki], SourceKeyword
			ki++
		}

		if excluded.Contains(d.DocID) {
			continue
		}
		excluded.Add(d.DocID)
		if distinct != nil {
			for _, other := range distinct(d.DocID) {
				excluded.Add(other)
			}
		}

		if skipped < rankedFrom {
			skipped++
			continue
		}
		// take(rankedLength) is lazy in the original: once satisfied, no
		// further candidates are pulled (or excluded) at all.
		if len(kept) >= rankedLength {
			break
		}
		kept = append(kept, merged{doc: d, source: src})
		if src == SourceSemantic {
			semanticHitCount++
		}
		if len(kept) >= rankedLength {
			break
		}
	}

	documentIDs := make([]uint32, 0, len(kept)+len(pins))
	documentScores := make([]ScoreVector, 0, len(kept)+len(pins))
	for _, m := range kept {
		documentIDs = append(documentIDs, m.doc.DocID)
		documentScores = append(documentScores, m.doc.Scores)
	}

	for _, p := range pins {
		pos := int(p.position)
		if pos < from || pos >= from+length {
			continue
		}
		insertAt := pos - from
		if insertAt > len(documentIDs) {
			insertAt = len(documentIDs)
		}
		documentIDs = insertAtUint32(documentIDs, insertAt, p.docID)
		pinScore := ScoreVector{{Kind: AtomScore, Score: 0}}
		documentScores = insertAtScoreVector(documentScores, insertAt, pinScore)
	}

	if len(documentIDs) > length {
		documentIDs = documentIDs[:length]
	}
	if len(documentScores) > length {
		documentScores = documentScores[:length]
	}

	candidates := roaring.Or(vectorResults.Candidates, keywordResults.Candidates)
	if distinct != nil {
		candidates = roaring.AndNot(candidates, excluded)
		for _, id := range documentIDs {
			candidates.Add(id)
		}
	}

	return MergeResult{
		DocumentIDs:          documentIDs,
		DocumentScores:       documentScores,
		Candidates:           candidates,
		Degraded:             vectorResults.Degraded || keywordResults.Degraded,
		UsedNegativeOperator: vectorResults.UsedNegativeOperator || keywordResults.UsedNegativeOperator,
	}, semanticHitCount
}

func saturatingSub(a, b int) int {
	if b >= a {
		return 0
	}
	return a - b
}

func insertAtUint32(s []uint32, at int, v uint32) []uint32 {
	s = append(s, 0)
	copy(s[at+1:], s[at:])
	s[at] = v
	return s
}

func insertAtScoreVector(s []ScoreVector, at int, v ScoreVector) []ScoreVector {
	s = append(s, nil)
	copy(s[at+1:], s[at:])
	s[at] = v
	return s
}
