package hybrid

// scoreEpsilon is the tolerance below which two ratio-weighted scores
// are treated as equal and comparison continues to the next atom
// (spec.md §4.F "Comparator"; config key "hybrid.scoreEpsilon").
var scoreEpsilon = 1e-9

// SetScoreEpsilon overrides the comparator's equality tolerance, wired
// from core/common.Config at startup.
func SetScoreEpsilon(eps float64) {
	if eps > 0 {
		scoreEpsilon = eps
	}
}

// compareScores walks two pin-free score vectors in lockstep, returning
// a strcmp-style result: positive means left outranks right (spec.md
// §4.F "Comparator (strictly by score, Pins excluded first)").
func compareScores(left ScoreVector, leftRatio float64, right ScoreVector, rightRatio float64) int {
	i, j := 0, 0
	for {
		var la, ra *ScoreAtom
		if i < len(left) {
			la = &left[i]
		}
		if j < len(right) {
			ra = &right[j]
		}
		i++
		j++

		switch {
		case la == nil && ra == nil:
			return 0
		case la == nil:
			return 1 // left exhausted first: the exhausted side wins
		case ra == nil:
			return -1

		case la.Kind == AtomScore && ra.Kind == AtomScore:
			lv := la.Score * leftRatio
			rv := ra.Score * rightRatio
			if abs(lv-rv) <= scoreEpsilon {
				continue
			}
			if lv < rv {
				return -1
			}
			return 1

		case la.Kind == AtomSort && ra.Kind == AtomSort:
			if c := cmpFloat(la.SortKey, ra.SortKey); c != 0 {
				return c
			}
			continue

		case la.Kind == AtomGeoSort && ra.Kind == AtomGeoSort:
			if c := cmpFloat(la.SortKey, ra.SortKey); c != 0 {
				return c
			}
			continue

		case la.Kind == AtomScore:
			if la.Score == 0 {
				return -1
			}
			return 1

		case ra.Kind == AtomScore:
			if ra.Score == 0 {
				return 1
			}
			return -1

		default:
			// Sort vs GeoSort: structurally impossible per the Inputs
			// precondition (spec.md §4.F); never reached in a correctly
			// constructed query plan.
			panic("hybrid: mixed Sort/GeoSort atoms in the same comparison")
		}
	}
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
