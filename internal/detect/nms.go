package detect

import "sort"

// NonMaxSuppression applies greedy non-maximum suppression across the full
// candidate set, ignoring labels: a face and a license plate that overlap
// heavily suppress each other just as two faces would.
//
// Candidates are visited in confidence-descending order; a candidate is kept
// only if its IoU with every already-kept candidate stays below
// iouThreshold. Equal confidences keep their original decode order, so the
// earlier-decoded candidate wins ties.
//
// The input slice is not modified.
func NonMaxSuppression(regions []Region, iouThreshold float64) []Region {
	if len(regions) <= 1 {
		return append([]Region(nil), regions...)
	}

	order := make([]int, len(regions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return regions[order[a]].Confidence > regions[order[b]].Confidence
	})

	kept := make([]Region, 0, len(regions))
	for _, idx := range order {
		cand := regions[idx]
		suppressed := false
		for _, k := range kept {
			if IoU(cand.Box, k.Box) >= iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	return kept
}
