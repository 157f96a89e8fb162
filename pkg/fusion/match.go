package fusion

import (
	"math"

	"jointfusion/pkg/volume"
)

// findBestOffset searches the precomputed search neighborhood around the
// target center for the atlas patch most similar to the normalized target
// patch. It returns the index into the search offset list; candidates whose
// center falls outside the domain are skipped, and ties keep the first
// offset encountered.
func (rc *RunContext) findBestOffset(atlas []*volume.Grid[float64], cx, cy, cz int, targetPatch []float64) int {
	best := 0
	bestScore := math.MaxFloat64
	domain := atlas[0]
	for j, off := range rc.searchOffsets {
		x, y, z := cx+off.X, cy+off.Y, cz+off.Z
		if !domain.Contains(x, y, z) {
			continue
		}
		score := rc.patchDissimilarity(atlas, x, y, z, targetPatch)
		if score < bestScore {
			bestScore = score
			best = j
		}
	}
	return best
}

// patchDissimilarity scores a candidate atlas patch against the normalized
// target patch without materializing the atlas vector: the five running
// sums Σx, Σy, Σx², Σy², Σxy are streamed over the patch offsets. Atlas
// reads outside the domain contribute zero, matching the vectorizer.
//
// Lower is better. In Pearson mode the score is the negated correlation
// coefficient; otherwise it is (Σxy)²/var(x) with the variance floored at
// 1e-6, negated when the cross term is positive.
func (rc *RunContext) patchDissimilarity(atlas []*volume.Grid[float64], cx, cy, cz int, targetPatch []float64) float64 {
	channels := len(atlas)
	if rc.useFirstChannelOnly {
		channels = 1
	}

	var sumX, sumY, sumXX, sumYY, sumXY float64
	k := 0
	for c := 0; c < channels; c++ {
		img := atlas[c]
		for _, off := range rc.patchOffsets {
			x, y, z := cx+off.X, cy+off.Y, cz+off.Z
			tv := targetPatch[k]
			k++
			sumY += tv
			sumYY += tv * tv
			if !img.Contains(x, y, z) {
				continue
			}
			av := img.At(x, y, z)
			sumX += av
			sumXX += av * av
			sumXY += av * tv
		}
	}
	n := float64(len(targetPatch))

	if rc.filter.params.Metric == MetricPearson {
		meanX := sumX / n
		meanY := sumY / n
		return -(sumXY - n*meanX*meanY) /
			(math.Sqrt(sumXX-n*meanX*meanX) * math.Sqrt(sumYY-n*meanY*meanY))
	}

	varX := sumXX - sumX*sumX/n
	if varX < 1.0e-6 {
		varX = 1.0e-6
	}
	measure := sumXY * sumXY / varX
	if sumXY > 0 {
		return -measure
	}
	return measure
}
