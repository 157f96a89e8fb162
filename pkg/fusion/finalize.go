package fusion

import "jointfusion/pkg/volume"

// weightSumFloor is the minimum accumulated voting weight for which the
// posterior and voting-weight volumes are normalized. Voxels below the
// floor keep their raw accumulated values; dividing by a near-zero sum
// would only amplify noise.
const weightSumFloor = 0.1

// finalize runs after the voting barrier and owns every accumulator. It
// decides the consensus label per voxel, normalizes the fused intensities
// by their contribution counts and, where retention is configured,
// normalizes the posterior and voting-weight volumes by the weight sum.
func (rc *RunContext) finalize() {
	f := rc.filter
	tgt := f.target[0]

	rc.Segmentation = volume.New[int32](tgt.NX, tgt.NY, tgt.NZ)

	// Label decision. Labels are visited in the sorted set order with a
	// strict > comparison, so the first label reaching the maximum wins
	// and voxels with no votes stay background.
	for z := 0; z < tgt.NZ; z++ {
		for y := 0; y < tgt.NY; y++ {
			for x := 0; x < tgt.NX; x++ {
				if f.mask != nil && f.mask.At(x, y, z) != f.maskLabel {
					continue
				}
				var winner int32
				maxPosterior := 0.0
				for li, label := range rc.labels {
					if excl, ok := f.exclusions[label]; ok && excl.At(x, y, z) != 0 {
						continue
					}
					p := rc.acc.posteriors[li].At(x, y, z)
					if p > maxPosterior {
						maxPosterior = p
						winner = label
					}
				}
				rc.Segmentation.Set(x, y, z, winner)
			}
		}
	}

	// Fused intensities: mean of the accumulated patch estimates. Voxels
	// never touched by a patch footprint keep their zero value.
	for _, img := range rc.acc.intensity {
		for i, count := range rc.acc.counts.Data {
			if count > 0 {
				img.Data[i] /= float64(count)
			}
		}
	}
	rc.FusedImages = rc.acc.intensity
	rc.Counts = rc.acc.counts
	rc.WeightSum = rc.acc.weightSum

	if f.params.RetainPosteriorMaps || f.params.RetainVotingWeightMaps {
		for i, ws := range rc.acc.weightSum.Data {
			if ws < weightSumFloor {
				continue
			}
			if f.params.RetainPosteriorMaps {
				for _, p := range rc.acc.posteriors {
					p.Data[i] /= ws
				}
			}
			for _, vw := range rc.acc.votingWeights {
				vw.Data[i] /= ws
			}
		}
	}

	if f.params.RetainPosteriorMaps {
		rc.PosteriorMaps = make(map[int32]*volume.Grid[float64], len(rc.labels))
		for li, label := range rc.labels {
			rc.PosteriorMaps[label] = rc.acc.posteriors[li]
		}
	}
	if f.params.RetainVotingWeightMaps {
		rc.VotingWeightMaps = rc.acc.votingWeights
	}

	// Posterior volumes are large; drop them when not requested.
	if !f.params.RetainPosteriorMaps {
		rc.acc.posteriors = nil
	}
}
