package fusion

import (
	"fmt"
	"sync/atomic"

	"jointfusion/pkg/volume"
)

// progressStride is how many center voxels a worker processes between
// progress callbacks.
const progressStride = 4096

// processRegion runs the per-voxel voting procedure over every center in
// the region, accumulating into the worker's private buffers. Centers are
// visited in a deterministic X-fastest sweep. The write footprint of one
// center spans its whole patch neighborhood and may extend beyond the
// region; that is safe because acc is private to this worker.
func (rc *RunContext) processRegion(region volume.Region, acc *accumulators, completed *atomic.Int64, total int) error {
	f := rc.filter

	// Scratch buffers reused across voxels.
	diffs := make([][]float64, rc.numAtlases)
	raw := make([][]float64, rc.numAtlases)
	targetLen := rc.patchSize * rc.numTargets
	for i := range diffs {
		diffs[i] = make([]float64, targetLen)
		raw[i] = make([]float64, rc.patchSize*rc.numModalities)
	}
	bestOffsets := make([]int, rc.numAtlases)
	estimated := make([]float64, rc.patchSize*rc.numModalities)

	sinceReport := 0
	report := func() {
		sinceReport++
		if sinceReport == progressStride {
			done := completed.Add(progressStride)
			sinceReport = 0
			if f.params.Progress != nil {
				f.params.Progress(int(done), total)
			}
		}
	}

	for cz := region.Z0; cz < region.Z1; cz++ {
		for cy := region.Y0; cy < region.Y1; cy++ {
			for cx := region.X0; cx < region.X1; cx++ {
				report()

				if f.mask != nil && f.mask.At(cx, cy, cz) != f.maskLabel {
					continue
				}

				// Pure background centers cannot change the vote, so the
				// expensive matching is skipped when segmentations are in
				// play.
				if rc.numSegs > 0 {
					any := false
					for i := 0; i < rc.numSegs; i++ {
						if f.atlasSegs[i].At(cx, cy, cz) != 0 {
							any = true
							break
						}
					}
					if !any {
						continue
					}
				}

				if err := rc.voteAtVoxel(cx, cy, cz, acc, diffs, raw, bestOffsets, estimated); err != nil {
					return err
				}
			}
		}
	}

	if sinceReport > 0 {
		done := completed.Add(int64(sinceReport))
		if f.params.Progress != nil {
			f.params.Progress(int(done), total)
		}
	}
	return nil
}

// voteAtVoxel performs the full per-voxel procedure: patch matching against
// every atlas, the regularized weight solve, joint intensity scatter and
// weighted label voting over the patch footprint.
func (rc *RunContext) voteAtVoxel(cx, cy, cz int, acc *accumulators,
	diffs, raw [][]float64, bestOffsets []int, estimated []float64) error {

	f := rc.filter

	// The normalized target patch is shared by every atlas comparison.
	var targetPatch []float64
	switch {
	case rc.numTargets == 1:
		targetPatch = rc.vectorizePatch(f.target[0], cx, cy, cz, true)
	case rc.numTargets == rc.numModalities:
		targetPatch = rc.vectorizeChannelsPatch(f.target, cx, cy, cz, true)
	default:
		return fmt.Errorf("fusion: unsupported target channel count %d", rc.numTargets)
	}

	for i := 0; i < rc.numAtlases; i++ {
		atlas := f.atlasImages[i]

		j := rc.findBestOffset(atlas, cx, cy, cz, targetPatch)
		bestOffsets[i] = j
		off := rc.searchOffsets[j]
		mx, my, mz := cx+off.X, cy+off.Y, cz+off.Z

		var atlasPatch []float64
		switch {
		case rc.numTargets == rc.numModalities:
			atlasPatch = rc.vectorizeChannelsPatch(atlas, mx, my, mz, true)
		case rc.numTargets == 1:
			atlasPatch = rc.vectorizePatch(atlas[0], mx, my, mz, true)
		default:
			return fmt.Errorf("fusion: unsupported modality configuration: %d targets, %d modalities",
				rc.numTargets, rc.numModalities)
		}
		for k, av := range atlasPatch {
			d := av - targetPatch[k]
			if d < 0 {
				d = -d
			}
			diffs[i][k] = d
		}

		// Raw intensities of the matched patch across all modalities feed
		// the joint intensity estimate.
		for c := 0; c < rc.numModalities; c++ {
			rc.vectorizePatchInto(raw[i][c*rc.patchSize:(c+1)*rc.patchSize], atlas[c], mx, my, mz, false)
		}
	}

	m := gramMatrix(diffs, rc.patchSize, f.params.Beta)
	weights := solveWeights(m, f.params.Alpha, f.params.ConstrainNonnegative)

	// estimated = W · raw, per modality channel and patch offset.
	for k := range estimated {
		var sum float64
		for i := 0; i < rc.numAtlases; i++ {
			sum += weights[i] * raw[i][k]
		}
		estimated[k] = sum
	}

	// Joint intensity fusion: scatter the estimate over the patch
	// footprint. The contribution count is bumped once per location, keyed
	// off channel 0, never once per channel.
	for c := 0; c < rc.numModalities; c++ {
		img := acc.intensity[c]
		for j, off := range rc.patchOffsets {
			x, y, z := cx+off.X, cy+off.Y, cz+off.Z
			if !img.Contains(x, y, z) {
				continue
			}
			if f.mask != nil && f.mask.At(x, y, z) != f.maskLabel {
				continue
			}
			v := img.At(x, y, z) + estimated[c*rc.patchSize+j]
			if !isFinite(v) {
				v = 0
			}
			img.Set(x, y, z, v)
			if c == 0 {
				acc.counts.Add(x, y, z, 1)
			}
		}
	}

	if rc.numSegs == 0 {
		return nil
	}

	// Label voting: at every footprint location, each atlas votes with the
	// label found at its own matched offset relative to that location. The
	// spatial relationship discovered during the search is re-applied per
	// location, not just at the center.
	for _, off := range rc.patchOffsets {
		x, y, z := cx+off.X, cy+off.Y, cz+off.Z
		if !acc.weightSum.Contains(x, y, z) {
			continue
		}
		for i := 0; i < rc.numSegs; i++ {
			moff := rc.searchOffsets[bestOffsets[i]]
			sx, sy, sz := x+moff.X, y+moff.Y, z+moff.Z
			if !acc.weightSum.Contains(sx, sy, sz) {
				continue
			}
			label := f.atlasSegs[i].At(sx, sy, sz)
			idx, ok := rc.labelIndex[label]
			if !ok {
				continue
			}
			acc.posteriors[idx].Add(x, y, z, weights[i])
			acc.weightSum.Add(x, y, z, weights[i])
			if len(acc.votingWeights) > 0 {
				acc.votingWeights[i].Add(x, y, z, weights[i])
			}
		}
	}
	return nil
}
