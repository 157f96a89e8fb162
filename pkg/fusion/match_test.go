package fusion

import (
	"math"
	"math/rand"
	"testing"

	"jointfusion/pkg/volume"
)

func randomGrid(r *rand.Rand, nx, ny, nz int) *volume.Grid[float64] {
	g := volume.New[float64](nx, ny, nz)
	for i := range g.Data {
		g.Data[i] = r.Float64() * 100
	}
	return g
}

func TestFindBestOffsetShiftedAtlas(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	params := DefaultParams()
	params.PatchRadius = volume.Offset{X: 1, Y: 1, Z: 1}
	params.SearchRadius = volume.Offset{X: 2, Y: 0, Z: 0}

	target := randomGrid(r, 11, 7, 7)

	// Atlas is the target shifted by +1 in X, so the matching patch for a
	// target center sits at offset +1.
	atlas := volume.New[float64](11, 7, 7)
	for z := 0; z < 7; z++ {
		for y := 0; y < 7; y++ {
			for x := 0; x < 11; x++ {
				if x+1 < 11 {
					atlas.Set(x+1, y, z, target.At(x, y, z))
				}
			}
		}
	}

	_, rc := testContext(t, params,
		[]*volume.Grid[float64]{target},
		[][]*volume.Grid[float64]{{atlas}}, nil)

	cx, cy, cz := 5, 3, 3
	targetPatch := rc.vectorizePatch(target, cx, cy, cz, true)
	j := rc.findBestOffset([]*volume.Grid[float64]{atlas}, cx, cy, cz, targetPatch)

	if got := rc.searchOffsets[j]; got != (volume.Offset{X: 1}) {
		t.Errorf("Expected best offset (1,0,0), got %+v", got)
	}
}

func TestFindBestOffsetTieBreak(t *testing.T) {
	params := DefaultParams()
	params.PatchRadius = volume.Offset{X: 1, Y: 1, Z: 1}
	params.SearchRadius = volume.Offset{X: 1, Y: 1, Z: 1}

	// Constant atlas: every candidate scores identically, so the first
	// in-domain offset in list order must win.
	target := rampGrid(7, 7, 7)
	atlas := constGrid(7, 7, 7, 5.0)

	_, rc := testContext(t, params,
		[]*volume.Grid[float64]{target},
		[][]*volume.Grid[float64]{{atlas}}, nil)

	targetPatch := rc.vectorizePatch(target, 3, 3, 3, true)
	j := rc.findBestOffset([]*volume.Grid[float64]{atlas}, 3, 3, 3, targetPatch)

	if j != 0 {
		t.Errorf("Expected first offset to win the tie, got index %d (%+v)", j, rc.searchOffsets[j])
	}
}

func TestPatchDissimilarityPearsonSelfMatch(t *testing.T) {
	r := rand.New(rand.NewSource(11))

	params := DefaultParams()
	params.PatchRadius = volume.Offset{X: 1, Y: 1, Z: 1}
	params.SearchRadius = volume.Offset{X: 1, Y: 1, Z: 1}
	params.Metric = MetricPearson

	target := randomGrid(r, 7, 7, 7)
	_, rc := testContext(t, params,
		[]*volume.Grid[float64]{target},
		[][]*volume.Grid[float64]{{target}}, nil)

	targetPatch := rc.vectorizePatch(target, 3, 3, 3, true)
	score := rc.patchDissimilarity([]*volume.Grid[float64]{target}, 3, 3, 3, targetPatch)

	// The atlas patch equals the raw target patch, so the correlation with
	// the normalized target patch is exactly 1 and the score is -1.
	if math.Abs(score-(-1.0)) > 1e-12 {
		t.Errorf("Expected Pearson self-match score -1, got %g", score)
	}
}

func TestPatchDissimilarityPrefersCorrelatedPatch(t *testing.T) {
	r := rand.New(rand.NewSource(13))

	params := DefaultParams()
	params.PatchRadius = volume.Offset{X: 1, Y: 1, Z: 1}
	params.SearchRadius = volume.Offset{X: 1, Y: 1, Z: 1}

	target := randomGrid(r, 7, 7, 7)
	anti := volume.New[float64](7, 7, 7)
	for i, v := range target.Data {
		anti.Data[i] = -v
	}

	_, rc := testContext(t, params,
		[]*volume.Grid[float64]{target},
		[][]*volume.Grid[float64]{{target}}, nil)

	targetPatch := rc.vectorizePatch(target, 3, 3, 3, true)
	matched := rc.patchDissimilarity([]*volume.Grid[float64]{target}, 3, 3, 3, targetPatch)
	inverted := rc.patchDissimilarity([]*volume.Grid[float64]{anti}, 3, 3, 3, targetPatch)

	// Positive cross-correlation negates the measure, so the matched patch
	// must score strictly below the sign-flipped one.
	if matched >= 0 {
		t.Errorf("Expected negative score for correlated patch, got %g", matched)
	}
	if inverted <= 0 {
		t.Errorf("Expected positive score for anti-correlated patch, got %g", inverted)
	}
	if matched >= inverted {
		t.Errorf("Expected correlated score %g below anti-correlated %g", matched, inverted)
	}
}
