package fusion

import (
	"math"
	"math/rand"
	"testing"

	"jointfusion/pkg/volume"
)

func constLabels(nx, ny, nz int, v int32) *volume.Grid[int32] {
	g := volume.New[int32](nx, ny, nz)
	for i := range g.Data {
		g.Data[i] = v
	}
	return g
}

func TestPrepareRejectsBadTargetCount(t *testing.T) {
	params := DefaultParams()
	a := constGrid(3, 3, 3, 1)

	f := NewFilter(params)
	f.SetTargetImages(a, a)                           // 2 target channels
	f.AddAtlas([]*volume.Grid[float64]{a, a, a}, nil) // 3 modalities

	if _, err := f.Prepare(); err == nil {
		t.Fatal("Expected error for 2 target channels with 3 atlas modalities")
	}
}

func TestPrepareSegmentationCountMismatch(t *testing.T) {
	params := DefaultParams()
	params.PatchRadius = volume.Offset{X: 1, Y: 1, Z: 1}
	params.SearchRadius = volume.Offset{X: 1, Y: 1, Z: 1}

	img := rampGrid(5, 5, 5)
	f := NewFilter(params)
	f.SetTargetImages(img)
	f.AddAtlas([]*volume.Grid[float64]{img}, constLabels(5, 5, 5, 1))
	f.AddAtlas([]*volume.Grid[float64]{img}, nil)

	// One segmentation for two atlases is a policy correction, not an
	// error: the run degrades to intensity-only fusion.
	rc, err := f.Prepare()
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if rc.numSegs != 0 {
		t.Errorf("Expected segmentations disabled, got %d", rc.numSegs)
	}
	if len(rc.Labels()) != 0 {
		t.Errorf("Expected empty label set, got %v", rc.Labels())
	}
}

func TestRunSingleAtlasIdentity(t *testing.T) {
	// 1 atlas identical to the target, single-voxel patches, no search:
	// every voxel self-matches, the Gram matrix degenerates to zero, the
	// weight vector is exactly [1] and the fused intensity reproduces the
	// atlas everywhere.
	r := rand.New(rand.NewSource(17))

	params := DefaultParams()
	params.PatchRadius = volume.Offset{}
	params.SearchRadius = volume.Offset{}
	params.NumWorkers = 2

	img := randomGrid(r, 6, 5, 4)
	f := NewFilter(params)
	f.SetTargetImages(img)
	f.AddAtlas([]*volume.Grid[float64]{img}, nil)

	rc, err := f.Prepare()
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := f.Run(rc, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	fused := rc.FusedImages[0]
	for i := range img.Data {
		if math.Abs(fused.Data[i]-img.Data[i]) > 1e-12 {
			t.Fatalf("Voxel %d: fused %g, atlas %g", i, fused.Data[i], img.Data[i])
		}
		if rc.Counts.Data[i] != 1 {
			t.Fatalf("Voxel %d: expected count 1, got %d", i, rc.Counts.Data[i])
		}
	}
}

func TestRunTwoIdenticalAtlasesUniformLabel(t *testing.T) {
	r := rand.New(rand.NewSource(19))

	params := DefaultParams()
	params.PatchRadius = volume.Offset{X: 1, Y: 1, Z: 1}
	params.SearchRadius = volume.Offset{X: 1, Y: 1, Z: 1}
	params.ConstrainNonnegative = true
	params.RetainPosteriorMaps = true
	params.NumWorkers = 3

	img := randomGrid(r, 7, 6, 6)
	seg := constLabels(7, 6, 6, 4)

	f := NewFilter(params)
	f.SetTargetImages(img)
	f.AddAtlas([]*volume.Grid[float64]{img.Clone()}, seg)
	f.AddAtlas([]*volume.Grid[float64]{img.Clone()}, seg.Clone())

	rc, err := f.Prepare()
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if got := rc.Labels(); len(got) != 1 || got[0] != 4 {
		t.Fatalf("Expected label set [4], got %v", got)
	}
	if err := f.Run(rc, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Every vote carries label 4, so its posterior accumulator must equal
	// the weight sum bit for bit, and the decision is uniform.
	post := rc.PosteriorMaps[4]
	for i := range post.Data {
		if rc.Segmentation.Data[i] != 4 {
			t.Fatalf("Voxel %d: expected label 4, got %d", i, rc.Segmentation.Data[i])
		}
		ws := rc.WeightSum.Data[i]
		p := post.Data[i]
		if ws >= weightSumFloor {
			// Posterior was normalized by the weight sum.
			if math.Abs(p-1.0) > 1e-12 {
				t.Fatalf("Voxel %d: expected normalized posterior 1, got %g", i, p)
			}
		} else if p != ws {
			t.Fatalf("Voxel %d: posterior %g != weight sum %g", i, p, ws)
		}
	}
}

func TestRunLabelExclusion(t *testing.T) {
	params := DefaultParams()
	params.PatchRadius = volume.Offset{}
	params.SearchRadius = volume.Offset{}

	img := rampGrid(4, 4, 4)
	seg := constLabels(4, 4, 4, 9)

	excl := constLabels(4, 4, 4, 1)

	f := NewFilter(params)
	f.SetTargetImages(img)
	f.AddAtlas([]*volume.Grid[float64]{img}, seg)
	f.ExcludeLabel(9, excl)

	rc, err := f.Prepare()
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := f.Run(rc, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Label 9 holds all the posterior mass but is excluded everywhere, so
	// the decision falls back to background.
	for i, v := range rc.Segmentation.Data {
		if v != 0 {
			t.Fatalf("Voxel %d: expected background, got %d", i, v)
		}
	}
}

func TestRunMaskRestrictsProcessing(t *testing.T) {
	params := DefaultParams()
	params.PatchRadius = volume.Offset{}
	params.SearchRadius = volume.Offset{}

	img := rampGrid(4, 4, 4)
	seg := constLabels(4, 4, 4, 2)

	mask := volume.New[int32](4, 4, 4)
	mask.Set(1, 1, 1, 1)
	mask.Set(2, 2, 2, 1)

	f := NewFilter(params)
	f.SetTargetImages(img)
	f.AddAtlas([]*volume.Grid[float64]{img}, seg)
	f.SetMask(mask, 1)

	rc, err := f.Prepare()
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := f.Run(rc, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for z := 0; z < 4; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				inside := mask.At(x, y, z) == 1
				label := rc.Segmentation.At(x, y, z)
				count := rc.Counts.At(x, y, z)
				if inside && label != 2 {
					t.Errorf("(%d,%d,%d): expected label 2 inside mask, got %d", x, y, z, label)
				}
				if !inside && (label != 0 || count != 0) {
					t.Errorf("(%d,%d,%d): expected untouched voxel outside mask, got label %d count %d",
						x, y, z, label, count)
				}
			}
		}
	}
}

func TestRunOrderIndependence(t *testing.T) {
	// The scatter-accumulate step must not depend on how the domain is
	// partitioned across workers. Private per-worker accumulators merged
	// in partition order leave only floating-point association noise.
	r := rand.New(rand.NewSource(23))

	params := DefaultParams()
	params.PatchRadius = volume.Offset{X: 1, Y: 1, Z: 1}
	params.SearchRadius = volume.Offset{X: 1, Y: 1, Z: 1}

	target := randomGrid(r, 8, 7, 9)
	atlas1 := randomGrid(r, 8, 7, 9)
	atlas2 := randomGrid(r, 8, 7, 9)
	seg1 := constLabels(8, 7, 9, 1)
	seg2 := constLabels(8, 7, 9, 2)

	run := func(workers int) *RunContext {
		p := params
		p.NumWorkers = workers
		f := NewFilter(p)
		f.SetTargetImages(target)
		f.AddAtlas([]*volume.Grid[float64]{atlas1.Clone()}, seg1.Clone())
		f.AddAtlas([]*volume.Grid[float64]{atlas2.Clone()}, seg2.Clone())

		rc, err := f.Prepare()
		if err != nil {
			t.Fatalf("Prepare failed: %v", err)
		}
		if err := f.Run(rc, nil); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return rc
	}

	serial := run(1)
	parallel := run(4)

	for i := range serial.FusedImages[0].Data {
		a := serial.FusedImages[0].Data[i]
		b := parallel.FusedImages[0].Data[i]
		if math.Abs(a-b) > 1e-9*(1+math.Abs(a)) {
			t.Fatalf("Voxel %d: fused intensity %g (serial) vs %g (parallel)", i, a, b)
		}
		if serial.Counts.Data[i] != parallel.Counts.Data[i] {
			t.Fatalf("Voxel %d: count %d (serial) vs %d (parallel)",
				i, serial.Counts.Data[i], parallel.Counts.Data[i])
		}
	}
	for i := range serial.WeightSum.Data {
		a := serial.WeightSum.Data[i]
		b := parallel.WeightSum.Data[i]
		if math.Abs(a-b) > 1e-9*(1+math.Abs(a)) {
			t.Fatalf("Voxel %d: weight sum %g (serial) vs %g (parallel)", i, a, b)
		}
	}
	for i := range serial.Segmentation.Data {
		if serial.Segmentation.Data[i] != parallel.Segmentation.Data[i] {
			t.Fatalf("Voxel %d: label %d (serial) vs %d (parallel)",
				i, serial.Segmentation.Data[i], parallel.Segmentation.Data[i])
		}
	}
}

func TestFinalizeWeightSumFloor(t *testing.T) {
	// Voxels whose accumulated weight stays below the floor must keep
	// their raw posterior values when retention is enabled.
	params := DefaultParams()
	params.RetainPosteriorMaps = true
	params.RetainVotingWeightMaps = true

	img := constGrid(2, 2, 2, 1)
	seg := constLabels(2, 2, 2, 3)

	f := NewFilter(params)
	f.SetTargetImages(img)
	f.AddAtlas([]*volume.Grid[float64]{img}, seg)

	rc, err := f.Prepare()
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	// Hand-fill the accumulators instead of voting: one voxel well above
	// the floor, one just below.
	rc.acc.posteriors[0].Set(0, 0, 0, 0.4)
	rc.acc.weightSum.Set(0, 0, 0, 0.5)
	rc.acc.votingWeights[0].Set(0, 0, 0, 0.5)

	rc.acc.posteriors[0].Set(1, 0, 0, 0.05)
	rc.acc.weightSum.Set(1, 0, 0, 0.05)
	rc.acc.votingWeights[0].Set(1, 0, 0, 0.05)

	rc.finalize()

	if got := rc.PosteriorMaps[3].At(0, 0, 0); math.Abs(got-0.8) > 1e-12 {
		t.Errorf("Expected normalized posterior 0.8 above floor, got %g", got)
	}
	if got := rc.VotingWeightMaps[0].At(0, 0, 0); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("Expected normalized voting weight 1.0 above floor, got %g", got)
	}
	if got := rc.PosteriorMaps[3].At(1, 0, 0); got != 0.05 {
		t.Errorf("Expected raw posterior 0.05 below floor, got %g", got)
	}
	if got := rc.VotingWeightMaps[0].At(1, 0, 0); got != 0.05 {
		t.Errorf("Expected raw voting weight 0.05 below floor, got %g", got)
	}
}

func TestRunDiscardsPosteriorsUnlessRetained(t *testing.T) {
	params := DefaultParams()
	params.PatchRadius = volume.Offset{}
	params.SearchRadius = volume.Offset{}

	img := rampGrid(3, 3, 3)
	seg := constLabels(3, 3, 3, 1)

	f := NewFilter(params)
	f.SetTargetImages(img)
	f.AddAtlas([]*volume.Grid[float64]{img}, seg)

	rc, err := f.Prepare()
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := f.Run(rc, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rc.PosteriorMaps != nil {
		t.Error("Expected posterior maps discarded when retention is off")
	}
	if rc.VotingWeightMaps != nil {
		t.Error("Expected voting weight maps nil when retention is off")
	}
}

func TestRunMultiModalIntensityFusion(t *testing.T) {
	// Two modalities, counts keyed off channel 0: contribution counts must
	// not double when the channel count grows.
	r := rand.New(rand.NewSource(29))

	params := DefaultParams()
	params.PatchRadius = volume.Offset{X: 1, Y: 0, Z: 0}
	params.SearchRadius = volume.Offset{}

	t0 := randomGrid(r, 6, 4, 4)
	t1 := randomGrid(r, 6, 4, 4)

	f := NewFilter(params)
	f.SetTargetImages(t0, t1)
	f.AddAtlas([]*volume.Grid[float64]{t0.Clone(), t1.Clone()}, nil)

	rc, err := f.Prepare()
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := f.Run(rc, nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(rc.FusedImages) != 2 {
		t.Fatalf("Expected 2 fused channels, got %d", len(rc.FusedImages))
	}

	// Interior voxels are covered by 3 footprints of the radius-1 X patch.
	if got := rc.Counts.At(2, 2, 2); got != 3 {
		t.Errorf("Expected count 3 at interior voxel, got %d", got)
	}

	// The single atlas equals the target, so fusion reproduces both
	// channels.
	for c, src := range []*volume.Grid[float64]{t0, t1} {
		for i := range src.Data {
			if math.Abs(rc.FusedImages[c].Data[i]-src.Data[i]) > 1e-9 {
				t.Fatalf("Channel %d voxel %d: fused %g, source %g",
					c, i, rc.FusedImages[c].Data[i], src.Data[i])
			}
		}
	}
}
