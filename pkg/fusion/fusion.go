// Package fusion implements patch-based joint label fusion of co-registered
// atlas volumes onto a target volume. For every voxel inside the mask the
// filter searches each atlas for the best-matching patch, solves a
// regularized least-squares system for per-atlas weights, and scatters the
// weighted intensity estimate and label votes into shared accumulators. A
// final pass normalizes the accumulators and decides the consensus label.
//
// The filter follows the method of Wang et al., "Multi-Atlas Segmentation
// with Joint Label Fusion" (PAMI 2013).
package fusion

import (
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"jointfusion/pkg/volume"
)

// Metric selects the patch dissimilarity measure used during search.
type Metric int

const (
	// MetricMeanSquares is the default normalized sum-of-squares style
	// measure: (Σxy)²/var(x), negated for positive cross-correlation so
	// that lower scores are better matches.
	MetricMeanSquares Metric = iota

	// MetricPearson scores candidates by the negated Pearson correlation
	// coefficient.
	MetricPearson
)

func (m Metric) String() string {
	switch m {
	case MetricPearson:
		return "pearson"
	default:
		return "meansquares"
	}
}

// ProgressFunc reports per-voxel progress during the voting pass. It may be
// called concurrently from several workers.
type ProgressFunc func(completed, total int)

// Params holds the knobs recognized by the filter.
type Params struct {
	// SearchRadius bounds the candidate offsets examined during patch
	// matching.
	SearchRadius volume.Offset

	// PatchRadius defines the vectorized patch neighborhood.
	PatchRadius volume.Offset

	// Alpha is the ridge regularization added to the diagonal of the
	// patch-difference Gram matrix.
	Alpha float64

	// Beta is the exponent applied to Gram matrix entries. Exactly 2.0
	// uses a multiply instead of math.Pow.
	Beta float64

	// Metric selects the patch dissimilarity measure.
	Metric Metric

	// ConstrainNonnegative solves for the atlas weights with the
	// Lawson-Hanson NNLS solver instead of clipping after an
	// unconstrained solve.
	ConstrainNonnegative bool

	// RetainPosteriorMaps keeps the per-label posterior volumes on the
	// run context after Run.
	RetainPosteriorMaps bool

	// RetainVotingWeightMaps keeps the per-atlas voting weight volumes
	// on the run context after Run.
	RetainVotingWeightMaps bool

	// NumWorkers is the worker pool size; 0 means runtime.NumCPU().
	NumWorkers int

	// Progress, when non-nil, receives voting progress updates.
	Progress ProgressFunc
}

// DefaultParams returns the parameter defaults of the reference method.
func DefaultParams() Params {
	return Params{
		SearchRadius: volume.Offset{X: 3, Y: 3, Z: 3},
		PatchRadius:  volume.Offset{X: 2, Y: 2, Z: 2},
		Alpha:        0.1,
		Beta:         2.0,
	}
}

// Filter fuses a set of co-registered atlases onto a target volume.
// Inputs are attached with the Set/Add methods, validated by Prepare and
// consumed by Run.
type Filter struct {
	params Params

	target      []*volume.Grid[float64]
	atlasImages [][]*volume.Grid[float64]
	atlasSegs   []*volume.Grid[int32]

	mask      *volume.Grid[int32]
	maskLabel int32

	exclusions map[int32]*volume.Grid[int32]
}

// NewFilter creates a filter with the given parameters and no inputs.
func NewFilter(params Params) *Filter {
	return &Filter{
		params:     params,
		maskLabel:  1,
		exclusions: make(map[int32]*volume.Grid[int32]),
	}
}

// SetTargetImages attaches the target modality channels. Either a single
// channel or one channel per atlas modality must be supplied.
func (f *Filter) SetTargetImages(images ...*volume.Grid[float64]) {
	f.target = images
}

// AddAtlas attaches one atlas: its modality channels and an optional
// segmentation (nil for intensity-only atlases). All atlases must carry the
// same number of modalities.
func (f *Filter) AddAtlas(images []*volume.Grid[float64], seg *volume.Grid[int32]) {
	f.atlasImages = append(f.atlasImages, images)
	if seg != nil {
		f.atlasSegs = append(f.atlasSegs, seg)
	}
}

// SetMask restricts processing to voxels where the mask volume holds the
// given label.
func (f *Filter) SetMask(mask *volume.Grid[int32], label int32) {
	f.mask = mask
	f.maskLabel = label
}

// ExcludeLabel attaches an exclusion volume for a label: wherever the
// volume is non-zero the label can never win the final vote.
func (f *Filter) ExcludeLabel(label int32, excl *volume.Grid[int32]) {
	f.exclusions[label] = excl
}

// RunContext holds the per-run immutable state (offset lists, label set)
// and the accumulator volumes. It is created by Prepare, filled by Run and
// owns the outputs afterwards.
type RunContext struct {
	filter *Filter

	numAtlases    int
	numModalities int
	numTargets    int
	numSegs       int

	// true when the target carries a single channel but the atlases are
	// multi-modal; search then compares against the first modality only.
	useFirstChannelOnly bool

	searchOffsets []volume.Offset
	patchOffsets  []volume.Offset
	patchSize     int

	// sorted distinct labels and their dense accumulator indices
	labels     []int32
	labelIndex map[int32]int

	acc *accumulators

	// Outputs, populated by Run.

	// Segmentation is the consensus label volume.
	Segmentation *volume.Grid[int32]

	// FusedImages holds one bias/noise-reduced intensity estimate per
	// atlas modality.
	FusedImages []*volume.Grid[float64]

	// PosteriorMaps maps each label to its normalized posterior volume.
	// Nil unless Params.RetainPosteriorMaps is set.
	PosteriorMaps map[int32]*volume.Grid[float64]

	// VotingWeightMaps holds one normalized voting-weight volume per
	// atlas. Nil unless Params.RetainVotingWeightMaps is set.
	VotingWeightMaps []*volume.Grid[float64]

	// WeightSum is the accumulated voting weight per voxel.
	WeightSum *volume.Grid[float64]

	// Counts is the per-voxel patch contribution count used to
	// normalize the fused intensities.
	Counts *volume.Grid[int64]
}

// Labels returns the sorted label set discovered across the atlas
// segmentations inside the mask.
func (rc *RunContext) Labels() []int32 {
	out := make([]int32, len(rc.labels))
	copy(out, rc.labels)
	return out
}

// Prepare validates the configuration, discovers the label set and
// allocates the output accumulators. It must be called before Run and does
// no voxel work beyond the label scan.
func (f *Filter) Prepare() (*RunContext, error) {
	if len(f.atlasImages) == 0 {
		return nil, fmt.Errorf("fusion: no atlases attached")
	}
	if len(f.target) == 0 {
		return nil, fmt.Errorf("fusion: no target images attached")
	}

	numAtlases := len(f.atlasImages)
	numModalities := len(f.atlasImages[0])
	for i, imgs := range f.atlasImages {
		if len(imgs) != numModalities {
			return nil, fmt.Errorf("fusion: atlas %d has %d modalities, expected %d", i, len(imgs), numModalities)
		}
		for j, img := range imgs {
			if !volume.SameShape(img, f.target[0]) {
				return nil, fmt.Errorf("fusion: atlas %d modality %d shape differs from target", i, j)
			}
		}
	}
	if len(f.target) != 1 && len(f.target) != numModalities {
		return nil, fmt.Errorf("fusion: number of target images must be 1 or the number of atlas modalities (%d), got %d",
			numModalities, len(f.target))
	}
	for i, img := range f.target[1:] {
		if !volume.SameShape(img, f.target[0]) {
			return nil, fmt.Errorf("fusion: target channel %d shape differs from channel 0", i+1)
		}
	}
	if f.mask != nil && !volume.SameShape(f.mask, f.target[0]) {
		return nil, fmt.Errorf("fusion: mask shape differs from target")
	}
	for label, excl := range f.exclusions {
		if !volume.SameShape(excl, f.target[0]) {
			return nil, fmt.Errorf("fusion: exclusion volume for label %d shape differs from target", label)
		}
	}
	if f.params.Alpha < 0 {
		return nil, fmt.Errorf("fusion: alpha must be non-negative, got %g", f.params.Alpha)
	}
	if r := f.params.PatchRadius; r.X < 0 || r.Y < 0 || r.Z < 0 {
		return nil, fmt.Errorf("fusion: patch radius must be non-negative")
	}
	if r := f.params.SearchRadius; r.X < 0 || r.Y < 0 || r.Z < 0 {
		return nil, fmt.Errorf("fusion: search radius must be non-negative")
	}

	// A partial segmentation set cannot be attributed to atlases, so the
	// run silently degrades to pure intensity fusion.
	numSegs := len(f.atlasSegs)
	if numSegs != numAtlases {
		if numSegs > 0 {
			slog.Warn("segmentation count does not match atlas count, disabling label fusion",
				"segmentations", numSegs, "atlases", numAtlases)
		}
		numSegs = 0
	}
	for i := 0; i < numSegs; i++ {
		if !volume.SameShape(f.atlasSegs[i], f.target[0]) {
			return nil, fmt.Errorf("fusion: segmentation %d shape differs from target", i)
		}
	}

	rc := &RunContext{
		filter:              f,
		numAtlases:          numAtlases,
		numModalities:       numModalities,
		numTargets:          len(f.target),
		numSegs:             numSegs,
		useFirstChannelOnly: len(f.target) != numModalities,
		searchOffsets:       volume.NeighborhoodOffsets(f.params.SearchRadius),
		patchOffsets:        volume.NeighborhoodOffsets(f.params.PatchRadius),
		labelIndex:          make(map[int32]int),
	}
	rc.patchSize = len(rc.patchOffsets)

	rc.discoverLabels()

	tgt := f.target[0]
	numVoting := 0
	if f.params.RetainVotingWeightMaps {
		numVoting = numAtlases
	}
	rc.acc = newAccumulators(tgt.NX, tgt.NY, tgt.NZ, len(rc.labels), numVoting, numModalities)

	return rc, nil
}

// discoverLabels scans every atlas segmentation inside the mask and records
// the sorted set of distinct labels. The set is immutable for the rest of
// the run.
func (rc *RunContext) discoverLabels() {
	f := rc.filter
	seen := make(map[int32]struct{})
	for i := 0; i < rc.numSegs; i++ {
		seg := f.atlasSegs[i]
		for z := 0; z < seg.NZ; z++ {
			for y := 0; y < seg.NY; y++ {
				for x := 0; x < seg.NX; x++ {
					if f.mask != nil && f.mask.At(x, y, z) != f.maskLabel {
						continue
					}
					seen[seg.At(x, y, z)] = struct{}{}
				}
			}
		}
	}

	rc.labels = make([]int32, 0, len(seen))
	for label := range seen {
		rc.labels = append(rc.labels, label)
	}
	sort.Slice(rc.labels, func(i, j int) bool { return rc.labels[i] < rc.labels[j] })
	for i, label := range rc.labels {
		rc.labelIndex[label] = i
	}
}

// Partitioner splits the output domain into disjoint sub-regions for the
// worker pool. The returned regions must cover the domain exactly.
type Partitioner func(r volume.Region, n int) []volume.Region

// Run executes the voting pass over the whole volume with a fixed worker
// pool and then finalizes the outputs. Each worker accumulates into its own
// private buffers; the partial accumulators are merged in partition order
// after the join, so patch footprints crossing region boundaries never race.
// A nil partitioner splits the domain into Z slabs.
func (f *Filter) Run(rc *RunContext, split Partitioner) error {
	if split == nil {
		split = volume.SplitZ
	}
	workers := f.params.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	bounds := volume.Bounds(f.target[0])
	regions := split(bounds, workers)

	slog.Info("starting voting pass",
		"atlases", rc.numAtlases,
		"modalities", rc.numModalities,
		"segmentations", rc.numSegs,
		"labels", len(rc.labels),
		"workers", len(regions),
		"patch", rc.patchSize,
		"search", len(rc.searchOffsets),
		"metric", f.params.Metric.String(),
	)

	var completed atomic.Int64
	total := bounds.NumVoxels()

	partials := make([]*accumulators, len(regions))
	var g errgroup.Group
	for i := range regions {
		i := i
		region := regions[i]
		g.Go(func() error {
			acc := newAccumulators(f.target[0].NX, f.target[0].NY, f.target[0].NZ,
				len(rc.labels), len(rc.acc.votingWeights), rc.numModalities)
			if err := rc.processRegion(region, acc, &completed, total); err != nil {
				return err
			}
			partials[i] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Barrier passed: merge the per-worker partials in partition order so
	// the result is independent of worker scheduling.
	for _, p := range partials {
		rc.acc.merge(p)
	}

	rc.finalize()
	return nil
}

// Describe returns a one-line summary of the configured run, used for
// startup logging.
func (rc *RunContext) Describe() string {
	f := rc.filter
	return fmt.Sprintf("atlases=%d modalities=%d segmentations=%d labels=%d alpha=%g beta=%g metric=%s nnls=%t",
		rc.numAtlases, rc.numModalities, rc.numSegs, len(rc.labels),
		f.params.Alpha, f.params.Beta, f.params.Metric, f.params.ConstrainNonnegative)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
