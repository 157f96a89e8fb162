package fusion

import "jointfusion/pkg/volume"

// accumulators is one complete set of output buffers. Every worker owns a
// private set during the voting pass; the sets are merged into the run
// context's set after the join barrier.
type accumulators struct {
	// posteriors is indexed by the dense label index of the run context.
	posteriors []*volume.Grid[float64]

	weightSum *volume.Grid[float64]

	// votingWeights is per atlas; empty unless retention is configured.
	votingWeights []*volume.Grid[float64]

	// intensity is per atlas modality, counts is shared across channels.
	intensity []*volume.Grid[float64]
	counts    *volume.Grid[int64]
}

func newAccumulators(nx, ny, nz, numLabels, numVotingWeights, numModalities int) *accumulators {
	a := &accumulators{
		posteriors:    make([]*volume.Grid[float64], numLabels),
		weightSum:     volume.New[float64](nx, ny, nz),
		votingWeights: make([]*volume.Grid[float64], numVotingWeights),
		intensity:     make([]*volume.Grid[float64], numModalities),
		counts:        volume.New[int64](nx, ny, nz),
	}
	for i := range a.posteriors {
		a.posteriors[i] = volume.New[float64](nx, ny, nz)
	}
	for i := range a.votingWeights {
		a.votingWeights[i] = volume.New[float64](nx, ny, nz)
	}
	for i := range a.intensity {
		a.intensity[i] = volume.New[float64](nx, ny, nz)
	}
	return a
}

// merge folds a partial accumulator set into a. Voxel-wise addition only,
// so merging in a fixed order yields a deterministic result.
func (a *accumulators) merge(p *accumulators) {
	for i := range a.posteriors {
		addInto(a.posteriors[i], p.posteriors[i])
	}
	addInto(a.weightSum, p.weightSum)
	for i := range a.votingWeights {
		addInto(a.votingWeights[i], p.votingWeights[i])
	}
	for i := range a.intensity {
		addInto(a.intensity[i], p.intensity[i])
	}
	for i, v := range p.counts.Data {
		a.counts.Data[i] += v
	}
}

func addInto(dst, src *volume.Grid[float64]) {
	for i, v := range src.Data {
		dst.Data[i] += v
	}
}
