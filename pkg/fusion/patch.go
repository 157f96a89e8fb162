package fusion

import (
	"jointfusion/pkg/volume"

	"gonum.org/v1/gonum/stat"
)

// vectorizePatch flattens the patch neighborhood around (cx, cy, cz) into a
// fixed-length vector. Offsets landing outside the image domain contribute
// zero; the vector length is always the patch size. When normalize is set
// the entries are z-scored with the sample standard deviation floored at
// 1.0 so near-constant patches are not amplified.
func (rc *RunContext) vectorizePatch(img *volume.Grid[float64], cx, cy, cz int, normalize bool) []float64 {
	out := make([]float64, rc.patchSize)
	rc.vectorizePatchInto(out, img, cx, cy, cz, normalize)
	return out
}

func (rc *RunContext) vectorizePatchInto(dst []float64, img *volume.Grid[float64], cx, cy, cz int, normalize bool) {
	for i, off := range rc.patchOffsets {
		x, y, z := cx+off.X, cy+off.Y, cz+off.Z
		if img.Contains(x, y, z) {
			dst[i] = img.At(x, y, z)
		} else {
			dst[i] = 0
		}
	}
	if normalize {
		normalizePatch(dst)
	}
}

// vectorizeChannelsPatch concatenates the per-channel patch vectors of an
// image list, channel-major. Normalization is applied per channel.
func (rc *RunContext) vectorizeChannelsPatch(images []*volume.Grid[float64], cx, cy, cz int, normalize bool) []float64 {
	out := make([]float64, rc.patchSize*len(images))
	for i, img := range images {
		rc.vectorizePatchInto(out[i*rc.patchSize:(i+1)*rc.patchSize], img, cx, cy, cz, normalize)
	}
	return out
}

func normalizePatch(v []float64) {
	mean, std := stat.MeanStdDev(v, nil)
	// The floor also catches the NaN a single-voxel patch produces.
	if !(std >= 1.0) {
		std = 1.0
	}
	for i := range v {
		v[i] = (v[i] - mean) / std
	}
}
