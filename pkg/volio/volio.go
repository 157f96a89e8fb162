// Package volio reads and writes the volumes consumed and produced by the
// fusion pipeline. Volumes travel either as NumPy .npy files (float64,
// shape [nz ny nx], C order) or as NIfTI-1 .nii images.
package volio

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/KyungWonPark/nifti"
	"github.com/kshedden/gonpy"

	"jointfusion/pkg/volume"
)

// Format identifies a supported on-disk volume format.
type Format int

const (
	FormatNpy Format = iota
	FormatNIfTI
)

// DetectFormat picks the format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npy":
		return FormatNpy, nil
	case ".nii":
		return FormatNIfTI, nil
	default:
		return 0, fmt.Errorf("volio: unsupported volume format %q", filepath.Ext(path))
	}
}

// LoadIntensity reads an intensity volume. dims is the expected (nx, ny,
// nz) shape; .npy shapes are validated against it, .nii volumes are read
// with it.
func LoadIntensity(path string, dims [3]int) (*volume.Grid[float64], error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatNpy:
		return loadNpy(path, dims)
	default:
		return loadNIfTI(path, dims)
	}
}

// LoadLabels reads a label volume, rounding intensities to the nearest
// integer label.
func LoadLabels(path string, dims [3]int) (*volume.Grid[int32], error) {
	img, err := LoadIntensity(path, dims)
	if err != nil {
		return nil, err
	}
	labels := volume.New[int32](img.NX, img.NY, img.NZ)
	for i, v := range img.Data {
		if v >= 0 {
			labels.Data[i] = int32(v + 0.5)
		} else {
			labels.Data[i] = int32(v - 0.5)
		}
	}
	return labels, nil
}

func loadNpy(path string, dims [3]int) (*volume.Grid[float64], error) {
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("volio: opening %s: %w", path, err)
	}
	if len(r.Shape) != 3 {
		return nil, fmt.Errorf("volio: %s has %d dimensions, expected 3", path, len(r.Shape))
	}
	if r.Shape[0] != dims[2] || r.Shape[1] != dims[1] || r.Shape[2] != dims[0] {
		return nil, fmt.Errorf("volio: %s has shape [%d %d %d], expected [%d %d %d]",
			path, r.Shape[0], r.Shape[1], r.Shape[2], dims[2], dims[1], dims[0])
	}
	data, err := r.GetFloat64()
	if err != nil {
		return nil, fmt.Errorf("volio: reading %s: %w", path, err)
	}
	g := volume.FromSlice(data, dims[0], dims[1], dims[2])
	if g == nil {
		return nil, fmt.Errorf("volio: %s: buffer length does not match shape", path)
	}
	return g, nil
}

func loadNIfTI(path string, dims [3]int) (*volume.Grid[float64], error) {
	var img nifti.Nifti1Image
	img.LoadImage(path, true)

	g := volume.New[float64](dims[0], dims[1], dims[2])
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				g.Set(x, y, z, float64(img.GetAt(uint32(x), uint32(y), uint32(z), 0)))
			}
		}
	}
	return g, nil
}

// SaveIntensity writes an intensity volume as .npy. NIfTI output requires
// a header template, see SaveNIfTILike.
func SaveIntensity(path string, g *volume.Grid[float64]) error {
	w, err := gonpy.NewFileWriter(path)
	if err != nil {
		return fmt.Errorf("volio: creating %s: %w", path, err)
	}
	w.Shape = []int{g.NZ, g.NY, g.NX}
	w.Version = 2
	if err := w.WriteFloat64(g.Data); err != nil {
		return fmt.Errorf("volio: writing %s: %w", path, err)
	}
	return nil
}

// SaveLabels writes a label volume as .npy (float64 payload, integral
// values).
func SaveLabels(path string, g *volume.Grid[int32]) error {
	out := volume.New[float64](g.NX, g.NY, g.NZ)
	for i, v := range g.Data {
		out.Data[i] = float64(v)
	}
	return SaveIntensity(path, out)
}

// SaveNIfTILike writes a volume as NIfTI, cloning the header of a template
// image so orientation and spacing survive the round trip.
func SaveNIfTILike(path, templatePath string, g *volume.Grid[float64]) error {
	var header nifti.Nifti1Header
	header.LoadHeader(templatePath)

	img := nifti.NewImg(g.NX, g.NY, g.NZ, 1)
	img.SetNewHeader(header)
	img.SetHeaderDim(g.NX, g.NY, g.NZ, 1)

	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				img.SetAt(uint32(x), uint32(y), uint32(z), 0, float32(g.At(x, y, z)))
			}
		}
	}
	img.Save(path)
	return nil
}
