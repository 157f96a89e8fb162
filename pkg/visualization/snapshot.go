// Package visualization renders quality-control snapshots of fusion
// outputs as 2D images.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"jointfusion/pkg/volume"
)

// labelPalette assigns stable colors to the first few nonzero labels.
// Labels beyond the palette wrap around.
var labelPalette = []color.RGBA{
	{230, 25, 75, 255},
	{60, 180, 75, 255},
	{255, 225, 25, 255},
	{0, 130, 200, 255},
	{245, 130, 48, 255},
	{145, 30, 180, 255},
	{70, 240, 240, 255},
	{240, 50, 230, 255},
	{210, 245, 60, 255},
	{250, 190, 190, 255},
}

// SliceIntensity extracts one plane of an intensity volume as a grayscale
// image. Values are windowed to the volume's observed range so the output
// uses the full gray scale regardless of the input units.
func SliceIntensity(g *volume.Grid[float64], axis string, position int) (image.Image, error) {
	lo := floats.Min(g.Data)
	hi := floats.Max(g.Data)
	scale := 0.0
	if hi > lo {
		scale = 65535.0 / (hi - lo)
	}

	w, h, sample, err := planeSampler(g.NX, g.NY, g.NZ, axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			x, y, z := sample(px, py)
			v := (g.At(x, y, z) - lo) * scale
			img.SetGray16(px, py, color.Gray16{Y: uint16(v)})
		}
	}
	return img, nil
}

// SliceLabels extracts one plane of a label volume with each nonzero label
// drawn in a palette color. Background stays black.
func SliceLabels(g *volume.Grid[int32], axis string, position int) (image.Image, error) {
	w, h, sample, err := planeSampler(g.NX, g.NY, g.NZ, axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			x, y, z := sample(px, py)
			label := g.At(x, y, z)
			if label == 0 {
				img.SetRGBA(px, py, color.RGBA{0, 0, 0, 255})
				continue
			}
			idx := int(label-1) % len(labelPalette)
			if idx < 0 {
				idx += len(labelPalette)
			}
			img.SetRGBA(px, py, labelPalette[idx])
		}
	}
	return img, nil
}

// planeSampler maps image pixel coordinates to volume coordinates for the
// requested slicing plane.
func planeSampler(nx, ny, nz int, axis string, position int) (int, int, func(px, py int) (int, int, int), error) {
	if position < 0 {
		return 0, 0, nil, fmt.Errorf("position must be non-negative")
	}
	switch axis {
	case "x", "X":
		if position >= nx {
			return 0, 0, nil, fmt.Errorf("position %d exceeds X extent %d", position, nx)
		}
		return nz, ny, func(px, py int) (int, int, int) { return position, py, px }, nil
	case "y", "Y":
		if position >= ny {
			return 0, 0, nil, fmt.Errorf("position %d exceeds Y extent %d", position, ny)
		}
		return nx, nz, func(px, py int) (int, int, int) { return px, position, py }, nil
	case "z", "Z":
		if position >= nz {
			return 0, 0, nil, fmt.Errorf("position %d exceeds Z extent %d", position, nz)
		}
		return nx, ny, func(px, py int) (int, int, int) { return px, py, position }, nil
	default:
		return 0, 0, nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// SaveImage writes an image as a JPEG file.
func SaveImage(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// WriteSnapshots writes mid-volume slices along all three axes for an
// intensity volume and, when present, its segmentation into dir.
func WriteSnapshots(dir string, intensity *volume.Grid[float64], seg *volume.Grid[int32]) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	mids := map[string]int{
		"x": intensity.NX / 2,
		"y": intensity.NY / 2,
		"z": intensity.NZ / 2,
	}
	for _, axis := range []string{"x", "y", "z"} {
		img, err := SliceIntensity(intensity, axis, mids[axis])
		if err != nil {
			return err
		}
		name := filepath.Join(dir, fmt.Sprintf("fused_%s_%03d.jpg", axis, mids[axis]))
		if err := SaveImage(img, name); err != nil {
			return err
		}

		if seg == nil {
			continue
		}
		img, err = SliceLabels(seg, axis, mids[axis])
		if err != nil {
			return err
		}
		name = filepath.Join(dir, fmt.Sprintf("labels_%s_%03d.jpg", axis, mids[axis]))
		if err := SaveImage(img, name); err != nil {
			return err
		}
	}
	return nil
}
