package volume

// Offset is an integer displacement between voxel coordinates.
type Offset struct {
	X, Y, Z int
}

// Region is a half-open axis-aligned box [X0,X1) x [Y0,Y1) x [Z0,Z1).
type Region struct {
	X0, Y0, Z0 int
	X1, Y1, Z1 int
}

// Bounds returns the full domain of a grid as a region.
func Bounds[T Value](g *Grid[T]) Region {
	return Region{X1: g.NX, Y1: g.NY, Z1: g.NZ}
}

// Contains reports whether (x, y, z) lies inside the region.
func (r Region) Contains(x, y, z int) bool {
	return x >= r.X0 && x < r.X1 && y >= r.Y0 && y < r.Y1 && z >= r.Z0 && z < r.Z1
}

// NumVoxels returns the voxel count of the region.
func (r Region) NumVoxels() int {
	return (r.X1 - r.X0) * (r.Y1 - r.Y0) * (r.Z1 - r.Z0)
}

// Empty reports whether the region contains no voxels.
func (r Region) Empty() bool {
	return r.X1 <= r.X0 || r.Y1 <= r.Y0 || r.Z1 <= r.Z0
}

// SplitZ partitions a region into at most n disjoint slabs along the Z
// axis. Slabs differ in depth by at most one slice; empty slabs are
// dropped, so fewer than n regions may be returned for shallow volumes.
// The union of the returned regions is exactly r.
func SplitZ(r Region, n int) []Region {
	depth := r.Z1 - r.Z0
	if depth <= 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if n > depth {
		n = depth
	}
	out := make([]Region, 0, n)
	base := depth / n
	extra := depth % n
	z := r.Z0
	for i := 0; i < n; i++ {
		d := base
		if i < extra {
			d++
		}
		if d == 0 {
			continue
		}
		sub := r
		sub.Z0 = z
		sub.Z1 = z + d
		out = append(out, sub)
		z += d
	}
	return out
}

// NeighborhoodOffsets expands an axis-aligned radius into the flat ordered
// offset list used for patch vectorization and search. Enumeration is
// lexicographic with X varying fastest, so the zero offset sits exactly in
// the middle of the list. The ordering is part of the numerical contract:
// ties in the patch search are broken by the first offset encountered.
func NeighborhoodOffsets(radius Offset) []Offset {
	nx := 2*radius.X + 1
	ny := 2*radius.Y + 1
	nz := 2*radius.Z + 1
	out := make([]Offset, 0, nx*ny*nz)
	for z := -radius.Z; z <= radius.Z; z++ {
		for y := -radius.Y; y <= radius.Y; y++ {
			for x := -radius.X; x <= radius.X; x++ {
				out = append(out, Offset{X: x, Y: y, Z: z})
			}
		}
	}
	return out
}
