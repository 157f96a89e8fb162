// Package volume provides the generic volumetric grid type and the region
// and neighborhood bookkeeping shared by the fusion pipeline. Grids are
// stored as flat slices with explicit index math so that large volumes can
// be handed to workers without copying.
package volume

// Value constrains the element types a Grid can store. Intensity volumes
// are typically float64, label and mask volumes int32, contribution
// counters int64. Accumulation always happens in float64 regardless of the
// stored type to avoid precision loss in the numerically sensitive steps.
type Value interface {
	~uint8 | ~uint16 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// Grid is a dense 3D scalar volume with X varying fastest in memory.
type Grid[T Value] struct {
	NX, NY, NZ int
	Data       []T
}

// New allocates a zero-filled grid with the given dimensions.
func New[T Value](nx, ny, nz int) *Grid[T] {
	return &Grid[T]{
		NX:   nx,
		NY:   ny,
		NZ:   nz,
		Data: make([]T, nx*ny*nz),
	}
}

// FromSlice wraps an existing flat buffer. The buffer length must equal
// nx*ny*nz.
func FromSlice[T Value](data []T, nx, ny, nz int) *Grid[T] {
	if len(data) != nx*ny*nz {
		return nil
	}
	return &Grid[T]{NX: nx, NY: ny, NZ: nz, Data: data}
}

// Index returns the flat offset of (x, y, z). The caller is responsible
// for bounds checking.
func (g *Grid[T]) Index(x, y, z int) int {
	return (z*g.NY+y)*g.NX + x
}

// At returns the value at (x, y, z).
func (g *Grid[T]) At(x, y, z int) T {
	return g.Data[(z*g.NY+y)*g.NX+x]
}

// Set stores v at (x, y, z).
func (g *Grid[T]) Set(x, y, z int, v T) {
	g.Data[(z*g.NY+y)*g.NX+x] = v
}

// Add accumulates v into (x, y, z).
func (g *Grid[T]) Add(x, y, z int, v T) {
	g.Data[(z*g.NY+y)*g.NX+x] += v
}

// Contains reports whether (x, y, z) lies inside the grid domain.
func (g *Grid[T]) Contains(x, y, z int) bool {
	return x >= 0 && x < g.NX && y >= 0 && y < g.NY && z >= 0 && z < g.NZ
}

// NumVoxels returns the total voxel count of the grid.
func (g *Grid[T]) NumVoxels() int {
	return g.NX * g.NY * g.NZ
}

// SameShape reports whether two grids have identical dimensions.
func SameShape[A, B Value](a *Grid[A], b *Grid[B]) bool {
	return a.NX == b.NX && a.NY == b.NY && a.NZ == b.NZ
}

// Clone returns a deep copy of the grid.
func (g *Grid[T]) Clone() *Grid[T] {
	out := New[T](g.NX, g.NY, g.NZ)
	copy(out.Data, g.Data)
	return out
}
