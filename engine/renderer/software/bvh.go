package software

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
)

// Acceleration structure blobs start with a 16 byte header: magic, element
// count, node count and a reserved word.
const (
	blasMagic uint32 = 0x53414c42 // "BLAS"
	tlasMagic uint32 = 0x53414c54 // "TLAS"

	blobHeaderSize = 16
	triangleSize   = 36
	nodeSize       = 32
	leafSize       = 4
)

func blasSize(triangles uint64) uint64 {
	return blobHeaderSize + triangles*triangleSize + (2*triangles-1)*nodeSize
}

func tlasSize(instances uint64) uint64 {
	return blobHeaderSize + instances*64
}

type triangle [3]mgl32.Vec3

// bvhNode takes 32 bytes once encoded. For inner nodes the W of min holds the
// left child and the W of max the right child, both > 0. For leaves the W of
// min holds -first and the W of max holds -count.
type bvhNode struct {
	min   mgl32.Vec3
	max   mgl32.Vec3
	left  int32
	right int32
	leaf  bool
}

type bvhItem struct {
	tri      triangle
	min, max mgl32.Vec3
	center   mgl32.Vec3
}

type bvhBuilder struct {
	nodes   []bvhNode
	ordered []triangle
}

func boundsOf(items []bvhItem) (mgl32.Vec3, mgl32.Vec3) {
	min := mgl32.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	max := mgl32.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
	for _, it := range items {
		for k := 0; k < 3; k++ {
			min[k] = float32(math.Min(float64(min[k]), float64(it.min[k])))
			max[k] = float32(math.Max(float64(max[k]), float64(it.max[k])))
		}
	}
	return min, max
}

func (b *bvhBuilder) build(items []bvhItem) int32 {
	idx := int32(len(b.nodes))
	b.nodes = append(b.nodes, bvhNode{})
	min, max := boundsOf(items)

	if len(items) <= leafSize {
		first := int32(len(b.ordered))
		for _, it := range items {
			b.ordered = append(b.ordered, it.tri)
		}
		b.nodes[idx] = bvhNode{min: min, max: max, left: first, right: int32(len(items)), leaf: true}
		return idx
	}

	// median split along the axis with the widest centroid spread
	cmin := mgl32.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	cmax := mgl32.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
	for _, it := range items {
		for k := 0; k < 3; k++ {
			cmin[k] = float32(math.Min(float64(cmin[k]), float64(it.center[k])))
			cmax[k] = float32(math.Max(float64(cmax[k]), float64(it.center[k])))
		}
	}
	extent := cmax.Sub(cmin)
	axis := 0
	if extent[1] > extent[axis] {
		axis = 1
	}
	if extent[2] > extent[axis] {
		axis = 2
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].center[axis] < items[j].center[axis]
	})

	mid := len(items) / 2
	left := b.build(items[:mid])
	right := b.build(items[mid:])
	b.nodes[idx] = bvhNode{min: min, max: max, left: left, right: right}
	return idx
}

// buildBLAS encodes the bottom-level blob for tris.
func buildBLAS(tris []triangle) []byte {
	items := make([]bvhItem, len(tris))
	for i, t := range tris {
		it := bvhItem{tri: t, min: t[0], max: t[0]}
		for _, v := range t[1:] {
			for k := 0; k < 3; k++ {
				it.min[k] = float32(math.Min(float64(it.min[k]), float64(v[k])))
				it.max[k] = float32(math.Max(float64(it.max[k]), float64(v[k])))
			}
		}
		it.center = t[0].Add(t[1]).Add(t[2]).Mul(1.0 / 3.0)
		items[i] = it
	}

	b := &bvhBuilder{}
	b.build(items)

	blob := make([]byte, blobHeaderSize+len(b.ordered)*triangleSize+len(b.nodes)*nodeSize)
	binary.LittleEndian.PutUint32(blob[0:], blasMagic)
	binary.LittleEndian.PutUint32(blob[4:], uint32(len(b.ordered)))
	binary.LittleEndian.PutUint32(blob[8:], uint32(len(b.nodes)))

	off := blobHeaderSize
	for _, t := range b.ordered {
		for _, v := range t {
			off = putVec3(blob, off, v)
		}
	}
	for _, n := range b.nodes {
		minW, maxW := float32(n.left), float32(n.right)
		if n.leaf {
			minW, maxW = -float32(n.left), -float32(n.right)
		}
		off = putVec3(blob, off, n.min)
		off = putFloat(blob, off, minW)
		off = putVec3(blob, off, n.max)
		off = putFloat(blob, off, maxW)
	}
	return blob
}

func putFloat(b []byte, off int, f float32) int {
	binary.LittleEndian.PutUint32(b[off:], math.Float32bits(f))
	return off + 4
}

func putVec3(b []byte, off int, v mgl32.Vec3) int {
	for k := 0; k < 3; k++ {
		off = putFloat(b, off, v[k])
	}
	return off
}

func getFloat(b []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
}

func getVec3(b []byte, off int) mgl32.Vec3 {
	return mgl32.Vec3{getFloat(b, off), getFloat(b, off+4), getFloat(b, off+8)}
}

// blasView reads a blob written by buildBLAS.
type blasView struct {
	blob      []byte
	triangles int
	nodes     int
}

func openBLAS(blob []byte) (blasView, bool) {
	if len(blob) < blobHeaderSize || binary.LittleEndian.Uint32(blob) != blasMagic {
		return blasView{}, false
	}
	v := blasView{
		blob:      blob,
		triangles: int(binary.LittleEndian.Uint32(blob[4:])),
		nodes:     int(binary.LittleEndian.Uint32(blob[8:])),
	}
	if len(blob) < blobHeaderSize+v.triangles*triangleSize+v.nodes*nodeSize || v.nodes == 0 {
		return blasView{}, false
	}
	return v, true
}

func (v blasView) triangle(i int) triangle {
	off := blobHeaderSize + i*triangleSize
	return triangle{getVec3(v.blob, off), getVec3(v.blob, off+12), getVec3(v.blob, off+24)}
}

func (v blasView) node(i int) (min mgl32.Vec3, minW float32, max mgl32.Vec3, maxW float32) {
	off := blobHeaderSize + v.triangles*triangleSize + i*nodeSize
	return getVec3(v.blob, off), getFloat(v.blob, off+12), getVec3(v.blob, off+16), getFloat(v.blob, off+28)
}

// Bounds returns the extent of the root node.
func (v blasView) Bounds() (mgl32.Vec3, mgl32.Vec3) {
	min, _, max, _ := v.node(0)
	return min, max
}

// intersect returns the closest hit distance in (tMin, tMax) or false.
func (v blasView) intersect(origin, dir mgl32.Vec3, tMin, tMax float32) (float32, bool) {
	var inv mgl32.Vec3
	for k := 0; k < 3; k++ {
		inv[k] = 1 / dir[k]
	}

	best := tMax
	hit := false
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		min, minW, max, maxW := v.node(i)
		if !slab(origin, inv, min, max, tMin, best) {
			continue
		}
		if maxW < 0 {
			first, count := int(-minW), int(-maxW)
			for t := first; t < first+count; t++ {
				if d, ok := intersectTriangle(origin, dir, v.triangle(t)); ok && d > tMin && d < best {
					best = d
					hit = true
				}
			}
			continue
		}
		stack = append(stack, int(minW), int(maxW))
	}
	return best, hit
}

func slab(origin, inv, min, max mgl32.Vec3, tMin, tMax float32) bool {
	for k := 0; k < 3; k++ {
		t0 := (min[k] - origin[k]) * inv[k]
		t1 := (max[k] - origin[k]) * inv[k]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		if t0 > tMin {
			tMin = t0
		}
		if t1 < tMax {
			tMax = t1
		}
		if tMax < tMin {
			return false
		}
	}
	return true
}

// intersectTriangle is Möller-Trumbore without culling.
func intersectTriangle(origin, dir mgl32.Vec3, t triangle) (float32, bool) {
	const eps = 1e-7
	e1 := t[1].Sub(t[0])
	e2 := t[2].Sub(t[0])
	p := dir.Cross(e2)
	det := e1.Dot(p)
	if det > -eps && det < eps {
		return 0, false
	}
	invDet := 1 / det
	s := origin.Sub(t[0])
	u := s.Dot(p) * invDet
	if u < 0 || u > 1 {
		return 0, false
	}
	q := s.Cross(e1)
	w := dir.Dot(q) * invDet
	if w < 0 || u+w > 1 {
		return 0, false
	}
	return e2.Dot(q) * invDet, true
}
