package medimg

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"nimsdata/internal/models"
)

// ErrVoxelOrder is returned for voxel order strings that do not name each
// world axis exactly once.
var ErrVoxelOrder = errors.New("invalid voxel order")

// Each letter names the side an axis starts from: an "L" axis runs from left
// to right, toward +x in RAS+ world space.
var orderLetters = map[byte]axisMap{
	'L': {0, 1}, 'R': {0, -1},
	'P': {1, 1}, 'A': {1, -1},
	'I': {2, 1}, 'S': {2, -1},
}

type axisMap struct {
	world int
	sign  float64
}

// ValidateVoxelOrder checks a three letter order such as "LPS".
func ValidateVoxelOrder(order string) error {
	_, err := parseVoxelOrder(order)
	return err
}

// parseVoxelOrder returns the world axis and direction of each voxel axis.
func parseVoxelOrder(order string) ([3]axisMap, error) {
	var out [3]axisMap
	order = strings.ToUpper(order)
	if len(order) != 3 {
		return out, errors.Wrapf(ErrVoxelOrder, "%q must have 3 letters", order)
	}
	var used [3]bool
	for k := 0; k < 3; k++ {
		l, ok := orderLetters[order[k]]
		if !ok {
			return out, errors.Wrapf(ErrVoxelOrder, "%q: unknown axis letter %q", order, order[k])
		}
		if used[l.world] {
			return out, errors.Wrapf(ErrVoxelOrder, "%q names a world axis twice", order)
		}
		used[l.world] = true
		out[k] = l
	}
	return out, nil
}

// orientation finds, for each voxel axis, the world axis it is closest to
// and its direction along it. Strongest components are assigned first so
// oblique affines still map to a permutation.
func orientation(affine mat.Matrix) [3]axisMap {
	var out [3]axisMap
	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = affine.At(i, j)
		}
	}
	var rowUsed, colUsed [3]bool
	for n := 0; n < 3; n++ {
		bi, bj, best := -1, -1, -1.0
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				if rowUsed[i] || colUsed[j] {
					continue
				}
				if a := math.Abs(r[i][j]); a > best {
					bi, bj, best = i, j, a
				}
			}
		}
		rowUsed[bi], colUsed[bj] = true, true
		sign := 1.0
		if r[bi][bj] < 0 {
			sign = -1
		}
		out[bj] = axisMap{world: bi, sign: sign}
	}
	return out
}

// VoxelOrder describes an affine's current voxel order.
func VoxelOrder(affine mat.Matrix) string {
	names := [3][2]byte{{'R', 'L'}, {'A', 'P'}, {'S', 'I'}}
	var b strings.Builder
	for _, a := range orientation(affine) {
		if a.sign > 0 {
			b.WriteByte(names[a.world][1])
		} else {
			b.WriteByte(names[a.world][0])
		}
	}
	return b.String()
}

// ReorderVoxels permutes and flips the first three axes of vol so they follow
// order, and returns the matching affine. Volumes with fewer than three axes
// come back padded to three. The inputs are not modified.
func ReorderVoxels(vol *models.Volume, affine mat.Matrix, order string) (*models.Volume, *mat.Dense, error) {
	target, err := parseVoxelOrder(order)
	if err != nil {
		return nil, nil, err
	}
	if affine == nil {
		return nil, nil, errors.New("cannot reorder voxels without an affine")
	}
	current := orientation(affine)

	var perm [3]int
	var flip [3]bool
	for k := 0; k < 3; k++ {
		for j := 0; j < 3; j++ {
			if current[j].world == target[k].world {
				perm[k] = j
				flip[k] = current[j].sign != target[k].sign
			}
		}
	}
	log.WithFields(log.Fields{"from": VoxelOrder(affine), "to": strings.ToUpper(order)}).Debug("reordering voxels")

	dims := make([]int, len(vol.Dims))
	copy(dims, vol.Dims)
	for len(dims) < 3 {
		dims = append(dims, 1)
	}
	newDims := append([]int(nil), dims...)
	for k := 0; k < 3; k++ {
		newDims[k] = dims[perm[k]]
	}

	out := &models.Volume{
		Dims:      newDims,
		Type:      vol.Type,
		Channels:  vol.Channels,
		VoxelSize: vol.VoxelSize,
	}
	src := &models.Volume{Dims: dims, Channels: vol.Channels}
	ch := out.Channels
	if ch < 1 {
		ch = 1
	}
	out.Data = make([]float64, len(vol.Data))
	if vol.Imag != nil {
		out.Imag = make([]float64, len(vol.Imag))
	}

	coords := make([]int, len(newDims))
	old := make([]int, len(newDims))
	for n := 0; n < out.Len(); n++ {
		copy(old, coords)
		for k := 0; k < 3; k++ {
			c := coords[k]
			if flip[k] {
				c = newDims[k] - 1 - c
			}
			old[perm[k]] = c
		}
		dst, s := out.Index(coords...), src.Index(old...)
		copy(out.Data[dst:dst+ch], vol.Data[s:s+ch])
		if vol.Imag != nil {
			copy(out.Imag[dst:dst+ch], vol.Imag[s:s+ch])
		}
		for a := range coords {
			coords[a]++
			if coords[a] < newDims[a] {
				break
			}
			coords[a] = 0
		}
	}

	newAff := mat.NewDense(4, 4, nil)
	newAff.Set(3, 3, 1)
	for i := 0; i < 3; i++ {
		newAff.Set(i, 3, affine.At(i, 3))
	}
	for k := 0; k < 3; k++ {
		j := perm[k]
		sign := 1.0
		if flip[k] {
			sign = -1
			for i := 0; i < 3; i++ {
				newAff.Set(i, 3, newAff.At(i, 3)+affine.At(i, j)*float64(dims[j]-1))
			}
		}
		for i := 0; i < 3; i++ {
			newAff.Set(i, k, sign*affine.At(i, j))
		}
	}
	sizes := VoxelSizes(newAff)
	out.VoxelSize.X, out.VoxelSize.Y, out.VoxelSize.Z = sizes[0], sizes[1], sizes[2]
	return out, newAff, nil
}
