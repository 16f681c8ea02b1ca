package medimg

import (
	"math"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ComputeRotation builds the voxel to RAS+ rotation from DICOM (LPS) row
// cosines, column cosines and slice normal. The first two world axes are
// negated to go from LPS to RAS.
func ComputeRotation(row, col, normal [3]float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		-row[0], -col[0], -normal[0],
		-row[1], -col[1], -normal[1],
		row[2], col[2], normal[2],
	})
}

// BuildAffine composes a 4x4 affine from a 3x3 rotation, per-axis voxel
// scale and the world position of the first voxel.
func BuildAffine(rotation mat.Matrix, scale, origin [3]float64) *mat.Dense {
	aff := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			aff.Set(i, j, rotation.At(i, j)*scale[j])
		}
		aff.Set(i, 3, origin[i])
	}
	aff.Set(3, 3, 1)
	return aff
}

// Rotation returns the unit-column 3x3 rotation part of an affine.
func Rotation(affine mat.Matrix) *mat.Dense {
	rot := mat.NewDense(3, 3, nil)
	for j := 0; j < 3; j++ {
		col := []float64{affine.At(0, j), affine.At(1, j), affine.At(2, j)}
		n := floats.Norm(col, 2)
		if n == 0 {
			n = 1
		}
		for i := 0; i < 3; i++ {
			rot.Set(i, j, col[i]/n)
		}
	}
	return rot
}

// VoxelSizes returns the length of the first three affine columns.
func VoxelSizes(affine mat.Matrix) [3]float64 {
	var out [3]float64
	for j := 0; j < 3; j++ {
		out[j] = floats.Norm([]float64{affine.At(0, j), affine.At(1, j), affine.At(2, j)}, 2)
	}
	return out
}

// decimalsUsed finds how many decimals the bvec components are stored with.
func decimalsUsed(bvecs [3][]float64) int {
	last := -1
	for d := 0; d < 9; d++ {
		p := math.Pow(10, float64(d))
		maxDiff := 0.0
		for _, row := range bvecs {
			for _, v := range row {
				maxDiff = math.Max(maxDiff, math.Abs(v-math.Round(v*p)/p))
			}
		}
		if maxDiff > 1e-12 {
			last = d
		}
	}
	if last < 0 {
		return 1
	}
	return last + 1
}

func countNonZero(s []float64) int {
	n := 0
	for _, v := range s {
		if v != 0 {
			n++
		}
	}
	return n
}

// ScaleBvals scales each b-value by the squared magnitude of its bvec and
// normalizes the bvecs to unit length. Inputs are not modified.
func ScaleBvals(bvecs [3][]float64, bvals []float64) ([3][]float64, []float64) {
	outVecs := copyBvecs(bvecs)
	outVals := append([]float64(nil), bvals...)
	if countNonZero(bvecs[0])+countNonZero(bvecs[1])+countNonZero(bvecs[2]) == 0 || countNonZero(bvals) == 0 {
		return outVecs, outVals
	}
	// stored bvecs are rounded, so round the magnitude to avoid spurious rescaling
	p := math.Pow(10, float64(decimalsUsed(bvecs)-1))
	for i := range outVals {
		if i >= len(bvecs[0]) {
			break
		}
		v := []float64{bvecs[0][i], bvecs[1][i], bvecs[2][i]}
		sqmag := math.Round(floats.Dot(v, v)*p) / p
		outVals[i] *= sqmag
		if sqmag == 0 {
			sqmag = math.Inf(1)
		}
		for k := 0; k < 3; k++ {
			outVecs[k][i] = bvecs[k][i] / math.Sqrt(sqmag)
		}
	}
	return outVecs, outVals
}

// RotateBvecs applies a 3x3 rotation to every bvec and renormalizes.
func RotateBvecs(bvecs [3][]float64, rotation mat.Matrix) [3][]float64 {
	n := len(bvecs[0])
	out := [3][]float64{make([]float64, n), make([]float64, n), make([]float64, n)}
	if n == 0 {
		return out
	}
	src := mat.NewDense(3, n, nil)
	for k := 0; k < 3; k++ {
		src.SetRow(k, bvecs[k][:n])
	}
	var rotated mat.Dense
	rotated.Mul(rotation, src)
	for i := 0; i < n; i++ {
		col := mat.Col(nil, i, &rotated)
		norm := floats.Norm(col, 2)
		if norm == 0 {
			norm = math.Inf(1)
		}
		for k := 0; k < 3; k++ {
			out[k][i] = col[k] / norm
		}
	}
	return out
}

var lpsToRAS = mat.NewDiagDense(3, []float64{-1, -1, 1})

// AdjustBvecs scales the b-values, then rotates the bvecs into image space.
// GE stores gradients in the scanner frame, so they are rotated by the image
// orientation; other vendors only need the LPS to RAS flip.
func AdjustBvecs(bvecs [3][]float64, bvals []float64, vendor string, rotation mat.Matrix) ([3][]float64, []float64) {
	bvecs, bvals = ScaleBvals(bvecs, bvals)
	if strings.HasPrefix(strings.ToLower(vendor), "ge") && rotation != nil {
		log.Debug("rotating bvecs with image orientation matrix")
		return RotateBvecs(bvecs, rotation), bvals
	}
	return RotateBvecs(bvecs, lpsToRAS), bvals
}

func copyBvecs(bvecs [3][]float64) [3][]float64 {
	var out [3][]float64
	for k := range bvecs {
		out[k] = append([]float64(nil), bvecs[k]...)
	}
	return out
}
