package reconstruction

import (
	"math"
	"runtime"

	"github.com/mkmik/argsort"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"nimsdata/internal/models"
	"nimsdata/pkg/medimg"
)

var (
	// ErrEmpty is returned when there is nothing to stack
	ErrEmpty = errors.New("no slices to stack")

	// ErrInvalidStack is returned when slices do not form a regular grid
	ErrInvalidStack = errors.New("invalid stack")
)

// positionTolerance is how close two slice positions along the normal must
// be, in mm, to count as the same location.
const positionTolerance = 1e-4

// Params holds the stacking parameters.
type Params struct {
	// NumCores specifies how many frames are decoded concurrently.
	// Values below one use every available CPU.
	NumCores int

	// SliceSpacing is used as the distance between slices when a stack
	// has a single location and the spacing cannot be measured.
	SliceSpacing float64
}

// Result is a stacked volume and its voxel to RAS+ affine.
type Result struct {
	Volume *models.Volume

	// Affine is nil for stacks without geometry (screenshots)
	Affine *mat.Dense

	// Locations is the number of distinct slice positions
	Locations int

	// Timepoints is the number of frames per location
	Timepoints int
}

// Reconstructor assembles decoded 2-D frames into N-d volumes.
//
// The process consists of:
// 1. Decoding the frames in parallel
// 2. Ordering frames by their position along the slice normal
// 3. Grouping frames that share a position into timepoints
// 4. Copying the pixels into a (cols, rows, slices[, time]) volume and
//    computing the affine from the frame geometry
type Reconstructor struct {
	// params stores the stacking configuration
	params *Params
}

// NewReconstructor creates a new reconstructor instance with the provided parameters.
func NewReconstructor(params *Params) *Reconstructor {
	if params == nil {
		params = &Params{}
	}
	return &Reconstructor{params: params}
}

func (r *Reconstructor) numCores() int {
	if r.params.NumCores < 1 {
		return runtime.NumCPU()
	}
	return r.params.NumCores
}

// Decode fills the pixels of every slice that still has a decoder. Frames are
// decoded by a pool of NumCores workers; the first error wins.
func (r *Reconstructor) Decode(slices []*models.Slice) error {
	type decodeResult struct {
		idx int
		err error
	}

	jobs := make(chan int)
	resultChan := make(chan decodeResult)
	workers := r.numCores()
	if workers > len(slices) {
		workers = len(slices)
	}

	for w := 0; w < workers; w++ {
		go func() {
			for idx := range jobs {
				s := slices[idx]
				var err error
				if s.Pixels == nil && s.Decode != nil {
					err = s.Decode(s)
				}
				resultChan <- decodeResult{idx: idx, err: err}
			}
		}()
	}

	go func() {
		for i := range slices {
			jobs <- i
		}
		close(jobs)
	}()

	var firstErr error
	for completed := 0; completed < len(slices); completed++ {
		res := <-resultChan
		if res.err != nil && firstErr == nil {
			firstErr = errors.Wrapf(res.err, "decoding frame %s", slices[res.idx].Filename)
		}
	}
	if firstErr != nil {
		return firstErr
	}

	for _, s := range slices {
		if len(s.Pixels) < s.Rows*s.Cols*channels(s) {
			return errors.Wrapf(ErrInvalidStack, "frame %s has %d samples, expected %dx%d", s.Filename, len(s.Pixels), s.Rows, s.Cols)
		}
	}
	return nil
}

func channels(s *models.Slice) int {
	if s.Channels < 1 {
		return 1
	}
	return s.Channels
}

func project(pos, normal [3]float64) float64 {
	return floats.Dot(pos[:], normal[:])
}

// order sorts slices by position along the normal. Frames at the same
// position keep acquisition order (SortKey, then InstanceNumber).
func order(slices []*models.Slice, normal [3]float64) []*models.Slice {
	proj := make([]float64, len(slices))
	for i, s := range slices {
		proj[i] = project(s.Position, normal)
	}
	idx := argsort.SortSlice(slices, func(i, j int) bool {
		if math.Abs(proj[i]-proj[j]) > positionTolerance {
			return proj[i] < proj[j]
		}
		if slices[i].SortKey != slices[j].SortKey {
			return slices[i].SortKey < slices[j].SortKey
		}
		if slices[i].InstanceNumber != slices[j].InstanceNumber {
			return slices[i].InstanceNumber < slices[j].InstanceNumber
		}
		return slices[i].Index < slices[j].Index
	})
	out := make([]*models.Slice, len(slices))
	for k, i := range idx {
		out[k] = slices[i]
	}
	return out
}

// Stack builds a volume from frames that share orientation and size.
// Frames at the same position become timepoints.
func (r *Reconstructor) Stack(slices []*models.Slice) (*Result, error) {
	if len(slices) == 0 {
		return nil, ErrEmpty
	}
	if err := r.Decode(slices); err != nil {
		return nil, err
	}

	ref := slices[0]
	for _, s := range slices[1:] {
		if s.Rows != ref.Rows || s.Cols != ref.Cols || channels(s) != channels(ref) {
			return nil, errors.Wrapf(ErrInvalidStack, "frame %s is %dx%d, expected %dx%d", s.Filename, s.Rows, s.Cols, ref.Rows, ref.Cols)
		}
		if !sameOrientation(s.Orientation, ref.Orientation) {
			return nil, errors.Wrapf(ErrInvalidStack, "frame %s has a different orientation", s.Filename)
		}
	}

	normal := ref.Normal()
	sorted := order(slices, normal)

	// group by location
	var groups [][]*models.Slice
	var locs []float64
	for _, s := range sorted {
		p := project(s.Position, normal)
		if n := len(groups); n > 0 && math.Abs(p-locs[n-1]) <= positionTolerance {
			groups[n-1] = append(groups[n-1], s)
			continue
		}
		groups = append(groups, []*models.Slice{s})
		locs = append(locs, p)
	}
	nt := len(groups[0])
	for i, g := range groups {
		if len(g) != nt {
			return nil, errors.Wrapf(ErrInvalidStack, "location %d has %d frames, expected %d", i, len(g), nt)
		}
	}
	nz := len(groups)

	dims := []int{ref.Cols, ref.Rows, nz}
	if nt > 1 {
		dims = append(dims, nt)
	}
	vol := models.NewVolume(ref.Type, dims...)
	for z, g := range groups {
		for t, s := range g {
			copyFrame(vol, s, z, t)
		}
	}

	spacing := r.params.SliceSpacing
	if nz > 1 {
		spacing = (locs[nz-1] - locs[0]) / float64(nz-1)
	}
	if spacing == 0 {
		spacing = ref.Thickness
	}
	if spacing == 0 {
		spacing = 1
	}

	scale := [3]float64{ref.PixelSpacing[1], ref.PixelSpacing[0], spacing}
	origin := ras(groups[0][0].Position)
	affine := medimg.BuildAffine(medimg.ComputeRotation(ref.RowCosines(), ref.ColCosines(), normal), scale, origin)
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = scale[0], scale[1], scale[2]

	log.WithFields(log.Fields{"dims": dims, "locations": nz, "timepoints": nt}).Debug("stacked frames")
	return &Result{Volume: vol, Affine: affine, Locations: nz, Timepoints: nt}, nil
}

// StackSequence stacks every group and joins the results along a new
// trailing axis, as for multicoil or multiphase acquisitions.
func (r *Reconstructor) StackSequence(groups [][]*models.Slice) (*Result, error) {
	if len(groups) == 0 {
		return nil, ErrEmpty
	}
	var parts []*Result
	for i, g := range groups {
		res, err := r.Stack(g)
		if err != nil {
			return nil, errors.Wrapf(err, "group %d", i)
		}
		if len(parts) > 0 && !equalDims(res.Volume.Dims, parts[0].Volume.Dims) {
			return nil, errors.Wrapf(ErrInvalidStack, "group %d has dims %v, expected %v", i, res.Volume.Dims, parts[0].Volume.Dims)
		}
		parts = append(parts, res)
	}
	first := parts[0]
	dims := append(append([]int(nil), first.Volume.Dims...), len(parts))
	vol := models.NewVolume(first.Volume.Type, dims...)
	vol.VoxelSize = first.Volume.VoxelSize
	stride := len(first.Volume.Data)
	for i, p := range parts {
		copy(vol.Data[i*stride:], p.Volume.Data)
		if vol.Imag != nil && p.Volume.Imag != nil {
			copy(vol.Imag[i*stride:], p.Volume.Imag)
		}
	}
	return &Result{Volume: vol, Affine: first.Affine, Locations: first.Locations, Timepoints: first.Timepoints}, nil
}

// StackLocalizer stacks a multi-plane localizer in acquisition order. Each
// distinct orientation is one timepoint. The affine comes from the first
// frame, scaled by mmPerVox.
func (r *Reconstructor) StackLocalizer(slices []*models.Slice, mmPerVox [3]float64) (*Result, error) {
	if len(slices) == 0 {
		return nil, ErrEmpty
	}
	if err := r.Decode(slices); err != nil {
		return nil, err
	}
	ref := slices[0]
	var ornts [][6]float64
	for _, s := range slices {
		found := false
		for _, o := range ornts {
			if o == s.Orientation {
				found = true
				break
			}
		}
		if !found {
			ornts = append(ornts, s.Orientation)
		}
	}
	nt := len(ornts)
	nz := len(slices) / nt

	dims := []int{ref.Cols, ref.Rows, len(slices)}
	if nz*nt == len(slices) {
		dims = []int{ref.Cols, ref.Rows, nz, nt}
	}
	vol := models.NewVolume(ref.Type, dims...)
	plane := ref.Cols * ref.Rows * channels(ref)
	for i, s := range slices {
		if s.Rows != ref.Rows || s.Cols != ref.Cols {
			return nil, errors.Wrapf(ErrInvalidStack, "localizer frame %s is %dx%d, expected %dx%d", s.Filename, s.Rows, s.Cols, ref.Rows, ref.Cols)
		}
		copyPlane(vol.Data[i*plane:(i+1)*plane], s)
	}
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = mmPerVox[0], mmPerVox[1], mmPerVox[2]

	rot := medimg.ComputeRotation(ref.RowCosines(), ref.ColCosines(), ref.Normal())
	affine := medimg.BuildAffine(rot, mmPerVox, ras(ref.Position))
	return &Result{Volume: vol, Affine: affine, Locations: nz, Timepoints: nt}, nil
}

// StackFrames stacks frames in the given order without geometry, as for
// screen captures. RGB frames keep their channels.
func (r *Reconstructor) StackFrames(slices []*models.Slice) (*Result, error) {
	if len(slices) == 0 {
		return nil, ErrEmpty
	}
	if err := r.Decode(slices); err != nil {
		return nil, err
	}
	ref := slices[0]
	vol := models.NewVolume(ref.Type, ref.Cols, ref.Rows, len(slices))
	vol.Channels = channels(ref)
	if len(vol.Data) != vol.Len()*vol.Channels {
		vol.Data = make([]float64, vol.Len()*vol.Channels)
	}
	plane := ref.Cols * ref.Rows * vol.Channels
	for i, s := range slices {
		if s.Rows != ref.Rows || s.Cols != ref.Cols || channels(s) != vol.Channels {
			return nil, errors.Wrapf(ErrInvalidStack, "frame %s differs in size from the first frame", s.Filename)
		}
		copyPlane(vol.Data[i*plane:(i+1)*plane], s)
	}
	return &Result{Volume: vol, Locations: len(slices), Timepoints: 1}, nil
}

// copyFrame writes frame s at location z, timepoint t. Pixel (row, col)
// becomes voxel (col, row).
func copyFrame(vol *models.Volume, s *models.Slice, z, t int) {
	base := vol.Index(0, 0, z, t)
	plane := s.Rows * s.Cols * channels(s)
	copyPlane(vol.Data[base:base+plane], s)
}

// copyPlane copies a row-major frame into an x-fastest plane, which is
// the same memory layout with x = column and y = row.
func copyPlane(dst []float64, s *models.Slice) {
	copy(dst, s.Pixels[:s.Rows*s.Cols*channels(s)])
}

func sameOrientation(a, b [6]float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-3 {
			return false
		}
	}
	return true
}

func ras(lps [3]float64) [3]float64 {
	return [3]float64{-lps[0], -lps[1], lps[2]}
}

func equalDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
