package models

// Slice represents a single acquired 2-D frame with the geometry needed to
// place it in patient space.
type Slice struct {
	// Pixels is the frame in row-major order, Rows x Cols x Channels
	Pixels []float64

	// Rows and Cols are the frame extents
	Rows, Cols int

	// Channels is 1 for grayscale frames and 3 for RGB
	Channels int

	// Type is the stored sample type of the frame
	Type DataType

	// Index is the position of this slice in the input sequence
	Index int

	// Filename is the archive member the slice came from
	Filename string

	// InstanceNumber orders frames within a series
	InstanceNumber int

	// Position is the patient-space coordinate of the first voxel (LPS, mm)
	Position [3]float64

	// Orientation holds the row then column direction cosines
	Orientation [6]float64

	// PixelSpacing is the row spacing then column spacing in mm
	PixelSpacing [2]float64

	// Thickness is the physical thickness of the slice in mm
	Thickness float64

	// SliceLocation is the scanner-reported location along the normal
	SliceLocation float64

	// TriggerTime is the time offset of the frame in ms
	TriggerTime float64

	// SortKey breaks ties between frames sharing a position
	SortKey float64

	// Decode lazily fills Pixels; nil when Pixels is already populated
	Decode func(*Slice) error
}

// RowCosines is the direction of increasing column index.
func (s *Slice) RowCosines() [3]float64 {
	return [3]float64{s.Orientation[0], s.Orientation[1], s.Orientation[2]}
}

// ColCosines is the direction of increasing row index.
func (s *Slice) ColCosines() [3]float64 {
	return [3]float64{s.Orientation[3], s.Orientation[4], s.Orientation[5]}
}

// Normal is the cross product of the row and column cosines.
func (s *Slice) Normal() [3]float64 {
	r, c := s.RowCosines(), s.ColCosines()
	return [3]float64{
		r[1]*c[2] - r[2]*c[1],
		r[2]*c[0] - r[0]*c[2],
		r[0]*c[1] - r[1]*c[0],
	}
}
