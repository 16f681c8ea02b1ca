package montage

import (
	"bytes"
	"image"
	"image/jpeg"
	"math"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// TileKey addresses a tile: zoom level 0 is a single tile covering the whole
// image, the highest level is full resolution.
type TileKey struct {
	Level, X, Y int
}

// Meta is stored as tileinfo.json next to the tiles.
type Meta struct {
	TileSize   int            `json:"tile_size"`
	Mimetype   string         `json:"mimetype"`
	ZoomLevels map[int][2]int `json:"zoom_levels"`
}

// Pyramid holds the encoded tiles of every zoom level.
type Pyramid struct {
	Tiles map[TileKey][]byte

	// Size is the montage size after cropping empty borders
	Size image.Point

	Meta Meta
}

// Keys returns the tile keys ordered by level, column and row.
func (p *Pyramid) Keys() []TileKey {
	keys := make([]TileKey, 0, len(p.Tiles))
	for k := range p.Tiles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	return keys
}

// GeneratePyramid crops away the zero border of img and cuts it into
// tileSize tiles at successive halvings of resolution. The tile size
// shrinks to the image when the image is smaller than one tile.
func GeneratePyramid(img *image.Gray, tileSize, quality int) (*Pyramid, error) {
	if tileSize < 1 {
		return nil, errors.Wrapf(ErrMontage, "tile size %d", tileSize)
	}
	cropped := crop(img)
	sx, sy := cropped.Bounds().Dx(), cropped.Bounds().Dy()
	if sx*sy < 1 {
		return nil, errors.Wrapf(ErrMontage, "degenerate image size (%d, %d): no tiles will be created", sx, sy)
	}
	if sx < tileSize && sy < tileSize {
		tileSize = max(sx, sy)
	}

	pyr := &Pyramid{
		Tiles: map[TileKey][]byte{},
		Size:  image.Pt(sx, sy),
		Meta: Meta{
			TileSize:   tileSize,
			Mimetype:   "image/jpeg",
			ZoomLevels: map[int][2]int{},
		},
	}
	divs := max(1, int(math.Ceil(math.Log2(float64(max(sx, sy))/float64(tileSize))))+1)
	for z := 0; z < divs; z++ {
		level := divs - 1 - z
		ysize := max(1, int(math.Round(float64(sy)/math.Pow(2, float64(z)))))
		xsize := max(1, int(math.Round(float64(ysize)/float64(sy)*float64(sx))))
		xpieces := (xsize + tileSize - 1) / tileSize
		ypieces := (ysize + tileSize - 1) / tileSize
		log.Debugf("level %d, size %dx%d, splits %d,%d", level, xsize, ysize, xpieces, ypieces)

		scaled := image.NewGray(image.Rect(0, 0, xsize, ysize))
		if xsize == sx && ysize == sy {
			draw.Draw(scaled, scaled.Bounds(), cropped, cropped.Bounds().Min, draw.Src)
		} else {
			draw.CatmullRom.Scale(scaled, scaled.Bounds(), cropped, cropped.Bounds(), draw.Src, nil)
		}
		for x := 0; x < xpieces; x++ {
			for y := 0; y < ypieces; y++ {
				r := image.Rect(x*tileSize, y*tileSize, min((x+1)*tileSize, xsize), min((y+1)*tileSize, ysize))
				var buf bytes.Buffer
				if err := jpeg.Encode(&buf, scaled.SubImage(r), &jpeg.Options{Quality: quality}); err != nil {
					return nil, errors.Wrapf(err, "encoding tile %d/%d/%d", level, x, y)
				}
				pyr.Tiles[TileKey{level, x, y}] = buf.Bytes()
			}
		}
		pyr.Meta.ZoomLevels[level] = [2]int{xpieces, ypieces}
	}
	return pyr, nil
}

// crop returns the bounding box of the non-zero pixels. An all-zero image
// is returned whole.
func crop(img *image.Gray) *image.Gray {
	b := img.Bounds()
	box := image.Rectangle{}
	found := false
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.GrayAt(x, y).Y == 0 {
				continue
			}
			px := image.Rect(x, y, x+1, y+1)
			if !found {
				box, found = px, true
			} else {
				box = box.Union(px)
			}
		}
	}
	if !found {
		return img
	}
	return img.SubImage(box).(*image.Gray)
}
