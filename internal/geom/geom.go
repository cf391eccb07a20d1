// Package geom converts normalized sheet detections into deep-zoom viewer
// coordinates. The viewer normalizes both axes against the tile-aligned
// canvas width, so the math here must account for tile-boundary padding
// exactly rather than scaling by raw aspect ratio.
package geom

import (
	"fmt"
	"math"
)

// TileAlignedGeometry describes the padded canvas a deep-zoom viewer
// actually renders: sheet dimensions rounded up to the next tile boundary,
// and the scale factors that map normalized sheet coordinates onto it.
//
// Both ScaleX and ScaleY divide by the width-derived aligned size. The
// y-axis being normalized by width is the viewer's coordinate convention,
// not a bug; do not symmetrize it.
type TileAlignedGeometry struct {
	TileSize          int
	TilesX            int
	TilesY            int
	TileAlignedWidth  int
	TileAlignedHeight int
	ScaleX            float64
	ScaleY            float64
}

// Point is a position in normalized [0,1] sheet coordinates.
type Point struct {
	X float64
	Y float64
}

// Box is a detection in normalized sheet coordinates: center plus extents.
type Box struct {
	X      float64 // center
	Y      float64 // center
	Width  float64
	Height float64
}

// Rect is a viewer-space rectangle (top-left origin).
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// New computes the tile-aligned geometry for a sheet with the given true
// pixel dimensions. tileSize must match the value used when the pyramid was
// generated.
func New(width, height, tileSize int) (TileAlignedGeometry, error) {
	if tileSize <= 0 {
		return TileAlignedGeometry{}, fmt.Errorf("tile size must be positive, got %d", tileSize)
	}
	if width <= 0 || height <= 0 {
		return TileAlignedGeometry{}, fmt.Errorf("sheet dimensions must be positive, got %dx%d", width, height)
	}

	tilesX := int(math.Ceil(float64(width) / float64(tileSize)))
	tilesY := int(math.Ceil(float64(height) / float64(tileSize)))
	alignedW := tilesX * tileSize
	alignedH := tilesY * tileSize

	return TileAlignedGeometry{
		TileSize:          tileSize,
		TilesX:            tilesX,
		TilesY:            tilesY,
		TileAlignedWidth:  alignedW,
		TileAlignedHeight: alignedH,
		ScaleX:            float64(width) / float64(alignedW),
		ScaleY:            float64(height) / float64(alignedW),
	}, nil
}

// TransformPoint maps a normalized point into viewer coordinates.
func (g TileAlignedGeometry) TransformPoint(p Point) Point {
	return Point{
		X: p.X * g.ScaleX,
		Y: p.Y * g.ScaleY,
	}
}

// InvertPoint maps a viewer-space point back to normalized sheet
// coordinates. It is the exact inverse of TransformPoint.
func (g TileAlignedGeometry) InvertPoint(p Point) Point {
	return Point{
		X: p.X / g.ScaleX,
		Y: p.Y / g.ScaleY,
	}
}

// TransformBox maps a normalized center+extent box into a viewer-space
// rectangle anchored at its top-left corner.
func (g TileAlignedGeometry) TransformBox(b Box) Rect {
	return Rect{
		X:      (b.X - b.Width/2) * g.ScaleX,
		Y:      (b.Y - b.Height/2) * g.ScaleY,
		Width:  b.Width * g.ScaleX,
		Height: b.Height * g.ScaleY,
	}
}

// PaddingError reports the relative offset a naive aspect-ratio transform
// would introduce on the x axis for this sheet. Useful for diagnostics.
func (g TileAlignedGeometry) PaddingError() float64 {
	return 1 - g.ScaleX
}
