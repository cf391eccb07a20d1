package detect

import (
	"archive/tar"
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"

	xdraw "golang.org/x/image/draw"
)

// tileSize must match the pyramid generator's tile edge.
const tileSize = 256

// SheetImageFromArchive reassembles a sheet's full-resolution image from a
// tar archive of its tile pyramid, as produced by the upload coordinator.
// Only level 0 (full resolution) entries are used; edge tiles carry their
// true cut size, so the assembled image has the sheet's true dimensions.
func SheetImageFromArchive(r io.Reader) (image.Image, error) {
	type tilePos struct{ x, y int }
	tiles := make(map[tilePos]image.Image)
	maxX, maxY := -1, -1

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tile archive: %w", err)
		}

		var level, x, y int
		if n, err := fmt.Sscanf(hdr.Name, "%d/%d_%d.png", &level, &x, &y); err != nil || n != 3 {
			continue
		}
		if level != 0 {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read tile %s: %w", hdr.Name, err)
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode tile %s: %w", hdr.Name, err)
		}

		tiles[tilePos{x, y}] = img
		if x > maxX {
			maxX = x
		}
		if y > maxY {
			maxY = y
		}
	}

	if len(tiles) == 0 {
		return nil, fmt.Errorf("archive contains no full-resolution tiles")
	}

	// True dimensions come from the cut size of the last row/column tiles.
	lastCol, ok := tiles[tilePos{maxX, 0}]
	if !ok {
		return nil, fmt.Errorf("archive tile grid is incomplete")
	}
	lastRow, ok := tiles[tilePos{0, maxY}]
	if !ok {
		return nil, fmt.Errorf("archive tile grid is incomplete")
	}
	width := maxX*tileSize + lastCol.Bounds().Dx()
	height := maxY*tileSize + lastRow.Bounds().Dy()

	sheet := image.NewRGBA(image.Rect(0, 0, width, height))
	for pos, img := range tiles {
		xdraw.Copy(sheet, image.Point{X: pos.x * tileSize, Y: pos.y * tileSize}, img, img.Bounds(), xdraw.Src, nil)
	}
	return sheet, nil
}
