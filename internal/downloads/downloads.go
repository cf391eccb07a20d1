// Package downloads assembles full-resolution sheet images from stored
// tiles. Detection requests for the same sheet can arrive back to back, so
// concurrent assemblies of one sheet are collapsed into a single fetch.
package downloads

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"path"
	"strings"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"

	"github.com/Woody88/sitelink-sub006/internal/storage"
)

// tileSize must match the pyramid generator's tile edge.
const tileSize = 256

// Manager fetches and composes sheet images with request coalescing.
type Manager struct {
	store  storage.Store
	logger *slog.Logger
	group  singleflight.Group
}

// NewManager builds a Manager over the shared object store.
func NewManager(store storage.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// SheetImage returns the sheet's full-resolution image composed from its
// level-0 tiles. Concurrent calls for the same sheet share one assembly.
func (m *Manager) SheetImage(ctx context.Context, org, proj, plan string, sheet int) (image.Image, error) {
	key := storage.SheetPrefix(org, proj, plan, sheet)
	v, err, shared := m.group.Do(key, func() (any, error) {
		return m.compose(ctx, org, proj, plan, sheet)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug("sheet image fetch coalesced", "sheet_prefix", key)
	}
	return v.(image.Image), nil
}

func (m *Manager) compose(ctx context.Context, org, proj, plan string, sheet int) (image.Image, error) {
	// List with the trailing separator so sheet 1 never picks up keys from
	// sheets 10-19.
	prefix := storage.SheetPrefix(org, proj, plan, sheet) + "/"
	keys, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing tiles under %s: %w", prefix, err)
	}

	type tilePos struct{ x, y int }
	tiles := make(map[tilePos]image.Image)
	maxX, maxY := -1, -1

	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		var level, x, y int
		if n, err := fmt.Sscanf(rel, "%d/%d_%d.png", &level, &x, &y); err != nil || n != 3 {
			continue
		}
		// The scan above also matches nested names; require exactly
		// level/tile.
		if strings.Count(rel, "/") != 1 || path.Ext(rel) != ".png" {
			continue
		}
		if level != 0 {
			continue
		}

		data, err := m.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("reading tile %s: %w", key, err)
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding tile %s: %w", key, err)
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
		return nil, fmt.Errorf("no full-resolution tiles under %s", prefix)
	}

	// True dimensions come from the cut size of the last row/column tiles.
	lastCol, ok := tiles[tilePos{maxX, 0}]
	if !ok {
		return nil, fmt.Errorf("tile grid under %s is incomplete", prefix)
	}
	lastRow, ok := tiles[tilePos{0, maxY}]
	if !ok {
		return nil, fmt.Errorf("tile grid under %s is incomplete", prefix)
	}
	width := maxX*tileSize + lastCol.Bounds().Dx()
	height := maxY*tileSize + lastRow.Bounds().Dy()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for pos, tile := range tiles {
		xdraw.Copy(img, image.Point{X: pos.x * tileSize, Y: pos.y * tileSize}, tile, tile.Bounds(), xdraw.Src, nil)
	}
	return img, nil
}
