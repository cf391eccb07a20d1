// Package tiles turns rendered plan sheets into deep-zoom tile pyramids in
// object storage. All writes are keyed deterministically by sheet and tile
// position, so regenerating a sheet overwrites the same objects and the
// operation stays safe under at-least-once job delivery.
package tiles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/Woody88/sitelink-sub006/internal/storage"
)

const (
	// TileSize is the square tile edge in pixels. It is a protocol
	// constant shared with the viewer's coordinate math; changing it
	// invalidates every stored pyramid.
	TileSize = 256

	// DisplayDPI is the rasterization resolution for viewer tiles.
	// Detection runs at a separate, lower resolution owned by the detect
	// package; the two must never be conflated.
	DisplayDPI = 150

	tileExt = "png"
)

// ErrConversion indicates the external rendering tool failed on the source
// page. Jobs hitting this error are retryable by requeueing, but repeated
// failures mean the source PDF page is bad.
var ErrConversion = errors.New("page conversion failed")

// Request identifies the page to tile and where its pyramid lives.
type Request struct {
	OrganizationID string
	ProjectID      string
	PlanID         string
	SheetNumber    int
	// SheetObjectKey is the storage key of the single-page source PDF.
	SheetObjectKey string
}

// Result reports the tiled sheet's true pixel dimensions (not tile-aligned)
// and the number of tiles written across all pyramid levels.
type Result struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	TileCount int `json:"tileCount"`
}

// Sheet is the persisted per-sheet record written when tiling completes.
type Sheet struct {
	ID               string    `json:"id"`
	PlanID           string    `json:"planId"`
	PageNumber       int       `json:"pageNumber"`
	TileObjectPrefix string    `json:"tileObjectPrefix"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	TileCount        int       `json:"tileCount"`
	ProcessingStatus string    `json:"processingStatus"`
	ProcessedAt      time.Time `json:"processedAt"`
}

// Generator builds tile pyramids for single sheets.
type Generator struct {
	store    storage.Store
	renderer PageRenderer
	logger   *slog.Logger
	tileSize int
}

// Config configures a Generator.
type Config struct {
	Store    storage.Store
	Renderer PageRenderer // defaults to PopplerRenderer
	Logger   *slog.Logger
	TileSize int // defaults to TileSize
}

// NewGenerator creates a tile generator.
func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Renderer == nil {
		cfg.Renderer = PopplerRenderer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = TileSize
	}
	return &Generator{
		store:    cfg.Store,
		renderer: cfg.Renderer,
		logger:   cfg.Logger.With("component", "tiles"),
		tileSize: cfg.TileSize,
	}, nil
}

// Generate renders the sheet's source page at display resolution, builds
// the full pyramid, and writes every tile to storage. Level 0 is full
// resolution; each higher level halves both dimensions until the whole
// sheet fits in a single tile.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	pagePDF, err := g.store.Get(ctx, req.SheetObjectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source page %s: %w", req.SheetObjectKey, err)
	}

	// pdftoppm works on files, not streams.
	tmp, err := os.CreateTemp("", "sitelink-sheet-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp PDF: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(pagePDF); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp PDF: %w", err)
	}
	tmp.Close()

	img, err := g.renderer.RenderPage(ctx, tmpName, 1, DisplayDPI)
	if err != nil {
		return nil, fmt.Errorf("sheet %d: %w", req.SheetNumber, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: rendered page has empty bounds", ErrConversion)
	}

	tileCount := 0
	level := 0
	for current := img; ; level++ {
		n, err := g.writeLevel(ctx, req, level, current)
		if err != nil {
			return nil, err
		}
		tileCount += n

		cw, ch := current.Bounds().Dx(), current.Bounds().Dy()
		if cw <= g.tileSize && ch <= g.tileSize {
			break
		}
		current = halve(current)
	}

	g.logger.Info("sheet tiled",
		"plan_id", req.PlanID,
		"sheet", req.SheetNumber,
		"width", width,
		"height", height,
		"levels", level+1,
		"tiles", tileCount,
		"elapsed", time.Since(start),
	)

	return &Result{Width: width, Height: height, TileCount: tileCount}, nil
}

// writeLevel cuts one pyramid level into tiles and writes them.
func (g *Generator) writeLevel(ctx context.Context, req Request, level int, img image.Image) (int, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	tilesX := (w + g.tileSize - 1) / g.tileSize
	tilesY := (h + g.tileSize - 1) / g.tileSize

	written := 0
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			if err := ctx.Err(); err != nil {
				return written, err
			}

			rect := image.Rect(
				bounds.Min.X+tx*g.tileSize,
				bounds.Min.Y+ty*g.tileSize,
				min(bounds.Min.X+(tx+1)*g.tileSize, bounds.Max.X),
				min(bounds.Min.Y+(ty+1)*g.tileSize, bounds.Max.Y),
			)

			tile := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
			xdraw.Copy(tile, image.Point{}, img, rect, xdraw.Src, nil)

			var buf bytes.Buffer
			if err := png.Encode(&buf, tile); err != nil {
				return written, fmt.Errorf("failed to encode tile %d/%d_%d: %w", level, tx, ty, err)
			}

			key := storage.TileKey(req.OrganizationID, req.ProjectID, req.PlanID, req.SheetNumber, level, tx, ty, tileExt)
			if err := g.store.Put(ctx, key, buf.Bytes()); err != nil {
				return written, fmt.Errorf("failed to store tile %s: %w", key, err)
			}
			written++
		}
	}
	return written, nil
}

// halve downscales an image to half size in each dimension.
func halve(img image.Image) image.Image {
	bounds := img.Bounds()
	w := (bounds.Dx() + 1) / 2
	h := (bounds.Dy() + 1) / 2
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Src, nil)
	return dst
}

// WriteSheetRecord persists the Sheet metadata record next to the pyramid.
// Keyed by sheet number, so replays overwrite the same record.
func WriteSheetRecord(ctx context.Context, store storage.Store, org, proj string, sheet Sheet) error {
	key := storage.SheetRecordKey(org, proj, sheet.PlanID, sheet.PageNumber)
	data, err := json.Marshal(sheet)
	if err != nil {
		return fmt.Errorf("failed to marshal sheet record: %w", err)
	}
	return store.Put(ctx, key, data)
}

// ReadSheetRecord loads a persisted Sheet record.
func ReadSheetRecord(ctx context.Context, store storage.Store, org, proj, plan string, sheetNumber int) (*Sheet, error) {
	data, err := store.Get(ctx, storage.SheetRecordKey(org, proj, plan, sheetNumber))
	if err != nil {
		return nil, err
	}
	var sheet Sheet
	if err := json.Unmarshal(data, &sheet); err != nil {
		return nil, fmt.Errorf("failed to decode sheet record: %w", err)
	}
	return &sheet, nil
}

