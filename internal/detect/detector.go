package detect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"

	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"
)

const (
	// DetectionDPI is the resolution the classifier was trained at. Sheets
	// are rendered for display at a higher DPI; detection input must be
	// downsampled to this resolution and never receive display-resolution
	// pixels.
	DetectionDPI = 72

	// DisplayDPI mirrors the tiling render resolution so the downsample
	// ratio is fixed at build time rather than guessed from image size.
	DisplayDPI = 150

	// detectionTileEdge bounds per-inference image size.
	detectionTileEdge = 1024

	// overlapFraction of the tile edge overlaps the neighboring tile so
	// markers sitting on a seam are seen whole by at least one tile.
	overlapFraction = 0.125

	// iouThreshold above which two detections in an overlap region are
	// considered the same marker.
	iouThreshold = 0.5

	// needsReviewConfidence below which a target sheet reference is kept
	// but flagged for human review instead of trusted.
	needsReviewConfidence = 0.5
)

// Marker is a finished detection in sheet-normalized coordinates. X and Y
// are the marker center; extents may be zero, in which case the viewer
// applies its default overlay size.
type Marker struct {
	ID             string  `json:"id"`
	Label          string  `json:"label"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Width          float64 `json:"width,omitempty"`
	Height         float64 `json:"height,omitempty"`
	Confidence     float64 `json:"confidence"`
	TargetSheetRef string  `json:"targetSheetRef,omitempty"`
	NeedsReview    bool    `json:"needsReview"`
}

// Detector runs the per-sheet detection pipeline.
type Detector struct {
	classifier Classifier
	logger     *slog.Logger
}

// NewDetector creates a detector around the given classifier.
func NewDetector(classifier Classifier, logger *slog.Logger) (*Detector, error) {
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		classifier: classifier,
		logger:     logger.With("component", "detect", "classifier", classifier.Name()),
	}, nil
}

// DetectSheet finds callout markers on a display-resolution sheet image.
// validSheets is the list of sheet-number tokens that exist on the plan;
// target references outside it are flagged for review, not dropped.
func (d *Detector) DetectSheet(ctx context.Context, sheet image.Image, validSheets []string) ([]Marker, error) {
	working := downsample(sheet)
	wb := working.Bounds()
	workW, workH := wb.Dx(), wb.Dy()
	if workW <= 0 || workH <= 0 {
		return nil, fmt.Errorf("%w: empty sheet image", ErrDetection)
	}

	overlap := int(float64(detectionTileEdge) * overlapFraction)
	step := detectionTileEdge - overlap

	// Collect per-tile detections in working-resolution pixel space.
	var candidates []pixelDetection
	tileCalls := 0
	for y := 0; y < workH; y += step {
		for x := 0; x < workW; x += step {
			rect := image.Rect(x, y, min(x+detectionTileEdge, workW), min(y+detectionTileEdge, workH))

			tilePNG, err := encodeRegion(working, rect)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to encode detection tile: %v", ErrDetection, err)
			}

			raw, err := d.classifier.Detect(ctx, tilePNG)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDetection, err)
			}
			tileCalls++

			for _, det := range raw {
				candidates = append(candidates, toPixelSpace(det, rect))
			}

			if x+detectionTileEdge >= workW {
				break
			}
		}
		if y+detectionTileEdge >= workH {
			break
		}
	}

	merged := dedupe(candidates)

	valid := make(map[string]bool, len(validSheets))
	for _, s := range validSheets {
		valid[s] = true
	}

	markers := make([]Marker, 0, len(merged))
	for _, det := range merged {
		m := Marker{
			ID:             uuid.New().String(),
			Label:          det.label,
			X:              clamp01(det.cx / float64(workW)),
			Y:              clamp01(det.cy / float64(workH)),
			Width:          clamp01(det.w / float64(workW)),
			Height:         clamp01(det.h / float64(workH)),
			Confidence:     det.confidence,
			TargetSheetRef: det.targetSheetRef,
		}
		if m.TargetSheetRef != "" && !valid[m.TargetSheetRef] {
			m.NeedsReview = true
		}
		if m.Confidence < needsReviewConfidence {
			m.NeedsReview = true
		}
		markers = append(markers, m)
	}

	d.logger.Info("sheet detection complete",
		"tiles", tileCalls,
		"candidates", len(candidates),
		"markers", len(markers),
	)
	return markers, nil
}

// pixelDetection is a candidate in working-resolution pixel coordinates.
type pixelDetection struct {
	label          string
	cx, cy         float64
	w, h           float64
	confidence     float64
	targetSheetRef string
}

// toPixelSpace maps a tile-normalized detection into sheet pixel space by
// the tile's offset.
func toPixelSpace(det RawDetection, tile image.Rectangle) pixelDetection {
	tw := float64(tile.Dx())
	th := float64(tile.Dy())
	return pixelDetection{
		label:          det.Label,
		cx:             float64(tile.Min.X) + det.X*tw,
		cy:             float64(tile.Min.Y) + det.Y*th,
		w:              det.Width * tw,
		h:              det.Height * th,
		confidence:     det.Confidence,
		targetSheetRef: det.TargetSheetRef,
	}
}

// dedupe drops duplicate detections from tile overlap regions: any pair
// with IOU above the threshold keeps only the higher-confidence hit.
func dedupe(candidates []pixelDetection) []pixelDetection {
	kept := make([]pixelDetection, 0, len(candidates))
	for _, cand := range candidates {
		replaced := false
		dropped := false
		for i, existing := range kept {
			if iou(cand, existing) < iouThreshold {
				continue
			}
			if cand.confidence > existing.confidence {
				kept[i] = cand
				replaced = true
			} else {
				dropped = true
			}
			break
		}
		if !replaced && !dropped {
			kept = append(kept, cand)
		}
	}
	return kept
}

// iou computes intersection-over-union of two center+extent boxes. Point
// detections (zero extent) get a small nominal box so co-located points
// still dedupe.
func iou(a, b pixelDetection) float64 {
	const nominal = 8.0 // pixels, for extent-less detections

	aw, ah := math.Max(a.w, nominal), math.Max(a.h, nominal)
	bw, bh := math.Max(b.w, nominal), math.Max(b.h, nominal)

	ax0, ay0 := a.cx-aw/2, a.cy-ah/2
	ax1, ay1 := a.cx+aw/2, a.cy+ah/2
	bx0, by0 := b.cx-bw/2, b.cy-bh/2
	bx1, by1 := b.cx+bw/2, b.cy+bh/2

	ix := math.Min(ax1, bx1) - math.Max(ax0, bx0)
	iy := math.Min(ay1, by1) - math.Max(ay0, by0)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := aw*ah + bw*bh - inter
	return inter / union
}

// downsample scales a display-resolution sheet to the detection working
// resolution. Uniform scaling preserves aspect ratio, which is what makes
// the resulting normalized coordinates resolution-independent.
func downsample(sheet image.Image) *image.RGBA {
	sb := sheet.Bounds()
	ratio := float64(DetectionDPI) / float64(DisplayDPI)
	w := int(math.Round(float64(sb.Dx()) * ratio))
	h := int(math.Round(float64(sb.Dy()) * ratio))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), sheet, sb, xdraw.Src, nil)
	return dst
}

// encodeRegion PNG-encodes a sub-rectangle of the working image.
func encodeRegion(img *image.RGBA, rect image.Rectangle) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.SubImage(rect)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
