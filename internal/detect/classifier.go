// Package detect locates cross-reference callout markers on rendered plan
// sheets. The sheet is downsampled to the classifier's working resolution,
// split into overlapping tiles to bound per-inference memory, and per-tile
// detections are merged back into sheet-global normalized coordinates.
package detect

import (
	"context"
	"errors"
)

// ErrDetection indicates the classifier failed for one sheet. The failure
// is isolated: other sheets on the plan proceed and the failed sheet is
// independently retryable.
var ErrDetection = errors.New("marker detection failed")

// RawDetection is a single classifier hit, in coordinates normalized to
// the image the classifier was given (center + extents, all in [0,1]).
type RawDetection struct {
	Label          string  `json:"label"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Width          float64 `json:"width"`
	Height         float64 `json:"height"`
	Confidence     float64 `json:"confidence"`
	TargetSheetRef string  `json:"targetSheetRef,omitempty"`
}

// Classifier runs callout detection on one image. Implementations wrap the
// vision model; they are opaque to the pipeline beyond this contract.
type Classifier interface {
	// Detect returns all callout candidates found in the PNG image.
	Detect(ctx context.Context, imagePNG []byte) ([]RawDetection, error)

	// Name identifies the classifier backend for logging.
	Name() string
}
