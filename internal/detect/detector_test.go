package detect

import (
	"context"
	"image"
	"image/color"
	"math"
	"testing"
)

// sheetImage builds a flat test sheet at display resolution.
func sheetImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 240, G: 240, B: 240, A: 255})
		}
	}
	return img
}

func TestDetectSheetSingleTile(t *testing.T) {
	// A 1500x1000 display sheet downsamples to 720x480 at detection DPI,
	// which fits in a single detection tile: one classifier call.
	classifier := NewMockClassifier([]RawDetection{
		{Label: "callout", X: 0.5, Y: 0.25, Width: 0.05, Height: 0.05, Confidence: 0.9, TargetSheetRef: "A-201"},
	})
	det, err := NewDetector(classifier, nil)
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}

	markers, err := det.DetectSheet(context.Background(), sheetImage(1500, 1000), []string{"A-201", "A-301"})
	if err != nil {
		t.Fatalf("DetectSheet() error = %v", err)
	}
	if classifier.Calls() != 1 {
		t.Errorf("classifier calls = %d, want 1", classifier.Calls())
	}
	if len(markers) != 1 {
		t.Fatalf("markers = %d, want 1", len(markers))
	}

	m := markers[0]
	if math.Abs(m.X-0.5) > 0.01 || math.Abs(m.Y-0.25) > 0.01 {
		t.Errorf("marker center = (%v, %v), want (0.5, 0.25)", m.X, m.Y)
	}
	if m.NeedsReview {
		t.Error("valid high-confidence target marked needsReview")
	}
	if m.ID == "" {
		t.Error("marker has no ID")
	}
}

func TestDetectSheetNormalizedBounds(t *testing.T) {
	// Out-of-range classifier outputs must still land in [0,1].
	classifier := NewMockClassifier([]RawDetection{
		{Label: "edge", X: 1.0, Y: 1.0, Width: 0.2, Height: 0.2, Confidence: 0.8},
		{Label: "origin", X: 0.0, Y: 0.0, Confidence: 0.7},
	})
	det, _ := NewDetector(classifier, nil)

	markers, err := det.DetectSheet(context.Background(), sheetImage(1500, 1000), nil)
	if err != nil {
		t.Fatalf("DetectSheet() error = %v", err)
	}
	for _, m := range markers {
		if m.X < 0 || m.X > 1 || m.Y < 0 || m.Y > 1 {
			t.Errorf("marker %s center out of range: (%v, %v)", m.Label, m.X, m.Y)
		}
		if m.Width < 0 || m.Width > 1 || m.Height < 0 || m.Height > 1 {
			t.Errorf("marker %s extent out of range: %vx%v", m.Label, m.Width, m.Height)
		}
	}
}

func TestDetectSheetOverlapDedup(t *testing.T) {
	// A 4000x1000 display sheet downsamples to 1920x480: two detection
	// tiles with a 128px overlap (step 896). A marker at working x=960
	// sits inside both tiles and must come out once, keeping the higher
	// confidence hit.
	//
	// Tile 0 covers [0,1024): marker at 960/1024 = 0.9375 of tile width.
	// Tile 1 covers [896,1920): marker at 64/1024 = 0.0625.
	classifier := NewMockClassifier(
		[]RawDetection{{Label: "dup", X: 0.9375, Y: 0.5, Width: 0.05, Height: 0.1, Confidence: 0.7}},
		[]RawDetection{{Label: "dup", X: 0.0625, Y: 0.5, Width: 0.05, Height: 0.1, Confidence: 0.9, TargetSheetRef: "S-101"}},
	)
	det, _ := NewDetector(classifier, nil)

	markers, err := det.DetectSheet(context.Background(), sheetImage(4000, 1000), []string{"S-101"})
	if err != nil {
		t.Fatalf("DetectSheet() error = %v", err)
	}
	if classifier.Calls() != 2 {
		t.Errorf("classifier calls = %d, want 2", classifier.Calls())
	}
	if len(markers) != 1 {
		t.Fatalf("markers = %d, want 1 after dedup", len(markers))
	}
	if markers[0].Confidence != 0.9 {
		t.Errorf("kept confidence = %v, want the higher 0.9", markers[0].Confidence)
	}
	if markers[0].TargetSheetRef != "S-101" {
		t.Errorf("kept target = %q, want S-101", markers[0].TargetSheetRef)
	}
}

func TestDetectSheetNeedsReview(t *testing.T) {
	classifier := NewMockClassifier([]RawDetection{
		{Label: "unknown-target", X: 0.2, Y: 0.2, Confidence: 0.9, TargetSheetRef: "Z-999"},
		{Label: "low-confidence", X: 0.6, Y: 0.6, Confidence: 0.3, TargetSheetRef: "A-201"},
	})
	det, _ := NewDetector(classifier, nil)

	markers, err := det.DetectSheet(context.Background(), sheetImage(1500, 1000), []string{"A-201"})
	if err != nil {
		t.Fatalf("DetectSheet() error = %v", err)
	}
	if len(markers) != 2 {
		t.Fatalf("markers = %d, want 2 (flagged, not dropped)", len(markers))
	}
	for _, m := range markers {
		if !m.NeedsReview {
			t.Errorf("marker %s should be needsReview", m.Label)
		}
	}
}

func TestDetectSheetClassifierFailure(t *testing.T) {
	classifier := NewMockClassifier()
	classifier.FailAfter = 0 // never fails
	classifier.FailAfter = 1 // fail on second call

	det, _ := NewDetector(classifier, nil)
	// Two-tile sheet so the second call fails.
	_, err := det.DetectSheet(context.Background(), sheetImage(4000, 1000), nil)
	if err == nil {
		t.Fatal("expected error from failing classifier")
	}
}

func TestIOU(t *testing.T) {
	a := pixelDetection{cx: 100, cy: 100, w: 50, h: 50}
	if got := iou(a, a); math.Abs(got-1) > 1e-9 {
		t.Errorf("iou(a, a) = %v, want 1", got)
	}

	b := pixelDetection{cx: 500, cy: 500, w: 50, h: 50}
	if got := iou(a, b); got != 0 {
		t.Errorf("iou of disjoint boxes = %v, want 0", got)
	}

	// Co-located point detections overlap via the nominal box.
	p1 := pixelDetection{cx: 10, cy: 10}
	p2 := pixelDetection{cx: 11, cy: 10}
	if got := iou(p1, p2); got <= iouThreshold {
		t.Errorf("iou of near-identical points = %v, want > threshold", got)
	}
}

func TestParseDetectionsValidation(t *testing.T) {
	c, err := NewOpenAIClassifier(OpenAIClassifierConfig{BaseURL: "http://localhost:1"})
	if err != nil {
		t.Fatalf("NewOpenAIClassifier() error = %v", err)
	}

	t.Run("valid payload", func(t *testing.T) {
		dets, err := c.parseDetections(`{"detections":[{"label":"c","x":0.5,"y":0.5,"confidence":0.8}]}`)
		if err != nil {
			t.Fatalf("parseDetections() error = %v", err)
		}
		if len(dets) != 1 || dets[0].Label != "c" {
			t.Errorf("detections = %+v", dets)
		}
	})

	t.Run("code-fenced payload", func(t *testing.T) {
		dets, err := c.parseDetections("```json\n{\"detections\":[]}\n```")
		if err != nil {
			t.Fatalf("parseDetections() error = %v", err)
		}
		if len(dets) != 0 {
			t.Errorf("detections = %+v, want empty", dets)
		}
	})

	t.Run("out-of-range coordinate rejected", func(t *testing.T) {
		_, err := c.parseDetections(`{"detections":[{"label":"c","x":1.5,"y":0.5,"confidence":0.8}]}`)
		if err == nil {
			t.Error("expected schema validation error for x > 1")
		}
	})

	t.Run("missing required field rejected", func(t *testing.T) {
		_, err := c.parseDetections(`{"detections":[{"label":"c","x":0.5}]}`)
		if err == nil {
			t.Error("expected schema validation error for missing fields")
		}
	})
}
