package tiles

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
)

// PageRenderer rasterizes one page of a PDF at a given DPI.
type PageRenderer interface {
	RenderPage(ctx context.Context, pdfPath string, page, dpi int) (image.Image, error)
}

// PopplerRenderer renders pages by shelling out to pdftoppm (poppler-utils).
// The external process is CPU- and memory-heavy; callers bound concurrency.
type PopplerRenderer struct{}

// RenderPage renders a single page to an image using pdftoppm.
// A non-zero exit from the tool is reported as ErrConversion: the source
// page is corrupt or the tool cannot rasterize it, and requeueing the job
// will not help until the source object changes.
func (PopplerRenderer) RenderPage(ctx context.Context, pdfPath string, page, dpi int) (image.Image, error) {
	tmpDir, err := os.MkdirTemp("", "sitelink-page-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outputPrefix := filepath.Join(tmpDir, "page")
	pageStr := fmt.Sprintf("%d", page)

	// -png: output PNG format
	// -f/-l: first/last page to render
	// -r: resolution in DPI
	// -singlefile: don't add page number suffix
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", fmt.Sprintf("%d", dpi),
		"-singlefile",
		pdfPath,
		outputPrefix,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: pdftoppm failed: %v (output: %s)", ErrConversion, err, string(output))
	}

	f, err := os.Open(outputPrefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("%w: pdftoppm did not create expected output: %v", ErrConversion, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode rendered page: %v", ErrConversion, err)
	}
	return img, nil
}
