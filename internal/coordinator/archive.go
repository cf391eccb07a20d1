package coordinator

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/Woody88/sitelink-sub006/internal/storage"
)

// ArchiveRequest identifies the sheet whose tile pyramid should be
// archived.
type ArchiveRequest struct {
	OrganizationID string
	ProjectID      string
	PlanID         string
	SheetNumber    int
}

// flusher matches both http.Flusher and buffered writers that expose a
// bare Flush.
type flusher interface {
	Flush()
}

// writeArchive runs inside the actor goroutine. A sheet pyramid can be
// thousands of tiles, so the loop must not hog the scheduler: after every
// tile it checks for cancellation and yields so that other actors and the
// HTTP server stay responsive while this one streams.
func (c *Coordinator) writeArchive(ctx context.Context, req ArchiveRequest, w io.Writer) error {
	// The trailing separator keeps the listing on sheet boundaries: sheet 1
	// must not match sheets 10-19.
	prefix := storage.SheetPrefix(req.OrganizationID, req.ProjectID, req.PlanID, req.SheetNumber) + "/"

	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("listing tiles under %s: %w", prefix, err)
	}

	// The prefix also holds sheet.json; only tile objects go in the
	// archive. Deciding emptiness before the first write lets the caller
	// answer with a clean 404 instead of a truncated stream.
	tileKeys := keys[:0:0]
	for _, key := range keys {
		if storage.IsTileKey(key) {
			tileKeys = append(tileKeys, key)
		}
	}
	if len(tileKeys) == 0 {
		return ErrNoTiles
	}

	tw := tar.NewWriter(w)
	for _, key := range tileKeys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Entries are named relative to the sheet, "{level}/{x}_{y}.png",
		// so a consumer can rebuild the pyramid without knowing the
		// storage layout.
		rel := strings.TrimPrefix(key, prefix)

		data, err := c.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("reading tile %s: %w", key, err)
		}

		hdr := &tar.Header{
			Name:    rel,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", rel, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("writing tar body for %s: %w", rel, err)
		}

		if f, ok := w.(flusher); ok {
			f.Flush()
		}
		runtime.Gosched()
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalizing tar archive: %w", err)
	}

	c.logger.Info("archive streamed", "sheet", req.SheetNumber, "tiles", len(tileKeys))
	return nil
}
