package coordinator

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Woody88/sitelink-sub006/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(store storage.Store) *Registry {
	if store == nil {
		store = storage.NewMemory()
	}
	return NewRegistry(store, testLogger())
}

func TestCoordinatorLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("completes when every sheet reports", func(t *testing.T) {
		c := newTestRegistry(nil).Get("up-1")
		if err := c.Initialize(ctx, 3, time.Minute); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		for sheet := 0; sheet < 2; sheet++ {
			if err := c.SheetCompleted(ctx, sheet); err != nil {
				t.Fatalf("SheetCompleted(%d) error = %v", sheet, err)
			}
		}
		snap, err := c.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if snap.Status != StatusRunning {
			t.Errorf("status = %q before final sheet, want %q", snap.Status, StatusRunning)
		}

		if err := c.SheetCompleted(ctx, 2); err != nil {
			t.Fatalf("SheetCompleted(2) error = %v", err)
		}
		snap, err = c.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if snap.Status != StatusCompleted {
			t.Errorf("status = %q, want %q", snap.Status, StatusCompleted)
		}
		if snap.Completed != 3 || snap.Failed != 0 {
			t.Errorf("counts = %d completed / %d failed, want 3/0", snap.Completed, snap.Failed)
		}
	})

	t.Run("failed sheets count toward completion", func(t *testing.T) {
		c := newTestRegistry(nil).Get("up-2")
		if err := c.Initialize(ctx, 2, time.Minute); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		if err := c.SheetCompleted(ctx, 0); err != nil {
			t.Fatalf("SheetCompleted(0) error = %v", err)
		}
		if err := c.SheetFailed(ctx, 1, errors.New("render blew up")); err != nil {
			t.Fatalf("SheetFailed(1) error = %v", err)
		}

		snap, err := c.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if snap.Status != StatusCompleted {
			t.Errorf("status = %q, want %q", snap.Status, StatusCompleted)
		}
		if got := snap.FailedSheets[1]; got != "render blew up" {
			t.Errorf("FailedSheets[1] = %q, want %q", got, "render blew up")
		}
	})

	t.Run("sheet calls are idempotent and first outcome wins", func(t *testing.T) {
		c := newTestRegistry(nil).Get("up-3")
		if err := c.Initialize(ctx, 2, time.Minute); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		// Redelivered job reports the same sheet three times, then a stale
		// failure for it arrives.
		for i := 0; i < 3; i++ {
			if err := c.SheetCompleted(ctx, 0); err != nil {
				t.Fatalf("SheetCompleted(0) replay %d error = %v", i, err)
			}
		}
		if err := c.SheetFailed(ctx, 0, errors.New("stale")); err != nil {
			t.Fatalf("SheetFailed(0) error = %v", err)
		}

		snap, err := c.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if snap.Completed != 1 || snap.Failed != 0 {
			t.Errorf("counts = %d completed / %d failed, want 1/0", snap.Completed, snap.Failed)
		}
	})

	t.Run("replayed initialize is a no-op", func(t *testing.T) {
		c := newTestRegistry(nil).Get("up-4")
		if err := c.Initialize(ctx, 2, time.Minute); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		if err := c.SheetCompleted(ctx, 0); err != nil {
			t.Fatalf("SheetCompleted(0) error = %v", err)
		}
		if err := c.Initialize(ctx, 5, time.Minute); err != nil {
			t.Fatalf("replayed Initialize() error = %v", err)
		}
		snap, err := c.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if snap.TotalSheets != 2 || snap.Completed != 1 {
			t.Errorf("totals = %d/%d completed, want 2 total, 1 completed", snap.TotalSheets, snap.Completed)
		}
	})

	t.Run("rejects sheets before initialize", func(t *testing.T) {
		c := newTestRegistry(nil).Get("up-5")
		if err := c.SheetCompleted(ctx, 0); !errors.Is(err, ErrNotInitialized) {
			t.Errorf("SheetCompleted() error = %v, want ErrNotInitialized", err)
		}
	})

	t.Run("rejects out-of-range sheets", func(t *testing.T) {
		c := newTestRegistry(nil).Get("up-6")
		if err := c.Initialize(ctx, 3, time.Minute); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		if err := c.SheetCompleted(ctx, 3); !errors.Is(err, ErrSheetOutOfRange) {
			t.Errorf("SheetCompleted(3) error = %v, want ErrSheetOutOfRange", err)
		}
		if err := c.SheetCompleted(ctx, -1); !errors.Is(err, ErrSheetOutOfRange) {
			t.Errorf("SheetCompleted(-1) error = %v, want ErrSheetOutOfRange", err)
		}
	})

	t.Run("rejects non-positive total", func(t *testing.T) {
		c := newTestRegistry(nil).Get("up-7")
		if err := c.Initialize(ctx, 0, time.Minute); err == nil {
			t.Error("Initialize(0) error = nil, want error")
		}
	})
}

func TestCoordinatorTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("zero timeout expires on the next call", func(t *testing.T) {
		c := newTestRegistry(nil).Get("up-t1")
		if err := c.Initialize(ctx, 4, 0); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		snap, err := c.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if snap.Status != StatusTimedOut {
			t.Errorf("status = %q, want %q", snap.Status, StatusTimedOut)
		}
	})

	t.Run("timed out is sticky", func(t *testing.T) {
		c := newTestRegistry(nil).Get("up-t2")
		if err := c.Initialize(ctx, 1, 0); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		// The late completion is still accepted and recorded, but cannot
		// resurrect the upload.
		if err := c.SheetCompleted(ctx, 0); err != nil {
			t.Fatalf("SheetCompleted() error = %v", err)
		}
		snap, err := c.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if snap.Status != StatusTimedOut {
			t.Errorf("status = %q, want %q", snap.Status, StatusTimedOut)
		}
		if snap.Completed != 1 {
			t.Errorf("completed = %d, want 1 (late report still recorded)", snap.Completed)
		}
	})

	t.Run("negative timeout never expires", func(t *testing.T) {
		c := newTestRegistry(nil).Get("up-t3")
		if err := c.Initialize(ctx, 1, -1); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		snap, err := c.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if snap.Status != StatusRunning {
			t.Errorf("status = %q, want %q", snap.Status, StatusRunning)
		}
	})

	t.Run("completed stays completed past the deadline", func(t *testing.T) {
		c := newTestRegistry(nil).Get("up-t4")
		if err := c.Initialize(ctx, 1, 20*time.Millisecond); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		if err := c.SheetCompleted(ctx, 0); err != nil {
			t.Fatalf("SheetCompleted() error = %v", err)
		}
		time.Sleep(40 * time.Millisecond)
		snap, err := c.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if snap.Status != StatusCompleted {
			t.Errorf("status = %q, want %q", snap.Status, StatusCompleted)
		}
	})
}

func seedTiles(t *testing.T, store storage.Store, org, proj, plan string, sheet int, perLevel map[int][][2]int) map[string][]byte {
	t.Helper()
	want := make(map[string][]byte)
	for level, coords := range perLevel {
		for _, xy := range coords {
			key := storage.TileKey(org, proj, plan, sheet, level, xy[0], xy[1], "png")
			data := []byte(fmt.Sprintf("tile %d/%d_%d", level, xy[0], xy[1]))
			if err := store.Put(context.Background(), key, data); err != nil {
				t.Fatalf("Put(%s) error = %v", key, err)
			}
			want[fmt.Sprintf("%d/%d_%d.png", level, xy[0], xy[1])] = data
		}
	}
	return want
}

func TestGenerateArchive(t *testing.T) {
	ctx := context.Background()

	t.Run("streams tiles with pyramid-relative names", func(t *testing.T) {
		store := storage.NewMemory()
		want := seedTiles(t, store, "org", "proj", "plan", 2, map[int][][2]int{
			0: {{0, 0}, {1, 0}, {0, 1}, {1, 1}},
			1: {{0, 0}},
		})
		// The sheet record lives under the same prefix but is not a tile.
		recKey := storage.SheetRecordKey("org", "proj", "plan", 2)
		if err := store.Put(ctx, recKey, []byte(`{"width":600}`)); err != nil {
			t.Fatalf("Put(%s) error = %v", recKey, err)
		}

		c := newTestRegistry(store).Get("up-a1")
		var buf bytes.Buffer
		req := ArchiveRequest{OrganizationID: "org", ProjectID: "proj", PlanID: "plan", SheetNumber: 2}
		if err := c.GenerateArchive(ctx, req, &buf); err != nil {
			t.Fatalf("GenerateArchive() error = %v", err)
		}

		got := make(map[string][]byte)
		tr := tar.NewReader(&buf)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("tar.Next() error = %v", err)
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				t.Fatalf("reading %s: %v", hdr.Name, err)
			}
			got[hdr.Name] = data
		}

		if len(got) != len(want) {
			t.Fatalf("archive has %d entries, want %d", len(got), len(want))
		}
		for name, data := range want {
			if !bytes.Equal(got[name], data) {
				t.Errorf("entry %q = %q, want %q", name, got[name], data)
			}
		}
	})

	t.Run("empty sheet reports no tiles", func(t *testing.T) {
		c := newTestRegistry(nil).Get("up-a2")
		var buf bytes.Buffer
		req := ArchiveRequest{OrganizationID: "org", ProjectID: "proj", PlanID: "plan", SheetNumber: 0}
		err := c.GenerateArchive(ctx, req, &buf)
		if !errors.Is(err, ErrNoTiles) {
			t.Fatalf("GenerateArchive() error = %v, want ErrNoTiles", err)
		}
		if buf.Len() != 0 {
			t.Errorf("wrote %d bytes before failing, want 0", buf.Len())
		}
	})

	t.Run("sheet with only a record reports no tiles", func(t *testing.T) {
		store := storage.NewMemory()
		recKey := storage.SheetRecordKey("org", "proj", "plan", 0)
		if err := store.Put(ctx, recKey, []byte(`{}`)); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		c := newTestRegistry(store).Get("up-a3")
		var buf bytes.Buffer
		req := ArchiveRequest{OrganizationID: "org", ProjectID: "proj", PlanID: "plan", SheetNumber: 0}
		if err := c.GenerateArchive(ctx, req, &buf); !errors.Is(err, ErrNoTiles) {
			t.Fatalf("GenerateArchive() error = %v, want ErrNoTiles", err)
		}
	})

	t.Run("archive stays on sheet boundaries", func(t *testing.T) {
		store := storage.NewMemory()
		want := seedTiles(t, store, "org", "proj", "plan", 1, map[int][][2]int{
			0: {{0, 0}},
		})
		// Sheets 10 and 12 share the "sheets/1" string prefix; their tiles
		// must not leak into sheet 1's archive.
		seedTiles(t, store, "org", "proj", "plan", 10, map[int][][2]int{
			0: {{0, 0}, {1, 0}},
		})
		seedTiles(t, store, "org", "proj", "plan", 12, map[int][][2]int{
			0: {{3, 4}},
		})

		c := newTestRegistry(store).Get("up-a5")
		var buf bytes.Buffer
		req := ArchiveRequest{OrganizationID: "org", ProjectID: "proj", PlanID: "plan", SheetNumber: 1}
		if err := c.GenerateArchive(ctx, req, &buf); err != nil {
			t.Fatalf("GenerateArchive() error = %v", err)
		}

		var names []string
		tr := tar.NewReader(&buf)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("tar.Next() error = %v", err)
			}
			names = append(names, hdr.Name)
		}
		if len(names) != len(want) {
			t.Fatalf("archive entries = %v, want exactly %d from sheet 1", names, len(want))
		}
		for _, name := range names {
			if _, ok := want[name]; !ok {
				t.Errorf("archive entry %q does not belong to sheet 1", name)
			}
		}
	})

	t.Run("cancellation stops the stream", func(t *testing.T) {
		store := &slowStore{Store: storage.NewMemory(), delay: 5 * time.Millisecond}
		seedTiles(t, store, "org", "proj", "plan", 1, gridCoords(0, 8, 8))

		c := newTestRegistry(store).Get("up-a4")
		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(15 * time.Millisecond)
			cancel()
		}()

		var buf bytes.Buffer
		req := ArchiveRequest{OrganizationID: "org", ProjectID: "proj", PlanID: "plan", SheetNumber: 1}
		err := c.GenerateArchive(cancelCtx, req, &buf)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("GenerateArchive() error = %v, want context.Canceled", err)
		}
	})
}

// slowStore injects latency into reads so streaming tests can observe
// concurrency.
type slowStore struct {
	storage.Store
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Store.Get(ctx, key)
}

func gridCoords(level, nx, ny int) map[int][][2]int {
	coords := make([][2]int, 0, nx*ny)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			coords = append(coords, [2]int{x, y})
		}
	}
	return map[int][][2]int{level: coords}
}

// A long archive stream on one upload must not block progress reporting
// on another: each upload is its own actor.
func TestArchiveDoesNotBlockOtherUploads(t *testing.T) {
	ctx := context.Background()
	store := &slowStore{Store: storage.NewMemory(), delay: 2 * time.Millisecond}
	seedTiles(t, store, "org", "proj", "plan", 0, gridCoords(0, 10, 6))

	reg := newTestRegistry(store)
	streamer := reg.Get("up-stream")
	other := reg.Get("up-other")
	if err := other.Initialize(ctx, 2, time.Minute); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	archiveDone := make(chan error, 1)
	go func() {
		var buf bytes.Buffer
		req := ArchiveRequest{OrganizationID: "org", ProjectID: "proj", PlanID: "plan", SheetNumber: 0}
		archiveDone <- streamer.GenerateArchive(ctx, req, &buf)
	}()

	// While the stream is in flight, the other upload must answer fast.
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		callCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		_, err := other.Status(callCtx)
		cancel()
		if err != nil {
			t.Fatalf("Status() during stream error = %v", err)
		}
	}

	if err := <-archiveDone; err != nil {
		t.Fatalf("GenerateArchive() error = %v", err)
	}
	if err := other.SheetCompleted(ctx, 0); err != nil {
		t.Fatalf("SheetCompleted() after stream error = %v", err)
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("routes by upload id", func(t *testing.T) {
		reg := newTestRegistry(nil)
		a := reg.Get("up-1")
		b := reg.Get("up-2")
		if a == b {
			t.Error("Get() returned the same coordinator for different uploads")
		}
		if again := reg.Get("up-1"); again != a {
			t.Error("Get() returned a new coordinator for a known upload")
		}
		if reg.Len() != 2 {
			t.Errorf("Len() = %d, want 2", reg.Len())
		}
	})

	t.Run("sweep evicts idle terminal coordinators", func(t *testing.T) {
		reg := newTestRegistry(nil)
		reg.evictAfter = 10 * time.Millisecond

		done := reg.Get("up-done")
		if err := done.Initialize(ctx, 1, time.Minute); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		if err := done.SheetCompleted(ctx, 0); err != nil {
			t.Fatalf("SheetCompleted() error = %v", err)
		}

		running := reg.Get("up-running")
		if err := running.Initialize(ctx, 5, time.Hour); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}

		time.Sleep(25 * time.Millisecond)
		reg.sweep(ctx)

		if reg.Len() != 1 {
			t.Fatalf("Len() after sweep = %d, want 1", reg.Len())
		}
		// The running upload survives and still works.
		if err := running.SheetCompleted(ctx, 0); err != nil {
			t.Errorf("SheetCompleted() after sweep error = %v", err)
		}
		// The evicted coordinator refuses further calls.
		if err := done.SheetCompleted(ctx, 0); !errors.Is(err, ErrStopped) {
			t.Errorf("SheetCompleted() on evicted coordinator error = %v, want ErrStopped", err)
		}
	})

	t.Run("stopped coordinator fails calls promptly", func(t *testing.T) {
		reg := newTestRegistry(nil)
		c := reg.Get("up-stopped")
		if err := c.Initialize(ctx, 50, time.Hour); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		c.stop()

		// The inbox is buffered, so a send can race the shutdown and land
		// in the dead actor. Every caller must still return ErrStopped
		// instead of waiting for a reply that will never come.
		const calls = 40
		errs := make(chan error, calls)
		for i := 0; i < calls; i++ {
			go func(sheet int) {
				errs <- c.SheetCompleted(ctx, sheet)
			}(i)
		}
		for i := 0; i < calls; i++ {
			select {
			case err := <-errs:
				if !errors.Is(err, ErrStopped) {
					t.Fatalf("SheetCompleted() on stopped coordinator error = %v, want ErrStopped", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("call %d to stopped coordinator hung", i)
			}
		}

		if _, err := c.Status(ctx); !errors.Is(err, ErrStopped) {
			t.Errorf("Status() on stopped coordinator error = %v, want ErrStopped", err)
		}
	})

	t.Run("sweep times out an abandoned running upload", func(t *testing.T) {
		reg := newTestRegistry(nil)
		reg.evictAfter = 10 * time.Millisecond

		c := reg.Get("up-abandoned")
		if err := c.Initialize(ctx, 5, 5*time.Millisecond); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}

		time.Sleep(25 * time.Millisecond)
		// The sweep's status probe applies the lazy timeout, so the
		// abandoned upload is both expired and collected here.
		reg.sweep(ctx)

		if reg.Len() != 0 {
			t.Errorf("Len() after sweep = %d, want 0", reg.Len())
		}
	})
}
