// Package coordinator tracks per-upload tiling progress. Each upload gets
// one Coordinator: a single goroutine owning its state, with every call
// routed through the inbox channel. One instance, one owner, no locks on
// the state itself; different uploads proceed in parallel as independent
// actors.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Woody88/sitelink-sub006/internal/storage"
)

// Status is the coordinator lifecycle state.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusTimedOut      Status = "timed_out"
)

var (
	// ErrNotInitialized is returned for sheet or status calls that arrive
	// before initialize.
	ErrNotInitialized = errors.New("coordinator not initialized")

	// ErrSheetOutOfRange is returned for sheet numbers outside
	// [0, totalSheets).
	ErrSheetOutOfRange = errors.New("sheet number out of range")

	// ErrNoTiles is returned by archive generation when the sheet's tile
	// prefix is empty. Distinct from a client error: the request was
	// well-formed, there is legitimately nothing to archive yet.
	ErrNoTiles = errors.New("no tiles found")

	// ErrStopped is returned when the coordinator has been evicted.
	ErrStopped = errors.New("coordinator stopped")
)

// Snapshot is a point-in-time copy of coordinator state, safe to use
// outside the actor.
type Snapshot struct {
	UploadID     string         `json:"uploadId"`
	Status       Status         `json:"status"`
	TotalSheets  int            `json:"totalSheets"`
	Completed    int            `json:"completed"`
	Failed       int            `json:"failed"`
	FailedSheets map[int]string `json:"failedSheets,omitempty"`
	StartedAt    time.Time      `json:"startedAt,omitempty"`
}

// state is owned exclusively by the actor goroutine.
type state struct {
	status    Status
	total     int
	completed map[int]struct{}
	failed    map[int]string
	startedAt time.Time
	timeout   time.Duration
}

type initMsg struct {
	total   int
	timeout time.Duration
	reply   chan error
}

type sheetMsg struct {
	sheet   int
	failure string // empty means completed
	failed  bool
	reply   chan error
}

type statusMsg struct {
	reply chan Snapshot

	// internal marks janitor probes, which must not count as activity or
	// the sweep would keep resetting the idle clock it is measuring.
	internal bool
}

type archiveMsg struct {
	req   ArchiveRequest
	w     io.Writer
	ctx   context.Context
	reply chan error
}

// Coordinator is the per-upload actor. Construct via a Registry.
type Coordinator struct {
	uploadID string
	store    storage.Store
	logger   *slog.Logger
	inbox    chan any
	quit     chan struct{}

	// lastActive is read by the registry janitor; written only by the
	// actor goroutine via the registry's touch callback.
	touch func()
}

func newCoordinator(uploadID string, store storage.Store, logger *slog.Logger, touch func()) *Coordinator {
	c := &Coordinator{
		uploadID: uploadID,
		store:    store,
		logger:   logger.With("upload_id", uploadID),
		inbox:    make(chan any, 16),
		quit:     make(chan struct{}),
		touch:    touch,
	}
	go c.run()
	return c
}

// run is the actor loop. All state lives here; no other goroutine touches
// it.
func (c *Coordinator) run() {
	st := &state{
		status:    StatusUninitialized,
		completed: make(map[int]struct{}),
		failed:    make(map[int]string),
	}

	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.inbox:
			probe, isProbe := msg.(statusMsg)
			if c.touch != nil && !(isProbe && probe.internal) {
				c.touch()
			}
			c.checkTimeout(st)

			switch m := msg.(type) {
			case initMsg:
				m.reply <- c.handleInit(st, m)
			case sheetMsg:
				m.reply <- c.handleSheet(st, m)
			case statusMsg:
				m.reply <- c.snapshot(st)
			case archiveMsg:
				// Long-running; stays inside the actor so archive
				// requests for one upload are serialized, while other
				// uploads' actors keep running.
				m.reply <- c.writeArchive(m.ctx, m.req, m.w)
			}
		}
	}
}

// checkTimeout applies the wall-clock timeout lazily on each incoming
// call. The actor is idle between calls, so no background timer is
// needed; the state can only be observed through calls anyway.
func (c *Coordinator) checkTimeout(st *state) {
	if st.status != StatusRunning {
		return
	}
	if st.timeout < 0 {
		return
	}
	if time.Since(st.startedAt) >= st.timeout {
		st.status = StatusTimedOut
		c.logger.Warn("upload timed out",
			"total", st.total,
			"completed", len(st.completed),
			"failed", len(st.failed),
		)
	}
}

func (c *Coordinator) handleInit(st *state, m initMsg) error {
	if m.total <= 0 {
		return fmt.Errorf("total sheets must be positive, got %d", m.total)
	}
	if st.status != StatusUninitialized {
		// Replayed initialize is a no-op; the upload is already tracked.
		return nil
	}
	st.status = StatusRunning
	st.total = m.total
	st.timeout = m.timeout
	st.startedAt = time.Now()
	c.logger.Info("upload initialized", "total_sheets", m.total, "timeout", m.timeout)
	return nil
}

func (c *Coordinator) handleSheet(st *state, m sheetMsg) error {
	if st.status == StatusUninitialized {
		return ErrNotInitialized
	}
	if m.sheet < 0 || m.sheet >= st.total {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrSheetOutOfRange, m.sheet, st.total)
	}

	// Idempotent: replaying an already-recorded sheet is a no-op and the
	// first recorded outcome wins.
	if _, ok := st.completed[m.sheet]; ok {
		return nil
	}
	if _, ok := st.failed[m.sheet]; ok {
		return nil
	}

	if m.failed {
		st.failed[m.sheet] = m.failure
		c.logger.Warn("sheet failed", "sheet", m.sheet, "cause", m.failure)
	} else {
		st.completed[m.sheet] = struct{}{}
		c.logger.Debug("sheet completed", "sheet", m.sheet)
	}

	// Terminal states are sticky: record, but never leave them.
	if st.status != StatusRunning {
		return nil
	}

	if len(st.completed)+len(st.failed) == st.total {
		st.status = StatusCompleted
		c.logger.Info("upload tiling complete",
			"completed", len(st.completed),
			"failed", len(st.failed),
		)
	}
	return nil
}

func (c *Coordinator) snapshot(st *state) Snapshot {
	snap := Snapshot{
		UploadID:    c.uploadID,
		Status:      st.status,
		TotalSheets: st.total,
		Completed:   len(st.completed),
		Failed:      len(st.failed),
		StartedAt:   st.startedAt,
	}
	if len(st.failed) > 0 {
		snap.FailedSheets = make(map[int]string, len(st.failed))
		for k, v := range st.failed {
			snap.FailedSheets[k] = v
		}
	}
	return snap
}

// send delivers a message to the actor, or fails with ErrStopped once the
// actor has quit. The inbox is buffered, so quit must be checked first or a
// send racing eviction could enqueue into the dead actor.
func (c *Coordinator) send(ctx context.Context, msg any) error {
	select {
	case <-c.quit:
		return ErrStopped
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-c.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialize transitions the coordinator to Running. A timeout of zero
// times the upload out on the very next call; a negative timeout disables
// the deadline.
func (c *Coordinator) Initialize(ctx context.Context, totalSheets int, timeout time.Duration) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, initMsg{total: totalSheets, timeout: timeout, reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// SheetCompleted records a successfully tiled sheet. Idempotent.
func (c *Coordinator) SheetCompleted(ctx context.Context, sheet int) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, sheetMsg{sheet: sheet, reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// SheetFailed records a permanently failed sheet. Idempotent; a failed
// sheet still counts toward upload completion.
func (c *Coordinator) SheetFailed(ctx context.Context, sheet int, cause error) error {
	msg := sheetMsg{sheet: sheet, failed: true, reply: make(chan error, 1)}
	if cause != nil {
		msg.failure = cause.Error()
	}
	if err := c.send(ctx, msg); err != nil {
		return err
	}
	return c.await(ctx, msg.reply)
}

// Status returns a snapshot of current progress.
func (c *Coordinator) Status(ctx context.Context) (Snapshot, error) {
	return c.status(ctx, false)
}

func (c *Coordinator) status(ctx context.Context, internal bool) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := c.send(ctx, statusMsg{reply: reply, internal: internal}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-c.quit:
		select {
		case snap := <-reply:
			return snap, nil
		default:
		}
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// GenerateArchive streams a tar archive of one sheet's tiles to w. See
// archive.go for the streaming/yield discipline.
func (c *Coordinator) GenerateArchive(ctx context.Context, req ArchiveRequest, w io.Writer) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, archiveMsg{req: req, w: w, ctx: ctx, reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// await blocks for the actor's reply. Selecting on quit covers the window
// where a message slipped into the buffered inbox just as the actor
// stopped: no reply will ever come, so the caller must not wait for one.
func (c *Coordinator) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-c.quit:
		select {
		case err := <-reply:
			return err
		default:
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop terminates the actor. Called by the registry on eviction.
func (c *Coordinator) stop() {
	close(c.quit)
}
