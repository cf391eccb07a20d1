// Package ingest turns an uploaded multi-page plan PDF into per-sheet
// work: the PDF is validated, split into single-page files, each page is
// stored under its sheet key, and one tile job per sheet is published.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"golang.org/x/sync/errgroup"

	"github.com/Woody88/sitelink-sub006/internal/coordinator"
	"github.com/Woody88/sitelink-sub006/internal/queue"
	"github.com/Woody88/sitelink-sub006/internal/storage"
)

const (
	// uploadConcurrency bounds parallel page uploads to the store.
	uploadConcurrency = 10

	// defaultTimeout is the tiling deadline handed to the coordinator
	// when the caller does not set one.
	defaultTimeout = 30 * time.Minute
)

// Request describes one plan upload.
type Request struct {
	// PDFPath is the local path of the uploaded multi-page plan PDF.
	PDFPath string

	OrganizationID string
	ProjectID      string

	// PlanID is generated when empty.
	PlanID string

	// UploadID is generated when empty.
	UploadID string

	// Timeout is the coordinator deadline for the whole upload
	// (default 30m). Zero means "use the default"; pass a negative
	// value to disable the deadline.
	Timeout time.Duration

	Logger *slog.Logger
}

// Result reports what the upload produced.
type Result struct {
	UploadID   string `json:"uploadId"`
	PlanID     string `json:"planId"`
	SheetCount int    `json:"sheetCount"`
}

// Deps are the long-lived services an ingest runs against.
type Deps struct {
	Store    storage.Store
	Broker   *queue.Broker
	Registry *coordinator.Registry
}

// Ingest splits the plan PDF, stores each page, initializes the upload's
// coordinator, and publishes one tile job per sheet. Sheets are numbered
// from zero in document order.
func Ingest(ctx context.Context, deps Deps, req Request) (*Result, error) {
	log := req.Logger
	if log == nil {
		log = slog.Default()
	}
	if req.OrganizationID == "" || req.ProjectID == "" {
		return nil, fmt.Errorf("organization and project are required")
	}
	if _, err := os.Stat(req.PDFPath); err != nil {
		return nil, fmt.Errorf("plan PDF not found: %s", req.PDFPath)
	}

	planID := req.PlanID
	if planID == "" {
		planID = uuid.NewString()
	}
	uploadID := req.UploadID
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	workDir, err := os.MkdirTemp("", "sitelink-ingest-*")
	if err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	// Optimize rewrites the cross-reference table and catches corrupt
	// uploads before any work is queued.
	optimized := filepath.Join(workDir, "plan.pdf")
	if err := api.OptimizeFile(req.PDFPath, optimized, nil); err != nil {
		return nil, fmt.Errorf("invalid plan PDF: %w", err)
	}

	pageCount, err := api.PageCountFile(optimized)
	if err != nil {
		return nil, fmt.Errorf("counting pages: %w", err)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("plan PDF has no pages")
	}

	if err := api.SplitFile(optimized, workDir, 1, nil); err != nil {
		return nil, fmt.Errorf("splitting plan PDF: %w", err)
	}

	log.Info("plan split",
		"upload_id", uploadID,
		"plan_id", planID,
		"pages", pageCount,
	)

	coord := deps.Registry.Get(uploadID)
	if err := coord.Initialize(ctx, pageCount, timeout); err != nil {
		return nil, fmt.Errorf("initializing upload: %w", err)
	}

	// Page files are named {base}_{n}.pdf with n starting at 1; sheet
	// numbers start at 0.
	base := strings.TrimSuffix(optimized, filepath.Ext(optimized))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for sheet := 0; sheet < pageCount; sheet++ {
		g.Go(func() error {
			pagePath := fmt.Sprintf("%s_%d.pdf", base, sheet+1)
			data, err := os.ReadFile(pagePath)
			if err != nil {
				return fmt.Errorf("reading page %d: %w", sheet, err)
			}

			key := storage.PageKey(req.OrganizationID, req.ProjectID, planID, sheet)
			if err := deps.Store.Put(gctx, key, data); err != nil {
				return fmt.Errorf("storing page %d: %w", sheet, err)
			}

			job := queue.TileJob{
				UploadID:       uploadID,
				OrganizationID: req.OrganizationID,
				ProjectID:      req.ProjectID,
				PlanID:         planID,
				SheetNumber:    sheet,
				SheetObjectKey: key,
				TotalSheets:    pageCount,
			}
			if err := deps.Broker.PublishJob(gctx, job); err != nil {
				return fmt.Errorf("publishing tile job for sheet %d: %w", sheet, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info("plan ingested",
		"upload_id", uploadID,
		"plan_id", planID,
		"sheets", pageCount,
	)
	return &Result{UploadID: uploadID, PlanID: planID, SheetCount: pageCount}, nil
}
