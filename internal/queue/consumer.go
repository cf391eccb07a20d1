package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Woody88/sitelink-sub006/internal/coordinator"
	"github.com/Woody88/sitelink-sub006/internal/storage"
	"github.com/Woody88/sitelink-sub006/internal/tiles"
)

const defaultWorkers = 2

// ConsumerConfig wires a Consumer to the broker and the tiling pipeline.
type ConsumerConfig struct {
	Broker    *Broker
	Generator *tiles.Generator
	Registry  *coordinator.Registry
	Store     storage.Store
	Logger    *slog.Logger

	// Workers bounds concurrent tile jobs (default 2). Tiling is CPU and
	// memory heavy per sheet, so the bound is deliberately small.
	Workers int
}

// Consumer drains the broker and drives tile generation, reporting each
// sheet's outcome to the upload's coordinator.
type Consumer struct {
	broker    *Broker
	generator *tiles.Generator
	registry  *coordinator.Registry
	store     storage.Store
	logger    *slog.Logger
	workers   int
}

// NewConsumer validates the wiring and builds a Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Consumer{
		broker:    cfg.Broker,
		generator: cfg.Generator,
		registry:  cfg.Registry,
		store:     cfg.Store,
		logger:    cfg.Logger.With("component", "tile_consumer"),
		workers:   cfg.Workers,
	}, nil
}

// Start runs the worker pool until ctx is cancelled or the broker closes.
// Blocks; run it in a goroutine.
func (c *Consumer) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			logger := c.logger.With("worker", worker)
			for {
				d, err := c.broker.Receive(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
						logger.Error("receive failed", "error", err)
					}
					return
				}
				c.handle(ctx, logger, d)
			}
		}(i)
	}
	wg.Wait()
}

// handle processes one delivery. Transient failures nack for redelivery;
// exhausted or malformed deliveries are terminal and the sheet is marked
// failed so the upload can still complete.
func (c *Consumer) handle(ctx context.Context, logger *slog.Logger, d *Delivery) {
	job, err := UnmarshalTileJob(d.Payload)
	if err != nil {
		// A payload that cannot decode will never decode; retrying is
		// noise.
		logger.Error("dropping malformed tile job", "error", err, "attempt", d.Attempt)
		d.Ack()
		return
	}

	logger = logger.With("upload_id", job.UploadID, "sheet", job.SheetNumber, "attempt", d.Attempt)
	coord := c.registry.Get(job.UploadID)

	result, err := c.generator.Generate(ctx, tiles.Request{
		OrganizationID: job.OrganizationID,
		ProjectID:      job.ProjectID,
		PlanID:         job.PlanID,
		SheetNumber:    job.SheetNumber,
		SheetObjectKey: job.SheetObjectKey,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not failure: requeue so a later worker picks the
			// sheet up from scratch.
			d.Nack()
			return
		}
		if d.Attempt >= d.MaxAttempts {
			logger.Error("tile job exhausted retries", "error", err)
			if ferr := coord.SheetFailed(ctx, job.SheetNumber, err); ferr != nil {
				logger.Error("reporting sheet failure", "error", ferr)
			}
			d.Nack() // dead-letters on the final attempt
			return
		}
		logger.Warn("tile job failed, requeueing", "error", err)
		d.Nack()
		return
	}

	record := tiles.Sheet{
		ID:               uuid.NewString(),
		PlanID:           job.PlanID,
		PageNumber:       job.SheetNumber,
		TileObjectPrefix: storage.SheetPrefix(job.OrganizationID, job.ProjectID, job.PlanID, job.SheetNumber),
		Width:            result.Width,
		Height:           result.Height,
		TileCount:        result.TileCount,
		ProcessingStatus: "completed",
		ProcessedAt:      time.Now().UTC(),
	}
	if err := tiles.WriteSheetRecord(ctx, c.store, job.OrganizationID, job.ProjectID, record); err != nil {
		logger.Warn("writing sheet record failed, requeueing", "error", err)
		d.Nack()
		return
	}

	if err := coord.SheetCompleted(ctx, job.SheetNumber); err != nil {
		// Out-of-range or stopped coordinator: the tiles are written and
		// redelivery cannot improve the report, so log and move on.
		logger.Error("reporting sheet completion", "error", err)
	}
	d.Ack()
	logger.Info("sheet tiled",
		"width", result.Width,
		"height", result.Height,
		"tiles", result.TileCount,
	)
}
