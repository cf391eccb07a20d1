// Package queue provides at-least-once delivery of tile generation jobs.
// The broker is an in-process channel-backed queue with redelivery on
// nack; consumers must treat duplicate delivery as normal and rely on the
// idempotent storage key scheme downstream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// TileJob is one unit of tiling work: render a single sheet's page PDF
// into its tile pyramid. The JSON form is the wire contract with
// publishers.
type TileJob struct {
	UploadID       string `json:"uploadId"`
	OrganizationID string `json:"organizationId"`
	ProjectID      string `json:"projectId"`
	PlanID         string `json:"planId"`
	SheetNumber    int    `json:"sheetNumber"`
	SheetObjectKey string `json:"sheetObjectKey"`
	TotalSheets    int    `json:"totalSheets"`
}

// Marshal encodes the job for publication.
func (j TileJob) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalTileJob decodes a published job payload.
func UnmarshalTileJob(data []byte) (TileJob, error) {
	var j TileJob
	if err := json.Unmarshal(data, &j); err != nil {
		return TileJob{}, fmt.Errorf("decoding tile job: %w", err)
	}
	if j.UploadID == "" || j.SheetObjectKey == "" {
		return TileJob{}, errors.New("tile job missing uploadId or sheetObjectKey")
	}
	return j, nil
}

var (
	// ErrQueueFull is returned by Publish when the broker buffer is at
	// capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrClosed is returned once the broker has shut down.
	ErrClosed = errors.New("queue closed")
)

const (
	defaultCapacity    = 1024
	defaultMaxAttempts = 3
)

// Delivery is one attempt at handing a payload to a consumer. Exactly one
// of Ack or Nack must be called; Nack requeues until MaxAttempts is
// exhausted, after which the payload is dead-lettered.
type Delivery struct {
	Payload     []byte
	Attempt     int
	MaxAttempts int

	broker *Broker
	done   bool
}

// Ack marks the delivery as handled. Safe to call once.
func (d *Delivery) Ack() {
	d.done = true
}

// Nack requeues the payload for another attempt, or dead-letters it if
// this was the last one.
func (d *Delivery) Nack() {
	if d.done {
		return
	}
	d.done = true
	if d.Attempt >= d.MaxAttempts {
		d.broker.deadLetter(d.Payload)
		return
	}
	d.broker.redeliver(d.Payload, d.Attempt+1)
}

// BrokerConfig configures a Broker. Zero values get defaults.
type BrokerConfig struct {
	// Capacity bounds the number of buffered payloads (default 1024).
	Capacity int

	// MaxAttempts is the delivery attempt ceiling per payload
	// (default 3).
	MaxAttempts int
}

type queued struct {
	payload []byte
	attempt int
}

// Broker is the in-process job queue.
type Broker struct {
	messages    chan queued
	maxAttempts int

	mu     sync.Mutex
	dead   [][]byte
	closed bool
	quit   chan struct{}
}

// NewBroker builds a broker.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Broker{
		messages:    make(chan queued, cfg.Capacity),
		maxAttempts: cfg.MaxAttempts,
		quit:        make(chan struct{}),
	}
}

// Publish enqueues a payload for delivery. Non-blocking: a full buffer
// returns ErrQueueFull rather than applying backpressure to HTTP
// handlers.
func (b *Broker) Publish(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)

	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case b.messages <- queued{payload: cp, attempt: 1}:
		return nil
	default:
		return ErrQueueFull
	}
}

// PublishJob marshals and enqueues a tile job.
func (b *Broker) PublishJob(ctx context.Context, job TileJob) error {
	payload, err := job.Marshal()
	if err != nil {
		return fmt.Errorf("encoding tile job: %w", err)
	}
	return b.Publish(ctx, payload)
}

// Receive blocks until a delivery is available, the broker closes, or ctx
// is cancelled.
func (b *Broker) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case m := <-b.messages:
		return &Delivery{
			Payload:     m.payload,
			Attempt:     m.attempt,
			MaxAttempts: b.maxAttempts,
			broker:      b,
		}, nil
	case <-b.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// redeliver puts a payload back with an incremented attempt counter. If
// the buffer is momentarily full the send is completed asynchronously so
// a nacking consumer never deadlocks against its own queue.
func (b *Broker) redeliver(payload []byte, attempt int) {
	m := queued{payload: payload, attempt: attempt}
	select {
	case b.messages <- m:
	default:
		go func() {
			select {
			case b.messages <- m:
			case <-b.quit:
			}
		}()
	}
}

func (b *Broker) deadLetter(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, payload)
}

// DeadLetters returns payloads that exhausted every delivery attempt.
func (b *Broker) DeadLetters() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.dead))
	copy(out, b.dead)
	return out
}

// Depth reports the number of buffered payloads.
func (b *Broker) Depth() int {
	return len(b.messages)
}

// Close shuts the broker down. Pending payloads are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.quit)
}
