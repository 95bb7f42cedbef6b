package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/collabcode/internal/config"
)

// LoadResult reports the outcome of a LoadSnapshot request. Found is false
// when the room has no snapshot or the load failed; Err carries failures
// other than ErrNotFound.
type LoadResult struct {
	Room     string
	Snapshot Snapshot
	Found    bool
	Err      error
}

type job struct {
	op   string
	room string
	run  func(ctx context.Context) error
}

// Dispatcher runs Gateway writes on a fixed pool of workers fed by a bounded
// queue, and runs snapshot loads in their own goroutines. None of its
// methods block the caller on the Gateway.
type Dispatcher struct {
	gateway Gateway
	timeout time.Duration
	workers int
	logger  *slog.Logger

	jobs   chan job
	loaded chan LoadResult
	quit   chan struct{}

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	loads   sync.WaitGroup

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher returns a Dispatcher for gateway sized from cfg. Call Start
// before relying on writes being executed.
func NewDispatcher(gateway Gateway, cfg config.PersistenceConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = config.DefaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = config.DefaultQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultPersistTimeout
	}

	return &Dispatcher{
		gateway: gateway,
		timeout: timeout,
		workers: workers,
		logger:  logger,
		jobs:    make(chan job, queueSize),
		loaded:  make(chan LoadResult, queueSize),
		quit:    make(chan struct{}),
	}
}

// Start launches the workers. ctx bounds every Gateway call they make.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	d.mu.Lock()
	d.cancel = cancel
	d.group = g
	d.mu.Unlock()

	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	d.logger.Info("persistence dispatcher started", "workers", d.workers, "queue_size", cap(d.jobs))
}

func (d *Dispatcher) work(ctx context.Context) {
	for j := range d.jobs {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := j.run(callCtx)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.logger.Error("persistence call failed", "op", j.op, "room", j.room, "error", err)
		}
	}
}

// Stop refuses new work, lets the workers drain the queue and waits for them
// and for outstanding loads. If ctx expires first, in-flight calls are
// cancelled and ctx's error is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.jobs)
	close(d.quit)
	cancel, group := d.cancel, d.group
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if group != nil {
			_ = group.Wait()
		}
		d.loads.Wait()
		close(done)
	}()

	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		d.logger.Info("persistence dispatcher stopped",
			"dropped", d.dropped.Load(),
			"failed", d.failed.Load())
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		return fmt.Errorf("drain persistence queue: %w", ctx.Err())
	}
}

func (d *Dispatcher) submit(j job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.dropped.Add(1)
		d.logger.Warn("persistence job after stop dropped", "op", j.op, "room", j.room)
		return false
	}
	select {
	case d.jobs <- j:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("persistence queue full, job dropped", "op", j.op, "room", j.room)
		return false
	}
}

// SaveSnapshot queues a snapshot write.
func (d *Dispatcher) SaveSnapshot(snap Snapshot) bool {
	return d.submit(job{op: "save_snapshot", room: snap.Room, run: func(ctx context.Context) error {
		return d.gateway.SaveSnapshot(ctx, snap)
	}})
}

// UpsertParticipant queues a roster upsert.
func (d *Dispatcher) UpsertParticipant(room, userID, userName string) bool {
	return d.submit(job{op: "upsert_participant", room: room, run: func(ctx context.Context) error {
		return d.gateway.UpsertParticipant(ctx, room, userID, userName)
	}})
}

// RemoveParticipant queues a roster removal.
func (d *Dispatcher) RemoveParticipant(room, userID string) bool {
	return d.submit(job{op: "remove_participant", room: room, run: func(ctx context.Context) error {
		return d.gateway.RemoveParticipant(ctx, room, userID)
	}})
}

// LoadSnapshot fetches the latest snapshot of room in the background and
// publishes the outcome on Loaded. After Stop it publishes nothing.
func (d *Dispatcher) LoadSnapshot(room string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return
	}

	d.loads.Add(1)
	go func() {
		defer d.loads.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		snap, err := d.gateway.LoadLatestSnapshot(ctx, room)
		cancel()

		res := LoadResult{Room: room}
		switch {
		case err == nil:
			res.Snapshot, res.Found = snap, true
		case errors.Is(err, ErrNotFound):
		default:
			res.Err = err
		}

		select {
		case d.loaded <- res:
		case <-d.quit:
		}
	}()
}

// Loaded delivers LoadSnapshot outcomes.
func (d *Dispatcher) Loaded() <-chan LoadResult {
	return d.loaded
}

// Dropped returns the number of writes discarded because the queue was full
// or the dispatcher had stopped.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Failed returns the number of Gateway writes that returned an error.
func (d *Dispatcher) Failed() int64 {
	return d.failed.Load()
}
