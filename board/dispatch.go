package board

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DispatchConfig tunes the worker pool that carries remote mutations.
type DispatchConfig struct {
	Workers        int
	Buffer         int
	CallTimeout    time.Duration
	HandoffTimeout time.Duration
}

// DefaultDispatchConfig returns the pool settings used when none are given.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Workers:        4,
		Buffer:         256,
		CallTimeout:    30 * time.Second,
		HandoffTimeout: 15 * time.Millisecond,
	}
}

type remoteJob struct {
	failure Failure
	call    func(ctx context.Context) error
}

type dispatcher struct {
	cfg    DispatchConfig
	logger *log.Logger
	onFail func(ctx context.Context, f Failure)

	mu       sync.RWMutex
	jobs     chan remoteJob
	closed   bool
	workerWG sync.WaitGroup

	// inflight counts submitted jobs that have not finished. It is a counter
	// under a condition variable rather than a WaitGroup so that wait may
	// overlap submit.
	inflightMu sync.Mutex
	idle       *sync.Cond
	inflight   int
}

func newDispatcher(cfg DispatchConfig, logger *log.Logger, onFail func(ctx context.Context, f Failure)) *dispatcher {
	def := DefaultDispatchConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	d := &dispatcher{
		cfg:    cfg,
		logger: logger,
		onFail: onFail,
		jobs:   make(chan remoteJob, cfg.Buffer),
	}
	d.idle = sync.NewCond(&d.inflightMu)
	for i := 0; i < cfg.Workers; i++ {
		d.workerWG.Add(1)
		go d.worker(i)
	}
	logger.Debugf("remote dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.CallTimeout, cfg.HandoffTimeout)
	return d
}

func (d *dispatcher) worker(id int) {
	defer d.workerWG.Done()
	for j := range d.jobs {
		d.run(j, id)
	}
}

func (d *dispatcher) run(j remoteJob, worker int) {
	defer d.finish()
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CallTimeout)
	defer cancel()
	if err := j.call(ctx); err != nil {
		j.failure.Err = err
		j.failure.At = time.Now().UTC()
		d.logger.WithError(err).WithFields(log.Fields{
			"op":     j.failure.Op,
			"task":   j.failure.TaskID,
			"worker": worker,
		}).Warn("remote task mutation failed; local state kept")
		if d.onFail != nil {
			d.onFail(ctx, j.failure)
		}
	}
}

// submit hands the job to a worker, waiting at most HandoffTimeout for buffer
// space. A saturated or closed pool runs the call inline.
func (d *dispatcher) submit(j remoteJob) {
	d.inflightMu.Lock()
	d.inflight++
	d.inflightMu.Unlock()

	d.mu.RLock()
	if !d.closed && d.trySend(j) {
		d.mu.RUnlock()
		return
	}
	closed := d.closed
	d.mu.RUnlock()

	if !closed {
		d.logger.Warn("dispatch buffer saturated; running remote call inline")
	}
	d.run(j, -1)
}

// trySend must be called with d.mu read-locked.
func (d *dispatcher) trySend(j remoteJob) bool {
	select {
	case d.jobs <- j:
		return true
	default:
	}
	if d.cfg.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case d.jobs <- j:
		return true
	case <-timer.C:
		return false
	}
}

func (d *dispatcher) finish() {
	d.inflightMu.Lock()
	d.inflight--
	if d.inflight == 0 {
		d.idle.Broadcast()
	}
	d.inflightMu.Unlock()
}

// wait blocks until no submitted job is in flight. Jobs submitted while it
// waits are waited for as well.
func (d *dispatcher) wait() {
	d.inflightMu.Lock()
	for d.inflight > 0 {
		d.idle.Wait()
	}
	d.inflightMu.Unlock()
}

// close drains queued jobs and stops the workers.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.workerWG.Wait()
}
