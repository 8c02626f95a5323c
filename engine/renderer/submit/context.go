package submit

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/vkupload/engine/containers"
	"github.com/spaghettifunk/vkupload/engine/core"
)

// WorkerID identifies the goroutine (locked to an OS thread) that records into a
// BatchPool. Every worker must use its own id.
type WorkerID int

// BatchPool is one worker's command pool and its idle batches. Only the owning
// worker touches the idle stack; batches completed elsewhere are parked in the
// return buffer until the owner picks them up.
type BatchPool struct {
	worker      WorkerID
	commandPool CommandPool
	idle        *containers.Stack[*UploadBatch]
	allocated   int

	returnMutex sync.Mutex
	returned    []*UploadBatch
}

func (p *BatchPool) Worker() WorkerID {
	return p.worker
}

// IdleCount is the number of batches ready to be handed out, not counting batches
// still waiting in the return buffer.
func (p *BatchPool) IdleCount() int {
	return p.idle.Len()
}

// Allocated is the number of command buffers this pool has allocated.
func (p *BatchPool) Allocated() int {
	return p.allocated
}

// ContainsIdle reports whether b sits on this pool's idle stack.
func (p *BatchPool) ContainsIdle(b *UploadBatch) bool {
	found := false
	p.idle.Each(func(v *UploadBatch) {
		if v == b {
			found = true
		}
	})
	return found
}

func (p *BatchPool) push(b *UploadBatch) error {
	if b.pool != p {
		return fmt.Errorf("%w: batch %s belongs to worker %d, not %d", ErrWrongPool, b.id, b.pool.worker, p.worker)
	}
	p.idle.Push(b)
	return nil
}

func (p *BatchPool) deferReturn(b *UploadBatch) {
	p.returnMutex.Lock()
	p.returned = append(p.returned, b)
	p.returnMutex.Unlock()
}

// Reconcile moves batches returned from other goroutines onto the idle stack.
// Only the owning worker may call it.
func (p *BatchPool) Reconcile() {
	p.returnMutex.Lock()
	returned := p.returned
	p.returned = nil
	p.returnMutex.Unlock()

	for _, b := range returned {
		if err := p.push(b); err != nil {
			core.LogError(err.Error())
		}
	}
}

// Stats is a snapshot of the context's counters.
type Stats struct {
	Flushes          uint64
	SubmittedBatches uint64
	CheckedOut       int64
	InFlight         int
	StagingSize      uint64
	StagingResizes   uint64
	AverageFlushMS   float64
}

// SubmitContext aggregates upload batches recorded on any number of workers into
// single queue submissions and recycles them once the GPU is done.
type SubmitContext struct {
	device       Device
	staging      *StagingManager
	prewarm      int
	fenceTimeout time.Duration

	poolsMutex sync.RWMutex
	pools      map[WorkerID]*BatchPool

	// Everything queued for the next flush.
	pendingMutex sync.Mutex
	pending      []*UploadBatch
	signals      []Semaphore
	signalIndex  map[uint64]struct{}
	waits        []SemaphoreWait
	waitIndex    map[uint64]int
	dependencies []io.Closer

	// flushMutex serializes aggregation and guards the scratch lists.
	flushMutex     sync.Mutex
	scratchBuffers []CommandBuffer
	scratchWaits   []SemaphoreWait
	scratchSignals []Semaphore

	// syncMutex guards the fence reused by every synchronous Flush.
	syncMutex sync.Mutex
	fence     Fence

	inFlightMutex sync.Mutex
	inFlight      map[*FlushOperation]struct{}

	checkedOut atomic.Int64
	flushes    atomic.Uint64
	submitted  atomic.Uint64
	metrics    *core.Metrics
	closed     atomic.Bool
}

func NewSubmitContext(device Device, cfg core.SubmitConfig) (*SubmitContext, error) {
	staging, err := NewStagingManager(device, cfg.StagingInitialSize)
	if err != nil {
		return nil, err
	}
	fence, err := device.CreateFence(false)
	if err != nil {
		staging.Close()
		return nil, fmt.Errorf("failed to create submit fence: %w", err)
	}

	return &SubmitContext{
		device:       device,
		staging:      staging,
		prewarm:      cfg.PrewarmBatches,
		fenceTimeout: cfg.FenceTimeout.Duration,
		pools:        make(map[WorkerID]*BatchPool),
		signalIndex:  make(map[uint64]struct{}),
		waitIndex:    make(map[uint64]int),
		fence:        fence,
		inFlight:     make(map[*FlushOperation]struct{}),
		metrics:      core.NewMetrics(),
	}, nil
}

func (sc *SubmitContext) Staging() *StagingManager {
	return sc.staging
}

// Pool returns the worker's pool, creating it and its pre-warmed batches on first
// use.
func (sc *SubmitContext) Pool(worker WorkerID) (*BatchPool, error) {
	sc.poolsMutex.RLock()
	pool, ok := sc.pools[worker]
	sc.poolsMutex.RUnlock()
	if ok {
		return pool, nil
	}

	sc.poolsMutex.Lock()
	defer sc.poolsMutex.Unlock()
	if pool, ok := sc.pools[worker]; ok {
		return pool, nil
	}

	commandPool, err := sc.device.CreateCommandPool()
	if err != nil {
		return nil, fmt.Errorf("failed to create command pool for worker %d: %w", worker, err)
	}
	pool = &BatchPool{
		worker:      worker,
		commandPool: commandPool,
		idle:        containers.NewStack[*UploadBatch](sc.prewarm),
	}
	for i := 0; i < sc.prewarm; i++ {
		b, err := sc.allocateBatch(pool)
		if err != nil {
			commandPool.Close()
			return nil, err
		}
		pool.idle.Push(b)
	}
	sc.pools[worker] = pool

	core.LogDebug("created command pool for worker %d with %d batches", worker, sc.prewarm)
	return pool, nil
}

func (sc *SubmitContext) allocateBatch(pool *BatchPool) (*UploadBatch, error) {
	cb, err := pool.commandPool.Allocate()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate command buffer for worker %d: %w", pool.worker, err)
	}
	pool.allocated++
	return newUploadBatch(sc, pool, cb), nil
}

// CreateBatch hands out a batch in the recording state from the worker's pool.
func (sc *SubmitContext) CreateBatch(worker WorkerID) (*UploadBatch, error) {
	if sc.closed.Load() {
		return nil, ErrContextClosed
	}
	pool, err := sc.Pool(worker)
	if err != nil {
		return nil, err
	}
	pool.Reconcile()

	b, ok := pool.idle.Pop()
	if !ok {
		if b, err = sc.allocateBatch(pool); err != nil {
			return nil, err
		}
	}
	if err := b.ResetForPool(); err != nil {
		// Keep the batch; a failed reset is a device error and the caller aborts.
		pool.idle.Push(b)
		return nil, err
	}
	b.MarkInUse()
	sc.checkedOut.Add(1)
	return b, nil
}

func (sc *SubmitContext) addSubmission(b *UploadBatch) error {
	if sc.closed.Load() {
		return ErrContextClosed
	}
	sc.pendingMutex.Lock()
	defer sc.pendingMutex.Unlock()

	sc.pending = append(sc.pending, b)
	for _, s := range b.signals {
		sc.addSignalLocked(s)
	}
	for _, w := range b.waits {
		sc.addWaitLocked(w.Semaphore, w.Stage)
	}
	return nil
}

func (sc *SubmitContext) addSignalLocked(s Semaphore) {
	if _, ok := sc.signalIndex[s.ID()]; ok {
		return
	}
	sc.signalIndex[s.ID()] = struct{}{}
	sc.signals = append(sc.signals, s)
}

func (sc *SubmitContext) addWaitLocked(s Semaphore, stage PipelineStage) {
	if i, ok := sc.waitIndex[s.ID()]; ok {
		sc.waits[i].Stage |= stage
		return
	}
	sc.waitIndex[s.ID()] = len(sc.waits)
	sc.waits = append(sc.waits, SemaphoreWait{Semaphore: s, Stage: stage})
}

// AddDependency ties r to the next flush as a whole.
func (sc *SubmitContext) AddDependency(r io.Closer) {
	sc.pendingMutex.Lock()
	defer sc.pendingMutex.Unlock()
	sc.dependencies = append(sc.dependencies, r)
}

// AddWaitSemaphore makes the next flush wait on s before stage runs.
func (sc *SubmitContext) AddWaitSemaphore(s Semaphore, stage PipelineStage) {
	sc.pendingMutex.Lock()
	defer sc.pendingMutex.Unlock()
	sc.addWaitLocked(s, stage)
}

// AddSignalSemaphore makes the next flush signal s.
func (sc *SubmitContext) AddSignalSemaphore(s Semaphore) {
	sc.pendingMutex.Lock()
	defer sc.pendingMutex.Unlock()
	sc.addSignalLocked(s)
}

// returnBatchToPool hands a completed batch back to the pool that allocated it.
// from is the pool of the goroutine doing the return, or nil if that goroutine
// owns no pool.
func (sc *SubmitContext) returnBatchToPool(b *UploadBatch, from *BatchPool) {
	b.release()
	sc.checkedOut.Add(-1)

	if from != nil && from == b.pool {
		if err := from.push(b); err != nil {
			core.LogError(err.Error())
		}
		return
	}
	b.pool.deferReturn(b)
}

// Flush submits everything pending and blocks until the GPU has finished it. The
// completed batches and dependencies are recycled before Flush returns.
func (sc *SubmitContext) Flush(worker WorkerID) error {
	if sc.closed.Load() {
		return ErrContextClosed
	}
	pool, err := sc.Pool(worker)
	if err != nil {
		return err
	}
	pool.Reconcile()

	sc.syncMutex.Lock()
	defer sc.syncMutex.Unlock()

	start := time.Now()
	op, err := sc.submit(sc.fence, false, pool, true)
	if err != nil {
		return err
	}
	if err := sc.awaitFlush(op); err != nil {
		return err
	}
	elapsed := time.Since(start)
	sc.metrics.Update(elapsed)

	sc.staging.resetIfIdle(func() bool {
		return sc.checkedOut.Load() == 0
	})
	core.EventFire(core.EVENT_CODE_FLUSH_COMPLETED, sc, core.EventContext{Data: elapsed})
	return nil
}

// awaitFlush waits for op, logging and retrying every time the fence timeout
// elapses. It only fails when the fence wait itself fails.
func (sc *SubmitContext) awaitFlush(op *FlushOperation) error {
	for {
		err := op.Wait()
		if err == nil || !errors.Is(err, ErrFenceTimeout) {
			return err
		}
		core.LogWarn("flush %s still pending after %s", op.id, sc.fenceTimeout)
	}
}

// FlushAsync submits everything pending without waiting. If fence is nil a new
// fence is created for the operation and destroyed when it completes; a caller
// supplied fence must be unsignaled and stays owned by the caller.
func (sc *SubmitContext) FlushAsync(worker WorkerID, fence Fence) (*FlushOperation, error) {
	if sc.closed.Load() {
		return nil, ErrContextClosed
	}
	pool, err := sc.Pool(worker)
	if err != nil {
		return nil, err
	}
	pool.Reconcile()

	return sc.submit(fence, fence == nil, nil, false)
}

// submit snapshots the pending work and issues one queue submission for it. When
// ownFence is set and there is work, a fresh fence is created.
func (sc *SubmitContext) submit(fence Fence, ownFence bool, completer *BatchPool, resetFence bool) (*FlushOperation, error) {
	sc.flushMutex.Lock()
	defer sc.flushMutex.Unlock()

	sc.pendingMutex.Lock()
	batches := sc.pending
	sc.pending = make([]*UploadBatch, 0, len(batches))
	sc.scratchWaits = append(sc.scratchWaits[:0], sc.waits...)
	sc.scratchSignals = append(sc.scratchSignals[:0], sc.signals...)
	hasWork := len(batches) > 0 || len(sc.waits) > 0 || len(sc.signals) > 0
	var dependencies []io.Closer
	if hasWork {
		dependencies = sc.dependencies
		sc.dependencies = nil
	}
	clear(sc.waits)
	sc.waits = sc.waits[:0]
	clear(sc.waitIndex)
	clear(sc.signals)
	sc.signals = sc.signals[:0]
	clear(sc.signalIndex)
	sc.pendingMutex.Unlock()

	if !hasWork {
		return newCompletedFlushOperation(sc), nil
	}

	if ownFence {
		var err error
		if fence, err = sc.device.CreateFence(false); err != nil {
			return nil, fmt.Errorf("failed to create flush fence: %w", err)
		}
	} else if resetFence {
		if err := fence.Reset(); err != nil {
			return nil, fmt.Errorf("failed to reset submit fence: %w", err)
		}
	}

	sc.scratchBuffers = sc.scratchBuffers[:0]
	for _, b := range batches {
		sc.scratchBuffers = append(sc.scratchBuffers, b.commandBuffer)
		dependencies = b.takeDependencies(dependencies)
	}

	err := sc.device.Submit(sc.scratchBuffers, sc.scratchWaits, sc.scratchSignals, fence)
	clear(sc.scratchBuffers)
	clear(sc.scratchWaits)
	clear(sc.scratchSignals)
	if err != nil {
		if ownFence {
			fence.Close()
		}
		return nil, fmt.Errorf("failed to submit %d batches: %w", len(batches), err)
	}

	sc.flushes.Add(1)
	sc.submitted.Add(uint64(len(batches)))

	op := newFlushOperation(sc, fence, ownFence, batches, dependencies, completer)
	sc.trackInFlight(op)

	core.LogDebug("flush %s submitted %d batches with %d dependencies", op.id, len(batches), len(dependencies))
	return op, nil
}

func (sc *SubmitContext) trackInFlight(op *FlushOperation) {
	sc.inFlightMutex.Lock()
	sc.inFlight[op] = struct{}{}
	sc.inFlightMutex.Unlock()
}

func (sc *SubmitContext) untrackInFlight(op *FlushOperation) {
	sc.inFlightMutex.Lock()
	delete(sc.inFlight, op)
	sc.inFlightMutex.Unlock()
}

func (sc *SubmitContext) Stats() Stats {
	sc.inFlightMutex.Lock()
	inFlight := len(sc.inFlight)
	sc.inFlightMutex.Unlock()

	return Stats{
		Flushes:          sc.flushes.Load(),
		SubmittedBatches: sc.submitted.Load(),
		CheckedOut:       sc.checkedOut.Load(),
		InFlight:         inFlight,
		StagingSize:      sc.staging.Size(),
		StagingResizes:   sc.staging.Resizes(),
		AverageFlushMS:   sc.metrics.AverageMS(),
	}
}

// Close waits for every in-flight flush and destroys the pools, the submit fence
// and the staging buffer. Workers must have stopped recording before Close is
// called. If waiting on a flush fails the GPU may still be using those objects,
// so they are left alive and the error is returned.
func (sc *SubmitContext) Close() error {
	if !sc.closed.CompareAndSwap(false, true) {
		return ErrContextClosed
	}

	sc.inFlightMutex.Lock()
	ops := make([]*FlushOperation, 0, len(sc.inFlight))
	for op := range sc.inFlight {
		ops = append(ops, op)
	}
	sc.inFlightMutex.Unlock()

	var errs, waitErrs []error
	for _, op := range ops {
		err := sc.awaitFlush(op)
		switch {
		case err == nil:
		case op.abandoned:
			waitErrs = append(waitErrs, err)
		default:
			// Signaled, only its cleanup failed.
			errs = append(errs, err)
		}
	}
	if len(waitErrs) > 0 {
		err := fmt.Errorf("submit context not released: %w", errors.Join(waitErrs...))
		core.LogError(err.Error())
		return errors.Join(append(errs, err)...)
	}

	sc.pendingMutex.Lock()
	if n := len(sc.pending); n > 0 {
		core.LogWarn("closing submit context with %d batches never flushed", n)
	}
	for _, b := range sc.pending {
		for _, d := range b.takeDependencies(nil) {
			if err := d.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	sc.pending = nil
	for _, d := range sc.dependencies {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	sc.dependencies = nil
	sc.pendingMutex.Unlock()

	if n := sc.checkedOut.Load(); n > 0 {
		core.LogWarn("leak: %d batches still checked out at close", n)
	}

	sc.poolsMutex.Lock()
	for worker, pool := range sc.pools {
		if err := pool.commandPool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy command pool of worker %d: %w", worker, err))
		}
	}
	sc.pools = nil
	sc.poolsMutex.Unlock()

	if err := sc.fence.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := sc.staging.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
