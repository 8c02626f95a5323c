package submit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spaghettifunk/vkupload/engine/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolIsPrewarmedOnFirstUse(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, MiB)

	b, err := sc.CreateBatch(1)
	require.NoError(t, err)

	pool, err := sc.Pool(1)
	require.NoError(t, err)
	assert.Equal(t, 16, pool.Allocated())
	assert.Equal(t, 15, pool.IdleCount())
	assert.Len(t, dev.pools, 1)

	// A second worker gets its own native pool.
	_, err = sc.CreateBatch(2)
	require.NoError(t, err)
	assert.Len(t, dev.pools, 2)

	require.NoError(t, b.Submit())
}

func TestCreateBatchGrowsPoolWhenIdleStackIsEmpty(t *testing.T) {
	sc := newTestContext(t, newMockDevice(), MiB)

	for i := 0; i < 20; i++ {
		_, err := sc.CreateBatch(0)
		require.NoError(t, err)
	}
	pool, err := sc.Pool(0)
	require.NoError(t, err)
	assert.Equal(t, 20, pool.Allocated())
	assert.Equal(t, 0, pool.IdleCount())
	assert.Equal(t, int64(20), sc.Stats().CheckedOut)
}

func TestFlushAggregatesBatchesFromSeveralWorkers(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, MiB)
	dst := &mockBuffer{data: make([]byte, 4096)}
	shared := &mockSemaphore{id: 100}

	var wg sync.WaitGroup
	buffers := make([]CommandBuffer, 3)
	for w := 1; w <= 3; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			b, err := sc.CreateBatch(WorkerID(w))
			if !assert.NoError(t, err) {
				return
			}
			buffers[w-1] = b.CommandBuffer()
			assert.NoError(t, StageToBuffer(b, make([]byte, 256), dst, uint64(w*256), 256))
			assert.NoError(t, b.AddSignalSemaphore(&mockSemaphore{id: uint64(w)}))
			assert.NoError(t, b.AddWaitSemaphore(shared, PipelineStageTransfer))
			assert.NoError(t, b.Submit())
		}(w)
	}
	wg.Wait()

	require.NoError(t, sc.Flush(0))

	subs := dev.Submissions()
	require.Len(t, subs, 1)
	assert.ElementsMatch(t, buffers, subs[0].commandBuffers)

	var signalIDs []uint64
	for _, s := range subs[0].signals {
		signalIDs = append(signalIDs, s.ID())
	}
	assert.ElementsMatch(t, []uint64{1, 2, 3}, signalIDs)
	require.Len(t, subs[0].waits, 1)
	assert.Equal(t, uint64(100), subs[0].waits[0].Semaphore.ID())
	assert.Equal(t, PipelineStageTransfer, subs[0].waits[0].Stage)

	stats := sc.Stats()
	assert.Equal(t, uint64(1), stats.Flushes)
	assert.Equal(t, uint64(3), stats.SubmittedBatches)
}

func TestBatchesReturnToTheirOwnPools(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, MiB)
	dst := &mockBuffer{data: make([]byte, 4096)}

	batches := make(map[WorkerID]*UploadBatch)
	var mutex sync.Mutex
	var wg sync.WaitGroup
	for _, w := range []WorkerID{1, 2} {
		wg.Add(1)
		go func(w WorkerID) {
			defer wg.Done()
			b, err := sc.CreateBatch(w)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, b.AddDependency(&closer{}))
			assert.NoError(t, StageToBuffer(b, []byte{1, 2, 3, 4}, dst, 0, 4))
			assert.NoError(t, b.Submit())
			mutex.Lock()
			batches[w] = b
			mutex.Unlock()
		}(w)
	}
	wg.Wait()
	require.Len(t, batches, 2)

	require.NoError(t, sc.Flush(0))

	for w, b := range batches {
		assert.Equal(t, BatchStatePoolReset, b.State())
		assert.Empty(t, b.Dependencies())

		// Completed on worker 0, so the batch waits in its owner's return buffer.
		pool, err := sc.Pool(w)
		require.NoError(t, err)
		assert.False(t, pool.ContainsIdle(b))
	}

	for w, b := range batches {
		wg.Add(1)
		go func(w WorkerID, b *UploadBatch) {
			defer wg.Done()
			pool, err := sc.Pool(w)
			if !assert.NoError(t, err) {
				return
			}
			pool.Reconcile()
			assert.True(t, pool.ContainsIdle(b))
			assert.Equal(t, 16, pool.IdleCount())
		}(w, b)
	}
	wg.Wait()

	flusher, err := sc.Pool(0)
	require.NoError(t, err)
	for _, b := range batches {
		assert.False(t, flusher.ContainsIdle(b))
	}
}

func TestFlushReturnsOwnBatchesDirectly(t *testing.T) {
	sc := newTestContext(t, newMockDevice(), MiB)

	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, b.Submit())
	require.NoError(t, sc.Flush(0))

	pool, err := sc.Pool(0)
	require.NoError(t, err)
	assert.True(t, pool.ContainsIdle(b))
	assert.Equal(t, int64(0), sc.Stats().CheckedOut)
}

func TestDependenciesAreDisposedAfterFenceSignals(t *testing.T) {
	dev := newMockDevice()
	dev.autoSignal = false
	sc := newTestContext(t, dev, MiB)

	fence := newMockFence(false)
	batchDep := &closer{fence: fence}
	contextDep := &closer{fence: fence}

	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, b.AddDependency(batchDep))
	require.NoError(t, b.Submit())
	sc.AddDependency(contextDep)

	op, err := sc.FlushAsync(0, fence)
	require.NoError(t, err)

	waited := make(chan error, 1)
	go func() { waited <- op.Wait() }()

	select {
	case <-waited:
		t.Fatal("wait returned before the fence signaled")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, batchDep.closes.Load())
	assert.Zero(t, contextDep.closes.Load())

	fence.Signal()
	require.NoError(t, <-waited)

	for _, c := range []*closer{batchDep, contextDep} {
		assert.Equal(t, int32(1), c.closes.Load())
		assert.False(t, c.closedUnsignaled.Load())
	}
}

func TestCompletionRunsOnce(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, MiB)

	dep := &closer{}
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, b.AddDependency(dep))
	require.NoError(t, b.Submit())

	op, err := sc.FlushAsync(0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, op.BatchCount())

	require.NoError(t, op.Wait())
	require.NoError(t, op.Wait())
	require.NoError(t, op.WaitAsync(context.Background()))
	<-op.Done()

	assert.Equal(t, int32(1), dep.closes.Load())
	assert.Equal(t, int64(0), sc.Stats().CheckedOut)
	assert.Equal(t, 0, sc.Stats().InFlight)

	// The operation created its own fence and destroyed it on completion.
	owned := dev.fences[len(dev.fences)-1]
	assert.True(t, owned.Closed())
}

func TestConcurrentWaitsCompleteOnce(t *testing.T) {
	dev := newMockDevice()
	dev.autoSignal = false
	sc := newTestContext(t, dev, MiB)

	dep := &closer{}
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, b.AddDependency(dep))
	require.NoError(t, b.Submit())

	fence := newMockFence(false)
	op, err := sc.FlushAsync(0, fence)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, op.Wait())
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, op.WaitAsync(context.Background()))
		}()
	}
	fence.Signal()
	wg.Wait()

	assert.Equal(t, int32(1), dep.closes.Load())
	assert.False(t, fence.Closed(), "caller supplied fences stay with the caller")
}

func TestWaitAsyncCancellationOnlyAbandonsTheWait(t *testing.T) {
	dev := newMockDevice()
	dev.autoSignal = false
	sc := newTestContext(t, dev, MiB)

	dep := &closer{}
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, b.AddDependency(dep))
	require.NoError(t, b.Submit())

	fence := newMockFence(false)
	op, err := sc.FlushAsync(0, fence)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, op.WaitAsync(ctx), context.DeadlineExceeded)
	assert.False(t, op.Completed())
	assert.Zero(t, dep.closes.Load())

	fence.Signal()
	select {
	case <-op.Done():
	case <-time.After(time.Second):
		t.Fatal("operation never completed after the fence signaled")
	}
	assert.NoError(t, op.Err())
	assert.Equal(t, int32(1), dep.closes.Load())

	// Completed off the owner's goroutine, so the batch is parked for worker 0.
	pool, err := sc.Pool(0)
	require.NoError(t, err)
	pool.Reconcile()
	assert.True(t, pool.ContainsIdle(b))
}

func TestFlushAsyncWithoutWorkIsAlreadyComplete(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, MiB)

	dep := &closer{}
	sc.AddDependency(dep)

	op, err := sc.FlushAsync(0, nil)
	require.NoError(t, err)
	assert.True(t, op.Completed())
	require.NoError(t, op.Wait())
	assert.Empty(t, dev.Submissions())
	assert.Zero(t, dep.closes.Load(), "context dependencies wait for a flush that submits")

	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, b.Submit())
	require.NoError(t, sc.Flush(0))
	assert.Equal(t, int32(1), dep.closes.Load())
}

func TestSyncFlushReusesItsFence(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, MiB)

	for i := 0; i < 3; i++ {
		b, err := sc.CreateBatch(0)
		require.NoError(t, err)
		require.NoError(t, b.Submit())
		require.NoError(t, sc.Flush(0))
	}

	subs := dev.Submissions()
	require.Len(t, subs, 3)
	assert.Same(t, subs[0].fence, subs[1].fence)
	assert.Same(t, subs[1].fence, subs[2].fence)
	assert.Equal(t, 3, subs[0].fence.(*mockFence).resets)
	assert.Len(t, dev.fences, 1)
}

func TestContextSemaphoresJoinTheNextFlush(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, MiB)

	acquire := &mockSemaphore{id: 1}
	done := &mockSemaphore{id: 2}
	sc.AddWaitSemaphore(acquire, PipelineStageColorAttachmentOutput)
	sc.AddSignalSemaphore(done)

	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, b.AddWaitSemaphore(acquire, PipelineStageTransfer))
	require.NoError(t, b.AddSignalSemaphore(done))
	require.NoError(t, b.Submit())
	require.NoError(t, sc.Flush(0))

	subs := dev.Submissions()
	require.Len(t, subs, 1)
	require.Len(t, subs[0].waits, 1)
	assert.Equal(t, PipelineStageColorAttachmentOutput|PipelineStageTransfer, subs[0].waits[0].Stage)
	require.Len(t, subs[0].signals, 1)

	// Semaphores do not leak into the following flush.
	b, err = sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, b.Submit())
	require.NoError(t, sc.Flush(0))
	subs = dev.Submissions()
	require.Len(t, subs, 2)
	assert.Empty(t, subs[1].waits)
	assert.Empty(t, subs[1].signals)
}

func TestBatchesSubmittedAfterSnapshotGoToNextFlush(t *testing.T) {
	dev := newMockDevice()
	dev.autoSignal = false
	sc := newTestContext(t, dev, MiB)

	first, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, first.Submit())

	fence := newMockFence(false)
	op, err := sc.FlushAsync(0, fence)
	require.NoError(t, err)

	second, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, second.Submit())

	fence.Signal()
	require.NoError(t, op.Wait())

	dev.autoSignal = true
	require.NoError(t, sc.Flush(0))

	subs := dev.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, []CommandBuffer{first.CommandBuffer()}, subs[0].commandBuffers)
	assert.Equal(t, []CommandBuffer{second.CommandBuffer()}, subs[1].commandBuffers)
}

func TestCloseWaitsForInFlightWork(t *testing.T) {
	dev := newMockDevice()
	dev.autoSignal = false
	sc := newTestContext(t, dev, MiB)

	dep := &closer{}
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, StageToBuffer(b, make([]byte, 64), &mockBuffer{data: make([]byte, 64)}, 0, 64))
	require.NoError(t, b.AddDependency(dep))
	require.NoError(t, b.Submit())

	fence := newMockFence(false)
	_, err = sc.FlushAsync(0, fence)
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- sc.Close() }()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, dep.closes.Load())

	fence.Signal()
	require.NoError(t, <-closed)
	assert.Equal(t, int32(1), dep.closes.Load())
	assert.Equal(t, int32(1), dev.buffers[0].closes.Load(), "staging buffer released")
	for _, p := range dev.pools {
		assert.True(t, p.closed.Load())
	}

	_, err = sc.CreateBatch(0)
	assert.ErrorIs(t, err, ErrContextClosed)
	assert.ErrorIs(t, sc.Flush(0), ErrContextClosed)
	assert.ErrorIs(t, sc.Close(), ErrContextClosed)
}

func newShortTimeoutContext(t *testing.T, dev *mockDevice) *SubmitContext {
	t.Helper()
	sc, err := NewSubmitContext(dev, core.SubmitConfig{
		PrewarmBatches:     2,
		StagingInitialSize: MiB,
		FenceTimeout:       core.Duration{Duration: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	return sc
}

func TestCloseKeepsWaitingPastFenceTimeout(t *testing.T) {
	dev := newMockDevice()
	dev.autoSignal = false
	sc := newShortTimeoutContext(t, dev)
	syncFence := dev.fences[0]

	dep := &closer{}
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, b.AddDependency(dep))
	require.NoError(t, b.Submit())

	fence := newMockFence(false)
	op, err := sc.FlushAsync(0, fence)
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- sc.Close() }()

	// Several fence timeouts elapse without Close giving up.
	select {
	case err := <-closed:
		t.Fatalf("Close returned before the fence signaled: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, op.Completed())
	assert.Zero(t, dep.closes.Load())
	assert.False(t, syncFence.Closed())
	assert.Zero(t, dev.buffers[0].closes.Load())
	for _, p := range dev.pools {
		assert.False(t, p.closed.Load())
	}

	fence.Signal()
	require.NoError(t, <-closed)
	assert.Equal(t, int32(1), dep.closes.Load())
	assert.True(t, syncFence.Closed())
	for _, p := range dev.pools {
		assert.True(t, p.closed.Load())
	}
}

func TestCloseLeavesResourcesAliveWhenFenceWaitFails(t *testing.T) {
	dev := newMockDevice()
	dev.autoSignal = false
	sc := newShortTimeoutContext(t, dev)
	syncFence := dev.fences[0]

	dep := &closer{}
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, b.AddDependency(dep))
	require.NoError(t, b.Submit())

	errDeviceLost := errors.New("device lost")
	fence := newMockFence(false)
	fence.waitErr = errDeviceLost
	_, err = sc.FlushAsync(0, fence)
	require.NoError(t, err)

	assert.ErrorIs(t, sc.Close(), errDeviceLost)
	assert.Zero(t, dep.closes.Load())
	assert.False(t, syncFence.Closed())
	assert.Zero(t, dev.buffers[0].closes.Load())
	for _, p := range dev.pools {
		assert.False(t, p.closed.Load())
	}
}

func TestWaitRacingAnotherCompletionReturnsItsResult(t *testing.T) {
	dev := newMockDevice()
	dev.autoSignal = false
	sc := newTestContext(t, dev, MiB)

	dep := &closer{}
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, b.AddDependency(dep))
	require.NoError(t, b.Submit())

	op, err := sc.FlushAsync(0, nil)
	require.NoError(t, err)
	owned := dev.fences[len(dev.fences)-1]

	// A second waiter completes the operation, destroying the owned fence,
	// while the first one is about to wait on it.
	owned.beforeWait = func() {
		owned.Signal()
		assert.NoError(t, op.Wait())
	}
	assert.NoError(t, op.Wait())
	assert.True(t, owned.Closed())
	assert.Equal(t, int32(1), dep.closes.Load())
	assert.NoError(t, op.Err())
}
