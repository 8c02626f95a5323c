package submit

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/spaghettifunk/vkupload/engine/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const MiB = 1 << 20

func newTestContext(t *testing.T, dev *mockDevice, stagingSize uint64) *SubmitContext {
	t.Helper()
	sc, err := NewSubmitContext(dev, core.SubmitConfig{
		PrewarmBatches:     16,
		StagingInitialSize: stagingSize,
	})
	require.NoError(t, err)
	return sc
}

func retiredBuffers(b *UploadBatch) []Buffer {
	var out []Buffer
	for _, d := range b.Dependencies() {
		if ref, ok := d.(*stagingRef); ok {
			out = append(out, ref.Buffer())
		}
	}
	return out
}

func TestStagingScenarioGrowsAndRetiresOriginalBuffer(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, MiB)
	original := dev.buffers[0]

	b, err := sc.CreateBatch(0)
	require.NoError(t, err)

	staged, ok, err := TryStage(sc.Staging(), b, make([]byte, 1024))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0), staged.Offset)
	assert.Equal(t, uint64(1024), staged.Size)
	assert.Same(t, original, staged.Buffer)

	staged, ok, err = TryStage(sc.Staging(), b, make([]byte, MiB))
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, sc.Staging().Size(), uint64(2*MiB))
	assert.Equal(t, uint64(0), staged.Offset)
	assert.NotSame(t, original, staged.Buffer)
	assert.Equal(t, uint64(1), sc.Staging().Resizes())

	assert.Contains(t, retiredBuffers(b), Buffer(original))
	assert.Zero(t, original.closes.Load(), "retired buffer must outlive the batch")

	require.NoError(t, b.Submit())
	require.NoError(t, sc.Flush(0))
	assert.Equal(t, int32(1), original.closes.Load())
}

func TestStagingCapacityInvariant(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, 64*1024)
	rng := rand.New(rand.NewSource(42))

	b, err := sc.CreateBatch(0)
	require.NoError(t, err)

	lastSize := sc.Staging().Size()
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(48*1024)
		staged, ok, err := TryStage(sc.Staging(), b, make([]byte, n))
		require.NoError(t, err)
		require.True(t, ok)

		assert.LessOrEqual(t, staged.Offset+staged.Size, staged.Buffer.Size())
		assert.Zero(t, staged.Offset%dev.alignment)

		size := sc.Staging().Size()
		assert.GreaterOrEqual(t, size, lastSize)
		assert.LessOrEqual(t, sc.Staging().Offset(), size)
		lastSize = size
	}
}

func TestStagingResizeHonoursRequiredSize(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, MiB)

	b, err := sc.CreateBatch(0)
	require.NoError(t, err)

	_, ok, err := TryStage(sc.Staging(), b, make([]byte, 5*MiB))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5*MiB), sc.Staging().Size())
	assert.Equal(t, uint64(1), sc.Staging().Resizes())
	assert.Len(t, retiredBuffers(b), 2, "the retired buffer and the new buffer are both held")
}

func TestStagingTypedData(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, MiB)

	b, err := sc.CreateBatch(0)
	require.NoError(t, err)

	vertices := []float32{1, 2, 3, 4}
	staged, ok, err := TryStage(sc.Staging(), b, vertices)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(16), staged.Size)

	indices := []uint16{7, 8, 9}
	staged, ok, err = TryStage(sc.Staging(), b, indices)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(64), staged.Offset, "cursor is aligned to the map alignment")
	assert.Equal(t, uint64(6), staged.Size)
	assert.Equal(t, []byte{7, 0, 8, 0, 9, 0}, dev.buffers[0].data[64:70])
}

func TestStagingRejectsEmptyData(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, MiB)

	b, err := sc.CreateBatch(0)
	require.NoError(t, err)

	_, ok, err := TryStage[byte](sc.Staging(), b, nil)
	assert.ErrorIs(t, err, ErrZeroSizeStage)
	assert.False(t, ok)
}

func TestStagingConcurrentWritersDoNotOverlap(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, 32*1024)

	const workers = 8
	const perWorker = 64

	type region struct {
		staged Staged
		value  byte
	}
	results := make([][]region, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			b, err := sc.CreateBatch(WorkerID(w))
			if !assert.NoError(t, err) {
				return
			}
			for i := 0; i < perWorker; i++ {
				value := byte(w*perWorker + i)
				data := make([]byte, 300)
				for j := range data {
					data[j] = value
				}
				staged, ok, err := TryStage(sc.Staging(), b, data)
				if !assert.NoError(t, err) || !assert.True(t, ok) {
					return
				}
				results[w] = append(results[w], region{staged, value})
			}
		}(w)
	}
	wg.Wait()

	for _, rs := range results {
		require.Len(t, rs, perWorker)
		for _, r := range rs {
			buf := r.staged.Buffer.(*mockBuffer)
			for _, got := range buf.data[r.staged.Offset : r.staged.Offset+r.staged.Size] {
				require.Equal(t, r.value, got)
			}
		}
	}
}

func TestStagingResetAfterIdleFlush(t *testing.T) {
	dev := newMockDevice()
	sc := newTestContext(t, dev, MiB)

	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	require.NoError(t, StageToBuffer(b, make([]byte, 4096), &mockBuffer{data: make([]byte, 4096)}, 0, 4096))

	held, err := sc.CreateBatch(0)
	require.NoError(t, err)

	require.NoError(t, b.Submit())
	require.NoError(t, sc.Flush(0))
	assert.Equal(t, uint64(4096), sc.Staging().Offset(), "a checked out batch keeps the cursor")

	require.NoError(t, held.Submit())
	require.NoError(t, sc.Flush(0))
	assert.Equal(t, uint64(0), sc.Staging().Offset())
}
