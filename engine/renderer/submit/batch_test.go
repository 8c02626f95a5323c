package submit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBatchIsRecording(t *testing.T) {
	sc := newTestContext(t, newMockDevice(), MiB)

	b, err := sc.CreateBatch(3)
	require.NoError(t, err)
	assert.Equal(t, BatchStateRecording, b.State())
	assert.True(t, b.InUse())
	assert.Equal(t, WorkerID(3), b.Worker())

	cb := b.CommandBuffer().(*mockCommandBuffer)
	assert.True(t, cb.recording)
	assert.Equal(t, 1, cb.begins)
}

func TestStageToBufferRecordsCopy(t *testing.T) {
	sc := newTestContext(t, newMockDevice(), MiB)
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)

	dst := &mockBuffer{data: make([]byte, 1024)}
	require.NoError(t, StageToBuffer(b, []uint32{1, 2, 3, 4}, dst, 128, 16))
	require.NoError(t, StageToBuffer(b, []uint32{5, 6}, dst, 512, 8))

	cb := b.CommandBuffer().(*mockCommandBuffer)
	require.Len(t, cb.copies, 2)
	assert.Equal(t, uint64(0), cb.copies[0].srcOffset)
	assert.Equal(t, uint64(128), cb.copies[0].dstOffset)
	assert.Equal(t, uint64(16), cb.copies[0].size)
	assert.Same(t, dst, cb.copies[0].dst)
	assert.Equal(t, uint64(64), cb.copies[1].srcOffset)
	assert.Equal(t, uint64(512), cb.copies[1].dstOffset)
}

func TestStageToBufferContractViolations(t *testing.T) {
	sc := newTestContext(t, newMockDevice(), MiB)
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)
	dst := &mockBuffer{data: make([]byte, 64)}

	assert.ErrorIs(t, StageToBuffer(b, []byte{1, 2}, dst, 0, 0), ErrZeroSizeStage)
	assert.ErrorIs(t, StageToBuffer[byte](b, nil, dst, 0, 4), ErrZeroSizeStage)
	assert.ErrorIs(t, StageToBuffer(b, []byte{1, 2}, dst, 0, 4), ErrStageSizeMismatch)

	require.NoError(t, b.Submit())
	assert.Equal(t, BatchStateSubmitted, b.State())
	assert.ErrorIs(t, StageToBuffer(b, []byte{1}, dst, 0, 1), ErrBatchNotRecording)
	assert.ErrorIs(t, b.AddDependency(&closer{}), ErrBatchNotRecording)
	assert.ErrorIs(t, b.AddSignalSemaphore(&mockSemaphore{id: 1}), ErrBatchNotRecording)
	assert.ErrorIs(t, b.Submit(), ErrBatchNotRecording)
}

func TestStageToImageRecordsTransitions(t *testing.T) {
	sc := newTestContext(t, newMockDevice(), MiB)
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)

	pixels := make([]uint32, 4*4)
	require.NoError(t, StageToImage(b, pixels, &mockImage{w: 4, h: 4}))

	cb := b.CommandBuffer().(*mockCommandBuffer)
	assert.Equal(t, []string{
		"transition 0->1",
		"copy-image",
		"transition 1->2",
	}, cb.commands)
}

func TestStageToImageRejectsShortPixelData(t *testing.T) {
	sc := newTestContext(t, newMockDevice(), MiB)
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)

	assert.ErrorIs(t, StageToImage(b, []byte{1, 2, 3, 4}, &mockImage{w: 256, h: 256}), ErrStageSizeMismatch)
	assert.ErrorIs(t, StageToImage(b, []byte{1, 2, 3, 4}, &mockImage{w: 0, h: 16}), ErrZeroSizeStage)
	assert.Equal(t, uint64(0), sc.Staging().Offset(), "nothing staged for a rejected image")
	assert.Empty(t, b.CommandBuffer().(*mockCommandBuffer).commands)

	// Extra trailing data is not staged.
	require.NoError(t, StageToImage(b, make([]byte, 2*2*4+100), &mockImage{w: 2, h: 2}))
	assert.Equal(t, uint64(16), sc.Staging().Offset())
}

func TestBatchSemaphoresAreDeduplicated(t *testing.T) {
	sc := newTestContext(t, newMockDevice(), MiB)
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)

	wait := &mockSemaphore{id: 10}
	signal := &mockSemaphore{id: 11}
	require.NoError(t, b.AddWaitSemaphore(wait, PipelineStageTransfer))
	require.NoError(t, b.AddWaitSemaphore(wait, PipelineStageVertexInput))
	require.NoError(t, b.AddSignalSemaphore(signal))
	require.NoError(t, b.AddSignalSemaphore(signal))

	waits := b.WaitSemaphores()
	require.Len(t, waits, 1)
	assert.Equal(t, PipelineStageTransfer|PipelineStageVertexInput, waits[0].Stage)
	assert.Len(t, b.SignalSemaphores(), 1)
}

func TestResetForPoolRefusesBatchInUse(t *testing.T) {
	sc := newTestContext(t, newMockDevice(), MiB)
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)

	assert.ErrorIs(t, b.ResetForPool(), ErrBatchInUse)
}

func TestResetForPoolClearsState(t *testing.T) {
	sc := newTestContext(t, newMockDevice(), MiB)
	b, err := sc.CreateBatch(0)
	require.NoError(t, err)

	require.NoError(t, b.AddDependency(&closer{}))
	require.NoError(t, b.AddSignalSemaphore(&mockSemaphore{id: 1}))
	require.NoError(t, b.Submit())
	require.NoError(t, sc.Flush(0))

	assert.Equal(t, BatchStatePoolReset, b.State())
	assert.False(t, b.InUse())
	assert.Empty(t, b.Dependencies())
	assert.Empty(t, b.SignalSemaphores())

	require.NoError(t, b.ResetForPool())
	assert.Equal(t, BatchStateRecording, b.State())
	cb := b.CommandBuffer().(*mockCommandBuffer)
	assert.Equal(t, 1, cb.resets)
	assert.Equal(t, 2, cb.begins)
}
