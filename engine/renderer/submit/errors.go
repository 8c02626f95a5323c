package submit

import "errors"

var (
	ErrZeroSizeStage     = errors.New("cannot stage zero bytes")
	ErrStagingExhausted  = errors.New("staging buffer cannot hold the requested data")
	ErrStageSizeMismatch = errors.New("copy size exceeds staged data")
	ErrBatchNotRecording = errors.New("batch is not recording")
	ErrBatchInUse        = errors.New("batch is still in use")
	ErrWrongPool         = errors.New("batch does not belong to this pool")
	ErrContextClosed     = errors.New("submit context is closed")
	ErrFenceTimeout      = errors.New("timed out waiting for fence")
)
