package engine

import (
	"github.com/spaghettifunk/vkupload/engine/renderer/submit"
)

// Workload is what an application plugs into the engine. Upload runs on every
// worker once per frame with a recording batch from that worker's pool.
type Workload struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}
	FnInitialize      Initialize
	FnUpload          Upload
	FnFrameEnd        FrameEnd
	FnShutdown        Shutdown
}

type Initialize func(device submit.Device, workers int) error
type Upload func(worker submit.WorkerID, batch *submit.UploadBatch, frame uint64) error
type FrameEnd func(frame uint64, stats submit.Stats) error
type Shutdown func() error
