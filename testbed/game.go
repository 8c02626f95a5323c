package testbed

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"github.com/spaghettifunk/vkupload/engine"
	"github.com/spaghettifunk/vkupload/engine/core"
	"github.com/spaghettifunk/vkupload/engine/renderer/submit"
)

const (
	verticesPerStream = 1024
	// Each stream is reallocated this often; the old buffer is released once
	// the GPU has consumed the batch that last wrote it.
	streamReallocInterval = 64
	textureSize           = 256
	textureInterval       = 16
)

type vertex struct {
	Position [3]float32
	Colour   [4]float32
}

var vertexSize = uint64(binary.Size(vertex{}))

// textureDevice is implemented by devices that can create sampled images and
// semaphores.
type textureDevice interface {
	CreateImage(width, height uint32) (submit.Image, error)
	CreateSemaphore() (submit.Semaphore, error)
}

type TestUpload struct {
	*engine.Workload
}

type uploadState struct {
	device   submit.Device
	streams  []submit.Buffer
	vertices [][]vertex

	// Present only on devices implementing textureDevice.
	texture    submit.Image
	pixels     []uint8
	semaphores [2]submit.Semaphore
	// frame+1 of the last frame whose texture work was claimed by a job.
	claimed atomic.Uint64

	bytesUploaded uint64
}

func NewTestUpload(configPath string) (*TestUpload, error) {
	tu := &TestUpload{
		Workload: &engine.Workload{
			ApplicationConfig: &engine.ApplicationConfig{
				Name:           "vkupload testbed",
				ConfigPath:     configPath,
				Debug:          true,
				FramesInFlight: 2,
				StatsInterval:  120,
			},
			State: &uploadState{},
		},
	}

	tu.FnInitialize = tu.Initialize
	tu.FnUpload = tu.Upload
	tu.FnFrameEnd = tu.FrameEnd
	tu.FnShutdown = tu.Shutdown

	return tu, nil
}

func (tu *TestUpload) Initialize(device submit.Device, workers int) error {
	core.LogDebug("TestUpload Initialize fn....")
	state := tu.State.(*uploadState)
	state.device = device

	// One stream per worker so workers never write the same buffer.
	state.streams = make([]submit.Buffer, workers)
	state.vertices = make([][]vertex, workers)
	for i := 0; i < workers; i++ {
		b, err := tu.createStream(device)
		if err != nil {
			return err
		}
		state.streams[i] = b
		state.vertices[i] = make([]vertex, verticesPerStream)
	}

	td, ok := device.(textureDevice)
	if !ok {
		core.LogInfo("device cannot create images, skipping texture uploads")
		return nil
	}
	img, err := td.CreateImage(textureSize, textureSize)
	if err != nil {
		return err
	}
	state.texture = img
	state.pixels = make([]uint8, textureSize*textureSize*4)

	for i := range state.semaphores {
		s, err := td.CreateSemaphore()
		if err != nil {
			return err
		}
		state.semaphores[i] = s
	}
	return nil
}

func (tu *TestUpload) createStream(device submit.Device) (submit.Buffer, error) {
	return device.CreateBuffer(
		verticesPerStream*vertexSize,
		submit.BufferUsageTransferDst|submit.BufferUsageVertex,
		submit.MemoryPropertyDeviceLocal,
	)
}

func (tu *TestUpload) Upload(worker submit.WorkerID, batch *submit.UploadBatch, frame uint64) error {
	state := tu.State.(*uploadState)
	if int(worker) >= len(state.streams) {
		return fmt.Errorf("no stream for worker %d", worker)
	}

	if frame > 0 && frame%streamReallocInterval == 0 {
		stream, err := tu.createStream(state.device)
		if err != nil {
			return err
		}
		if err := batch.AddDependency(state.streams[worker]); err != nil {
			stream.Close()
			return err
		}
		state.streams[worker] = stream
	}

	vertices := state.vertices[worker]
	fillRing(vertices, worker, frame)
	if err := submit.StageToBuffer(batch, vertices, state.streams[worker], 0, uint64(len(vertices))*vertexSize); err != nil {
		return err
	}

	// The first job of each frame owns the texture and the semaphore chain.
	if state.texture == nil || state.claimed.Swap(frame+1) == frame+1 {
		return nil
	}
	if frame%textureInterval == 0 {
		fillChecker(state.pixels, frame)
		if err := submit.StageToImage(batch, state.pixels, state.texture); err != nil {
			return err
		}
	}
	if frame > 0 {
		if err := batch.AddWaitSemaphore(state.semaphores[(frame-1)%2], submit.PipelineStageTransfer); err != nil {
			return err
		}
	}
	return batch.AddSignalSemaphore(state.semaphores[frame%2])
}

func (tu *TestUpload) FrameEnd(frame uint64, stats submit.Stats) error {
	state := tu.State.(*uploadState)
	state.bytesUploaded += uint64(len(state.streams)) * verticesPerStream * vertexSize
	if frame%textureInterval == 0 && state.texture != nil {
		state.bytesUploaded += uint64(len(state.pixels))
	}
	if stats.StagingResizes > 0 && frame == 0 {
		core.LogDebug("staging grew to %d bytes during the first frame", stats.StagingSize)
	}
	return nil
}

func (tu *TestUpload) Shutdown() error {
	state := tu.State.(*uploadState)
	core.LogInfo("uploaded %d bytes", state.bytesUploaded)

	for _, s := range state.streams {
		if s != nil {
			s.Close()
		}
	}
	state.streams = nil
	if c, ok := state.texture.(io.Closer); ok {
		c.Close()
	}
	state.texture = nil
	for i, s := range state.semaphores {
		if c, ok := s.(io.Closer); ok {
			c.Close()
		}
		state.semaphores[i] = nil
	}
	return nil
}

// fillRing lays the vertices out on a circle that turns a little every frame.
func fillRing(vertices []vertex, worker submit.WorkerID, frame uint64) {
	phase := float64(frame) * 0.01
	radius := 1 + float32(worker)*0.25
	for i := range vertices {
		angle := phase + 2*math.Pi*float64(i)/float64(len(vertices))
		vertices[i] = vertex{
			Position: [3]float32{radius * float32(math.Cos(angle)), radius * float32(math.Sin(angle)), 0},
			Colour:   [4]float32{float32(i) / float32(len(vertices)), float32(worker), 0, 1},
		}
	}
}

// fillChecker writes an RGBA checkerboard whose squares shift with frame.
func fillChecker(pixels []uint8, frame uint64) {
	shift := int(frame / textureInterval)
	for y := 0; y < textureSize; y++ {
		for x := 0; x < textureSize; x++ {
			var v uint8
			if ((x+shift)/32+y/32)%2 == 0 {
				v = 0xFF
			}
			p := (y*textureSize + x) * 4
			pixels[p+0] = v
			pixels[p+1] = v
			pixels[p+2] = v
			pixels[p+3] = 0xFF
		}
	}
}
