package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/vkupload/engine/core"
	"github.com/spaghettifunk/vkupload/engine/jobs"
	"github.com/spaghettifunk/vkupload/engine/renderer/submit"
	"github.com/spaghettifunk/vkupload/engine/renderer/vulkan"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Engine released every resource
	EngineStageShutdown
)

type Engine struct {
	currentStage Stage
	workload     *Workload
	config       *core.Config
	clock        *core.Clock
	isRunning    atomic.Bool

	backend       *vulkan.VulkanBackend
	device        submit.Device
	submitContext *submit.SubmitContext
	jobSystem     *jobs.JobSystem
	frames        *submit.FrameRing
	watcher       *core.ConfigWatcher

	// The main loop flushes from its own worker id, one past the job workers.
	mainWorker  submit.WorkerID
	frameNumber uint64
}

type Option func(*Engine)

// WithDevice makes the engine submit to device instead of creating a Vulkan backend.
func WithDevice(device submit.Device) Option {
	return func(e *Engine) {
		e.device = device
	}
}

// WithConfig overrides the configuration file.
func WithConfig(cfg *core.Config) Option {
	return func(e *Engine) {
		e.config = cfg
	}
}

func New(w *Workload, options ...Option) (*Engine, error) {
	if w == nil || w.ApplicationConfig == nil {
		return nil, fmt.Errorf("a workload with an application config is required")
	}

	e := &Engine{
		currentStage: EngineStageUninitialized,
		workload:     w,
		clock:        core.NewClock(),
	}
	for _, o := range options {
		o(e)
	}

	if e.config == nil {
		cfg := core.DefaultConfig()
		if path := w.ApplicationConfig.ConfigPath; path != "" {
			var err error
			if cfg, err = core.LoadConfig(path); err != nil {
				core.LogError(err.Error())
				return nil, err
			}
		}
		e.config = cfg
	}
	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	core.SetLogLevel(e.config.Log.Level)
	return e, nil
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing
	appConfig := e.workload.ApplicationConfig

	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	core.EventRegister(core.EVENT_CODE_CONFIG_RELOADED, e, e.onEvent)

	if e.device == nil {
		backend := vulkan.New(appConfig.Debug)
		if err := backend.Initialize(appConfig.Name); err != nil {
			return err
		}
		e.backend = backend
		e.device = backend
	}

	sc, err := submit.NewSubmitContext(e.device, e.config.Submit)
	if err != nil {
		return err
	}
	e.submitContext = sc

	js, err := jobs.NewJobSystem(e.config.Jobs.Workers, e.config.Jobs.QueueSize)
	if err != nil {
		return err
	}
	e.jobSystem = js
	e.mainWorker = submit.WorkerID(js.NumWorkers())
	e.frames = submit.NewFrameRing(appConfig.framesInFlight())

	if appConfig.ConfigPath != "" {
		// Hot reload is best effort; the engine runs fine without it.
		if w, err := core.WatchConfig(appConfig.ConfigPath, nil); err != nil {
			core.LogWarn("not watching `%s`: %s", appConfig.ConfigPath, err)
		} else {
			e.watcher = w
		}
	}

	if e.workload.FnInitialize != nil {
		if err := e.workload.FnInitialize(e.device, js.NumWorkers()); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	core.LogInfo("engine initialized with %d upload workers", js.NumWorkers())
	return nil
}

// Run drives frames until the frame budget is reached, ctx is cancelled or an
// application quit event is fired.
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("engine must be initialized before running")
	}
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)

	appConfig := e.workload.ApplicationConfig
	e.clock.Start()
	lastTime := e.clock.Elapsed()

	for e.isRunning.Load() {
		if ctx.Err() != nil {
			break
		}
		if appConfig.Frames > 0 && e.frameNumber >= appConfig.Frames {
			break
		}

		if err := e.frame(ctx); err != nil {
			e.isRunning.Store(false)
			return err
		}

		// Figure out how long the frame took and give the rest back to the OS.
		e.clock.Update()
		currentTime := e.clock.Elapsed()
		remaining := appConfig.TargetFrameTime - (currentTime - lastTime)
		if appConfig.TargetFrameTime > 0 && remaining > 0 {
			select {
			case <-time.After(remaining):
			case <-ctx.Done():
			}
			e.clock.Update()
			currentTime = e.clock.Elapsed()
		}
		lastTime = currentTime
	}
	e.isRunning.Store(false)
	return nil
}

func (e *Engine) frame(ctx context.Context) error {
	frame := e.frameNumber
	workers := e.jobSystem.NumWorkers()

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		err := e.jobSystem.Submit(jobs.JobTask{
			InputParams:          frame,
			OnStart:              e.uploadJob,
			OnFailure:            func(err error) { errs <- err },
			OnCompletionCallback: wg.Done,
		})
		if err != nil {
			wg.Done()
			errs <- err
		}
	}
	wg.Wait()
	close(errs)

	var uploadErr error
	for err := range errs {
		uploadErr = errors.Join(uploadErr, err)
	}

	// Flush even when an upload failed so every batch goes back to its pool.
	if err := e.flush(ctx); err != nil {
		return errors.Join(uploadErr, err)
	}
	if uploadErr != nil {
		return uploadErr
	}

	stats := e.submitContext.Stats()
	if interval := e.workload.ApplicationConfig.StatsInterval; interval > 0 && frame%interval == 0 {
		core.LogInfo("frame %d: %d flushes, %d batches, %d in flight, staging %d bytes (%d resizes), avg flush %.3fms",
			frame, stats.Flushes, stats.SubmittedBatches, stats.InFlight, stats.StagingSize, stats.StagingResizes, stats.AverageFlushMS)
	}
	if e.workload.FnFrameEnd != nil {
		if err := e.workload.FnFrameEnd(frame, stats); err != nil {
			return err
		}
	}
	e.frameNumber++
	return nil
}

func (e *Engine) uploadJob(worker submit.WorkerID, params interface{}) (interface{}, error) {
	batch, err := e.submitContext.CreateBatch(worker)
	if err != nil {
		return nil, err
	}

	var uploadErr error
	if e.workload.FnUpload != nil {
		uploadErr = e.workload.FnUpload(worker, batch, params.(uint64))
	}
	// Submitted even on failure so the batch is recycled by the next flush.
	if err := batch.Submit(); err != nil {
		return nil, errors.Join(uploadErr, err)
	}
	return nil, uploadErr
}

func (e *Engine) flush(ctx context.Context) error {
	if e.workload.ApplicationConfig.SyncFlush {
		return e.submitContext.Flush(e.mainWorker)
	}
	op, err := e.submitContext.FlushAsync(e.mainWorker, nil)
	if err != nil {
		return err
	}
	if err := e.frames.Push(ctx, op); err != nil {
		return err
	}

	// The staging cursor can only be rewound once nothing reads from the buffer.
	// Drain before it fills up instead of letting it grow every frame.
	staging := e.submitContext.Staging()
	if staging.Offset() > staging.Size()/2 {
		if err := e.frames.Drain(ctx); err != nil {
			return err
		}
		staging.Reset()
	}
	return nil
}

// Stop asks a running engine to leave its loop after the current frame.
func (e *Engine) Stop() {
	e.isRunning.Store(false)
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) FrameNumber() uint64 {
	return e.frameNumber
}

func (e *Engine) SubmitContext() *submit.SubmitContext {
	return e.submitContext
}

// Shutdown waits for outstanding GPU work and releases everything in reverse
// order of creation. It is safe to call after a failed Initialize.
func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShutdown {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	e.isRunning.Store(false)

	core.EventUnregister(core.EVENT_CODE_APPLICATION_QUIT, e)
	core.EventUnregister(core.EVENT_CODE_CONFIG_RELOADED, e)

	var errs []error
	if e.frames != nil {
		errs = append(errs, e.frames.Drain(context.Background()))
	}
	if e.jobSystem != nil {
		errs = append(errs, e.jobSystem.Shutdown())
	}
	if e.submitContext != nil {
		errs = append(errs, e.submitContext.Close())
	}
	if e.workload.FnShutdown != nil {
		errs = append(errs, e.workload.FnShutdown())
	}
	if e.watcher != nil {
		errs = append(errs, e.watcher.Close())
	}
	if e.backend != nil {
		errs = append(errs, e.backend.Shutdown())
	}

	e.currentStage = EngineStageShutdown
	return errors.Join(errs...)
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.Stop()
		return true
	case core.EVENT_CODE_CONFIG_RELOADED:
		cfg, ok := data.Data.(*core.Config)
		if !ok {
			core.LogError("wrong data associated with the event code `%d`", code)
			return false
		}
		core.SetLogLevel(cfg.Log.Level)
		core.LogDebug("log level set to %s; submit and jobs settings apply on restart", cfg.Log.Level)
	}
	return false
}
