package jobs

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/spaghettifunk/vkupload/engine/core"
	"github.com/spaghettifunk/vkupload/engine/renderer/submit"
)

// JobStart runs on a worker. The worker id is stable for the worker's
// lifetime, so it can be passed to SubmitContext.CreateBatch.
type JobStart func(worker submit.WorkerID, params interface{}) (interface{}, error)

type JobTask struct {
	InputParams interface{}
	// Required.
	OnStart JobStart
	// Optional. Receives the value returned by OnStart.
	OnComplete func(result interface{})
	// Optional. Receives the error returned by OnStart.
	OnFailure func(err error)
	// Optional. Always runs last.
	OnCompletionCallback func()
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan JobTask
	wg         sync.WaitGroup

	mutex  sync.RWMutex
	closed bool
}

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")
var ErrJobSystemClosed = errors.New("job system is shut down")
var ErrMissingEntryPoint = errors.New("job has no entry point")

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan JobTask, channelSize),
	}
	js.start()

	core.LogDebug("job system started with %d workers", numWorkers)
	return js, nil
}

func (js *JobSystem) NumWorkers() int {
	return js.numWorkers
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go js.work(submit.WorkerID(i))
	}
}

// work pins the worker to one OS thread. Each worker owns a command pool and
// native pools must not migrate between threads.
func (js *JobSystem) work(worker submit.WorkerID) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer js.wg.Done()

	for job := range js.jobQueue {
		js.run(worker, job)
	}
}

func (js *JobSystem) run(worker submit.WorkerID, job JobTask) {
	if job.OnCompletionCallback != nil {
		defer job.OnCompletionCallback()
	}

	result, err := job.OnStart(worker, job.InputParams)
	if err != nil {
		core.LogError("job on worker %d failed: %s", worker, err)
		if job.OnFailure != nil {
			job.OnFailure(err)
		}
		return
	}
	if job.OnComplete != nil {
		job.OnComplete(result)
	}
}

// Shutdown stops accepting jobs, drains the queue and waits for the workers.
func (js *JobSystem) Shutdown() error {
	js.mutex.Lock()
	if js.closed {
		js.mutex.Unlock()
		return ErrJobSystemClosed
	}
	js.closed = true
	close(js.jobQueue)
	js.mutex.Unlock()

	js.wg.Wait()
	return nil
}

// AddWorkNonBlocking queues the job from a new goroutine and returns immediately.
func (js *JobSystem) AddWorkNonBlocking(jt JobTask) {
	go func() {
		if err := js.Submit(jt); err != nil {
			core.LogWarn("dropping job: %s", err)
		}
	}()
}

// Submit queues the job, blocking while the queue is full.
func (js *JobSystem) Submit(jt JobTask) error {
	if jt.OnStart == nil {
		return ErrMissingEntryPoint
	}

	js.mutex.RLock()
	defer js.mutex.RUnlock()
	if js.closed {
		return ErrJobSystemClosed
	}
	js.jobQueue <- jt
	return nil
}
