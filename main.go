/*
This is an example of application that will use the
engine package to stream uploads to the GPU
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spaghettifunk/vkupload/engine"
	"github.com/spaghettifunk/vkupload/engine/core"
	"github.com/spaghettifunk/vkupload/testbed"
)

func main() {
	configPath := flag.String("config", "config.toml", "path of the configuration file")
	frames := flag.Uint64("frames", 0, "number of frames to run, 0 runs until interrupted")
	syncFlush := flag.Bool("sync", false, "wait for every flush instead of keeping frames in flight")
	targetFrameTime := flag.Duration("frame-time", 16*time.Millisecond, "minimum duration of a frame")
	flag.Parse()

	tb, err := testbed.NewTestUpload(*configPath)
	if err != nil {
		core.LogFatal(err.Error())
	}
	tb.ApplicationConfig.Frames = *frames
	tb.ApplicationConfig.SyncFlush = *syncFlush
	tb.ApplicationConfig.TargetFrameTime = *targetFrameTime

	e, err := engine.New(tb.Workload)
	if err != nil {
		core.LogFatal(err.Error())
	}

	if err := e.Initialize(); err != nil {
		// Release whatever was created before the failure.
		_ = e.Shutdown()
		core.LogFatal(err.Error())
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	// the engine stops at the end of the current frame
	go func() {
		<-sigCh
		core.EventFire(core.EVENT_CODE_APPLICATION_QUIT, nil, core.EventContext{})
	}()

	runErr := e.Run(context.Background())
	if err := e.Shutdown(); err != nil {
		core.LogError(err.Error())
	}
	core.EventShutdown()

	if runErr != nil {
		core.LogFatal(runErr.Error())
	}
}
