package engine

import "time"

type ApplicationConfig struct {
	// The application name reported to the driver.
	Name string
	// Path of the TOML configuration file. Missing files fall back to defaults
	// and the file is watched for changes.
	ConfigPath string
	// Enables validation layers and the debug report callback.
	Debug bool
	// Number of frames to run. Zero runs until quit.
	Frames uint64
	// Upload submissions allowed in flight before a frame waits on the oldest.
	FramesInFlight int
	// Minimum duration of one frame. Zero does not limit.
	TargetFrameTime time.Duration
	// Flush with a blocking wait instead of the in-flight frame ring.
	SyncFlush bool
	// Log submit statistics every StatsInterval frames. Zero disables.
	StatsInterval uint64
}

func (ac *ApplicationConfig) framesInFlight() int {
	if ac.FramesInFlight <= 0 {
		return 2
	}
	return ac.FramesInFlight
}
