package docker

import "time"

const (
	defaultBuildTimeout = 15 * time.Minute
	defaultStopTimeout  = 10 * time.Second
)

// Config describes how to create a Docker-backed build orchestrator.
type Config struct {
	Toolchains map[string]ToolchainConfig
	// BuildTimeout bounds the execution of the build script. Zero selects the default.
	BuildTimeout time.Duration
	// StopTimeout is the grace period given to a sandbox before it is killed.
	StopTimeout      time.Duration
	MemoryLimitBytes int64
	NanoCPUs         int64
	// ScriptDir receives generated build scripts. Empty selects os.TempDir().
	ScriptDir string
}

// ToolchainConfig specifies sandbox settings for a single toolchain.
type ToolchainConfig struct {
	Image string
	// ResultsPath overrides the toolchain's default report directory.
	ResultsPath string
}

func (c Config) normalized() Config {
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = defaultBuildTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.MemoryLimitBytes < 0 {
		c.MemoryLimitBytes = 0
	}
	if c.NanoCPUs < 0 {
		c.NanoCPUs = 0
	}
	return c
}
