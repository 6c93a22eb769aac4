package runtime

// Toolchain describes how one build tool runs inside a build sandbox.
type Toolchain interface {
	// Name is the toolchain identifier, also used as the dispatch capability tag.
	Name() string
	Image() string
	// ResultsPath is the absolute path of the test report directory inside the sandbox.
	ResultsPath() string
	// Script renders the build script executed in the sandbox.
	Script() []byte
}
