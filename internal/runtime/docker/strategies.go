package docker

import (
	"fmt"

	runtimex "localci/internal/runtime"
)

const (
	assignmentMount = "/assignment-repository"
	testsMount      = "/test-repository"
	scriptMount     = "/script.sh"

	checkoutRoot       = "/repositories"
	assignmentCheckout = checkoutRoot + "/assignment-repository"
	testsCheckout      = checkoutRoot + "/test-repository"

	branchEnv    = "LOCALCI_DEFAULT_BRANCH"
	buildToolEnv = "LOCALCI_BUILD_TOOL"
)

// checkoutScript clones both mounted repositories and places the assignment inside the tests
// checkout, where the test build expects it.
const checkoutScript = `#!/bin/sh
mkdir -p ` + checkoutRoot + ` && cd ` + checkoutRoot + ` || exit 1
git clone --quiet --branch "$` + branchEnv + `" ` + assignmentMount + ` assignment-repository || exit 1
git clone --quiet --branch "$` + branchEnv + `" ` + testsMount + ` test-repository || exit 1
rm -rf test-repository/assignment
cp -r assignment-repository test-repository/assignment
cd test-repository || exit 1
`

type toolchainStrategy struct {
	resultsPath string
	command     string
}

func (s toolchainStrategy) script() []byte {
	return []byte(checkoutScript + s.command + "\n")
}

func strategyForToolchain(name string) (toolchainStrategy, error) {
	switch name {
	case "gradle":
		return toolchainStrategy{
			resultsPath: testsCheckout + "/build/test-results/test",
			command:     "chmod +x gradlew\n./gradlew clean test --no-daemon",
		}, nil
	case "maven":
		return toolchainStrategy{
			resultsPath: testsCheckout + "/target/surefire-reports",
			command:     "mvn --batch-mode clean test",
		}, nil
	default:
		return toolchainStrategy{}, fmt.Errorf("docker runtime: no strategy registered for toolchain %q", name)
	}
}

type toolchain struct {
	name        string
	image       string
	resultsPath string
	script      []byte
}

var _ runtimex.Toolchain = (*toolchain)(nil)

func newToolchain(name string, cfg ToolchainConfig) (*toolchain, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker runtime: toolchain %q missing image configuration", name)
	}

	strategy, err := strategyForToolchain(name)
	if err != nil {
		return nil, err
	}

	resultsPath := strategy.resultsPath
	if cfg.ResultsPath != "" {
		resultsPath = cfg.ResultsPath
	}

	return &toolchain{
		name:        name,
		image:       cfg.Image,
		resultsPath: resultsPath,
		script:      strategy.script(),
	}, nil
}

func (t *toolchain) Name() string        { return t.name }
func (t *toolchain) Image() string       { return t.image }
func (t *toolchain) ResultsPath() string { return t.resultsPath }
func (t *toolchain) Script() []byte      { return t.script }
