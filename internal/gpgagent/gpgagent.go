// Package gpgagent provides the process-level collaborators around
// gpg-agent: discovering its socket, launching it on demand, and looking up
// the environment forwarded to it. Each is a plain function type so the
// transfer pipeline can run under test without real processes.
package gpgagent

import (
	"errors"
	"fmt"
	"os/exec"

	"keyferry/internal/assuan"
)

// maxGpgconfOutput caps how much of gpgconf's stdout is accepted; the
// expected output is a single socket path.
const maxGpgconfOutput = 4096

// ErrNoSocket is returned when gpgconf produces no usable socket path.
var ErrNoSocket = errors.New("gpgagent: gpgconf returned no agent socket")

// Locator returns the filesystem path of the agent's listening socket.
type Locator func() (string, error)

// Launcher makes one attempt to start the agent.
type Launcher func() error

// Environ looks up one environment variable, reporting whether it is set.
type Environ func(key string) (string, bool)

// GpgconfLocator asks gpgconf for the agent socket path.
func GpgconfLocator() (string, error) {
	out, err := exec.Command("gpgconf", "--list-dirs", "agent-socket").Output()
	if err != nil {
		return "", fmt.Errorf("gpgagent: running gpgconf: %w", err)
	}
	if len(out) == 0 || len(out) > maxGpgconfOutput {
		return "", ErrNoSocket
	}
	path := assuan.TrimAndUnescape(string(out))
	if path == "" {
		return "", ErrNoSocket
	}
	return path, nil
}

// GpgconfLauncher asks gpgconf to start the agent.
func GpgconfLauncher() error {
	if err := exec.Command("gpgconf", "--launch", "gpg-agent").Run(); err != nil {
		return fmt.Errorf("gpgagent: launching agent: %w", err)
	}
	return nil
}
