package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// socketCounter provides unique socket paths when multiple VM control
// sockets are created concurrently in the same process.
var socketCounter atomic.Uint64

// SocketPath returns a platform-appropriate Unix domain socket path for a
// VM's control socket.
// On Windows, this produces a shorter path to stay within the 108-char sun_path limit.
func SocketPath() string {
	return socketPath()
}

// defaultSocketPath generates a socket path using the standard scheme.
// Used on non-Windows platforms where TempDir paths are short.
func defaultSocketPath() string {
	tmpDir := os.TempDir()
	return filepath.Join(tmpDir, fmt.Sprintf("turnstone-vm-%d-%d-%d.sock",
		os.Getpid(), time.Now().UnixNano(), socketCounter.Add(1)))
}
