// Package activation hands the control API its listening socket, either one
// passed in by systemd socket activation or a freshly bound TCP socket.
package activation

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// firstFD is the first descriptor systemd passes (0-2 are stdio).
const firstFD = 3

// socket describes one activated descriptor.
type socket struct {
	fd   int
	name string
}

// lookupEnv matches os.LookupEnv so tests can supply their own environment.
type lookupEnv func(key string) (string, bool)

// activated parses the LISTEN_* variables. It returns nil when the sockets
// were not passed to process pid.
func activated(env lookupEnv, pid int) ([]socket, error) {
	pidStr, ok := env("LISTEN_PID")
	if !ok || pidStr == "" {
		return nil, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid LISTEN_PID %q", pidStr)
	}
	if listenPID != pid {
		return nil, nil
	}

	fdsStr, ok := env("LISTEN_FDS")
	if !ok || fdsStr == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid LISTEN_FDS %q", fdsStr)
	}
	if n < 1 {
		return nil, nil
	}

	var names []string
	if raw, ok := env("LISTEN_FDNAMES"); ok && raw != "" {
		names = strings.Split(raw, ":")
	}

	sockets := make([]socket, n)
	for i := range sockets {
		sockets[i].fd = firstFD + i
		if i < len(names) {
			sockets[i].name = names[i]
		}
	}
	return sockets, nil
}

// pick returns the socket named name, or the first one when none carries
// that name.
func pick(sockets []socket, name string) socket {
	for _, s := range sockets {
		if s.name == name {
			return s
		}
	}
	return sockets[0]
}

// Listen returns the activated socket named name when the process was socket
// activated, otherwise a TCP listener bound to addr. The second return value
// reports whether the socket came from activation.
func Listen(addr, name string) (net.Listener, bool, error) {
	sockets, err := activated(os.LookupEnv, os.Getpid())
	if err != nil {
		return nil, false, err
	}
	if len(sockets) == 0 {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, false, errors.Wrapf(err, "failed to listen on %s", addr)
		}
		return ln, false, nil
	}

	s := pick(sockets, name)
	file := os.NewFile(uintptr(s.fd), "systemd-socket-"+strconv.Itoa(s.fd))
	if file == nil {
		return nil, false, errors.Newf("failed to create file for fd %d", s.fd)
	}
	// The listener holds its own duplicate of the descriptor.
	defer func() {
		_ = file.Close()
	}()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to create listener from fd %d", s.fd)
	}

	// Unset the environment variables so child processes don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return ln, true, nil
}
