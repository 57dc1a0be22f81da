package connection

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoFreePort is returned when none of the candidate ports can be bound.
var ErrNoFreePort = errors.New("no free port among candidates")

// ListenFirst binds the first candidate port on host that is not in use and
// returns the open listener. With no candidates the kernel picks a port.
// host defaults to "127.0.0.1".
func ListenFirst(host string, ports ...int) (net.Listener, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	if len(ports) == 0 {
		ports = []int{0}
	}

	var errs []error
	for _, p := range ports {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return l, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w on %s (%d tried): %w", ErrNoFreePort, host, len(ports), errors.Join(errs...))
}

// FreePort finds a port on host that is free right now and releases it
// again for the caller to use.
func FreePort(host string, ports ...int) (int, error) {
	l, err := ListenFirst(host, ports...)
	if err != nil {
		return 0, err
	}
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	if port == 0 {
		return 0, fmt.Errorf("kernel assigned port 0 unexpectedly")
	}
	return port, nil
}
