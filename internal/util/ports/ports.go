// Package ports finds free TCP ports on the local host.
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var ErrNoFreePort = errors.New("no free port in range")

const address = "localhost"

// FindFreePort returns the first port in [lo, hi) that can be bound.
func FindFreePort(lo, hi int) (int, error) {
	ports, err := FindFreePorts(lo, hi, 1)
	if err != nil {
		return 0, err
	}
	return ports[0], nil
}

// FindFreePorts returns the first n ports in [lo, hi) that can be bound.
func FindFreePorts(lo, hi, n int) ([]int, error) {
	out := make([]int, 0, n)
	for port := lo; port < hi && len(out) < n; port++ {
		if IsFree(port) {
			out = append(out, port)
		}
	}
	if len(out) < n {
		return nil, errors.Join(fmt.Errorf("range=[%d,%d) want=%d found=%d", lo, hi, n, len(out)), ErrNoFreePort)
	}
	return out, nil
}

// IsFree reports whether port can be bound on localhost.
func IsFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
