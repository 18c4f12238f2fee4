// Package wakeup provides an eventfd based wakeup primitive used to
// interrupt receiver loops blocked in poll.
package wakeup

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Wakeup wraps an eventfd. A receiver loop polls Fd() for readability
// alongside its socket; Signal makes the fd readable, Acknowledge drains
// it so the next poll blocks again.
type Wakeup struct {
	fd int
}

// New creates a wakeup eventfd.
func New() (*Wakeup, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("wakeup: eventfd: %w", err)
	}
	return &Wakeup{fd: fd}, nil
}

// Fd returns the file descriptor to poll for readability.
func (w *Wakeup) Fd() int {
	return w.fd
}

// PollFd returns a pollfd entry watching for input on the eventfd.
func (w *Wakeup) PollFd() unix.PollFd {
	return unix.PollFd{Fd: int32(w.fd), Events: unix.POLLIN}
}

// Signal makes the eventfd readable, waking any poller.
func (w *Wakeup) Signal() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	unix.Write(w.fd, one[:])
}

// Acknowledge drains the eventfd counter.
func (w *Wakeup) Acknowledge() {
	var buf [8]byte
	for {
		if _, err := unix.Read(w.fd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the eventfd.
func (w *Wakeup) Close() error {
	return unix.Close(w.fd)
}
