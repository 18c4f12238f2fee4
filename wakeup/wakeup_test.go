package wakeup

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestSignalWakesPoll(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	fds := []unix.PollFd{w.PollFd()}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatal("fresh wakeup must not be readable")
	}

	w.Signal()
	fds[0].Revents = 0
	n, err = unix.Poll(fds, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || fds[0].Revents&unix.POLLIN == 0 {
		t.Fatal("signal did not make the eventfd readable")
	}

	w.Acknowledge()
	fds[0].Revents = 0
	n, err = unix.Poll(fds, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatal("acknowledge did not drain the eventfd")
	}
}

func TestSignalCoalesces(t *testing.T) {
	w, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.Signal()
	w.Signal()
	w.Signal()
	w.Acknowledge()

	fds := []unix.PollFd{w.PollFd()}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatal("one acknowledge must drain coalesced signals")
	}
}
