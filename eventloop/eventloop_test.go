package eventloop_test

import (
	"testing"
	"time"

	"github.com/gokvm/microvm/eventloop"
	"golang.org/x/sys/unix"
)

func TestRunDispatchesReadySource(t *testing.T) { // nolint:paralleltest
	l, err := eventloop.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		t.Fatalf("Eventfd: %v", err)
	}

	defer unix.Close(fd)

	fired := make(chan struct{}, 1)

	src := &eventloop.Source{
		Fd:     fd,
		Events: unix.EPOLLIN,
		Callback: func(events uint32) error {
			var buf [8]byte
			unix.Read(fd, buf[:]) //nolint:errcheck

			select {
			case fired <- struct{}{}:
			default:
			}

			return l.Close()
		},
	}

	if err := l.Add(src); err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan error, 1)

	go func() {
		done <- l.Run()
	}()

	var one [8]byte
	one[0] = 1

	if _, err := unix.Write(fd, one[:]); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after Close")
	}
}

func TestRemove(t *testing.T) { // nolint:paralleltest
	l, err := eventloop.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		t.Fatalf("Eventfd: %v", err)
	}

	defer unix.Close(fd)

	src := &eventloop.Source{Fd: fd, Events: unix.EPOLLIN, Callback: func(uint32) error { return nil }}

	if err := l.Add(src); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := l.Remove(fd); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
