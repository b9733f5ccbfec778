package vmm

import (
	"errors"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// kickSignal forces a blocked KVM_RUN ioctl to return EINTR so a paused or
// exiting vCPU's run loop can observe the state change without busy-polling.
const kickSignal = unix.SIGUSR1

// State is the VM's coarse lifecycle state, per spec §4.1's state machine.
type State int32

// VM lifecycle states.
const (
	StateRunning State = iota
	StatePaused
	StateExited
)

// Controller drives the pause/resume/exit state machine across every
// vCPU's run loop, using one OS thread per vCPU plus a kick signal to
// interrupt a blocked KVM_RUN.
type Controller struct {
	vm    *VM
	state atomic.Int32

	mu      sync.Mutex
	cancel  chan struct{}
	paused  []chan struct{}
	resumed []chan struct{}
	tids    []int32

	runErr chan error

	// ThreadInit, if set, runs on each vCPU's dedicated OS thread right
	// after it's locked and before the run loop starts — the hook a
	// caller uses to install that thread's own seccomp filter, per spec
	// §5's "each thread gets their own seccomp filter."
	ThreadInit func(vcpuIndex int) error
}

// NewController wires a Controller around vm's vCPUs. It must be called
// before Start.
func NewController(vm *VM) *Controller {
	n := len(vm.VCPUs)

	c := &Controller{
		vm:      vm,
		cancel:  make(chan struct{}),
		paused:  make([]chan struct{}, n),
		resumed: make([]chan struct{}, n),
		tids:    make([]int32, n),
		runErr:  make(chan error, n),
	}

	for i := range c.paused {
		c.paused[i] = make(chan struct{})
		c.resumed[i] = make(chan struct{})
	}

	// A handler, not SIG_IGN (which discards the signal), so a kick sent
	// with tgkill reaches the vCPU thread and interrupts KVM_RUN.
	signal.Notify(make(chan os.Signal, 1), kickSignal)

	return c
}

// Start launches every vCPU's run loop on its own OS thread.
func (c *Controller) Start() {
	c.state.Store(int32(StateRunning))

	for i, vcpu := range c.vm.VCPUs {
		i, vcpu := i, vcpu

		go func() {
			c.runErr <- c.runOne(i, vcpu)
		}()
	}
}

func (c *Controller) runOne(idx int, vcpu *VCPU) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.recordTID(idx)

	if c.ThreadInit != nil {
		if err := c.ThreadInit(idx); err != nil {
			return err
		}
	}

	for {
		select {
		case <-c.cancel:
			return nil
		default:
		}

		if c.state.Load() == int32(StatePaused) {
			close(c.paused[idx])
			<-c.resumed[idx]
			c.paused[idx] = make(chan struct{})

			continue
		}

		cont, err := vcpu.run1()
		if !cont {
			return err
		}

		if err != nil && !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Pause stops every vCPU at its next KVM_RUN boundary and waits for all of
// them to acknowledge, via an errgroup barrier, before returning.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Store(int32(StatePaused))
	c.kickAll()

	var g errgroup.Group

	for i := range c.vm.VCPUs {
		i := i

		g.Go(func() error {
			<-c.paused[i]

			return nil
		})
	}

	return g.Wait()
}

// Resume releases every paused vCPU.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Store(int32(StateRunning))

	for i := range c.resumed {
		close(c.resumed[i])
		c.resumed[i] = make(chan struct{})
	}
}

// Exit cancels every vCPU's run loop and waits for them to return.
func (c *Controller) Exit() error {
	c.state.Store(int32(StateExited))
	close(c.cancel)
	c.kickAll()

	var firstErr error

	for range c.vm.VCPUs {
		if err := <-c.runErr; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) kickAll() {
	pid := os.Getpid()

	for _, tid := range c.tids {
		if tid != 0 {
			unix.Tgkill(pid, int(tid), kickSignal) //nolint:errcheck
		}
	}
}

func (c *Controller) recordTID(idx int) {
	c.mu.Lock()
	c.tids[idx] = int32(unix.Gettid())
	c.mu.Unlock()
}
