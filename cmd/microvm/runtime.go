package main

import (
	"fmt"
	"net/http"
	"os"
	goruntime "runtime"
	"strings"

	"github.com/gokvm/microvm/api"
	"github.com/gokvm/microvm/devicemgr"
	"github.com/gokvm/microvm/eventloop"
	"github.com/gokvm/microvm/metrics"
	"github.com/gokvm/microvm/seccomp"
	"github.com/gokvm/microvm/vmm"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// rxQueueIdx is queue 0 in the virtio-net convention virtio.Net itself
// follows; the event loop pokes it directly rather than through a
// guest-driven queue-notify.
const rxQueueIdx = 0

// vmmThread owns everything the VMM thread is allowed to touch, per spec
// §5: the Vm handle, the device manager, and all virtio backend state.
// It consumes api.Request values off the control-plane channel one at a
// time, so every action it handles is implicitly serialized.
type vmmThread struct {
	log   *logrus.Entry
	level seccomp.Level
	rules []seccomp.Rule

	bootSource    api.BootSource
	machineConfig api.MachineConfig
	drives        map[string]api.Drive
	netIfaces     map[string]api.NetworkInterface
	vsockCfg      *api.Vsock

	vm      *vmm.VM
	ctrl    *vmm.Controller
	devices *devicemgr.Manager
	booted  bool

	loop *eventloop.Loop

	// filters is compiled once at construction and reused by every
	// thread that needs a copy installed: the VMM thread itself, its
	// event loop, and each vCPU via Controller.ThreadInit. nil when
	// level is LevelNone, in which case seccomp.Install is a no-op.
	filters []unix.SockFilter
}

func newVMMThread(log *logrus.Entry, level seccomp.Level, rules []seccomp.Rule) *vmmThread {
	t := &vmmThread{
		log:       log,
		level:     level,
		rules:     rules,
		drives:    make(map[string]api.Drive),
		netIfaces: make(map[string]api.NetworkInterface),
	}

	filters, err := seccomp.Compile(level, rules)
	if err != nil {
		log.WithError(err).Error("compile seccomp filters, continuing without one")

		return t
	}

	t.filters = filters

	return t
}

// installSeccompOnThread locks the calling goroutine to its current OS
// thread and installs the compiled filter set. A seccomp filter binds
// only the thread that calls prctl, so every thread with access to guest
// memory or host resources — the VMM thread, its event loop, and each
// vCPU — installs its own copy; per spec §4.6/§5.
func (t *vmmThread) installSeccompOnThread() {
	goruntime.LockOSThread()

	if err := seccomp.Install(t.filters); err != nil {
		t.log.WithError(err).Error("install seccomp filter")
	}
}

// run drains reqs until it's closed, replying to every request exactly
// once. It is the VMM thread per spec §5's ownership model, so it installs
// its own seccomp filter before touching anything the requests hand it.
func (t *vmmThread) run(reqs <-chan *api.Request) {
	t.installSeccompOnThread()

	for req := range reqs {
		req.Reply <- t.handle(req)
	}
}

func (t *vmmThread) handle(req *api.Request) api.Response {
	switch req.Kind {
	case api.KindBootSource:
		return t.handleBootSource(req)
	case api.KindDrive:
		return t.handleDrive(req)
	case api.KindNetworkInterface:
		return t.handleNetworkInterface(req)
	case api.KindVsock:
		return t.handleVsock(req)
	case api.KindMachineConfig:
		return t.handleMachineConfig(req)
	case api.KindSnapshotCreate:
		return t.handleSnapshotCreate(req)
	case api.KindSnapshotLoad:
		return t.handleSnapshotLoad(req)
	case api.KindVMState:
		return t.handleVMState(req)
	case api.KindInstanceAction:
		return t.handleInstanceAction(req)
	default:
		return api.Response{Err: fmt.Errorf("unhandled request kind %v", req.Kind)}
	}
}

func (t *vmmThread) handleBootSource(req *api.Request) api.Response {
	if t.booted {
		return api.Response{Err: fmt.Errorf("boot-source is pre-boot only")}
	}

	t.bootSource = req.Payload.(api.BootSource)

	return api.Response{StatusCode: http.StatusNoContent}
}

func (t *vmmThread) handleDrive(req *api.Request) api.Response {
	d := req.Payload.(api.Drive)

	if !t.booted {
		t.drives[d.ID] = d

		return api.Response{StatusCode: http.StatusNoContent}
	}

	attached, ok := t.devices.Get("block", d.ID)
	if !ok {
		return api.Response{Err: fmt.Errorf("drive %q was not configured pre-boot", d.ID)}
	}

	block, ok := attached.Backend.(interface{ UpdatePath(string) error })
	if !ok {
		return api.Response{Err: fmt.Errorf("drive %q backend does not support path updates", d.ID)}
	}

	if err := block.UpdatePath(d.PathOnHost); err != nil {
		return api.Response{Err: fmt.Errorf("update drive %q path: %w", d.ID, err)}
	}

	return api.Response{StatusCode: http.StatusNoContent}
}

func (t *vmmThread) handleNetworkInterface(req *api.Request) api.Response {
	if t.booted {
		return api.Response{Err: fmt.Errorf("network-interfaces is pre-boot only")}
	}

	n := req.Payload.(api.NetworkInterface)
	t.netIfaces[n.ID] = n

	return api.Response{StatusCode: http.StatusNoContent}
}

func (t *vmmThread) handleVsock(req *api.Request) api.Response {
	if t.booted {
		return api.Response{Err: fmt.Errorf("vsock is pre-boot only")}
	}

	v := req.Payload.(api.Vsock)
	t.vsockCfg = &v

	return api.Response{StatusCode: http.StatusNoContent}
}

func (t *vmmThread) handleMachineConfig(req *api.Request) api.Response {
	if t.booted {
		return api.Response{Err: fmt.Errorf("machine-config is pre-boot only")}
	}

	t.machineConfig = req.Payload.(api.MachineConfig)

	return api.Response{StatusCode: http.StatusNoContent}
}

func (t *vmmThread) handleVMState(req *api.Request) api.Response {
	if !t.booted {
		return api.Response{Err: fmt.Errorf("vm is not running")}
	}

	s := req.Payload.(api.VMState)

	switch s.State {
	case "Paused":
		if err := t.ctrl.Pause(); err != nil {
			return api.Response{Err: err}
		}
	case "Resumed":
		t.ctrl.Resume()
	}

	return api.Response{StatusCode: http.StatusNoContent}
}

func (t *vmmThread) handleSnapshotCreate(req *api.Request) api.Response {
	if !t.booted {
		return api.Response{Err: fmt.Errorf("cannot snapshot before instance start")}
	}

	s := req.Payload.(api.SnapshotCreate)

	var diff bool

	switch s.SnapshotType {
	case "", "Full":
		diff = false
	case "Diff":
		if !t.vm.Mem.DirtyTrackingEnabled() {
			return api.Response{Err: fmt.Errorf("snapshot_type Diff requires track_dirty_pages")}
		}

		diff = true
	default:
		return api.Response{Err: fmt.Errorf("unknown snapshot_type %q", s.SnapshotType)}
	}

	snap, err := vmm.CreateSnapshot(t.vm)
	if err != nil {
		return api.Response{Err: fmt.Errorf("create snapshot: %w", err)}
	}

	snap.MemoryIsDiff = diff

	hdrFile, err := os.Create(s.SnapshotPath)
	if err != nil {
		return api.Response{Err: fmt.Errorf("create snapshot file: %w", err)}
	}
	defer hdrFile.Close()

	if err := vmm.WriteSnapshotHeader(hdrFile, snap); err != nil {
		return api.Response{Err: fmt.Errorf("write snapshot header: %w", err)}
	}

	memFile, err := os.Create(s.MemFilePath)
	if err != nil {
		return api.Response{Err: fmt.Errorf("create mem file: %w", err)}
	}
	defer memFile.Close()

	if diff {
		if err := vmm.WriteMemoryDiff(memFile, t.vm.VMFd(), t.vm.Mem); err != nil {
			return api.Response{Err: fmt.Errorf("write memory diff: %w", err)}
		}
	} else if _, err := t.vm.Mem.WriteTo(memFile); err != nil {
		return api.Response{Err: fmt.Errorf("write memory image: %w", err)}
	}

	return api.Response{StatusCode: http.StatusNoContent}
}

// handleSnapshotLoad reconstructs a VM from a snapshot header instead of
// booting Linux fresh: the header alone carries enough machine-config
// (MemSizeBytes, VCPUCount) to stand up the VM and attach pre-boot-configured
// devices exactly as startInstance would, then RestoreSnapshot replaces the
// freshly-created vCPU/device state with the snapshotted one before the
// vCPU threads start running it.
func (t *vmmThread) handleSnapshotLoad(req *api.Request) api.Response {
	if t.booted {
		return api.Response{Err: fmt.Errorf("snapshot/load is pre-boot only")}
	}

	s := req.Payload.(api.SnapshotLoad)

	hdrFile, err := os.Open(s.SnapshotPath)
	if err != nil {
		return api.Response{Err: fmt.Errorf("open snapshot file: %w", err)}
	}
	defer hdrFile.Close()

	snap, err := vmm.ReadSnapshotHeader(hdrFile)
	if err != nil {
		return api.Response{Err: fmt.Errorf("read snapshot header: %w", err)}
	}

	if snap.MemoryIsDiff {
		return api.Response{Err: fmt.Errorf(
			"snapshot %q is a Diff snapshot and cannot be loaded standalone; load its preceding Full snapshot instead",
			s.SnapshotPath)}
	}

	if err := t.setupVM(snap.MemSizeBytes, snap.VCPUCount, s.EnableDiffSnapshots); err != nil {
		return api.Response{Err: fmt.Errorf("recreate vm from snapshot: %w", err)}
	}

	memFile, err := os.Open(s.MemFilePath)
	if err != nil {
		return api.Response{Err: fmt.Errorf("open mem file: %w", err)}
	}
	defer memFile.Close()

	if _, err := t.vm.Mem.ReadFrom(memFile); err != nil {
		return api.Response{Err: fmt.Errorf("read memory image: %w", err)}
	}

	if err := vmm.RestoreSnapshot(t.vm, snap); err != nil {
		return api.Response{Err: fmt.Errorf("restore snapshot: %w", err)}
	}

	t.startVCPUs()
	t.booted = true

	return api.Response{StatusCode: http.StatusNoContent}
}

func (t *vmmThread) handleInstanceAction(req *api.Request) api.Response {
	a := req.Payload.(api.InstanceAction)

	switch a.ActionType {
	case "InstanceStart":
		if t.booted {
			return api.Response{Err: fmt.Errorf("instance already started")}
		}

		if err := t.startInstance(); err != nil {
			return api.Response{Err: err}
		}

		return api.Response{StatusCode: http.StatusNoContent}

	case "SendCtrlAltDel":
		// The i8042 reset-request latch this repurposes for guest-side
		// reboot detection has no host-triggerable counterpart wired to
		// a real keyboard IRQ in this build; acknowledged but a no-op.
		t.log.Warn("SendCtrlAltDel: no host-injectable keyboard IRQ path wired, ignoring")

		return api.Response{StatusCode: http.StatusNoContent}

	case "FlushMetrics":
		t.flushMetrics()

		return api.Response{StatusCode: http.StatusNoContent}

	default:
		return api.Response{Err: fmt.Errorf("unknown action_type %q", a.ActionType)}
	}
}

func (t *vmmThread) flushMetrics() {
	families, err := metrics.Registry.Gather()
	if err != nil {
		t.log.WithError(err).Warn("gather metrics")

		return
	}

	var sb strings.Builder

	enc := expfmt.NewEncoder(&sb, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			t.log.WithError(err).Warn("encode metrics")

			return
		}
	}

	t.log.Info(sb.String())
}

// setupVM creates the Vm handle, its event loop, and every pre-boot-
// configured device, the common prefix shared by a fresh boot
// (startInstance) and a snapshot restore (handleSnapshotLoad) — only what
// happens to guest memory and the vCPUs afterward differs between the two.
func (t *vmmThread) setupVM(memSizeBytes uint64, vcpuCount int, trackDirty bool) error {
	vm, err := vmm.New(vmm.Config{
		MemSizeBytes: memSizeBytes,
		VCPUCount:    vcpuCount,
		TrackDirty:   trackDirty,
	}, t.log)
	if err != nil {
		return fmt.Errorf("create vm: %w", err)
	}

	t.vm = vm
	t.devices = devicemgr.New(vm)

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}

	t.loop = loop

	go func() {
		t.installSeccompOnThread()

		if err := t.loop.Run(); err != nil {
			t.log.WithError(err).Warn("event loop exited")
		}
	}()

	return t.attachDevices()
}

func (t *vmmThread) startInstance() error {
	memBytes := uint64(t.machineConfig.MemSizeMiB) << 20

	if err := t.setupVM(memBytes, t.machineConfig.VCPUCount, t.machineConfig.TrackDirtyPages); err != nil {
		return err
	}

	kernel, err := os.Open(t.bootSource.KernelImagePath)
	if err != nil {
		return fmt.Errorf("open kernel image: %w", err)
	}
	defer kernel.Close()

	var initrd *os.File

	if t.bootSource.InitrdPath != "" {
		initrd, err = os.Open(t.bootSource.InitrdPath)
		if err != nil {
			return fmt.Errorf("open initrd: %w", err)
		}
		defer initrd.Close()
	}

	if err := t.vm.BootLinux(kernel, initrd, t.bootSource.BootArgs, t.devices.MmioClauses()); err != nil {
		return fmt.Errorf("boot linux: %w", err)
	}

	t.startVCPUs()
	t.booted = true

	return nil
}

func (t *vmmThread) startVCPUs() {
	t.ctrl = vmm.NewController(t.vm)

	if t.filters != nil {
		t.ctrl.ThreadInit = func(int) error { return seccomp.Install(t.filters) }
	}

	t.ctrl.Start()
}

func (t *vmmThread) attachDevices() error {
	for id, d := range t.drives {
		backend, err := newBlockBackend(d)
		if err != nil {
			return fmt.Errorf("open drive %q: %w", id, err)
		}

		if _, err := t.devices.Attach("block", id, backend); err != nil {
			return fmt.Errorf("attach drive %q: %w", id, err)
		}
	}

	for id, n := range t.netIfaces {
		backend, dev, err := newNetBackend(n)
		if err != nil {
			return fmt.Errorf("open network interface %q: %w", id, err)
		}

		attached, err := t.devices.Attach("net", id, backend)
		if err != nil {
			return fmt.Errorf("attach network interface %q: %w", id, err)
		}

		transport := attached.Transport

		err = t.loop.Add(&eventloop.Source{
			Fd:     int(dev.Fd()),
			Events: unix.EPOLLIN,
			Callback: func(uint32) error {
				q := transport.BoundQueue(rxQueueIdx)
				if q == nil {
					return nil
				}

				pushed, err := backend.TapReadable(q)
				if err != nil {
					return err
				}

				if pushed {
					transport.RaiseInterrupt()
				}

				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("register tap %q with event loop: %w", n.HostDevName, err)
		}
	}

	if t.vsockCfg != nil {
		backend, err := newVsockBackend(*t.vsockCfg)
		if err != nil {
			return fmt.Errorf("start vsock: %w", err)
		}

		if _, err := t.devices.Attach("vsock", "0", backend); err != nil {
			return fmt.Errorf("attach vsock: %w", err)
		}
	}

	return nil
}
