package api

// Kind identifies which control-plane action a Request carries.
type Kind int

// Request kinds, one per spec §6 endpoint family that must reach the
// VMM thread. MMDS and ShutdownInternal are handled by the server itself
// and never produce a Request.
const (
	KindBootSource Kind = iota
	KindDrive
	KindNetworkInterface
	KindVsock
	KindMachineConfig
	KindSnapshotCreate
	KindSnapshotLoad
	KindVMState
	KindInstanceAction
)

// String names a Kind for latency-metric labels and log lines.
func (k Kind) String() string {
	switch k {
	case KindBootSource:
		return "boot-source"
	case KindDrive:
		return "drive"
	case KindNetworkInterface:
		return "network-interface"
	case KindVsock:
		return "vsock"
	case KindMachineConfig:
		return "machine-config"
	case KindSnapshotCreate:
		return "snapshot-create"
	case KindSnapshotLoad:
		return "snapshot-load"
	case KindVMState:
		return "vm-state"
	case KindInstanceAction:
		return "instance-action"
	default:
		return "unknown"
	}
}

// BootSource is the body of PUT /boot-source.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	InitrdPath      string `json:"initrd_path,omitempty"`
	BootArgs        string `json:"boot_args,omitempty"`
}

// RateLimiter is accepted and stored but not yet enforced; present so
// /drives and /network-interfaces bodies round-trip without rejecting a
// field a real client sends.
type RateLimiter struct {
	Bandwidth *TokenBucket `json:"bandwidth,omitempty"`
	Ops       *TokenBucket `json:"ops,omitempty"`
}

// TokenBucket is a rate limiter's refill description.
type TokenBucket struct {
	Size       uint64 `json:"size"`
	RefillTime uint64 `json:"refill_time"`
}

// Drive is the body of PUT /drives/{id}.
type Drive struct {
	ID           string       `json:"drive_id"`
	PathOnHost   string       `json:"path_on_host"`
	IsRootDevice bool         `json:"is_root_device"`
	IsReadOnly   bool         `json:"is_read_only"`
	PartUUID     string       `json:"partuuid,omitempty"`
	CacheType    string       `json:"cache_type,omitempty"`
	RateLimiter  *RateLimiter `json:"rate_limiter,omitempty"`
}

// NetworkInterface is the body of PUT /network-interfaces/{id}.
type NetworkInterface struct {
	ID            string       `json:"iface_id"`
	HostDevName   string       `json:"host_dev_name"`
	GuestMAC      string       `json:"guest_mac,omitempty"`
	RxRateLimiter *RateLimiter `json:"rx_rate_limiter,omitempty"`
	TxRateLimiter *RateLimiter `json:"tx_rate_limiter,omitempty"`
}

// Vsock is the body of PUT /vsock.
type Vsock struct {
	GuestCID uint64 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

// MachineConfig is the body of PUT /machine-config.
type MachineConfig struct {
	VCPUCount       int    `json:"vcpu_count"`
	MemSizeMiB      int    `json:"mem_size_mib"`
	Smt             bool   `json:"smt,omitempty"`
	CPUTemplate     string `json:"cpu_template,omitempty"`
	TrackDirtyPages bool   `json:"track_dirty_pages,omitempty"`
}

// SnapshotCreate is the body of PUT /snapshot/create.
type SnapshotCreate struct {
	SnapshotType string `json:"snapshot_type"`
	SnapshotPath string `json:"snapshot_path"`
	MemFilePath  string `json:"mem_file_path"`
	Version      string `json:"version,omitempty"`
}

// SnapshotLoad is the body of PUT /snapshot/load.
type SnapshotLoad struct {
	SnapshotPath        string `json:"snapshot_path"`
	MemFilePath         string `json:"mem_file_path"`
	EnableDiffSnapshots bool   `json:"enable_diff_snapshots,omitempty"`
}

// VMState is the body of PATCH /vm.
type VMState struct {
	State string `json:"state"` // "Paused" or "Resumed"
}

// InstanceAction is the body of PUT /actions.
type InstanceAction struct {
	ActionType string `json:"action_type"` // InstanceStart, SendCtrlAltDel, FlushMetrics
}

// Request is one parsed control-plane action, dispatched to the VMM
// thread and replied to on Reply exactly once.
type Request struct {
	Kind    Kind
	Payload any
	Reply   chan Response
}

// Response is what the VMM thread sends back for a Request.
type Response struct {
	StatusCode int
	Body       []byte
	Err        error
}
