package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ParseError is returned by parseRequest for a malformed or unsupported
// request; its message becomes a 400 response's fault_message.
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string { return e.msg }

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{msg: fmt.Sprintf(format, args...)}
}

// isMMDS reports whether path names the MMDS resource, which the server
// handles itself rather than dispatching to the VMM thread.
func isMMDS(path string) bool {
	return strings.Trim(path, "/") == "mmds"
}

// isShutdownInternal reports whether path names the internal shutdown
// resource.
func isShutdownInternal(path string) bool {
	return strings.Trim(path, "/") == "shutdown-internal"
}

// parseRequest maps (method, path, body) to the request's Kind and decoded
// payload per spec §4.5's table-driven resource-family dispatch, or to a
// ParseError. The caller wraps Kind and payload in a Request with its own
// Reply channel before dispatching.
func parseRequest(method, path string, body []byte) (Kind, any, *ParseError) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return 0, nil, parseErrorf("empty path")
	}

	switch segs[0] {
	case "boot-source":
		if method != http.MethodPut {
			return 0, nil, parseErrorf("method %s not allowed on /boot-source", method)
		}

		var b BootSource
		if err := json.Unmarshal(body, &b); err != nil {
			return 0, nil, parseErrorf("decode boot-source: %v", err)
		}

		if b.KernelImagePath == "" {
			return 0, nil, parseErrorf("kernel_image_path is required")
		}

		return KindBootSource, b, nil

	case "drives":
		if len(segs) != 2 || segs[1] == "" {
			return 0, nil, parseErrorf("expected /drives/{id}")
		}

		if method != http.MethodPut {
			return 0, nil, parseErrorf("method %s not allowed on /drives/{id}", method)
		}

		var d Drive
		if err := json.Unmarshal(body, &d); err != nil {
			return 0, nil, parseErrorf("decode drive: %v", err)
		}

		d.ID = segs[1]

		return KindDrive, d, nil

	case "network-interfaces":
		if len(segs) != 2 || segs[1] == "" {
			return 0, nil, parseErrorf("expected /network-interfaces/{id}")
		}

		if method != http.MethodPut {
			return 0, nil, parseErrorf("method %s not allowed on /network-interfaces/{id}", method)
		}

		var n NetworkInterface
		if err := json.Unmarshal(body, &n); err != nil {
			return 0, nil, parseErrorf("decode network-interface: %v", err)
		}

		n.ID = segs[1]

		return KindNetworkInterface, n, nil

	case "vsock":
		if method != http.MethodPut {
			return 0, nil, parseErrorf("method %s not allowed on /vsock", method)
		}

		var v Vsock
		if err := json.Unmarshal(body, &v); err != nil {
			return 0, nil, parseErrorf("decode vsock: %v", err)
		}

		return KindVsock, v, nil

	case "machine-config":
		if method != http.MethodPut {
			return 0, nil, parseErrorf("method %s not allowed on /machine-config", method)
		}

		var m MachineConfig
		if err := json.Unmarshal(body, &m); err != nil {
			return 0, nil, parseErrorf("decode machine-config: %v", err)
		}

		if m.VCPUCount < 1 {
			return 0, nil, parseErrorf("vcpu_count must be >= 1")
		}

		return KindMachineConfig, m, nil

	case "snapshot":
		if len(segs) != 2 {
			return 0, nil, parseErrorf("expected /snapshot/create or /snapshot/load")
		}

		if method != http.MethodPut {
			return 0, nil, parseErrorf("method %s not allowed on /snapshot/%s", method, segs[1])
		}

		switch segs[1] {
		case "create":
			var s SnapshotCreate
			if err := json.Unmarshal(body, &s); err != nil {
				return 0, nil, parseErrorf("decode snapshot/create: %v", err)
			}

			return KindSnapshotCreate, s, nil
		case "load":
			var s SnapshotLoad
			if err := json.Unmarshal(body, &s); err != nil {
				return 0, nil, parseErrorf("decode snapshot/load: %v", err)
			}

			return KindSnapshotLoad, s, nil
		default:
			return 0, nil, parseErrorf("unknown snapshot resource %q", segs[1])
		}

	case "vm":
		if method != http.MethodPatch {
			return 0, nil, parseErrorf("method %s not allowed on /vm", method)
		}

		var s VMState
		if err := json.Unmarshal(body, &s); err != nil {
			return 0, nil, parseErrorf("decode vm state: %v", err)
		}

		if s.State != "Paused" && s.State != "Resumed" {
			return 0, nil, parseErrorf("state must be Paused or Resumed, got %q", s.State)
		}

		return KindVMState, s, nil

	case "actions":
		if method != http.MethodPut {
			return 0, nil, parseErrorf("method %s not allowed on /actions", method)
		}

		var a InstanceAction
		if err := json.Unmarshal(body, &a); err != nil {
			return 0, nil, parseErrorf("decode action: %v", err)
		}

		switch a.ActionType {
		case "InstanceStart", "SendCtrlAltDel", "FlushMetrics":
		default:
			return 0, nil, parseErrorf("unknown action_type %q", a.ActionType)
		}

		return KindInstanceAction, a, nil

	default:
		return 0, nil, parseErrorf("unknown resource %q", segs[0])
	}
}
