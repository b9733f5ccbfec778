// Package seccomp compiles an allow/deny syscall rule set into a classic
// BPF program and installs it on the calling thread, per spec §4.6.
//
// The instruction layout mirrors original_source/seccomp/src/lib.rs:
// validate the architecture, examine the syscall number, evaluate each
// allowed syscall's conditions with skip-offsets to the next rule, and
// default to TRAP so a process-wide SIGSYS handler can count the fault.
package seccomp

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Level selects how strict the installed filter is.
type Level int

const (
	// LevelNone installs no filter at all.
	LevelNone Level = iota
	// LevelBasic allows a syscall through on number alone, ignoring any
	// conditions attached to its Rule.
	LevelBasic
	// LevelAdvanced evaluates each Rule's Conditions before allowing.
	LevelAdvanced
)

// ParseLevel converts the CLI's 0/1/2 seccomp-level flag into a Level.
func ParseLevel(n int) (Level, error) {
	switch n {
	case 0:
		return LevelNone, nil
	case 1:
		return LevelBasic, nil
	case 2:
		return LevelAdvanced, nil
	default:
		return LevelNone, fmt.Errorf("seccomp: invalid level %d, want 0, 1 or 2", n)
	}
}

// CmpOp is a condition's comparison operator.
type CmpOp int

const (
	Eq CmpOp = iota
	Ne
	Lt
	Le
	Gt
	Ge
	MaskedEq
)

// argNumberMax is the highest valid syscall argument index; syscalls take
// at most 6 arguments, numbered 0 through 5.
const argNumberMax = 5

// conditionMaxLen bounds how many BPF statements a single condition may
// expand into; kept here as a compile-time sanity check, not enforced at
// runtime since Go has no const-eval over slice literals.
const conditionMaxLen = 6

// Condition is one comparison a syscall's arguments must satisfy.
type Condition struct {
	ArgNumber uint8
	Operator  CmpOp
	Value     uint64
	Mask      uint64 // only meaningful when Operator == MaskedEq
}

// NewCondition validates arg and returns a Condition, rejecting argument
// numbers outside [0,5].
func NewCondition(arg uint8, op CmpOp, value uint64) (Condition, error) {
	if arg > argNumberMax {
		return Condition{}, fmt.Errorf("seccomp: argument number %d exceeds max %d", arg, argNumberMax)
	}

	return Condition{ArgNumber: arg, Operator: op, Value: value}, nil
}

// Rule allows one syscall through, subject to all of its Conditions
// (conditions are ANDed; a syscall with no conditions is allowed
// unconditionally once its number matches).
type Rule struct {
	Syscall    int64
	Conditions []Condition
}

// BPF instruction classes and fields, from linux/bpf_common.h.
const (
	bpfLD  = 0x00
	bpfALU = 0x04
	bpfJMP = 0x05
	bpfRET = 0x06

	bpfW   = 0x00
	bpfABS = 0x20

	bpfAND = 0x50

	bpfJEQ = 0x10
	bpfJGT = 0x20
	bpfJGE = 0x30
	bpfK   = 0x00
)

// Seccomp return codes, from linux/seccomp.h.
const (
	retAllow = 0x7fff0000
	retKill  = 0x00000000
	retTrap  = 0x00030000
)

// auditArchX86_64 identifies the x86-64 ABI to the kernel's arch check,
// from linux/audit.h: EM_X86_64 | __AUDIT_ARCH_64BIT | __AUDIT_ARCH_LE.
const auditArchX86_64 = 62 | 0x80000000 | 0x40000000

// seccomp_data field offsets, in bytes:
//
//	struct seccomp_data { int nr; __u32 arch; __u64 ip; __u64 args[6]; }
const (
	dataArchOffset = 4
	dataNrOffset   = 0
	dataArgsOffset = 16
	dataArgSize    = 8
)

func stmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: 0, Jf: 0, K: k}
}

func jump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

func validateArchitecture() []unix.SockFilter {
	return []unix.SockFilter{
		stmt(bpfLD+bpfW+bpfABS, dataArchOffset),
		jump(bpfJMP+bpfJEQ+bpfK, auditArchX86_64, 1, 0),
		stmt(bpfRET+bpfK, retKill),
	}
}

func examineSyscall() []unix.SockFilter {
	return []unix.SockFilter{
		stmt(bpfLD+bpfW+bpfABS, dataNrOffset),
	}
}

func signalProcess() []unix.SockFilter {
	return []unix.SockFilter{
		stmt(bpfRET+bpfK, retTrap),
	}
}

// valueSegments splits an 8-byte condition value into its most- and
// least-significant 32-bit halves, along with the seccomp_data byte
// offsets of the matching halves of the syscall argument (little-endian:
// low half at the lower address).
func (c Condition) valueSegments() (msb, lsb uint32, msbOff, lsbOff uint32) {
	msb = uint32(c.Value >> 32)
	lsb = uint32(c.Value)

	argOffset := dataArgsOffset + uint32(c.ArgNumber)*dataArgSize
	lsbOff = argOffset
	msbOff = argOffset + dataArgSize/2

	return msb, lsb, msbOff, lsbOff
}

// intoBPF translates one condition into BPF statements. offset is the
// number of instructions to skip, on failure, to reach the start of the
// next rule (or the default action, for a rule's last condition).
func (c Condition) intoBPF(offset uint8) []unix.SockFilter {
	msb, lsb, msbOff, lsbOff := c.valueSegments()

	switch c.Operator {
	case Eq:
		return []unix.SockFilter{
			stmt(bpfLD+bpfW+bpfABS, msbOff),
			jump(bpfJMP+bpfJEQ+bpfK, msb, 0, offset+2),
			stmt(bpfLD+bpfW+bpfABS, lsbOff),
			jump(bpfJMP+bpfJEQ+bpfK, lsb, 0, offset),
		}
	case Ge:
		return []unix.SockFilter{
			stmt(bpfLD+bpfW+bpfABS, msbOff),
			jump(bpfJMP+bpfJGT+bpfK, msb, 3, 0),
			jump(bpfJMP+bpfJEQ+bpfK, msb, 0, offset+2),
			stmt(bpfLD+bpfW+bpfABS, lsbOff),
			jump(bpfJMP+bpfJGE+bpfK, lsb, 0, offset),
		}
	case Gt:
		return []unix.SockFilter{
			stmt(bpfLD+bpfW+bpfABS, msbOff),
			jump(bpfJMP+bpfJGT+bpfK, msb, 3, 0),
			jump(bpfJMP+bpfJEQ+bpfK, msb, 0, offset+2),
			stmt(bpfLD+bpfW+bpfABS, lsbOff),
			jump(bpfJMP+bpfJGT+bpfK, lsb, 0, offset),
		}
	case Le:
		return []unix.SockFilter{
			stmt(bpfLD+bpfW+bpfABS, msbOff),
			jump(bpfJMP+bpfJGT+bpfK, msb, offset+3, 0),
			jump(bpfJMP+bpfJEQ+bpfK, msb, 0, 2),
			stmt(bpfLD+bpfW+bpfABS, lsbOff),
			jump(bpfJMP+bpfJGT+bpfK, lsb, offset, 0),
		}
	case Lt:
		return []unix.SockFilter{
			stmt(bpfLD+bpfW+bpfABS, msbOff),
			jump(bpfJMP+bpfJGT+bpfK, msb, offset+3, 0),
			jump(bpfJMP+bpfJEQ+bpfK, msb, 0, 2),
			stmt(bpfLD+bpfW+bpfABS, lsbOff),
			jump(bpfJMP+bpfJGE+bpfK, lsb, offset, 0),
		}
	case MaskedEq:
		maskedValue := c.Value & c.Mask
		mMSB := uint32(maskedValue >> 32)
		mLSB := uint32(maskedValue)
		maskMSB := uint32(c.Mask >> 32)
		maskLSB := uint32(c.Mask)

		return []unix.SockFilter{
			stmt(bpfLD+bpfW+bpfABS, msbOff),
			stmt(bpfALU+bpfAND+bpfK, maskMSB),
			jump(bpfJMP+bpfJEQ+bpfK, mMSB, 0, offset+3),
			stmt(bpfLD+bpfW+bpfABS, lsbOff),
			stmt(bpfALU+bpfAND+bpfK, maskLSB),
			jump(bpfJMP+bpfJEQ+bpfK, mLSB, 0, offset),
		}
	case Ne:
		return []unix.SockFilter{
			stmt(bpfLD+bpfW+bpfABS, msbOff),
			jump(bpfJMP+bpfJEQ+bpfK, msb, 0, 2),
			stmt(bpfLD+bpfW+bpfABS, lsbOff),
			jump(bpfJMP+bpfJEQ+bpfK, lsb, offset, 0),
		}
	default:
		return nil
	}
}

// ruleBPF compiles one rule (syscall number compare plus its conditions,
// if level is LevelAdvanced) into BPF, followed by a RET ALLOW. Every
// jump offset here is local to this rule: because rules are laid out
// back to back, "skip past what's left of this rule" always lands
// exactly on the next rule's own syscall-number compare (or, for the
// last rule, on the default TRAP), with no cross-rule bookkeeping
// needed.
func ruleBPF(r Rule, level Level) []unix.SockFilter {
	var conditions []Condition
	if level == LevelAdvanced {
		conditions = r.Conditions
	}

	if len(conditions) == 0 {
		return []unix.SockFilter{
			jump(bpfJMP+bpfJEQ+bpfK, uint32(r.Syscall), 0, 1),
			stmt(bpfRET+bpfK, retAllow),
		}
	}

	var body []unix.SockFilter

	for i, c := range conditions {
		var remainingLen uint8
		for _, rc := range conditions[i+1:] {
			remainingLen += uint8(len(rc.intoBPF(0)))
		}

		body = append(body, c.intoBPF(remainingLen+1)...)
	}

	body = append(body, stmt(bpfRET+bpfK, retAllow))

	out := make([]unix.SockFilter, 0, len(body)+1)
	out = append(out, jump(bpfJMP+bpfJEQ+bpfK, uint32(r.Syscall), 0, uint8(len(body))))
	out = append(out, body...)

	return out
}

// Compile builds the full BPF program for level and rules. LevelNone
// returns nil: no filter is installed at all, matching the behavior of
// skipping prctl entirely rather than installing an arch-check-only
// filter.
func Compile(level Level, rules []Rule) ([]unix.SockFilter, error) {
	if level == LevelNone {
		return nil, nil
	}

	filters := validateArchitecture()
	filters = append(filters, examineSyscall()...)

	for _, r := range rules {
		filters = append(filters, ruleBPF(r, level)...)
	}

	filters = append(filters, signalProcess()...)

	return filters, nil
}

// Install sets no-new-privs on the calling thread and installs filters
// as its seccomp filter. Must be called from the thread that is to be
// restricted: the filter is per-thread, not process-wide, until every
// thread installs it (or it's installed before any clone/thread-spawn).
func Install(filters []unix.SockFilter) error {
	if len(filters) == 0 {
		return nil
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("seccomp: set no-new-privs: %w", err)
	}

	prog := unix.SockFprog{
		Len:    uint16(len(filters)),
		Filter: &filters[0],
	}

	if err := unix.Prctl(unix.PR_SET_SECCOMP, uintptr(unix.SECCOMP_MODE_FILTER), uintptr(unsafe.Pointer(&prog)), 0, 0); err != nil {
		return fmt.Errorf("seccomp: install filter: %w", err)
	}

	return nil
}
