package seccomp

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestValidateArchitecture(t *testing.T) {
	t.Parallel()

	got := validateArchitecture()
	want := []unix.SockFilter{
		{Code: 0x20, Jt: 0, Jf: 0, K: 4},
		{Code: 0x15, Jt: 1, Jf: 0, K: 0xC000003E},
		{Code: 0x06, Jt: 0, Jf: 0, K: 0},
	}
	require.Equal(t, want, got)
}

func TestExamineSyscall(t *testing.T) {
	t.Parallel()

	got := examineSyscall()
	want := []unix.SockFilter{{Code: 0x20, Jt: 0, Jf: 0, K: 0}}
	require.Equal(t, want, got)
}

func TestSignalProcess(t *testing.T) {
	t.Parallel()

	got := signalProcess()
	want := []unix.SockFilter{{Code: 0x06, Jt: 0, Jf: 0, K: 0x30000}}
	require.Equal(t, want, got)
}

func TestRuleBPFNoConditionsMatchesAllowSyscallShape(t *testing.T) {
	t.Parallel()

	got := ruleBPF(Rule{Syscall: 123}, LevelBasic)
	want := []unix.SockFilter{
		{Code: 0x15, Jt: 0, Jf: 1, K: 123},
		{Code: 0x06, Jt: 0, Jf: 0, K: 0x7FFF0000},
	}
	require.Equal(t, want, got)
}

func TestCompileBasicLevelIgnoresConditions(t *testing.T) {
	t.Parallel()

	cond, err := NewCondition(0, Eq, 1)
	require.NoError(t, err)

	rules := []Rule{{Syscall: 60, Conditions: []Condition{cond}}}

	got, err := Compile(LevelBasic, rules)
	require.NoError(t, err)

	// arch check (3) + examine (1) + bare allow rule (2) + trap (1)
	require.Len(t, got, 7)
}

func TestCompileAdvancedLevelAppendsConditions(t *testing.T) {
	t.Parallel()

	cond, err := NewCondition(0, Eq, 42)
	require.NoError(t, err)

	rules := []Rule{{Syscall: 60, Conditions: []Condition{cond}}}

	basic, err := Compile(LevelBasic, rules)
	require.NoError(t, err)

	advanced, err := Compile(LevelAdvanced, rules)
	require.NoError(t, err)

	require.Greater(t, len(advanced), len(basic))
}

func TestCompileNoneInstallsNothing(t *testing.T) {
	t.Parallel()

	got, err := Compile(LevelNone, nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestNewConditionRejectsOutOfRangeArg(t *testing.T) {
	t.Parallel()

	_, err := NewCondition(6, Eq, 0)
	require.Error(t, err)
}

func TestMultipleRulesChainOnFailure(t *testing.T) {
	t.Parallel()

	rules := []Rule{{Syscall: 1}, {Syscall: 2}}

	got, err := Compile(LevelBasic, rules)
	require.NoError(t, err)

	// arch check (3) + examine (1) + 2 rules * 2 + trap (1)
	require.Len(t, got, 9)

	// first rule's failure jump skips its own RET ALLOW, landing
	// exactly on the second rule's compare instruction.
	require.Equal(t, uint8(1), got[4].Jf)
}

func TestInstallWithEmptyFiltersIsNoop(t *testing.T) {
	t.Parallel()

	require.NoError(t, Install(nil))
}
