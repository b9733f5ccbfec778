package main

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/gokvm/microvm/api"
	"github.com/gokvm/microvm/seccomp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestParseOrRandomMACGeneratesLocallyAdministeredAddress(t *testing.T) {
	t.Parallel()

	mac, err := parseOrRandomMAC("")
	require.NoError(t, err)
	require.Equal(t, byte(0x02), mac[0]&0x02, "locally-administered bit must be set")
	require.Equal(t, byte(0), mac[0]&0x01, "multicast bit must be clear")
}

func TestParseOrRandomMACParsesExplicitAddress(t *testing.T) {
	t.Parallel()

	mac, err := parseOrRandomMAC("02:00:00:00:00:01")
	require.NoError(t, err)

	want, _ := net.ParseMAC("02:00:00:00:00:01")
	require.Equal(t, want, net.HardwareAddr(mac[:]))
}

func TestParseOrRandomMACRejectsMalformedAddress(t *testing.T) {
	t.Parallel()

	_, err := parseOrRandomMAC("not-a-mac")
	require.Error(t, err)
}

func TestDefaultSeccompRulesCompileAtAdvancedLevel(t *testing.T) {
	t.Parallel()

	rules := defaultSeccompRules()
	require.NotEmpty(t, rules)

	filters, err := seccomp.Compile(seccomp.LevelAdvanced, rules)
	require.NoError(t, err)
	require.NotEmpty(t, filters)
}

func TestLoadConfigFilePopulatesThread(t *testing.T) {
	t.Parallel()

	cfg := fileConfig{
		BootSource: api.BootSource{KernelImagePath: "/boot/vmlinux", BootArgs: "console=ttyS0"},
		MachineConfig: api.MachineConfig{
			VCPUCount:  2,
			MemSizeMiB: 256,
		},
		Drives: []api.Drive{{ID: "rootfs", PathOnHost: "/tmp/rootfs.ext4", IsRootDevice: true}},
		NetworkInterfaces: []api.NetworkInterface{
			{ID: "eth0", HostDevName: "tap0"},
		},
		Vsock: &api.Vsock{GuestCID: 3, UDSPath: "/tmp/v.sock"},
	}

	path := filepath.Join(t.TempDir(), "config.json")

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(f).Encode(cfg))
	require.NoError(t, f.Close())

	thread := newVMMThread(logrus.NewEntry(logrus.New()), seccomp.LevelNone, nil)
	require.NoError(t, loadConfigFile(path, thread))

	require.Equal(t, "/boot/vmlinux", thread.bootSource.KernelImagePath)
	require.Equal(t, 2, thread.machineConfig.VCPUCount)
	require.Contains(t, thread.drives, "rootfs")
	require.Contains(t, thread.netIfaces, "eth0")
	require.NotNil(t, thread.vsockCfg)
	require.Equal(t, uint64(3), thread.vsockCfg.GuestCID)
}

func TestLoadConfigFileRejectsMissingFile(t *testing.T) {
	t.Parallel()

	thread := newVMMThread(logrus.NewEntry(logrus.New()), seccomp.LevelNone, nil)
	require.Error(t, loadConfigFile(filepath.Join(t.TempDir(), "missing.json"), thread))
}
