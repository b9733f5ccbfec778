package main

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/gokvm/microvm/api"
	"github.com/gokvm/microvm/tap"
	"github.com/gokvm/microvm/virtio"
)

func newBlockBackend(d api.Drive) (*virtio.Block, error) {
	return virtio.NewBlock(d.PathOnHost, d.IsReadOnly)
}

// newNetBackend opens and brings up the host tap device and wraps it in a
// virtio-net backend. The tap device itself is also returned so the
// caller can register its fd with the event loop for RX readiness.
func newNetBackend(n api.NetworkInterface) (*virtio.Net, *tap.Device, error) {
	dev, err := tap.Open(n.HostDevName)
	if err != nil {
		return nil, nil, fmt.Errorf("open tap %q: %w", n.HostDevName, err)
	}

	mac, err := parseOrRandomMAC(n.GuestMAC)
	if err != nil {
		dev.Close() //nolint:errcheck

		return nil, nil, err
	}

	return virtio.NewNet(dev, mac), dev, nil
}

func newVsockBackend(v api.Vsock) (*virtio.Vsock, error) {
	return virtio.NewVsock(v.GuestCID, v.UDSPath)
}

func parseOrRandomMAC(s string) ([6]byte, error) {
	var mac [6]byte

	if s == "" {
		if _, err := rand.Read(mac[:]); err != nil {
			return mac, fmt.Errorf("generate random mac: %w", err)
		}

		mac[0] &^= 0x01 // clear multicast bit
		mac[0] |= 0x02  // set locally-administered bit

		return mac, nil
	}

	hw, err := net.ParseMAC(s)
	if err != nil {
		return mac, fmt.Errorf("parse guest_mac %q: %w", s, err)
	}

	if len(hw) != 6 {
		return mac, fmt.Errorf("guest_mac %q is not a 6-byte ethernet address", s)
	}

	copy(mac[:], hw)

	return mac, nil
}
