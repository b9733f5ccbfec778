// Package tap brings up a host tap network interface and hands back its
// file descriptor as an io.ReadWriter for virtio.Net.
package tap

import (
	"fmt"
	"os"

	"github.com/vishvananda/netlink"
)

// Device is an open, single-queue tap interface.
type Device struct {
	*os.File

	name string
	link netlink.Link
}

// Open creates (or reuses, if it already exists) a tap interface named
// name, brings it up, and returns its file descriptor. VNET_HDR is
// disabled and PI headers are stripped, matching what virtio.Net expects
// to read and write: raw Ethernet frames, no extra header.
func Open(name string) (*Device, error) {
	handle, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("tap: netlink handle: %w", err)
	}

	defer handle.Close()

	link := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Queues:    1,
		Flags:     netlink.TUNTAP_NO_PI,
	}

	if err := handle.LinkAdd(link); err != nil {
		return nil, fmt.Errorf("tap: link add %s: %w", name, err)
	}

	if len(link.Fds) == 0 {
		handle.LinkDel(link) //nolint:errcheck

		return nil, fmt.Errorf("tap: link add %s: no fd returned", name)
	}

	if err := handle.LinkSetUp(link); err != nil {
		handle.LinkDel(link) //nolint:errcheck

		return nil, fmt.Errorf("tap: link set up %s: %w", name, err)
	}

	return &Device{File: link.Fds[0], name: name, link: link}, nil
}

// Name returns the host interface name.
func (d *Device) Name() string { return d.name }

// SetAddr assigns a host-side IPv4/IPv6 address to the interface, in the
// same netlink.ParseAddr form the control plane would take from config
// (e.g. "192.168.20.1/24").
func (d *Device) SetAddr(cidr string) error {
	handle, err := netlink.NewHandle()
	if err != nil {
		return fmt.Errorf("tap: netlink handle: %w", err)
	}

	defer handle.Close()

	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("tap: parse addr %q: %w", cidr, err)
	}

	if err := handle.AddrAdd(d.link, addr); err != nil {
		return fmt.Errorf("tap: addr add %q to %s: %w", cidr, d.name, err)
	}

	return nil
}

// Close closes the tap fd and removes the interface.
func (d *Device) Close() error {
	err := d.File.Close()

	handle, herr := netlink.NewHandle()
	if herr == nil {
		defer handle.Close()

		handle.LinkDel(d.link) //nolint:errcheck
	}

	return err
}
