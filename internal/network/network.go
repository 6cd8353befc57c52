// Package network provisions the host-side networking for each microVM: a
// shared Linux bridge and a per-VM TAP device, plus guest IP allocation.
//
// TAP device creation is serialized process-wide (tapMu) and scans a bounded
// window of candidate names, re-checking existence right before creation to
// close the time-of-check-to-time-of-use gap against other processes (or
// udev) racing to claim the same name; a creation that still loses the race
// is treated as busy and retried against a fresh candidate.
package network

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oriys/sandboxvm/internal/apperr"
	"github.com/oriys/sandboxvm/internal/config"
	"github.com/vishvananda/netlink"
)

// Manager provisions bridge and TAP networking for microVMs.
type Manager struct {
	cfg config.NetworkConfig

	tapMu sync.Mutex // serializes TAP name scanning + creation process-wide

	ipPool  *resourcePool[string]
	gateway string
}

// NewManager constructs a Manager and pre-fills the guest IP pool from the
// configured subnet. poolSize is the VM pool's configured size: guest IPs
// are drawn only from the range a pool of that size can ever need
// (prefix.100 .. prefix.(99+poolSize)), never the whole subnet's host
// range, so the address a VM holds is always recoverable from its pool
// slot alone. NewManager does not touch the kernel; call EnsureBridge to
// do that.
func NewManager(cfg config.NetworkConfig, poolSize int) (*Manager, error) {
	m := &Manager{cfg: cfg, ipPool: newResourcePool[string]()}
	if err := m.initIPPool(poolSize); err != nil {
		return nil, err
	}
	return m, nil
}

// guestIPBaseOffset is the first host offset handed to a pool VM, per the
// ip_addr = <prefix>.<100 + pool-slot> data-model invariant.
const guestIPBaseOffset = 100

func (m *Manager) initIPPool(poolSize int) error {
	ip, ipNet, err := net.ParseCIDR(m.cfg.Subnet)
	if err != nil {
		return apperr.ConfigErrorf("parse subnet %q: %v", m.cfg.Subnet, err)
	}
	base := ipToUint32(ip.Mask(ipNet.Mask))
	ones, bits := ipNet.Mask.Size()
	hostBits := bits - ones
	if hostBits < 2 {
		return apperr.ConfigErrorf("subnet %q too small for host allocation", m.cfg.Subnet)
	}
	maxOffset := uint32(1)<<uint(hostBits) - 2 // exclude network and broadcast addresses

	m.gateway = uint32ToIP(base + 1).String()

	if poolSize <= 0 {
		return nil
	}
	lastOffset := uint32(guestIPBaseOffset + poolSize - 1)
	if lastOffset > maxOffset {
		return apperr.ConfigErrorf("subnet %q too small for a pool of %d VMs (needs host offsets up to %d)", m.cfg.Subnet, poolSize, lastOffset)
	}

	// Filled highest offset first: acquire pops from the end of the free
	// list, so the first address handed out is prefix.100, then prefix.101.
	ips := make([]string, 0, poolSize)
	for offset := lastOffset; offset >= guestIPBaseOffset; offset-- {
		ips = append(ips, uint32ToIP(base+offset).String())
	}
	m.ipPool.fill(ips)
	return nil
}

// AllocateIP reserves a guest IP address from the subnet pool.
func (m *Manager) AllocateIP() (string, error) {
	ip, ok := m.ipPool.acquire()
	if !ok {
		return "", apperr.ResourceUnavailableErrorf("no free guest IP addresses in subnet %s", m.cfg.Subnet)
	}
	return ip, nil
}

// ReleaseIP returns a guest IP address to the pool.
func (m *Manager) ReleaseIP(ip string) {
	m.ipPool.release(ip)
}

// EnsureBridge creates the shared bridge if it does not already exist,
// assigns it the subnet's gateway address, brings it up, and enables IPv4
// forwarding so guests can reach the outside world via NAT set up out of
// band by the host operator.
func (m *Manager) EnsureBridge() error {
	link, err := netlink.LinkByName(m.cfg.BridgeName)
	if err == nil {
		if link.Attrs().Flags&net.FlagUp == 0 {
			if err := netlink.LinkSetUp(link); err != nil {
				return apperr.NetworkErrorf("bring up bridge %s: %v", m.cfg.BridgeName, err)
			}
		}
		return nil
	}
	if _, ok := err.(netlink.LinkNotFoundError); !ok {
		return apperr.NetworkErrorf("look up bridge %s: %v", m.cfg.BridgeName, err)
	}

	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: m.cfg.BridgeName}}
	if err := netlink.LinkAdd(br); err != nil {
		return apperr.NetworkErrorf("create bridge %s: %v", m.cfg.BridgeName, err)
	}

	_, ipNet, err := net.ParseCIDR(m.cfg.Subnet)
	if err != nil {
		return apperr.ConfigErrorf("parse subnet %q: %v", m.cfg.Subnet, err)
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{IP: net.ParseIP(m.gateway), Mask: ipNet.Mask}}
	if err := netlink.AddrAdd(br, addr); err != nil {
		return apperr.NetworkErrorf("assign address to bridge %s: %v", m.cfg.BridgeName, err)
	}

	if err := netlink.LinkSetUp(br); err != nil {
		return apperr.NetworkErrorf("bring up bridge %s: %v", m.cfg.BridgeName, err)
	}

	if err := enableIPForwarding(); err != nil {
		return apperr.SystemErrorf("enable ip forwarding: %v", err)
	}

	return nil
}

func enableIPForwarding() error {
	return os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1\n"), 0644)
}

// CreateTAP allocates a free TAP device name, creates it, attaches it to the
// shared bridge, brings it up, and sets it promiscuous. It returns the
// device name.
func (m *Manager) CreateTAP(vmID string) (string, error) {
	m.tapMu.Lock()
	defer m.tapMu.Unlock()

	tried := make(map[string]struct{})
	for attempt := 0; attempt < m.cfg.ScanCeiling; attempt++ {
		name, err := m.nextFreeTapName(tried)
		if err != nil {
			return "", err
		}

		err = m.createTapInternal(name)
		if err == nil {
			return name, nil
		}
		if !apperr.Is(err, apperr.ErrResourceUnavailable) {
			return "", err
		}
		tried[name] = struct{}{}
		_ = m.deleteTapByName(name)
		time.Sleep(m.cfg.RetryBackoff)
	}

	return "", apperr.ResourceUnavailableErrorf("exhausted %d candidates while creating a TAP device for %s", m.cfg.ScanCeiling, vmID)
}

func (m *Manager) createTapInternal(name string) error {
	// Re-check right before creation to close the window between the scan
	// in nextFreeTapName and this call.
	if _, err := netlink.LinkByName(name); err == nil {
		return apperr.ResourceUnavailableErrorf("tap %s claimed by another process", name)
	}

	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return apperr.ResourceUnavailableErrorf("create tap %s: %v", name, err)
	}

	bridge, err := netlink.LinkByName(m.cfg.BridgeName)
	if err != nil {
		_ = m.deleteTapByName(name)
		return apperr.NetworkErrorf("look up bridge %s: %v", m.cfg.BridgeName, err)
	}
	if err := netlink.LinkSetMaster(tap, bridge); err != nil {
		_ = m.deleteTapByName(name)
		return apperr.NetworkErrorf("attach tap %s to bridge: %v", name, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		_ = m.deleteTapByName(name)
		return apperr.NetworkErrorf("bring up tap %s: %v", name, err)
	}
	if err := netlink.SetPromiscOn(tap); err != nil {
		_ = m.deleteTapByName(name)
		return apperr.NetworkErrorf("set promiscuous mode on tap %s: %v", name, err)
	}

	return nil
}

// DeleteTAP removes a TAP device. It is idempotent: deleting an
// already-gone device is not an error.
func (m *Manager) DeleteTAP(name string) error {
	return m.deleteTapByName(name)
}

func (m *Manager) deleteTapByName(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return apperr.NetworkErrorf("look up tap %s: %v", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return apperr.NetworkErrorf("delete tap %s: %v", name, err)
	}
	return nil
}

// nextFreeTapName scans the configured namespace of candidate names and
// returns the first one not currently held by any netlink device and not
// in skip (the names already tried by the current allocation).
func (m *Manager) nextFreeTapName(skip map[string]struct{}) (string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return "", apperr.NetworkErrorf("list network links: %v", err)
	}
	existing := make(map[string]struct{}, len(links))
	for _, l := range links {
		existing[l.Attrs().Name] = struct{}{}
	}

	for i := 0; i < m.cfg.MaxTapIndex; i++ {
		name := fmt.Sprintf("%s%d", m.cfg.TapPrefix, i)
		if _, taken := existing[name]; taken {
			continue
		}
		if _, tried := skip[name]; tried {
			continue
		}
		return name, nil
	}

	return "", apperr.ResourceUnavailableErrorf("no free tap names available (checked %d candidates)", m.cfg.MaxTapIndex)
}

// GatewayIP returns the bridge's gateway address within the subnet.
func (m *Manager) GatewayIP() string {
	return m.gateway
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// GenerateMAC derives a deterministic, locally-administered MAC address
// from a VM ID (02:FC:00 prefix) so a given VM always gets the same
// address across restarts.
func GenerateMAC(vmID string) string {
	h := 0
	for _, c := range vmID {
		h = h*31 + int(c)
	}
	return fmt.Sprintf("02:FC:00:%02X:%02X:%02X", (h>>16)&0xFF, (h>>8)&0xFF, h&0xFF)
}
