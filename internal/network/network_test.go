package network

import (
	"net"
	"testing"

	"github.com/oriys/sandboxvm/internal/config"
)

func testConfig() config.NetworkConfig {
	cfg := config.DefaultConfig().Network
	cfg.Subnet = "10.200.0.0/24" // large enough to hold .100..(99+N) for any pool size used in these tests
	return cfg
}

func TestNewManager_InitIPPool(t *testing.T) {
	m, err := NewManager(testConfig(), 3)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.GatewayIP() != "10.200.0.1" {
		t.Fatalf("expected gateway 10.200.0.1, got %s", m.GatewayIP())
	}

	ip, err := m.AllocateIP()
	if err != nil {
		t.Fatalf("AllocateIP: %v", err)
	}
	if ip == m.GatewayIP() {
		t.Fatalf("allocated IP must not equal the gateway")
	}
}

// TestInitIPPool_UsesHundredOffsetFormula verifies guest IPs are drawn only
// from {prefix.100, ..., prefix.(99+N)}, never the rest of the subnet's
// host range.
func TestInitIPPool_UsesHundredOffsetFormula(t *testing.T) {
	m, err := NewManager(testConfig(), 3)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	want := map[string]bool{"10.200.0.100": true, "10.200.0.101": true, "10.200.0.102": true}
	for i := 0; i < 3; i++ {
		ip, err := m.AllocateIP()
		if err != nil {
			t.Fatalf("AllocateIP %d: %v", i, err)
		}
		if !want[ip] {
			t.Fatalf("allocated ip %s outside the documented .100..(99+N) range", ip)
		}
		delete(want, ip)
	}
	if len(want) != 0 {
		t.Fatalf("expected all 3 addresses in the range to be allocated exactly once, %d left unallocated", len(want))
	}
	if _, err := m.AllocateIP(); err == nil {
		t.Fatalf("expected pool exhaustion once all 3 addresses in the range are allocated")
	}
}

func TestNewManager_RejectsSubnetTooSmallForPoolSize(t *testing.T) {
	cfg := config.DefaultConfig().Network
	cfg.Subnet = "10.200.0.0/29" // 6 usable host addresses, none reach offset 100
	if _, err := NewManager(cfg, 3); err == nil {
		t.Fatalf("expected error constructing a manager whose subnet can't hold offsets up to 99+poolSize")
	}
}

func TestAllocateIP_ExhaustionAndRelease(t *testing.T) {
	m, err := NewManager(testConfig(), 2)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var allocated []string
	for {
		ip, err := m.AllocateIP()
		if err != nil {
			break
		}
		allocated = append(allocated, ip)
	}
	if len(allocated) != 2 {
		t.Fatalf("expected exactly 2 allocatable IPs for a pool of size 2, got %d", len(allocated))
	}

	if _, err := m.AllocateIP(); err == nil {
		t.Fatalf("expected pool exhaustion error")
	}

	m.ReleaseIP(allocated[0])
	if _, err := m.AllocateIP(); err != nil {
		t.Fatalf("expected reacquire after release, got error: %v", err)
	}
}

func TestGenerateMAC_Deterministic(t *testing.T) {
	a := GenerateMAC("vm-123")
	b := GenerateMAC("vm-123")
	if a != b {
		t.Fatalf("expected deterministic MAC, got %s and %s", a, b)
	}
	if GenerateMAC("vm-other") == a {
		t.Fatalf("expected different VM IDs to usually produce different MACs")
	}
	if a[:9] != "02:FC:00:" {
		t.Fatalf("expected locally-administered prefix, got %s", a)
	}
}

func TestIPUint32RoundTrip(t *testing.T) {
	ip := uint32ToIP(ipToUint32(net.ParseIP("10.200.0.5")))
	if ip.String() != "10.200.0.5" {
		t.Fatalf("round trip failed: got %s", ip.String())
	}
}
