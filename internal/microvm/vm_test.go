package microvm

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/oriys/sandboxvm/internal/config"
	"github.com/oriys/sandboxvm/internal/network"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	netCfg := config.DefaultConfig().Network
	netCfg.Subnet = "10.201.0.0/24"
	netMgr, err := network.NewManager(netCfg, 3)
	if err != nil {
		t.Fatalf("network.NewManager: %v", err)
	}

	cfg := config.DefaultConfig().Launch
	cfg.ShutdownGrace = 200 * time.Millisecond
	return NewManager(cfg, netMgr)
}

// fakeVM builds a tracked VM backed by a real, long-lived but harmless
// process so StopVM/Shutdown exercise the real signal-and-wait path without
// needing an actual hypervisor binary.
func fakeVM(t *testing.T, m *Manager, id string) *VM {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = setpgidAttr()
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep not available in this environment: %v", err)
	}

	vm := &VM{
		ID:        id,
		State:     StateReady,
		GuestIP:   "10.201.0.2",
		TapDevice: "fc-tap-9999", // never actually created; DeleteTAP no-ops
		cmd:       cmd,
	}

	m.mu.Lock()
	m.vms[id] = vm
	m.mu.Unlock()
	return vm
}

func TestStopVM_TerminatesProcessAndUntracks(t *testing.T) {
	m := testManager(t)
	vm := fakeVM(t, m, "vm-a")

	if err := m.StopVM(vm.ID); err != nil {
		t.Fatalf("StopVM: %v", err)
	}

	if _, ok := m.GetVM(vm.ID); ok {
		t.Fatalf("expected vm to be untracked after StopVM")
	}
	if vm.State != StateDead {
		t.Fatalf("expected state dead, got %s", vm.State)
	}

	if ps := vm.cmd.ProcessState; ps == nil || ps.Exited() {
		t.Fatalf("expected process to have been terminated by a signal, got state %v", ps)
	}
}

func TestStopVM_UnknownID(t *testing.T) {
	m := testManager(t)
	if err := m.StopVM("does-not-exist"); err == nil {
		t.Fatalf("expected error stopping an unknown vm id")
	}
}

func TestShutdown_StopsEveryTrackedVM(t *testing.T) {
	m := testManager(t)
	ids := []string{"vm-1", "vm-2", "vm-3"}
	for _, id := range ids {
		fakeVM(t, m, id)
	}

	m.Shutdown()

	if len(m.ListVMs()) != 0 {
		t.Fatalf("expected Shutdown to untrack every VM, got %d remaining", len(m.ListVMs()))
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	m := testManager(t)
	m.Shutdown() // no VMs tracked; must not panic or block
	m.Shutdown() // a repeated call must not panic or block either
}

func TestMonitorProcess_CleansUpOnUnexpectedExit(t *testing.T) {
	m := testManager(t)

	cmd := exec.Command("sh", "-c", "exit 1")
	if err := cmd.Start(); err != nil {
		t.Skipf("sh not available: %v", err)
	}
	vm := &VM{ID: "vm-crash", State: StateReady, GuestIP: "10.201.0.3", TapDevice: "fc-tap-9998", cmd: cmd}

	m.mu.Lock()
	m.vms[vm.ID] = vm
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.monitorProcess(vm)
	}()
	wg.Wait()

	if _, ok := m.GetVM(vm.ID); ok {
		t.Fatalf("expected crashed vm to be removed from tracking")
	}
	if vm.State != StateDead {
		t.Fatalf("expected state dead after crash cleanup, got %s", vm.State)
	}
}

func TestAgentAddr(t *testing.T) {
	vm := &VM{GuestIP: "10.201.0.2"}
	if got := vm.AgentAddr(8080); got != "10.201.0.2:8080" {
		t.Fatalf("unexpected agent addr: %s", got)
	}
}
