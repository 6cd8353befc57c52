// Package microvm launches and supervises individual guest microVMs: it
// synthesizes the hypervisor's boot config, spawns the process, probes the
// guest agent for readiness, and tears the VM down (gracefully, then
// forcefully) on request or on unexpected process death.
package microvm

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/sandboxvm/internal/apperr"
	"github.com/oriys/sandboxvm/internal/config"
	"github.com/oriys/sandboxvm/internal/logging"
	"github.com/oriys/sandboxvm/internal/metrics"
	"github.com/oriys/sandboxvm/internal/network"
)

// State is a VM's lifecycle stage.
type State string

const (
	StateBooting  State = "booting"
	StateReady    State = "ready"
	StateInUse    State = "in_use"
	StateDraining State = "draining"
	StateDead     State = "dead"
)

// VM is a single running (or starting) microVM instance.
type VM struct {
	ID         string
	State      State
	GuestIP    string
	GuestMAC   string
	TapDevice  string
	SocketPath string
	RootfsPath string // per-VM private copy of the base rootfs
	CreatedAt  time.Time
	LastUsed   time.Time

	cmd *exec.Cmd
	mu  sync.RWMutex
}

// AgentAddr returns the host:port of the guest agent inside this VM.
func (vm *VM) AgentAddr(agentPort int) string {
	return net.JoinHostPort(vm.GuestIP, fmt.Sprintf("%d", agentPort))
}

func (vm *VM) setState(s State) {
	vm.mu.Lock()
	vm.State = s
	vm.mu.Unlock()
}

// Manager launches and supervises VMs.
type Manager struct {
	cfg    config.LaunchConfig
	net    *network.Manager
	mu     sync.RWMutex
	vms    map[string]*VM
}

// NewManager constructs a Manager. net provisions TAP devices and guest IPs
// for each launched VM.
func NewManager(cfg config.LaunchConfig, net *network.Manager) *Manager {
	return &Manager{cfg: cfg, net: net, vms: make(map[string]*VM)}
}

// Launch boots a new VM and blocks until its guest agent is reachable or
// cfg.BootTimeout elapses.
func (m *Manager) Launch(ctx context.Context) (*VM, error) {
	id := uuid.NewString()

	tap, err := m.net.CreateTAP(id)
	if err != nil {
		return nil, err
	}
	ip, err := m.net.AllocateIP()
	if err != nil {
		_ = m.net.DeleteTAP(tap)
		return nil, err
	}

	rootfsCopy := filepath.Join(os.TempDir(), "sandboxvm-rootfs-"+id+".ext4")
	if err := copyFile(m.cfg.RootfsPath, rootfsCopy); err != nil {
		_ = m.net.DeleteTAP(tap)
		m.net.ReleaseIP(ip)
		return nil, apperr.IOErrorf("copy rootfs for %s: %v", id, err)
	}

	vm := &VM{
		ID:         id,
		State:      StateBooting,
		GuestIP:    ip,
		GuestMAC:   network.GenerateMAC(id),
		TapDevice:  tap,
		SocketPath: filepath.Join(m.cfg.SocketDir, id+".sock"),
		RootfsPath: rootfsCopy,
		CreatedAt:  time.Now(),
	}

	if err := os.MkdirAll(m.cfg.SocketDir, 0755); err != nil {
		m.teardownResources(vm)
		return nil, apperr.IOErrorf("create socket dir: %v", err)
	}

	configPath, err := m.writeHypervisorConfig(vm)
	if err != nil {
		m.teardownResources(vm)
		return nil, err
	}

	cmd := exec.Command(m.cfg.HypervisorBin, "--api-sock", vm.SocketPath, "--config-file", configPath)
	cmd.SysProcAttr = setpgidAttr()
	if err := cmd.Start(); err != nil {
		os.Remove(configPath)
		m.teardownResources(vm)
		return nil, apperr.VMErrorf("spawn hypervisor for %s: %v", id, err)
	}
	vm.cmd = cmd

	bootStart := time.Now()
	if err := m.waitForReady(ctx, vm); err != nil {
		_ = m.killProcess(vm)
		os.Remove(configPath)
		m.teardownResources(vm)
		return nil, apperr.VMErrorf("vm %s failed to become ready: %v", id, err)
	}
	os.Remove(configPath)

	vm.setState(StateReady)
	metrics.Global().RecordVMCreated()
	metrics.RecordVMBootDuration(time.Since(bootStart).Milliseconds())

	m.mu.Lock()
	m.vms[id] = vm
	m.mu.Unlock()

	go m.monitorProcess(vm)

	return vm, nil
}

func (m *Manager) writeHypervisorConfig(vm *VM) (string, error) {
	doc := map[string]interface{}{
		"boot-source": map[string]interface{}{
			"kernel_image_path": m.cfg.KernelPath,
			"boot_args":         fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off vm_id=%s init=/init", vm.ID),
		},
		"drives": []map[string]interface{}{
			{
				"drive_id":       "rootfs",
				"path_on_host":   vm.RootfsPath,
				"is_root_device": true,
				"is_read_only":   false,
			},
		},
		"machine-config": map[string]interface{}{
			"vcpu_count":   m.cfg.CPUCount,
			"mem_size_mib": m.cfg.MemSizeMiB,
		},
		"network-interfaces": []map[string]interface{}{
			{
				"iface_id":      "eth0",
				"guest_mac":     vm.GuestMAC,
				"host_dev_name": vm.TapDevice,
			},
		},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", apperr.JSONErrorf("marshal hypervisor config for %s: %v", vm.ID, err)
	}

	path := filepath.Join(os.TempDir(), "sandboxvm-config-"+vm.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", apperr.IOErrorf("write hypervisor config for %s: %v", vm.ID, err)
	}
	return path, nil
}

// waitForReady polls the guest agent's TCP port until it accepts a
// connection or the boot timeout elapses.
func (m *Manager) waitForReady(ctx context.Context, vm *VM) error {
	deadline := time.Now().Add(m.cfg.BootTimeout)
	addr := vm.AgentAddr(m.cfg.AgentPort)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if err := m.CheckLiveness(vm); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.TimeoutErrorf("timed out waiting for %s to become ready", addr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CheckLiveness re-probes a VM's guest agent port with the same TCP-connect
// procedure waitForReady uses at boot, but as a single attempt rather than
// a polling loop: a VM that has already answered a request either still
// accepts connections or it is dead, there is nothing left to wait out. The
// pool manager calls this unconditionally on every release so a VM that
// died silently between its last successful request and being returned is
// never recirculated uninspected.
func (m *Manager) CheckLiveness(vm *VM) error {
	addr := vm.AgentAddr(m.cfg.AgentPort)
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return apperr.VMErrorf("vm %s failed liveness probe: %v", vm.ID, err)
	}
	conn.Close()
	return nil
}

// StopVM stops a tracked VM: SIGTERM, a grace period, then SIGKILL, followed
// by releasing its TAP device, guest IP and per-VM rootfs. Stopping an
// unknown VM id is a no-op error, not a panic.
func (m *Manager) StopVM(vmID string) error {
	m.mu.Lock()
	vm, ok := m.vms[vmID]
	if !ok {
		m.mu.Unlock()
		return apperr.VMErrorf("vm not found: %s", vmID)
	}
	delete(m.vms, vmID)
	m.mu.Unlock()

	vm.setState(StateDraining)
	_ = m.killProcess(vm)
	m.teardownResources(vm)
	vm.setState(StateDead)

	metrics.Global().RecordVMStopped()
	return nil
}

// killProcess sends SIGTERM, waits up to ShutdownGrace, then SIGKILL.
func (m *Manager) killProcess(vm *VM) error {
	if vm.cmd == nil || vm.cmd.Process == nil {
		return nil
	}

	syscall.Kill(-vm.cmd.Process.Pid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		vm.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownGrace):
		syscall.Kill(-vm.cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}
	return nil
}

func (m *Manager) teardownResources(vm *VM) {
	_ = m.net.DeleteTAP(vm.TapDevice)
	m.net.ReleaseIP(vm.GuestIP)
	os.Remove(vm.RootfsPath)
	os.Remove(vm.SocketPath)
}

// monitorProcess watches a hypervisor process and cleans up if it dies
// unexpectedly (i.e. while still tracked in m.vms, meaning nobody called
// StopVM for it).
func (m *Manager) monitorProcess(vm *VM) {
	if vm.cmd == nil || vm.cmd.Process == nil {
		return
	}

	err := vm.cmd.Wait()

	m.mu.Lock()
	_, stillTracked := m.vms[vm.ID]
	if stillTracked {
		delete(m.vms, vm.ID)
	}
	m.mu.Unlock()

	if !stillTracked {
		return
	}

	exitCode := -1
	if vm.cmd.ProcessState != nil {
		exitCode = vm.cmd.ProcessState.ExitCode()
	}
	logging.Op().Error("vm died unexpectedly", "vm_id", vm.ID, "exit_code", exitCode, "error", err)

	metrics.Global().RecordVMCrashed()
	vm.setState(StateDead)
	m.teardownResources(vm)
}

// GetVM returns a tracked VM by id.
func (m *Manager) GetVM(vmID string) (*VM, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vm, ok := m.vms[vmID]
	return vm, ok
}

// ListVMs returns all currently tracked VMs.
func (m *Manager) ListVMs() []*VM {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vms := make([]*VM, 0, len(m.vms))
	for _, vm := range m.vms {
		vms = append(vms, vm)
	}
	return vms
}

// Shutdown stops every tracked VM in parallel and waits for all of them to
// finish tearing down. The id list is collected under the lock and the
// lock released before stopping, since StopVM takes the lock itself; a VM
// registered after that snapshot is not stopped by this call.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.vms))
	for id := range m.vms {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(vmID string) {
			defer wg.Done()
			_ = m.StopVM(vmID)
		}(id)
	}
	wg.Wait()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
