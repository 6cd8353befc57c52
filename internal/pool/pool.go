// Package pool keeps a fixed-size set of warm microVMs ready to serve
// /execute requests, so a request never waits on a VM boot: Borrow only
// hands out running VMs, and waits up to the borrow timeout when every VM
// is currently checked out.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/sandboxvm/internal/apperr"
	"github.com/oriys/sandboxvm/internal/config"
	"github.com/oriys/sandboxvm/internal/logging"
	"github.com/oriys/sandboxvm/internal/metrics"
	"github.com/oriys/sandboxvm/internal/microvm"
)

// Pool hands out warm VMs to callers and reclaims them on Release. It
// maintains exactly cfg.Size VMs in steady state: a VM removed from the
// free list by Borrow is replaced only when Released, or immediately
// replaced by a freshly launched VM if it was evicted as unhealthy.
type Pool struct {
	cfg config.PoolConfig
	vms *microvm.Manager

	mu      sync.Mutex
	cond    *sync.Cond
	free    []*microvm.VM
	inUse   map[string]*microvm.VM
	waiters int
	closed  bool
}

// New constructs a Pool. Call Warm to populate it before serving traffic.
func New(cfg config.PoolConfig, vms *microvm.Manager) *Pool {
	p := &Pool{
		cfg:   cfg,
		vms:   vms,
		inUse: make(map[string]*microvm.VM),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewSeeded constructs a Pool already populated with free (an alternative
// to Warm for callers that provision VMs through some other path, such as
// integration tests standing in for a hypervisor).
func NewSeeded(cfg config.PoolConfig, vms *microvm.Manager, free []*microvm.VM) *Pool {
	p := New(cfg, vms)
	p.free = append(p.free, free...)
	return p
}

// Warm launches cfg.Size VMs up front. Mirroring the tolerant warm-up
// behaviour of a pool that must still serve traffic on a partially
// degraded host, a single VM failing to boot is logged and skipped rather
// than aborting the whole pool; Warm only fails if not a single VM could
// be launched.
func (p *Pool) Warm(ctx context.Context) error {
	launched := 0
	for i := 0; i < p.cfg.Size; i++ {
		vm, err := p.vms.Launch(ctx)
		if err != nil {
			logging.Op().Warn("pool warm-up: VM failed to launch, skipping", "index", i, "error", err)
			continue
		}
		p.mu.Lock()
		p.free = append(p.free, vm)
		p.mu.Unlock()
		launched++
	}
	p.reportOccupancy()
	if launched == 0 && p.cfg.Size > 0 {
		return apperr.VMErrorf("pool warm-up: no VMs could be launched")
	}
	return nil
}

// Borrow returns a ready VM, waiting up to cfg.BorrowTimeout (or until ctx
// is cancelled, whichever comes first) for one to free up. Callers must
// call Release (or ReleaseBroken) exactly once per successful Borrow.
func (p *Pool) Borrow(ctx context.Context) (*microvm.VM, error) {
	waitStart := time.Now()
	timeout := p.cfg.BorrowTimeout

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, apperr.ResourceUnavailableErrorf("pool is shutting down")
		}
		if n := len(p.free); n > 0 {
			vm := p.free[0]
			copy(p.free, p.free[1:])
			p.free = p.free[:n-1]
			p.inUse[vm.ID] = vm
			p.mu.Unlock()
			p.recordBorrowWait(waitStart)
			p.reportOccupancy()
			return vm, nil
		}

		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if timeout > 0 && time.Since(waitStart) >= timeout {
			p.mu.Unlock()
			metrics.Global().RecordBorrowTimeout()
			return nil, apperr.ResourceUnavailableErrorf("timed out waiting for a free VM")
		}

		remaining := time.Duration(0)
		if timeout > 0 {
			remaining = timeout - time.Since(waitStart)
		}
		if err := p.waitForVMLocked(ctx, remaining); err != nil {
			p.mu.Unlock()
			if err == context.DeadlineExceeded || err == context.Canceled {
				return nil, err
			}
			metrics.Global().RecordBorrowTimeout()
			return nil, apperr.ResourceUnavailableErrorf("timed out waiting for a free VM")
		}
	}
}

// waitForVMLocked suspends the calling goroutine until a VM is released
// (signalled via p.cond), ctx is cancelled, or waitFor elapses. Must be
// called with p.mu held; it releases the lock for the duration of the
// wait and re-acquires it before returning, same contract as
// sync.Cond.Wait. A goroutine forwards ctx.Done() into a Broadcast since
// sync.Cond has no native context-awareness, and an optional timer does
// the same for the borrow deadline.
func (p *Pool) waitForVMLocked(ctx context.Context, waitFor time.Duration) error {
	p.waiters++
	defer func() { p.waiters-- }()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	var timer *time.Timer
	if waitFor > 0 {
		timer = time.AfterFunc(waitFor, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
	}

	p.cond.Wait()
	close(done)
	if timer != nil {
		timer.Stop()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Release runs the pool's reset step on a returned VM: a liveness re-probe
// of the guest agent, identical in procedure to the boot readiness check.
// A VM that still answers is returned to the Ready queue; a VM that no
// longer answers is destroyed and a replacement launched, exactly like
// ReleaseBroken, so a VM that died silently between answering its last
// request and being released is never recirculated uninspected.
func (p *Pool) Release(ctx context.Context, vm *microvm.VM) {
	if err := p.vms.CheckLiveness(vm); err != nil {
		logging.Op().Warn("pool: vm failed reset liveness probe, replacing", "vm_id", vm.ID, "error", err)
		p.ReleaseBroken(ctx, vm)
		return
	}

	p.mu.Lock()
	delete(p.inUse, vm.ID)
	if p.closed {
		p.mu.Unlock()
		_ = p.vms.StopVM(vm.ID)
		return
	}
	p.free = append(p.free, vm)
	p.cond.Signal()
	p.mu.Unlock()
	p.reportOccupancy()
}

// ReleaseBroken stops an unhealthy VM instead of returning it to the free
// list, then launches a replacement in the background so the pool returns
// to its configured size without the caller waiting on a VM boot; a
// replacement that finishes after Shutdown is stopped instead of enqueued.
// The replacement comes from the pool's own launch path rather than
// any fixed slot index, so a VM that fails repeatedly never wedges the
// pool into relaunching the same broken configuration.
func (p *Pool) ReleaseBroken(ctx context.Context, vm *microvm.VM) {
	p.mu.Lock()
	delete(p.inUse, vm.ID)
	closed := p.closed
	p.mu.Unlock()

	_ = p.vms.StopVM(vm.ID)
	if closed {
		return
	}

	go func() {
		replacement, err := p.vms.Launch(ctx)
		if err != nil {
			logging.Op().Error("pool: failed to launch replacement VM", "error", err)
			p.reportOccupancy()
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = p.vms.StopVM(replacement.ID)
			return
		}
		p.free = append(p.free, replacement)
		p.cond.Signal()
		p.mu.Unlock()
		p.reportOccupancy()
	}()
}

// Shutdown marks the pool closed, wakes every waiting Borrow so it returns
// an error instead of blocking forever, and stops every VM the VM manager
// is tracking (free or in-use) via microvm.Manager.Shutdown. A VM still
// booting is not tracked yet and is not stopped here; a ReleaseBroken
// replacement that finishes booting afterwards stops itself.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.free = nil
	p.inUse = make(map[string]*microvm.VM)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.vms.Shutdown()
	p.reportOccupancy()
}

// Stats reports the current free/in-use/dead VM counts for observability.
func (p *Pool) Stats() (ready, inUse, dead int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dead = p.cfg.Size - len(p.free) - len(p.inUse)
	if dead < 0 {
		dead = 0
	}
	return len(p.free), len(p.inUse), dead
}

func (p *Pool) reportOccupancy() {
	ready, inUse, dead := p.Stats()
	metrics.SetPoolOccupancy(ready, inUse, dead)
}

func (p *Pool) recordBorrowWait(start time.Time) {
	metrics.RecordBorrowWait(time.Since(start).Milliseconds())
}
