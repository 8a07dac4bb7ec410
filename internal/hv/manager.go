package hv

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager is the process-wide VM registry and timer-notification loop,
// grounded in hypervisor_vm_list/hypervisor_vm_init/
// hypervisor_vm_create_and_attach_to_task/hypervisor_vm_notify_timers: a
// single global list guarded by one lock, rather than a VM owning a
// reference back to a registry.
type Manager struct {
	mu       sync.Mutex
	vms      []*VM
	nextID   uint64
	dispatch *Dispatcher
}

func NewManager(dispatch *Dispatcher) *Manager {
	return &Manager{nextID: 1, dispatch: dispatch}
}

// CreateVM allocates a VM id, appends it to the registry, and returns it
// attached — hypervisor_vm_create_and_attach_to_task's list_list_insert,
// modeled without the task-scheduler attachment the original performs since
// this core has no preemptive task model of its own.
func (m *Manager) CreateVM(name string, vcb VMControlBlock, addressSpace *AddressSpace) *VM {
	m.mu.Lock()
	defer m.mu.Unlock()

	vm := NewVM(m.nextID, name, vcb, addressSpace)
	m.nextID++
	m.vms = append(m.vms, vm)
	return vm
}

// Attach registers an already-constructed VM (one whose guest RAM has
// already been populated by the caller) instead of building a fresh one,
// for callers that need control over construction order.
func (m *Manager) Attach(vm *VM) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vms = append(m.vms, vm)
}

// DestroyVM removes a VM from the registry. The original's frame-by-frame
// teardown (owned_frames, ept_frames, the GOT frame) has no counterpart
// here: this core's VM owns no host memory frames directly, only Go-managed
// state, so removal from the registry is the whole of destruction.
func (m *Manager) DestroyVM(vm *VM) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range m.vms {
		if v == vm {
			m.vms = append(m.vms[:i], m.vms[i+1:]...)
			return
		}
	}
}

func (m *Manager) VMs() []*VM {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*VM(nil), m.vms...)
}

// NotifyTimers advances every registered VM's LAPIC timer by rdtscDelta and
// injects a timer interrupt for any VM whose countdown expired, the direct
// counterpart of hypervisor_vm_notify_timers.
func (m *Manager) NotifyTimers(rdtscDelta uint64) {
	for _, vm := range m.VMs() {
		if vm.NotifyTimer(rdtscDelta) {
			lapic := vm.LAPIC()
			if !lapic.TimerMasked && !lapic.TimerExits {
				vm.EnqueueInterrupt(LAPICTimerVector)
			}
		}
	}
}

// RunAll drives every registered VM's vCPU loop concurrently until each
// reaches a terminal exit state or ctx is canceled, using an errgroup the
// way the rest of this module's concurrent workers (moduledb.Compact) do
// rather than hand-rolled WaitGroup/channel plumbing.
func (m *Manager) RunAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, vm := range m.VMs() {
		vm := vm
		g.Go(func() error {
			first := true
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}

				terminal, err := m.dispatch.RunOnce(vm, 0, first)
				if err != nil {
					return fmt.Errorf("hv: vm %q: %w", vm.Name(), err)
				}
				first = false
				if terminal {
					return nil
				}
			}
		})
	}

	return g.Wait()
}
