package hv

import (
	"context"
	"testing"
)

func TestManagerCreateAndDestroyVM(t *testing.T) {
	m := NewManager(NewDispatcher(nil))
	as := NewAddressSpace(0x1000, 0x1000)

	vm := m.CreateVM("vm-a", NewVMXControlBlock(1), as)
	if vm.Name() != "vm-a" {
		t.Fatalf("CreateVM name = %q, want vm-a", vm.Name())
	}
	if got := len(m.VMs()); got != 1 {
		t.Fatalf("VMs() len = %d, want 1", got)
	}

	m.DestroyVM(vm)
	if got := len(m.VMs()); got != 0 {
		t.Fatalf("VMs() len after DestroyVM = %d, want 0", got)
	}
}

func TestManagerAttach(t *testing.T) {
	m := NewManager(NewDispatcher(nil))
	as := NewAddressSpace(0x1000, 0x1000)
	vm := NewVM(99, "attached", NewVMXControlBlock(1), as)

	m.Attach(vm)

	vms := m.VMs()
	if len(vms) != 1 || vms[0] != vm {
		t.Fatalf("expected Attach to register the exact VM passed in")
	}
}

func TestManagerNotifyTimersInjectsInterruptOnExpiry(t *testing.T) {
	m := NewManager(NewDispatcher(nil))
	as := NewAddressSpace(0x1000, 0x1000)
	vm := m.CreateVM("timer-vm", NewVMXControlBlock(1), as)

	vm.SetLAPIC(LAPICState{
		TimerMasked:       false,
		TimerDividerReal:  1,
		TimerInitialValue: 1,
		TimerCurrentValue: 1,
	})

	expiredWithin := false
	for i := 0; i < 1000 && !expiredWithin; i++ {
		m.NotifyTimers(1)
		if _, ok := vm.DequeueInterrupt(); ok {
			expiredWithin = true
		}
	}
	if !expiredWithin {
		t.Fatalf("expected NotifyTimers to eventually inject a LAPIC timer interrupt")
	}
}

func TestManagerRunAllStopsOnHaltedVM(t *testing.T) {
	m := NewManager(NewDispatcher(nil))
	as := NewAddressSpace(0x1000, 0x1000)
	vcb := NewVMXControlBlock(1)
	vm := m.CreateVM("halting-vm", vcb, as)

	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonHalt)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if err := m.RunAll(context.Background()); err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if !vm.Halted() {
		t.Fatalf("expected the VM to be halted after RunAll returns")
	}
}
