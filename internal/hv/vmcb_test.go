package hv

import "testing"

func TestVMXControlBlockReadWriteRoundTrip(t *testing.T) {
	vcb := NewVMXControlBlock(1)

	if got := vcb.Vendor(); got != "vmx" {
		t.Fatalf("Vendor() = %q, want vmx", got)
	}

	if err := vcb.Write(VMCBFieldGuestRIP, 0x1000); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := vcb.Read(VMCBFieldGuestRIP)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != 0x1000 {
		t.Fatalf("Read(GuestRIP) = 0x%x, want 0x1000", got)
	}

	if err := vcb.WriteRegister(RegisterRax, 42); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	regVal, err := vcb.ReadRegister(RegisterRax)
	if err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}
	if regVal != 42 {
		t.Fatalf("ReadRegister(Rax) = %d, want 42", regVal)
	}
}

func TestVMXControlBlockLaunchRequiresExitReason(t *testing.T) {
	vcb := NewVMXControlBlock(1)
	if _, err := vcb.Launch(); err == nil {
		t.Fatalf("expected Launch to fail before an exit reason is recorded")
	}

	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonHalt)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}
	reason, err := vcb.Launch()
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if reason != ExitReasonHalt {
		t.Fatalf("Launch() reason = %s, want halt", reason)
	}
}

func TestSVMControlBlockPrepareGuestState(t *testing.T) {
	vcb := NewSVMControlBlock()
	if got := vcb.Vendor(); got != "svm" {
		t.Fatalf("Vendor() = %q, want svm", got)
	}

	as := NewAddressSpace(0, 0x1000)
	vm := NewVM(1, "test", vcb, as)

	if err := vcb.PrepareGuestState(vm); err != nil {
		t.Fatalf("PrepareGuestState: %v", err)
	}
	cr0, _ := vcb.Read(VMCBFieldGuestCR0)
	if cr0 == 0 {
		t.Fatalf("expected PrepareGuestState to set a non-zero CR0")
	}

	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonShutdown)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}
	reason, err := vcb.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if reason != ExitReasonShutdown {
		t.Fatalf("Resume() reason = %s, want shutdown", reason)
	}
}

func TestPrepareExecutionControlInstallsIOAndMSRPolicy(t *testing.T) {
	vcb := NewVMXControlBlock(1)
	as := NewAddressSpace(0, 0x1000)
	vm := NewVM(1, "test", vcb, as)

	if vcb.AllowsIOPort(0x3f8) {
		t.Fatalf("expected the serial port to be disallowed before PrepareExecutionControl installs the policy")
	}

	if err := vcb.PrepareExecutionControl(vm); err != nil {
		t.Fatalf("PrepareExecutionControl: %v", err)
	}

	if !vcb.AllowsIOPort(0x3f8) || !vcb.AllowsIOPort(0x3fd) {
		t.Fatalf("expected the serial UART range to pass through")
	}
	if !vcb.AllowsIOPort(0x60) || !vcb.AllowsIOPort(0x64) {
		t.Fatalf("expected the PS/2 ports to pass through")
	}
	if vcb.AllowsIOPort(0x80) {
		t.Fatalf("expected an unlisted port to remain disallowed")
	}

	if !vcb.TrapsMSR(0x832) || !vcb.TrapsMSR(0x83e) || !vcb.TrapsMSR(0x838) {
		t.Fatalf("expected the LAPIC timer MSRs to always trap")
	}
	if vcb.TrapsMSR(0x10) {
		t.Fatalf("expected IA32_TSC not to be in the always-trap set")
	}

	vpid, err := vcb.Read(VMCBFieldVPIDOrASID)
	if err != nil {
		t.Fatalf("Read(VPIDOrASID): %v", err)
	}
	if vpid != vm.ID()+1 {
		t.Fatalf("VPIDOrASID = %d, want %d", vpid, vm.ID()+1)
	}
}

func TestPrepareExitAndEntryControlSetsEFERAndLongMode(t *testing.T) {
	vcb := NewSVMControlBlock()
	as := NewAddressSpace(0, 0x1000)
	vm := NewVM(1, "test", vcb, as)

	if err := vcb.PrepareExitAndEntryControl(vm); err != nil {
		t.Fatalf("PrepareExitAndEntryControl: %v", err)
	}

	exitCtl, _ := vcb.Read(VMCBFieldExitControl)
	if exitCtl&exitEntryControlSaveLoadEFER == 0 {
		t.Fatalf("expected the exit control to save EFER on exit")
	}
	entryCtl, _ := vcb.Read(VMCBFieldEntryControl)
	if entryCtl&exitEntryControlSaveLoadEFER == 0 || entryCtl&entryControlIA32eMode == 0 {
		t.Fatalf("expected the entry control to load EFER and enter IA-32e mode")
	}
}

func TestRunOnceFirstEntryRunsVendorSetupSequence(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonHalt)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	cr0, _ := vcb.Read(VMCBFieldGuestCR0)
	if cr0 == 0 {
		t.Fatalf("expected the first RunOnce to have run PrepareGuestState")
	}
	if !vcb.AllowsIOPort(0x3f8) {
		t.Fatalf("expected the first RunOnce to have run PrepareExecutionControl")
	}
	eptPointer, _ := vcb.Read(VMCBFieldEPTPointer)
	if eptPointer == 0 {
		t.Fatalf("expected the first RunOnce to have run PrepareEPTOrNPT")
	}
}
