package hv

import (
	"testing"

	"github.com/tinyrange/turnstone-core/internal/abi"
)

func newDispatchTestVM(t *testing.T) (*VM, *VMXControlBlock) {
	t.Helper()
	vcb := NewVMXControlBlock(1)
	as := NewAddressSpace(0x1000, 0x1000)
	return NewVM(1, "dispatch-test", vcb, as), vcb
}

func TestRunOnceTerminatesOnHalt(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonHalt)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	terminal, err := d.RunOnce(vm, 0, true)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !terminal {
		t.Fatalf("expected RunOnce to report terminal on a halt exit")
	}
	if !vm.Halted() {
		t.Fatalf("expected the halt handler to mark the VM halted")
	}
}

func TestRunOnceShortCircuitsOnAlreadyHalted(t *testing.T) {
	vm, _ := newDispatchTestVM(t)
	vm.Halt()
	d := NewDispatcher(nil)

	terminal, err := d.RunOnce(vm, 0, true)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !terminal {
		t.Fatalf("expected RunOnce on an already-halted VM to report terminal immediately")
	}
}

func TestRunOnceUnregisteredExitReasonErrors(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonUnknown)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err == nil {
		t.Fatalf("expected an error for an exit reason with no registered handler")
	}
}

func TestHypercallDispatchWritesResultRegister(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	d.RegisterHypercall(abi.HypercallGetWallclock, func(ctx *vcpuExitContext, args abi.HypercallArgs) (uint64, error) {
		return 0xdeadbeef, nil
	})

	if err := vcb.WriteRegister(HypercallArgRegisters.Request, uint64(abi.HypercallGetWallclock)); err != nil {
		t.Fatalf("WriteRegister(Request): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonHypercall)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	terminal, err := d.RunOnce(vm, 0, true)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if terminal {
		t.Fatalf("a hypercall exit must not be terminal")
	}

	result, err := vcb.ReadRegister(HypercallArgRegisters.Result)
	if err != nil {
		t.Fatalf("ReadRegister(Result): %v", err)
	}
	if result != 0xdeadbeef {
		t.Fatalf("Result register = 0x%x, want 0xdeadbeef", result)
	}
}

func TestHypercallDispatchDefaultsUnhandledRequestToAllOnes(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.WriteRegister(HypercallArgRegisters.Request, uint64(abi.HypercallDynamicLoad)); err != nil {
		t.Fatalf("WriteRegister(Request): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonHypercall)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	result, err := vcb.ReadRegister(HypercallArgRegisters.Result)
	if err != nil {
		t.Fatalf("ReadRegister(Result): %v", err)
	}
	if result != ^uint64(0) {
		t.Fatalf("Result register = 0x%x, want all-ones for an unhandled request", result)
	}
}

func TestRunOnceInjectsInterruptsInFIFOOrder(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	vm.EnqueueInterrupt(5)
	vm.EnqueueInterrupt(9)

	if err := vcb.WriteRegister(RegisterRax, 7); err != nil {
		t.Fatalf("WriteRegister(Rax): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonCPUID)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce (first): %v", err)
	}
	inj, err := vcb.ReadRegister(RegisterEventInjection)
	if err != nil {
		t.Fatalf("ReadRegister(EventInjection): %v", err)
	}
	if inj != uint64(5)|eventInjectionValid {
		t.Fatalf("EventInjection = 0x%x, want vector 5", inj)
	}

	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonCPUID)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}
	if _, err := d.RunOnce(vm, 0, false); err != nil {
		t.Fatalf("RunOnce (second): %v", err)
	}
	inj, err = vcb.ReadRegister(RegisterEventInjection)
	if err != nil {
		t.Fatalf("ReadRegister(EventInjection): %v", err)
	}
	if inj != uint64(9)|eventInjectionValid {
		t.Fatalf("EventInjection = 0x%x, want vector 9", inj)
	}

	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonCPUID)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}
	if _, err := d.RunOnce(vm, 0, false); err != nil {
		t.Fatalf("RunOnce (third): %v", err)
	}
	inj, err = vcb.ReadRegister(RegisterEventInjection)
	if err != nil {
		t.Fatalf("ReadRegister(EventInjection): %v", err)
	}
	if inj != 0 {
		t.Fatalf("EventInjection = 0x%x, want 0 once the queue is drained", inj)
	}
}

func TestHandleIOInstructionAllowedPortNoDeviceReadsAsUnpopulated(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.Write(VMCBFieldIOPort, 0x3f8); err != nil {
		t.Fatalf("Write(IOPort): %v", err)
	}
	if err := vcb.Write(VMCBFieldIODirection, 1); err != nil {
		t.Fatalf("Write(IODirection): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonIOInstruction)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	val, err := vcb.ReadRegister(RegisterRax)
	if err != nil {
		t.Fatalf("ReadRegister(Rax): %v", err)
	}
	if val != 0xff {
		t.Fatalf("Rax = 0x%x, want 0xff for an unpopulated bus", val)
	}
}

func TestHandleIOInstructionAllowedPortForwardsToDevice(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	var written byte
	dev := SimpleX86IOPortDevice{
		Ports: []uint16{0x3f8},
		WriteFunc: func(ctx ExitContext, port uint16, data []byte) error {
			written = data[0]
			return nil
		},
	}
	if err := vm.AttachIOPortDevice(dev); err != nil {
		t.Fatalf("AttachIOPortDevice: %v", err)
	}

	if err := vcb.Write(VMCBFieldIOPort, 0x3f8); err != nil {
		t.Fatalf("Write(IOPort): %v", err)
	}
	if err := vcb.Write(VMCBFieldIODirection, 0); err != nil {
		t.Fatalf("Write(IODirection): %v", err)
	}
	if err := vcb.WriteRegister(RegisterRax, 0x41); err != nil {
		t.Fatalf("WriteRegister(Rax): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonIOInstruction)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if written != 0x41 {
		t.Fatalf("device received 0x%x, want 0x41", written)
	}
}

func TestHandleIOInstructionDisallowedPortFaults(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.Write(VMCBFieldIOPort, 0x80); err != nil {
		t.Fatalf("Write(IOPort): %v", err)
	}
	if err := vcb.Write(VMCBFieldIODirection, 1); err != nil {
		t.Fatalf("Write(IODirection): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonIOInstruction)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	inj, err := vcb.ReadRegister(RegisterEventInjection)
	if err != nil {
		t.Fatalf("ReadRegister(EventInjection): %v", err)
	}
	if inj != uint64(vectorGeneralProtectionFault)|eventInjectionValid {
		t.Fatalf("EventInjection = 0x%x, want a general-protection fault", inj)
	}
}

func TestHandleEPTViolationAlreadyMappedIsNoop(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vm.EPT().MapSpan(FrameSpan{Name: "code", GPA: 0x9000, Size: 0x1000, Readable: true, Executable: true}); err != nil {
		t.Fatalf("MapSpan: %v", err)
	}

	if err := vcb.Write(VMCBFieldGuestPhysicalAddress, 0x9000); err != nil {
		t.Fatalf("Write(GuestPhysicalAddress): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonEPTViolation)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
}

func TestHandleEPTViolationReleasedRegionReinjectsPageFault(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	vm.ReleaseRegion(MMIORegion{Address: 0x9000, Size: 0x1000})

	if err := vcb.Write(VMCBFieldGuestPhysicalAddress, 0x9000); err != nil {
		t.Fatalf("Write(GuestPhysicalAddress): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonEPTViolation)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	inj, err := vcb.ReadRegister(RegisterEventInjection)
	if err != nil {
		t.Fatalf("ReadRegister(EventInjection): %v", err)
	}
	if inj != uint64(vectorPageFault)|eventInjectionValid {
		t.Fatalf("EventInjection = 0x%x, want a page fault", inj)
	}
}

func TestHandleEPTViolationPendingModuleLoadMerges(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	load := ModuleLoadSpans{Name: "libfoo", CodeGPA: 0x9000, CodeSize: 0x1000, GOTGPA: 0xa000, GOTSize: 0x1000}
	vm.RegisterPendingModuleLoad(0x9000, load)

	if err := vcb.Write(VMCBFieldGuestPhysicalAddress, 0x9000); err != nil {
		t.Fatalf("Write(GuestPhysicalAddress): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonEPTViolation)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if !vm.EPT().IsMapped(0x9000) {
		t.Fatalf("expected the code span to be merged into the EPT")
	}
	if !vm.EPT().IsMapped(0xa000) {
		t.Fatalf("expected the GOT span to be merged into the EPT")
	}
}

func TestHandleEPTViolationUnresolvedErrors(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.Write(VMCBFieldGuestPhysicalAddress, 0x9000); err != nil {
		t.Fatalf("Write(GuestPhysicalAddress): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonEPTViolation)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err == nil {
		t.Fatalf("expected an error for an EPT violation with no mapping, release, or pending load")
	}
}

func TestHandleCPUIDLeafZeroReportsMaxBasicLeaf(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.WriteRegister(RegisterRax, 0); err != nil {
		t.Fatalf("WriteRegister(Rax): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonCPUID)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	eax, _ := vcb.ReadRegister(RegisterRax)
	if eax != 7 {
		t.Fatalf("leaf 0 eax = %d, want 7", eax)
	}
}

func TestHandleCPUIDLeafOneSetsHypervisorPresentBit(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.WriteRegister(RegisterRax, 1); err != nil {
		t.Fatalf("WriteRegister(Rax): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonCPUID)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	ecx, _ := vcb.ReadRegister(RegisterRcx)
	if ecx&(1<<31) == 0 {
		t.Fatalf("expected the hypervisor-present bit set on leaf 1, ecx = 0x%x", ecx)
	}
}

func TestHandleCPUIDUnknownLeafIsAllZero(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.WriteRegister(RegisterRax, 0x12345); err != nil {
		t.Fatalf("WriteRegister(Rax): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonCPUID)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	eax, _ := vcb.ReadRegister(RegisterRax)
	ebx, _ := vcb.ReadRegister(RegisterRbx)
	ecx, _ := vcb.ReadRegister(RegisterRcx)
	edx, _ := vcb.ReadRegister(RegisterRdx)
	if eax != 0 || ebx != 0 || ecx != 0 || edx != 0 {
		t.Fatalf("expected an unrecognized leaf to report all zero, got %d/%d/%d/%d", eax, ebx, ecx, edx)
	}
}

func TestHandleRDMSRServesLAPICTimerShadow(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.WriteRegister(RegisterRcx, uint64(msrX2APICLVTTimer)); err != nil {
		t.Fatalf("WriteRegister(Rcx): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonRDMSR)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	val, _ := vcb.ReadRegister(RegisterRax)
	if val&(1<<16) == 0 {
		t.Fatalf("expected the masked bit set reading the LVT timer register fresh off NewVM")
	}
	if uint8(val) != LAPICTimerVector {
		t.Fatalf("vector = 0x%x, want 0x%x", uint8(val), LAPICTimerVector)
	}
}

func TestHandleRDMSRForwardsBenignMiscEnable(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.WriteRegister(RegisterRcx, uint64(msrIA32MiscEnable)); err != nil {
		t.Fatalf("WriteRegister(Rcx): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonRDMSR)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	val, _ := vcb.ReadRegister(RegisterRax)
	if val != 0 {
		t.Fatalf("IA32_MISC_ENABLE = 0x%x, want 0", val)
	}
}

func TestHandleRDMSRUnknownMSRFaults(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.WriteRegister(RegisterRcx, 0xdeadbeef); err != nil {
		t.Fatalf("WriteRegister(Rcx): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonRDMSR)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	inj, _ := vcb.ReadRegister(RegisterEventInjection)
	if inj != uint64(vectorGeneralProtectionFault)|eventInjectionValid {
		t.Fatalf("EventInjection = 0x%x, want a general-protection fault", inj)
	}
}

func TestHandleWRMSRUpdatesLAPICTimerDivideConfig(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.WriteRegister(RegisterRcx, uint64(msrX2APICTimerDivideConfig)); err != nil {
		t.Fatalf("WriteRegister(Rcx): %v", err)
	}
	if err := vcb.WriteRegister(RegisterRax, 3); err != nil {
		t.Fatalf("WriteRegister(Rax): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonWRMSR)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	l := vm.LAPIC()
	if l.TimerDividerReal != 16 {
		t.Fatalf("TimerDividerReal = %d, want 16", l.TimerDividerReal)
	}
}

func TestHandleWRMSRUpdatesLAPICTimerInitialCount(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.WriteRegister(RegisterRcx, uint64(msrX2APICTimerInitialCount)); err != nil {
		t.Fatalf("WriteRegister(Rcx): %v", err)
	}
	if err := vcb.WriteRegister(RegisterRax, 1000); err != nil {
		t.Fatalf("WriteRegister(Rax): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonWRMSR)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	l := vm.LAPIC()
	if l.TimerInitialValue != 1000 || l.TimerCurrentValue != 1000 {
		t.Fatalf("TimerInitialValue/TimerCurrentValue = %d/%d, want 1000/1000", l.TimerInitialValue, l.TimerCurrentValue)
	}
}

func TestHandleWRMSRAcceptsBenignMSRWrite(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.WriteRegister(RegisterRcx, uint64(msrIA32TSC)); err != nil {
		t.Fatalf("WriteRegister(Rcx): %v", err)
	}
	if err := vcb.WriteRegister(RegisterRax, 0); err != nil {
		t.Fatalf("WriteRegister(Rax): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonWRMSR)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	inj, _ := vcb.ReadRegister(RegisterEventInjection)
	if inj != 0 {
		t.Fatalf("expected no fault writing a benign MSR, EventInjection = 0x%x", inj)
	}
}

func TestHandleWRMSRUnknownMSRFaults(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.WriteRegister(RegisterRcx, 0xdeadbeef); err != nil {
		t.Fatalf("WriteRegister(Rcx): %v", err)
	}
	if err := vcb.WriteRegister(RegisterRax, 0); err != nil {
		t.Fatalf("WriteRegister(Rax): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonWRMSR)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	inj, _ := vcb.ReadRegister(RegisterEventInjection)
	if inj != uint64(vectorGeneralProtectionFault)|eventInjectionValid {
		t.Fatalf("EventInjection = 0x%x, want a general-protection fault", inj)
	}
}

func TestHandleRDTSCAppliesConfiguredOffset(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	const offset = uint64(1) << 40
	vm.SetTSCOffset(offset)
	before := readTSC()

	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonRDTSC)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}
	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	val, _ := vcb.ReadRegister(RegisterRax)
	if val < before+offset {
		t.Fatalf("rdtsc result 0x%x did not reflect the configured offset (before+offset = 0x%x)", val, before+offset)
	}
}

func TestHandleCRAccessUpdatesCR3(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.Write(VMCBFieldCRAccessNumber, 3); err != nil {
		t.Fatalf("Write(CRAccessNumber): %v", err)
	}
	if err := vcb.WriteRegister(RegisterRax, 0x123000); err != nil {
		t.Fatalf("WriteRegister(Rax): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonCRAccess)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	cr3, _ := vcb.Read(VMCBFieldGuestCR3)
	if cr3 != 0x123000 {
		t.Fatalf("GuestCR3 = 0x%x, want 0x123000", cr3)
	}
}

func TestHandleCRAccessUpdatesCR8(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.Write(VMCBFieldCRAccessNumber, 8); err != nil {
		t.Fatalf("Write(CRAccessNumber): %v", err)
	}
	if err := vcb.WriteRegister(RegisterRax, 4); err != nil {
		t.Fatalf("WriteRegister(Rax): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonCRAccess)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	cr8, _ := vcb.Read(VMCBFieldGuestCR8)
	if cr8 != 4 {
		t.Fatalf("GuestCR8 = %d, want 4", cr8)
	}
}

func TestHandleCRAccessRejectsUnsupportedRegister(t *testing.T) {
	vm, vcb := newDispatchTestVM(t)
	d := NewDispatcher(nil)

	if err := vcb.Write(VMCBFieldCRAccessNumber, 0); err != nil {
		t.Fatalf("Write(CRAccessNumber): %v", err)
	}
	if err := vcb.WriteRegister(RegisterRax, 0); err != nil {
		t.Fatalf("WriteRegister(Rax): %v", err)
	}
	if err := vcb.Write(VMCBFieldExitReason, uint64(ExitReasonCRAccess)); err != nil {
		t.Fatalf("Write(ExitReason): %v", err)
	}

	if _, err := d.RunOnce(vm, 0, true); err == nil {
		t.Fatalf("expected an error for a CR-access on an unsupported control register")
	}
}
