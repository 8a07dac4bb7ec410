package hv

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/turnstone-core/internal/abi"
	"github.com/tinyrange/turnstone-core/internal/timeslice"
)

// exitReasonTimeslice maps every ExitReason to a registered timeslice kind,
// so a recording session's trace shows time spent per vmexit reason the
// same way it shows guest-vs-init time.
var exitReasonTimeslice = map[ExitReason]timeslice.TimesliceID{
	ExitReasonCPUID:           timeslice.RegisterKind("cpuid", timeslice.SliceFlagGuestTime),
	ExitReasonRDMSR:           timeslice.RegisterKind("rdmsr", timeslice.SliceFlagGuestTime),
	ExitReasonWRMSR:           timeslice.RegisterKind("wrmsr", timeslice.SliceFlagGuestTime),
	ExitReasonIOInstruction:   timeslice.RegisterKind("io-instruction", timeslice.SliceFlagGuestTime),
	ExitReasonRDTSC:           timeslice.RegisterKind("rdtsc", timeslice.SliceFlagGuestTime),
	ExitReasonCRAccess:        timeslice.RegisterKind("cr-access", timeslice.SliceFlagGuestTime),
	ExitReasonHypercall:       timeslice.RegisterKind("hypercall", timeslice.SliceFlagGuestTime),
	ExitReasonEPTViolation:    timeslice.RegisterKind("ept-violation", timeslice.SliceFlagGuestTime),
	ExitReasonInterruptWindow: timeslice.RegisterKind("interrupt-window", timeslice.SliceFlagGuestTime),
	ExitReasonHalt:            timeslice.RegisterKind("halt", timeslice.SliceFlagGuestTime),
	ExitReasonShutdown:        timeslice.RegisterKind("shutdown", timeslice.SliceFlagGuestTime),
}

// ExitReason is the vendor-normalized reason a vmexit occurred: VMX and SVM
// each encode their own numeric exit codes, but every VMControlBlock
// implementation translates into this set before handing control back to
// the dispatcher.
type ExitReason uint32

// LAPICTimerVector is the interrupt vector the LAPIC timer injects on
// expiry, matching the conventional local-timer vector reserved above the
// legacy PIC range.
const LAPICTimerVector uint8 = 0x20

// Processor-exception vectors this dispatcher reinjects in place of an
// emulation fault: a guest touching an unmapped/unpermitted resource sees
// the fault its own IDT handler is built to take, rather than the VM being
// torn down underneath it.
const (
	vectorGeneralProtectionFault uint8 = 13
	vectorPageFault              uint8 = 14
)

// Benign MSRs forwarded straight to host hardware: neither one carries
// guest-visible state this core needs to shadow.
const (
	msrIA32TSC        uint32 = 0x10
	msrIA32MiscEnable uint32 = 0x1a0
)

// x2APIC MSR range registers the RDMSR/WRMSR handlers serve out of the
// LAPIC timer shadow instead of forwarding or faulting.
const (
	msrX2APICLVTTimer          uint32 = 0x832
	msrX2APICTimerDivideConfig uint32 = 0x83e
	msrX2APICTimerInitialCount uint32 = 0x838
	msrX2APICTimerCurrentCount uint32 = 0x839
)

// apicTimerDivideConfigs maps the APIC timer divide-configuration register's
// 3-bit encoding to the real clock divisor it selects.
var apicTimerDivideConfigs = map[uint32]uint64{
	0: 2, 1: 4, 2: 8, 3: 16, 4: 32, 5: 64, 6: 128, 7: 1,
}

// eventInjectionValid marks RegisterEventInjection's low byte as a vector
// rather than an empty field, the software model's stand-in for VMX's
// "valid" bit 31 of the VM-entry interruption-information field (SVM's
// EVENTINJ.V, bit 31).
const eventInjectionValid uint64 = 1 << 31

const (
	ExitReasonUnknown ExitReason = iota
	ExitReasonCPUID
	ExitReasonRDMSR
	ExitReasonWRMSR
	ExitReasonIOInstruction
	ExitReasonRDTSC
	ExitReasonCRAccess
	ExitReasonHypercall
	ExitReasonEPTViolation
	ExitReasonInterruptWindow
	ExitReasonHalt
	ExitReasonShutdown
)

func (r ExitReason) String() string {
	switch r {
	case ExitReasonCPUID:
		return "cpuid"
	case ExitReasonRDMSR:
		return "rdmsr"
	case ExitReasonWRMSR:
		return "wrmsr"
	case ExitReasonIOInstruction:
		return "io-instruction"
	case ExitReasonRDTSC:
		return "rdtsc"
	case ExitReasonCRAccess:
		return "cr-access"
	case ExitReasonHypercall:
		return "hypercall"
	case ExitReasonEPTViolation:
		return "ept-violation"
	case ExitReasonInterruptWindow:
		return "interrupt-window"
	case ExitReasonHalt:
		return "halt"
	case ExitReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// vcpuExitContext is the ExitContext handed to device callbacks and
// hypercall handlers for the duration of one vmexit.
type vcpuExitContext struct {
	vm    *VM
	index int
}

func (c *vcpuExitContext) VCPUIndex() int { return c.index }

// exitHandlerFunc emulates one ExitReason; it advances guest state (e.g.
// bumping RIP past the trapping instruction) and returns an error only for
// conditions the guest cannot recover from.
type exitHandlerFunc func(ctx *vcpuExitContext) error

// HypercallHandlerFunc answers one guest hypercall request; it returns the
// value to write back into the result register.
type HypercallHandlerFunc func(ctx *vcpuExitContext, args abi.HypercallArgs) (uint64, error)

// Dispatcher runs the Host -> Guest-Running -> Exit-Preprocessing ->
// Exit-Dispatch -> Exit-Emulate/Inject-Interrupt -> Terminal state machine
// for one vCPU, routing each vmexit to a per-reason handler and hypercalls
// further to a per-request-code handler.
type Dispatcher struct {
	log *slog.Logger

	handlers    map[ExitReason]exitHandlerFunc
	hypercalls  map[abi.HypercallRequest]HypercallHandlerFunc
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		log:        log,
		handlers:   make(map[ExitReason]exitHandlerFunc),
		hypercalls: make(map[abi.HypercallRequest]HypercallHandlerFunc),
	}
	d.handlers[ExitReasonHypercall] = d.handleHypercall
	d.handlers[ExitReasonIOInstruction] = d.handleIOInstruction
	d.handlers[ExitReasonEPTViolation] = d.handleEPTViolation
	d.handlers[ExitReasonCPUID] = d.handleCPUID
	d.handlers[ExitReasonRDMSR] = d.handleRDMSR
	d.handlers[ExitReasonWRMSR] = d.handleWRMSR
	d.handlers[ExitReasonRDTSC] = d.handleRDTSC
	d.handlers[ExitReasonCRAccess] = d.handleCRAccess
	d.handlers[ExitReasonHalt] = d.handleHalt
	return d
}

// RegisterHypercall installs a handler for one hypercall request code,
// overriding the default "unhandled" behavior.
func (d *Dispatcher) RegisterHypercall(req abi.HypercallRequest, fn HypercallHandlerFunc) {
	d.hypercalls[req] = fn
}

// RunOnce drives one Guest-Running -> Exit step: launch or resume the vCPU,
// preprocess and dispatch the resulting exit, and report whether the vCPU
// reached a terminal state (halted or shut down).
func (d *Dispatcher) RunOnce(vm *VM, vcpuIndex int, first bool) (terminal bool, err error) {
	if vm.Halted() {
		return true, nil
	}

	var reason ExitReason
	if first {
		if err := prepareVMCBForLaunch(vm); err != nil {
			return false, fmt.Errorf("hv: vm entry setup failed: %w", err)
		}
		reason, err = vm.vcb.Launch()
	} else {
		reason, err = vm.vcb.Resume()
	}
	if err != nil {
		return false, fmt.Errorf("hv: vm entry failed: %w", err)
	}

	ctx := &vcpuExitContext{vm: vm, index: vcpuIndex}

	handler, ok := d.handlers[reason]
	if !ok {
		return false, fmt.Errorf("hv: no handler registered for exit reason %s", reason)
	}

	start := time.Now()
	err = handler(ctx)
	if id, ok := exitReasonTimeslice[reason]; ok {
		timeslice.Record(id, time.Since(start))
	}
	if err != nil {
		return false, fmt.Errorf("hv: exit-dispatch for %s: %w", reason, err)
	}

	switch reason {
	case ExitReasonHalt, ExitReasonShutdown:
		return true, nil
	}

	// Inject-Interrupt: pop one pending vector, if any, and prime the
	// control block's event-injection field so the next Launch/Resume
	// delivers it before the guest resumes at its post-exit RIP. Draining
	// exactly one vector per RunOnce call (rather than the whole queue)
	// preserves FIFO order across calls: a second pending vector waits for
	// the next Exit-Dispatch round instead of being injected alongside the
	// first.
	if vector, ok := vm.DequeueInterrupt(); ok {
		if err := vm.vcb.WriteRegister(RegisterEventInjection, uint64(vector)|eventInjectionValid); err != nil {
			return false, fmt.Errorf("hv: inject-interrupt: %w", err)
		}
	} else if err := vm.vcb.WriteRegister(RegisterEventInjection, 0); err != nil {
		return false, fmt.Errorf("hv: inject-interrupt: %w", err)
	}

	return false, nil
}

// prepareVMCBForLaunch runs the one-time vendor setup sequence
// hypervisor_vmcsops.64.c performs before a vCPU's first vmlaunch/vmrun:
// host state, guest state, execution controls, exit/entry controls, and
// the EPT/NPT pointer, in that order, so PrepareExecutionControl's I/O and
// MSR policy is actually installed on the control block Launch reads from
// rather than only ever being exercised by a test.
func prepareVMCBForLaunch(vm *VM) error {
	vcb := vm.vcb
	if err := vcb.PrepareHostState(vm); err != nil {
		return err
	}
	if err := vcb.PrepareGuestState(vm); err != nil {
		return err
	}
	if err := vcb.PrepareExecutionControl(vm); err != nil {
		return err
	}
	if err := vcb.PrepareExitAndEntryControl(vm); err != nil {
		return err
	}
	// The EPT/NPT pointer is a marker distinguishing "a page table exists
	// for this vCPU" from zero; the page table's actual contents live in
	// vm.EPT(), consulted directly by handleEPTViolation rather than
	// walked through this pointer.
	return vcb.PrepareEPTOrNPT(eptPointerMarker(vm))
}

func eptPointerMarker(vm *VM) uint64 {
	return (vm.ID() << 12) | 1
}

func (d *Dispatcher) handleHypercall(ctx *vcpuExitContext) error {
	vm := ctx.vm

	request, err := vm.vcb.ReadRegister(HypercallArgRegisters.Request)
	if err != nil {
		return err
	}
	arg0, _ := vm.vcb.ReadRegister(HypercallArgRegisters.Arg0)
	arg1, _ := vm.vcb.ReadRegister(HypercallArgRegisters.Arg1)
	arg2, _ := vm.vcb.ReadRegister(HypercallArgRegisters.Arg2)

	args := abi.HypercallArgs{
		Request: abi.HypercallRequest(request),
		Arg0:    arg0,
		Arg1:    arg1,
		Arg2:    arg2,
	}

	fn, ok := d.hypercalls[args.Request]
	if !ok {
		d.log.Warn("unhandled hypercall", "request", args.Request)
		return vm.vcb.WriteRegister(HypercallArgRegisters.Result, ^uint64(0))
	}

	result, err := fn(ctx, args)
	if err != nil {
		return fmt.Errorf("hypercall %s: %w", args.Request, err)
	}
	return vm.vcb.WriteRegister(HypercallArgRegisters.Result, result)
}

// handleIOInstruction emulates an IN/OUT trap: ports in the execution
// control's allowed passthrough set (the serial UART, the PS/2 controller)
// forward to whatever device claimed them, or read back as an unpopulated
// bus if none did; every other port faults with a general-protection
// exception, matching the "serial and PS/2 passthrough, fault otherwise"
// contract.
func (d *Dispatcher) handleIOInstruction(ctx *vcpuExitContext) error {
	vm := ctx.vm

	portVal, err := vm.vcb.Read(VMCBFieldIOPort)
	if err != nil {
		return err
	}
	port := uint16(portVal)

	if !vm.vcb.AllowsIOPort(port) {
		vm.EnqueueInterrupt(vectorGeneralProtectionFault)
		return nil
	}

	dirVal, err := vm.vcb.Read(VMCBFieldIODirection)
	if err != nil {
		return err
	}
	isRead := dirVal != 0

	dev := vm.ioPortDeviceFor(port)
	if dev == nil {
		if isRead {
			return vm.vcb.WriteRegister(RegisterRax, 0xff)
		}
		return nil
	}

	data := make([]byte, 1)
	if isRead {
		if err := dev.ReadIOPort(ctx, port, data); err != nil {
			return err
		}
		return vm.vcb.WriteRegister(RegisterRax, uint64(data[0]))
	}

	val, err := vm.vcb.ReadRegister(RegisterRax)
	if err != nil {
		return err
	}
	data[0] = byte(val)
	return dev.WriteIOPort(ctx, port, data)
}

// handleEPTViolation resolves a guest-physical page fault the EPT/NPT
// builder doesn't already have an entry for: a page a concurrent vCPU just
// mapped is a no-op (the idempotence property), a page inside a released
// region is reinjected as the guest's own page fault, and a page flagged by
// a pending dynamic-load resolves by merging that module's spans into the
// EPT (merge_module).
func (d *Dispatcher) handleEPTViolation(ctx *vcpuExitContext) error {
	vm := ctx.vm

	gpa, err := vm.vcb.Read(VMCBFieldGuestPhysicalAddress)
	if err != nil {
		return err
	}

	if vm.EPT().IsMapped(gpa) {
		return nil
	}
	if vm.IsReleased(gpa) {
		vm.EnqueueInterrupt(vectorPageFault)
		return nil
	}

	load, ok := vm.TakePendingModuleLoad(gpa)
	if !ok {
		return fmt.Errorf("hv: ept violation at 0x%x: no mapping and no pending module load", gpa)
	}
	return vm.MergeModule(load)
}

// handleCPUID answers a fixed set of leaves (0, 1, 7, and the extended
// 0x80000000-0x80000008 range) from a built-in table and zeroes every other
// leaf, setting the hypervisor-present bit (ECX bit 31) on leaf 1 so guest
// code can detect that it is running under this core. The host CPU is not
// queried: leaf values do not reflect the host processor.
func (d *Dispatcher) handleCPUID(ctx *vcpuExitContext) error {
	vm := ctx.vm

	leaf, err := vm.vcb.ReadRegister(RegisterRax)
	if err != nil {
		return err
	}

	var eax, ebx, ecx, edx uint64
	switch {
	case leaf == 0:
		eax = 7 // highest basic leaf this core answers
		ebx, edx, ecx = 0x756e6547, 0x49656e69, 0x6c65746e // "GenuineIntel"
	case leaf == 1:
		eax = 0x000306a9
		ecx = 1 << 31 // hypervisor present
	case leaf == 7:
		// no extended feature flags advertised
	case leaf >= 0x80000000 && leaf <= 0x80000008:
		if leaf == 0x80000000 {
			eax = 0x80000008
		}
	default:
		// all-zero: an unrecognized leaf
	}

	if err := vm.vcb.WriteRegister(RegisterRax, eax); err != nil {
		return err
	}
	if err := vm.vcb.WriteRegister(RegisterRbx, ebx); err != nil {
		return err
	}
	if err := vm.vcb.WriteRegister(RegisterRcx, ecx); err != nil {
		return err
	}
	return vm.vcb.WriteRegister(RegisterRdx, edx)
}

// handleRDMSR serves the LAPIC timer's shadowed registers, answers two
// benign MSRs (IA32_TSC from the host cycle counter plus the VM's offset,
// IA32_MISC_ENABLE as zero), and faults on everything else.
func (d *Dispatcher) handleRDMSR(ctx *vcpuExitContext) error {
	vm := ctx.vm

	msrVal, err := vm.vcb.ReadRegister(RegisterRcx)
	if err != nil {
		return err
	}
	msr := uint32(msrVal)

	if vm.vcb.TrapsMSR(msr) || msr == msrX2APICTimerCurrentCount {
		return vm.vcb.WriteRegister(RegisterRax, readLAPICTimerMSR(vm, msr))
	}

	switch msr {
	case msrIA32TSC:
		return vm.vcb.WriteRegister(RegisterRax, readTSC()+vm.TSCOffset())
	case msrIA32MiscEnable:
		return vm.vcb.WriteRegister(RegisterRax, 0)
	default:
		vm.EnqueueInterrupt(vectorGeneralProtectionFault)
		return nil
	}
}

func readLAPICTimerMSR(vm *VM, msr uint32) uint64 {
	l := vm.LAPIC()
	switch msr {
	case msrX2APICLVTTimer:
		v := uint64(LAPICTimerVector)
		if l.TimerMasked {
			v |= 1 << 16
		}
		return v
	case msrX2APICTimerDivideConfig:
		return uint64(l.TimerDivider)
	case msrX2APICTimerInitialCount:
		return l.TimerInitialValue
	case msrX2APICTimerCurrentCount:
		return l.TimerCurrentValue
	default:
		return 0
	}
}

// handleWRMSR updates the LAPIC timer shadow for its own MSRs, accepts (but
// does not need to act on) writes to benign forwarded MSRs, and faults on
// everything else.
func (d *Dispatcher) handleWRMSR(ctx *vcpuExitContext) error {
	vm := ctx.vm

	msrVal, err := vm.vcb.ReadRegister(RegisterRcx)
	if err != nil {
		return err
	}
	msr := uint32(msrVal)
	value, err := vm.vcb.ReadRegister(RegisterRax)
	if err != nil {
		return err
	}

	if vm.vcb.TrapsMSR(msr) {
		l := vm.LAPIC()
		switch msr {
		case msrX2APICLVTTimer:
			l.TimerMasked = value&(1<<16) != 0
		case msrX2APICTimerDivideConfig:
			l.TimerDivider = uint32(value)
			if real, ok := apicTimerDivideConfigs[uint32(value)&0x7]; ok {
				l.TimerDividerReal = real
			} else {
				l.TimerDividerReal = 1
			}
		case msrX2APICTimerInitialCount:
			l.TimerInitialValue = value
			l.TimerCurrentValue = value
		}
		vm.SetLAPIC(l)
		return nil
	}

	switch msr {
	case msrIA32TSC, msrIA32MiscEnable:
		// benign: forwarded to hardware, no guest-visible shadow to update
		return nil
	default:
		vm.EnqueueInterrupt(vectorGeneralProtectionFault)
		return nil
	}
}

// handleRDTSC returns the host's cycle counter plus the VM's configured
// offset, letting a guest's apparent elapsed-cycle count be shifted
// independent of the host clock.
func (d *Dispatcher) handleRDTSC(ctx *vcpuExitContext) error {
	vm := ctx.vm
	return vm.vcb.WriteRegister(RegisterRax, readTSC()+vm.TSCOffset())
}

// handleCRAccess updates the guest's shadowed CR3 or CR8 from the operand
// register and lets the guest re-enter; these are plain state updates, not
// emulation a device or the EPT builder needs to be consulted for.
func (d *Dispatcher) handleCRAccess(ctx *vcpuExitContext) error {
	vm := ctx.vm

	crNum, err := vm.vcb.Read(VMCBFieldCRAccessNumber)
	if err != nil {
		return err
	}
	value, err := vm.vcb.ReadRegister(RegisterRax)
	if err != nil {
		return err
	}

	switch crNum {
	case 3:
		return vm.vcb.Write(VMCBFieldGuestCR3, value)
	case 8:
		return vm.vcb.Write(VMCBFieldGuestCR8, value)
	default:
		return fmt.Errorf("hv: cr-access: unexpected control register CR%d", crNum)
	}
}

func (d *Dispatcher) handleHalt(ctx *vcpuExitContext) error {
	ctx.vm.Halt()
	return nil
}
