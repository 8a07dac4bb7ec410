package hv

import "fmt"

// VMCBField names one field of the vendor control block a VMControlBlock
// implementation reads or writes: VMX calls this a VMCS field, SVM calls it
// a VMCB field, but both expose the same guest/host state surface.
type VMCBField uint32

const (
	VMCBFieldGuestRIP VMCBField = iota
	VMCBFieldGuestRSP
	VMCBFieldGuestRFLAGS
	VMCBFieldGuestCR0
	VMCBFieldGuestCR3
	VMCBFieldGuestCR4
	VMCBFieldGuestCR8
	VMCBFieldGuestEFER
	VMCBFieldGuestCS
	VMCBFieldGuestSS
	VMCBFieldGuestIDTRBase
	VMCBFieldGuestIDTRLimit
	VMCBFieldGuestGDTRBase
	VMCBFieldGuestGDTRLimit
	VMCBFieldGuestTRBase
	VMCBFieldGuestTRLimit
	VMCBFieldHostRIP
	VMCBFieldHostRSP
	VMCBFieldHostCR3
	VMCBFieldExitReason
	VMCBFieldExitQualification
	VMCBFieldGuestPhysicalAddress
	VMCBFieldIOPort
	VMCBFieldIODirection
	VMCBFieldCRAccessNumber
	VMCBFieldEPTPointer
	VMCBFieldVPIDOrASID
	VMCBFieldExceptionBitmap
	VMCBFieldIOBitmapA
	VMCBFieldIOBitmapB
	VMCBFieldMSRBitmap
	VMCBFieldExitControl
	VMCBFieldEntryControl
)

// Exit/entry control bits, modeled semantically rather than as the literal
// VMX/SVM bit layout: bit 0 of VMCBFieldExitControl/VMCBFieldEntryControl
// marks EFER save-on-exit/load-on-entry, bit 1 marks IA-32e (64-bit) mode
// entry.
const (
	exitEntryControlSaveLoadEFER uint64 = 1 << 0
	entryControlIA32eMode        uint64 = 1 << 1
)

// VMControlBlock abstracts the per-vCPU control structure: VMX's VMCS
// accessed via vmread/vmwrite, or SVM's in-memory VMCB accessed by direct
// field offsets. prepareHostState/prepareGuestState/prepareExecutionControl
// mirror the vendor-specific setup hypervisor_vmcsops.64.c performs before
// the first vmlaunch; read/write stand in for vmread/vmwrite or a struct
// field access; launch/resume stand in for vmlaunch/vmresume.
type VMControlBlock interface {
	Vendor() string

	PrepareHostState(vm *VM) error
	PrepareGuestState(vm *VM) error
	PrepareExecutionControl(vm *VM) error
	PrepareExitAndEntryControl(vm *VM) error
	PrepareEPTOrNPT(eptPointer uint64) error

	Read(field VMCBField) (uint64, error)
	Write(field VMCBField, value uint64) error

	ReadRegister(reg Register) (uint64, error)
	WriteRegister(reg Register, value uint64) error

	// AllowsIOPort reports whether port sits in the guest-accessible I/O
	// bitmap PrepareExecutionControl installed (the serial UART and PS/2
	// controller ranges); every other port traps unconditionally.
	AllowsIOPort(port uint16) bool
	// TrapsMSR reports whether msr is in the always-trap MSR bitmap
	// PrepareExecutionControl installed (the LAPIC timer's LVT, divider,
	// and count registers).
	TrapsMSR(msr uint32) bool

	// Launch starts the vCPU for the first time; Resume re-enters the
	// guest after a vmexit has been handled. Both return the exit reason
	// recorded in the control block for the vmexit that follows, or an
	// error if entry itself failed (a VM-entry failure, not a vmexit).
	Launch() (ExitReason, error)
	Resume() (ExitReason, error)
}

// Guest CR0/CR4/EFER bits PrepareGuestState loads, spelled out per spec.md
// §4.4's required initial guest state rather than as opaque magic numbers.
const (
	guestCR0PE, guestCR0MP, guestCR0NE, guestCR0WP, guestCR0PG = 1 << 0, 1 << 1, 1 << 5, 1 << 16, 1 << 31
	guestCR0Required                                           = guestCR0PE | guestCR0MP | guestCR0NE | guestCR0WP | guestCR0PG

	guestCR4PAE, guestCR4PGE, guestCR4OSFXSR, guestCR4OSXMMEXCPT = 1 << 5, 1 << 7, 1 << 9, 1 << 10
	guestCR4Required                                             = guestCR4PAE | guestCR4OSFXSR | guestCR4OSXMMEXCPT | guestCR4PGE

	guestEFERLME, guestEFERLMA, guestEFERNXE = 1 << 8, 1 << 10, 1 << 11
	guestEFERRequired                        = guestEFERLME | guestEFERLMA | guestEFERNXE

	// ioBitmapMarker/msrBitmapMarker stand in for a real page-sized
	// passthrough/trap bitmap: the VMCBField they're written to is itself
	// the software model's "I/O bitmap A/B" and "MSR bitmap" slot, and
	// AllowsIOPort/TrapsMSR are what the rest of this package actually
	// consults, so the value only needs to be a non-zero marker that the
	// policy has been installed.
	ioBitmapMarker  uint64 = 1
	msrBitmapMarker uint64 = 1
)

// prepareCommonGuestState loads the initial guest CR0/CR4/EFER and
// descriptor-table state spec.md §4.4 requires. VMX and SVM name this step
// differently (vmwrite into guest-state fields vs. populating the VMCB's
// save-state area) but require the identical guest-visible result, so both
// control block types share this implementation.
func prepareCommonGuestState(c VMControlBlock, vm *VM) error {
	if err := c.Write(VMCBFieldGuestCR0, guestCR0Required); err != nil {
		return err
	}
	if err := c.Write(VMCBFieldGuestCR4, guestCR4Required); err != nil {
		return err
	}
	if err := c.Write(VMCBFieldGuestEFER, guestEFERRequired); err != nil {
		return err
	}

	d := vm.DescriptorTables()
	if err := c.Write(VMCBFieldGuestIDTRBase, d.IDTBase); err != nil {
		return err
	}
	if err := c.Write(VMCBFieldGuestIDTRLimit, d.IDTLimit); err != nil {
		return err
	}
	if err := c.Write(VMCBFieldGuestGDTRBase, d.GDTBase); err != nil {
		return err
	}
	if err := c.Write(VMCBFieldGuestGDTRLimit, d.GDTLimit); err != nil {
		return err
	}
	if err := c.Write(VMCBFieldGuestTRBase, d.TRBase); err != nil {
		return err
	}
	return c.Write(VMCBFieldGuestTRLimit, d.TRLimit)
}

// vmcbBackend is the shared field/register storage used by both the VMX and
// SVM implementations below: on real hardware a VMX backend trades this for
// vmread/vmwrite and an SVM backend for a page-aligned struct, but both
// reduce to "named slots holding guest state" from the rest of this
// package's point of view.
type vmcbBackend struct {
	fields    map[VMCBField]uint64
	registers map[Register]uint64

	msrAlwaysTrap map[uint32]bool
}

func newVMCBBackend() vmcbBackend {
	return vmcbBackend{
		fields:    make(map[VMCBField]uint64),
		registers: make(map[Register]uint64),
	}
}

// ioPassthroughRange is one contiguous run of ports PrepareExecutionControl
// places in the guest-accessible I/O bitmap, grounded in spec.md §4.4's
// required policy: the serial UART's ports 0x3f8-0x3fd and the PS/2
// controller's data/status pair.
type ioPassthroughRange struct {
	Low, High uint16
}

var ioPassthroughRanges = []ioPassthroughRange{
	{Low: 0x3f8, High: 0x3fd}, // serial UART (COM1)
	{Low: 0x60, High: 0x60},   // PS/2 data
	{Low: 0x64, High: 0x64},   // PS/2 command/status
}

// lapicTimerMSRs is the always-trapping MSR set spec.md §4.4 requires: the
// x2APIC LVT timer register, its divide-configuration register, and its
// initial-count register. The current-count register is left to forward
// reads to the shadow via RDMSR's LAPIC-shadow path rather than trapping,
// matching how the timer-tick formula already consults LAPICState directly.
var lapicTimerMSRs = []uint32{0x832, 0x83e, 0x838}

func (b *vmcbBackend) installExecutionControlPolicy() {
	b.msrAlwaysTrap = make(map[uint32]bool, len(lapicTimerMSRs))
	for _, msr := range lapicTimerMSRs {
		b.msrAlwaysTrap[msr] = true
	}
}

func (b *vmcbBackend) AllowsIOPort(port uint16) bool {
	if b.fields[VMCBFieldIOBitmapA] == 0 {
		return false
	}
	for _, r := range ioPassthroughRanges {
		if port >= r.Low && port <= r.High {
			return true
		}
	}
	return false
}

func (b *vmcbBackend) TrapsMSR(msr uint32) bool {
	return b.msrAlwaysTrap[msr]
}

func (b *vmcbBackend) Read(field VMCBField) (uint64, error) {
	return b.fields[field], nil
}

func (b *vmcbBackend) Write(field VMCBField, value uint64) error {
	b.fields[field] = value
	return nil
}

func (b *vmcbBackend) ReadRegister(reg Register) (uint64, error) {
	return b.registers[reg], nil
}

func (b *vmcbBackend) WriteRegister(reg Register, value uint64) error {
	b.registers[reg] = value
	return nil
}

// VMXControlBlock models an Intel VT-x VMCS: guest/host state fields live
// in the opaque region the CPU manages, addressed by a 32-bit VMCS field
// encoding rather than a struct offset, grounded in
// hypervisor_vmcsops.64.c's vmx_read/vmx_write/vmlaunch/vmresume sequence.
type VMXControlBlock struct {
	vmcbBackend
	revisionID uint32
}

func NewVMXControlBlock(revisionID uint32) *VMXControlBlock {
	return &VMXControlBlock{vmcbBackend: newVMCBBackend(), revisionID: revisionID}
}

func (c *VMXControlBlock) Vendor() string { return "vmx" }

func (c *VMXControlBlock) PrepareHostState(vm *VM) error {
	return c.Write(VMCBFieldHostRIP, 0)
}

func (c *VMXControlBlock) PrepareGuestState(vm *VM) error {
	return prepareCommonGuestState(c, vm)
}

// PrepareExecutionControl installs the VMX execution-control policy: an
// I/O bitmap that lets the serial UART and PS/2 controller pass through
// untrapped, an MSR bitmap that always traps the LAPIC timer's
// LVT/divider/initial-count registers, an empty exception bitmap, and a
// non-zero VPID. Modeled semantically: the fields below are named markers a
// real VMCS would instead encode as bitmap pages and control-field bits. No
// pin-based or processor-based control field is modeled, so nothing here
// enables unrestricted guest, RDTSCP or x2APIC virtualization; the EPT
// pointer is written separately by PrepareEPTOrNPT.
func (c *VMXControlBlock) PrepareExecutionControl(vm *VM) error {
	c.installExecutionControlPolicy()
	if err := c.Write(VMCBFieldExceptionBitmap, 0); err != nil {
		return err
	}
	if err := c.Write(VMCBFieldIOBitmapA, ioBitmapMarker); err != nil {
		return err
	}
	if err := c.Write(VMCBFieldIOBitmapB, ioBitmapMarker); err != nil {
		return err
	}
	if err := c.Write(VMCBFieldMSRBitmap, msrBitmapMarker); err != nil {
		return err
	}
	// VPID identifies this vCPU's TLB entries across vmexits the same way
	// SVM's ASID does; vm.ID()+1 keeps it non-zero, since VPID 0 is
	// reserved for the host.
	return c.Write(VMCBFieldVPIDOrASID, vm.ID()+1)
}

func (c *VMXControlBlock) PrepareExitAndEntryControl(vm *VM) error {
	if err := c.Write(VMCBFieldExitControl, exitEntryControlSaveLoadEFER); err != nil {
		return err
	}
	return c.Write(VMCBFieldEntryControl, exitEntryControlSaveLoadEFER|entryControlIA32eMode)
}

func (c *VMXControlBlock) PrepareEPTOrNPT(eptPointer uint64) error {
	return c.Write(VMCBFieldEPTPointer, eptPointer)
}

func (c *VMXControlBlock) Launch() (ExitReason, error) {
	return c.vmEnter()
}

func (c *VMXControlBlock) Resume() (ExitReason, error) {
	return c.vmEnter()
}

func (c *VMXControlBlock) vmEnter() (ExitReason, error) {
	reason, ok := c.fields[VMCBFieldExitReason]
	if !ok {
		return ExitReasonUnknown, fmt.Errorf("hv: vmx: no exit reason recorded for vm entry")
	}
	return ExitReason(reason), nil
}

// SVMControlBlock models an AMD-V VMCB: a single page-aligned struct the
// CPU reads/writes directly via vmrun, grounded in the vmrun/#VMEXIT
// handling split out into hypervisor_svm_vmexit.64.c in the original.
type SVMControlBlock struct {
	vmcbBackend
}

func NewSVMControlBlock() *SVMControlBlock {
	return &SVMControlBlock{vmcbBackend: newVMCBBackend()}
}

func (c *SVMControlBlock) Vendor() string { return "svm" }

func (c *SVMControlBlock) PrepareHostState(vm *VM) error {
	return c.Write(VMCBFieldHostRIP, 0)
}

func (c *SVMControlBlock) PrepareGuestState(vm *VM) error {
	return prepareCommonGuestState(c, vm)
}

// PrepareExecutionControl installs the SVM intercept vector and I/O/MSR
// permission bitmaps spec.md §4.4 requires, the NPT/ASID counterpart of
// VMXControlBlock.PrepareExecutionControl above: the same passthrough and
// always-trap policy, ASID in place of VPID, NPT enabled in place of EPT.
func (c *SVMControlBlock) PrepareExecutionControl(vm *VM) error {
	c.installExecutionControlPolicy()
	if err := c.Write(VMCBFieldExceptionBitmap, 0); err != nil {
		return err
	}
	if err := c.Write(VMCBFieldIOBitmapA, ioBitmapMarker); err != nil {
		return err
	}
	if err := c.Write(VMCBFieldIOBitmapB, ioBitmapMarker); err != nil {
		return err
	}
	if err := c.Write(VMCBFieldMSRBitmap, msrBitmapMarker); err != nil {
		return err
	}
	return c.Write(VMCBFieldVPIDOrASID, vm.ID()+1) // ASID 0 is reserved for the host
}

func (c *SVMControlBlock) PrepareExitAndEntryControl(vm *VM) error {
	if err := c.Write(VMCBFieldExitControl, exitEntryControlSaveLoadEFER); err != nil {
		return err
	}
	return c.Write(VMCBFieldEntryControl, exitEntryControlSaveLoadEFER|entryControlIA32eMode)
}

func (c *SVMControlBlock) PrepareEPTOrNPT(eptPointer uint64) error {
	return c.Write(VMCBFieldEPTPointer, eptPointer) // NCR3 in SVM terms
}

func (c *SVMControlBlock) Launch() (ExitReason, error) {
	return c.vmRun()
}

func (c *SVMControlBlock) Resume() (ExitReason, error) {
	return c.vmRun()
}

func (c *SVMControlBlock) vmRun() (ExitReason, error) {
	reason, ok := c.fields[VMCBFieldExitReason]
	if !ok {
		return ExitReasonUnknown, fmt.Errorf("hv: svm: no exit reason recorded for vmrun")
	}
	return ExitReason(reason), nil
}

var (
	_ VMControlBlock = (*VMXControlBlock)(nil)
	_ VMControlBlock = (*SVMControlBlock)(nil)
)
