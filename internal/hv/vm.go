package hv

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/turnstone-core/internal/abi"
)

// LAPICState mirrors the guest-visible local APIC timer fields the vmexit
// handler emulates: divider, initial/current count, and whether the timer
// is currently masked or configured to exit on every tick instead of
// raising an interrupt.
type LAPICState struct {
	TimerMasked        bool
	TimerExits         bool
	TimerDivider       uint32
	TimerDividerReal   uint64
	TimerInitialValue  uint64
	TimerCurrentValue  uint64
}

// DescriptorTables holds the guest-virtual addresses of the IDT, GDT, and
// TSS a loaded program image provides, the values PrepareGuestState loads
// into IDTR/GDTR/TR before the first vmlaunch/vmrun. The linker does not
// itself emit descriptor table content (out of scope for a relocatable
// module); whatever attaches the program image to a VM supplies these.
type DescriptorTables struct {
	IDTBase, IDTLimit uint64
	GDTBase, GDTLimit uint64
	TRBase, TRLimit   uint64
}

// hostPhysStride separates the synthetic host-physical ranges this process
// hands out per VM: there is no real frame allocator backing guest memory
// here, only the guestRAM Go slice, so TranslateGPAToHPA maps each VM's
// guest-physical range into its own disjoint slice of a process-wide
// address space rather than returning the guest-physical address unchanged.
const hostPhysStride = 1 << 36

// VM is one guest virtual machine: its VMCB backend, guest-physical address
// space, device routing tables, pending interrupt/IPC queues, and LAPIC
// timer shadow state. It is the *VM referenced by Device.Init and by every
// ExitContext-consuming emulation routine.
type VM struct {
	mu sync.Mutex

	id   uint64
	name string

	vcb VMControlBlock

	addressSpace *AddressSpace

	lastTSC   uint64
	lapic     LAPICState

	loadedModuleIDs map[string]bool

	mmioDevices   []MemoryMappedIODevice
	ioPortDevices map[uint16]X86IOPortDevice

	ipcQueue       []abi.HypercallArgs
	interruptQueue []uint8

	entryPointName string

	halted bool

	guestRAM []byte

	ept                *EPTBuilder
	descriptors        DescriptorTables
	pendingModuleLoads map[uint64]ModuleLoadSpans
	releasedRegions    []MMIORegion
	hostPhysBase       uint64
	tscOffset          uint64
}

// NewVM constructs a VM over the given VMCB backend (VMX or SVM) and
// guest-physical address space, mirroring the field initialization
// hypervisor_vm_create_and_attach_to_task performs before handing the VM to
// a host task.
func NewVM(id uint64, name string, vcb VMControlBlock, addressSpace *AddressSpace) *VM {
	return &VM{
		id:                 id,
		name:               name,
		vcb:                vcb,
		addressSpace:       addressSpace,
		lastTSC:            readTSC(),
		lapic:              LAPICState{TimerMasked: true},
		loadedModuleIDs:    make(map[string]bool),
		ioPortDevices:      make(map[uint16]X86IOPortDevice),
		guestRAM:           make([]byte, addressSpace.RAMSize()),
		ept:                NewEPTBuilder(),
		pendingModuleLoads: make(map[uint64]ModuleLoadSpans),
		hostPhysBase:       id * hostPhysStride,
	}
}

// EPT returns the VM's guest-physical page table builder, consulted by the
// EPT-violation handler and populated by whatever attaches the initial
// program image (and later by merge_module on dynamic loads).
func (vm *VM) EPT() *EPTBuilder { return vm.ept }

// SetDescriptorTables records the guest-virtual IDT/GDT/TR placement the
// next PrepareGuestState call should load, supplied by whatever links and
// attaches the program image (there is no descriptor-table content emitted
// by the linker itself).
func (vm *VM) SetDescriptorTables(d DescriptorTables) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.descriptors = d
}

func (vm *VM) DescriptorTables() DescriptorTables {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.descriptors
}

// RegisterPendingModuleLoad flags a guest-physical page as belonging to a
// module whose spans have not yet been merged into the EPT: the first EPT
// violation landing on gpa resolves it via merge_module instead of faulting.
func (vm *VM) RegisterPendingModuleLoad(gpa uint64, load ModuleLoadSpans) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.pendingModuleLoads[gpa&^uint64(pageSize-1)] = load
}

// TakePendingModuleLoad consumes (and removes) the pending module load
// flagged for gpa's containing page, if any.
func (vm *VM) TakePendingModuleLoad(gpa uint64) (ModuleLoadSpans, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	page := gpa &^ uint64(pageSize-1)
	load, ok := vm.pendingModuleLoads[page]
	if ok {
		delete(vm.pendingModuleLoads, page)
	}
	return load, ok
}

// MergeModule splices a resolved module's code and GOT spans into the VM's
// EPT, the runtime counterpart of spec.md's merge_module(vm, module_load).
func (vm *VM) MergeModule(load ModuleLoadSpans) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.ept.MergeModule(load)
}

// ReleaseRegion marks a guest-physical range as deliberately unmapped (a
// freed module image, a reclaimed heap extent): an EPT violation landing
// here is a genuine guest fault, reinjected as page-fault vector 14, rather
// than a pending module load waiting to be merged.
func (vm *VM) ReleaseRegion(r MMIORegion) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.releasedRegions = append(vm.releasedRegions, r)
}

func (vm *VM) IsReleased(gpa uint64) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, r := range vm.releasedRegions {
		if gpa >= r.Address && gpa < r.Address+r.Size {
			return true
		}
	}
	return false
}

// TranslateGPAToHPA performs this VM's guest-physical to host-physical
// translation. There is no hardware frame allocator underneath this
// process's guest RAM, so the "host-physical" address space is synthetic:
// each VM owns a disjoint hostPhysStride-sized range, and a GPA within
// guest RAM maps to the same byte offset within that range. Bounds-checked
// the same way WriteAt/ReadAt are, since a guest requesting the HPA of an
// address outside its own RAM is a guest bug, not a condition to paper over.
func (vm *VM) TranslateGPAToHPA(gpa uint64) (uint64, error) {
	off := gpa - vm.addressSpace.RAMBase()
	if gpa < vm.addressSpace.RAMBase() || off >= uint64(len(vm.guestRAM)) {
		return 0, fmt.Errorf("hv: translate gpa 0x%x: out of guest RAM bounds", gpa)
	}
	return vm.hostPhysBase + off, nil
}

// TSCOffset is added to the host's rdtsc reading on a guest RDTSC vmexit,
// letting a guest's view of elapsed cycles be shifted independent of the
// host clock (e.g. to zero a guest's TSC at boot).
func (vm *VM) TSCOffset() uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.tscOffset
}

func (vm *VM) SetTSCOffset(offset uint64) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.tscOffset = offset
}

func (vm *VM) ID() uint64                   { return vm.id }
func (vm *VM) Name() string                 { return vm.name }
func (vm *VM) AddressSpace() *AddressSpace  { return vm.addressSpace }
func (vm *VM) ControlBlock() VMControlBlock { return vm.vcb }
func (vm *VM) MemoryBase() uint64           { return vm.addressSpace.RAMBase() }
func (vm *VM) MemorySize() uint64           { return vm.addressSpace.RAMSize() }

// WriteAt writes into guest RAM at a guest-physical address, satisfying
// io.WriterAt so device setup code (ACPI table installation, a boot
// loader's initrd placement) can use the standard library's io helpers.
func (vm *VM) WriteAt(p []byte, gpa int64) (int, error) {
	off := uint64(gpa) - vm.addressSpace.RAMBase()
	if gpa < int64(vm.addressSpace.RAMBase()) || off+uint64(len(p)) > uint64(len(vm.guestRAM)) {
		return 0, fmt.Errorf("hv: write at 0x%x, len %d: out of guest RAM bounds", gpa, len(p))
	}
	return copy(vm.guestRAM[off:], p), nil
}

// ReadAt mirrors WriteAt for the io.ReaderAt side (readGuestCString uses it
// to read the print hypercall's string out of guest memory).
func (vm *VM) ReadAt(p []byte, gpa int64) (int, error) {
	off := uint64(gpa) - vm.addressSpace.RAMBase()
	if gpa < int64(vm.addressSpace.RAMBase()) || off+uint64(len(p)) > uint64(len(vm.guestRAM)) {
		return 0, fmt.Errorf("hv: read at 0x%x, len %d: out of guest RAM bounds", gpa, len(p))
	}
	return copy(p, vm.guestRAM[off:]), nil
}

// AttachMMIODevice registers a device's Init and records it for EPT/NPT
// violation dispatch against its declared MMIORegions.
func (vm *VM) AttachMMIODevice(d MemoryMappedIODevice) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if err := d.Init(vm); err != nil {
		return fmt.Errorf("hv: init MMIO device: %w", err)
	}
	vm.mmioDevices = append(vm.mmioDevices, d)
	return nil
}

// AttachIOPortDevice registers a device's Init and claims its declared
// ports in the IN/OUT dispatch table. A port claimed twice is a
// configuration error.
func (vm *VM) AttachIOPortDevice(d X86IOPortDevice) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	for _, port := range d.IOPorts() {
		if _, exists := vm.ioPortDevices[port]; exists {
			return fmt.Errorf("hv: I/O port 0x%x already claimed", port)
		}
	}
	if err := d.Init(vm); err != nil {
		return fmt.Errorf("hv: init I/O port device: %w", err)
	}
	for _, port := range d.IOPorts() {
		vm.ioPortDevices[port] = d
	}
	return nil
}

func (vm *VM) mmioDeviceFor(addr uint64) MemoryMappedIODevice {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, d := range vm.mmioDevices {
		for _, r := range d.MMIORegions() {
			if addr >= r.Address && addr < r.Address+r.Size {
				return d
			}
		}
	}
	return nil
}

func (vm *VM) ioPortDeviceFor(port uint16) X86IOPortDevice {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.ioPortDevices[port]
}

// MarkModuleLoaded records that the dynamic-load hypercall has already
// resolved moduleID for this VM, so repeated PLT hits for it short-circuit.
func (vm *VM) MarkModuleLoaded(moduleID string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.loadedModuleIDs[moduleID] = true
}

func (vm *VM) IsModuleLoaded(moduleID string) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.loadedModuleIDs[moduleID]
}

// EnqueueIPC pushes a hypercall request the host side hasn't serviced yet
// onto the VM's message queue, mirroring task_add_message_queue's mq_list.
func (vm *VM) EnqueueIPC(req abi.HypercallArgs) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.ipcQueue = append(vm.ipcQueue, req)
}

func (vm *VM) DequeueIPC() (abi.HypercallArgs, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.ipcQueue) == 0 {
		return abi.HypercallArgs{}, false
	}
	req := vm.ipcQueue[0]
	vm.ipcQueue = vm.ipcQueue[1:]
	return req, true
}

// EnqueueInterrupt records a pending interrupt vector for injection on the
// next Exit-Emulate/Inject-Interrupt step, the Go counterpart of
// hypervisor_ipc_send_timer_interrupt appending to a VM's interrupt queue.
func (vm *VM) EnqueueInterrupt(vector uint8) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.interruptQueue = append(vm.interruptQueue, vector)
}

func (vm *VM) DequeueInterrupt() (uint8, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.interruptQueue) == 0 {
		return 0, false
	}
	v := vm.interruptQueue[0]
	vm.interruptQueue = vm.interruptQueue[1:]
	return v, true
}

// SetIRQ raises or lowers a legacy interrupt line by number, routing it to
// the LAPIC timer vector's sibling path: a level-triggered device (the
// serial UART, the PCI host bridge) calls this instead of enqueueing a
// fixed vector directly, since the actual vector a line maps to is an
// IOAPIC redirection-table concern this core models as a 1:1 line-to-vector
// mapping (line N raises vector 0x21+N, so line 0 does not share the LAPIC
// timer's 0x20).
func (vm *VM) SetIRQ(line uint32, high bool) {
	if !high {
		return
	}
	vm.EnqueueInterrupt(uint8(0x21 + line))
}

func (vm *VM) Halt() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.halted = true
}

func (vm *VM) Halted() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.halted
}

// NotifyTimer advances the LAPIC timer shadow state by the elapsed TSC
// delta since the last call and reports whether the timer expired this
// tick, the same rdtsc-delta calibration hypervisor_vm_notify_timers uses.
func (vm *VM) NotifyTimer(rdtscDelta uint64) (expired bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.lapic.TimerMasked || rdtscDelta == 0 {
		return false
	}

	tsc := readTSC()
	delta := (tsc - vm.lastTSC) / rdtscDelta * vm.lapic.TimerDividerReal
	vm.lastTSC = tsc

	if vm.lapic.TimerCurrentValue > delta {
		vm.lapic.TimerCurrentValue -= delta
		return false
	}

	vm.lapic.TimerCurrentValue = vm.lapic.TimerInitialValue
	return true
}

func (vm *VM) LAPIC() LAPICState {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.lapic
}

func (vm *VM) SetLAPIC(state LAPICState) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.lapic = state
}

// readTSC stands in for the guest's rdtsc on a host that may not run on the
// CPU architecture this code is compiled for; call sites only ever consume
// the delta between two calls so a monotonic clock is sufficient off-target.
func readTSC() uint64 {
	return uint64(time.Now().UnixNano())
}
