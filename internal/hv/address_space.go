package hv

import (
	"fmt"
	"sync"
)

// MMIOAllocationRequest describes one MMIO region a device needs carved out
// of guest-physical address space.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a granted region, returned by AddressSpace.Allocate or
// recorded by AddressSpace.RegisterFixed.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// AddressSpace tracks a VM's guest-physical memory layout: the RAM region
// the EPT/NPT builder maps 1:1 (or via merge_module overlays), and the MMIO
// regions allocated above it for devices the vmexit handler routes to.
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	nextMMIO     uint64
	allocations  []MMIOAllocation
	fixedRegions []MMIOAllocation
}

// NewAddressSpace creates an address space whose MMIO allocations start
// immediately above [ramBase, ramBase+ramSize).
func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		ramBase:  ramBase,
		ramSize:  ramSize,
		nextMMIO: alignUp(ramBase+ramSize, 0x1000),
	}
}

// Allocate carves out an MMIO region above RAM and any previously allocated
// region, respecting the requested alignment (4KiB if unspecified).
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("hv: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("hv: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	base := alignUp(a.nextMMIO, alignment)
	size := alignUp(req.Size, alignment)

	alloc := MMIOAllocation{Name: req.Name, Base: base, Size: size}
	a.allocations = append(a.allocations, alloc)
	a.nextMMIO = base + size

	return alloc, nil
}

// RegisterFixed records a pre-determined MMIO region (LAPIC, IOAPIC, a
// passthrough PCI BAR), rejecting it if it overlaps RAM.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("hv: cannot register zero-size fixed region %s", name)
	}

	regionEnd := base + size
	ramEnd := a.ramBase + a.ramSize
	if base < ramEnd && regionEnd > a.ramBase {
		return fmt.Errorf("hv: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, regionEnd, a.ramBase, ramEnd)
	}

	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{Name: name, Base: base, Size: size})
	return nil
}

func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MMIOAllocation(nil), a.allocations...)
}

func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MMIOAllocation(nil), a.fixedRegions...)
}

func (a *AddressSpace) RAMBase() uint64 { return a.ramBase }
func (a *AddressSpace) RAMSize() uint64 { return a.ramSize }
func (a *AddressSpace) RAMEnd() uint64  { return a.ramBase + a.ramSize }

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
