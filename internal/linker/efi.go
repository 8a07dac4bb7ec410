package linker

import "encoding/binary"

// BuildEFIImage implements the supplemented linker_build_efi path: it wraps
// an already-linked program image (as produced by LinkProgram) in a minimal
// PE/COFF header so a UEFI firmware's image loader can map and jump to it
// directly, as an alternative to the hypervisor mapping the raw image into
// guest memory itself.
//
// Only the fields a UEFI loader actually inspects are populated: this is
// not a general-purpose PE writer.
func BuildEFIImage(program []byte, header ProgramHeader) []byte {
	const (
		dosHeaderSize   = 64
		peSignatureSize = 4
		coffHeaderSize  = 20
		optHeaderSize   = 112 // PE32+ optional header, no data directories
		sectionHeaderSize = 40
	)

	peOffset := uint32(dosHeaderSize)
	sectionTableOffset := peOffset + peSignatureSize + coffHeaderSize + optHeaderSize
	imageBase := header.BaseAddress
	sectionStart := alignUp(sectionTableOffset+sectionHeaderSize, 0x200)

	buf := make([]byte, sectionStart+uint32(len(program)))

	// DOS header: only e_lfanew (offset to the PE header) matters here.
	copy(buf[0:2], []byte("MZ"))
	binary.LittleEndian.PutUint32(buf[0x3c:0x40], peOffset)

	// PE signature + COFF header.
	copy(buf[peOffset:peOffset+4], []byte("PE\x00\x00"))
	coff := buf[peOffset+4:]
	binary.LittleEndian.PutUint16(coff[0:2], 0x8664) // IMAGE_FILE_MACHINE_AMD64
	binary.LittleEndian.PutUint16(coff[2:4], 1)       // one section
	binary.LittleEndian.PutUint16(coff[16:18], uint16(optHeaderSize))
	binary.LittleEndian.PutUint16(coff[18:20], 0x0222) // executable, large-address-aware

	// Optional header (PE32+).
	opt := coff[coffHeaderSize:]
	binary.LittleEndian.PutUint16(opt[0:2], 0x020b) // PE32+ magic
	binary.LittleEndian.PutUint32(opt[16:20], uint32(header.EntryPoint-imageBase))
	binary.LittleEndian.PutUint64(opt[24:32], imageBase)
	binary.LittleEndian.PutUint16(opt[68:70], 10) // Subsystem: EFI application

	// Section header: one section covering the whole image.
	sect := buf[sectionTableOffset : sectionTableOffset+sectionHeaderSize]
	copy(sect[0:8], []byte(".turnst\x00"))
	binary.LittleEndian.PutUint32(sect[8:12], uint32(len(program)))
	binary.LittleEndian.PutUint32(sect[12:16], 0)
	binary.LittleEndian.PutUint32(sect[16:20], uint32(len(program)))
	binary.LittleEndian.PutUint32(sect[20:24], sectionStart)
	binary.LittleEndian.PutUint32(sect[36:40], 0xe0000020) // CODE | EXECUTE | READ | WRITE

	copy(buf[sectionStart:], program)
	return buf
}

func alignUp(v, align uint32) uint32 {
	if rem := v % align; rem != 0 {
		v += align - rem
	}
	return v
}
