// Package moduledb implements the persistent, content-addressed block store
// that backs the module database: a page-aligned, append-only log of
// self-describing blocks, and the table/record layer built on top of it.
package moduledb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PageSize is the block-store's allocation granularity. Every block's
// on-disk size is a multiple of PageSize.
const PageSize = 4096

// BlockType identifies the logical content of a block.
type BlockType uint32

const (
	BlockTypeSuperblock BlockType = iota
	BlockTypeDatabase
	BlockTypeTableList
	BlockTypeTable
	BlockTypeColumnList
	BlockTypeIndexList
	BlockTypeData
	BlockTypeValueLog
	BlockTypeIndexTree
)

func (t BlockType) String() string {
	switch t {
	case BlockTypeSuperblock:
		return "superblock"
	case BlockTypeDatabase:
		return "database"
	case BlockTypeTableList:
		return "table-list"
	case BlockTypeTable:
		return "table"
	case BlockTypeColumnList:
		return "column-list"
	case BlockTypeIndexList:
		return "index-list"
	case BlockTypeData:
		return "data"
	case BlockTypeValueLog:
		return "valuelog"
	case BlockTypeIndexTree:
		return "index-tree"
	default:
		return fmt.Sprintf("block-type(%d)", uint32(t))
	}
}

// headerSize is the encoded size of BlockHeader: two u32, three u64, one u8
// flag plus 7 bytes of padding to keep the header 40 bytes wide.
const headerSize = 4 + 4 + 8 + 8 + 8 + 1 + 7

// BlockHeader begins every block persisted to the backing store.
//
//	u32 block_type ; u32 reserved ; u64 block_size ;
//	u64 prev_block_location ; u64 prev_block_size ; u8 prev_invalid ; u8 pad[7]
type BlockHeader struct {
	BlockType    BlockType
	BlockSize    uint64
	PrevLocation uint64
	PrevSize     uint64
	PrevInvalid  bool
}

func (h BlockHeader) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.BlockType))
	binary.LittleEndian.PutUint64(buf[8:16], h.BlockSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.PrevLocation)
	binary.LittleEndian.PutUint64(buf[24:32], h.PrevSize)
	if h.PrevInvalid {
		buf[32] = 1
	}
	return buf
}

func decodeHeader(buf []byte) (BlockHeader, error) {
	if len(buf) < headerSize {
		return BlockHeader{}, fmt.Errorf("moduledb: short block header: %d bytes", len(buf))
	}
	return BlockHeader{
		BlockType:    BlockType(binary.LittleEndian.Uint32(buf[0:4])),
		BlockSize:    binary.LittleEndian.Uint64(buf[8:16]),
		PrevLocation: binary.LittleEndian.Uint64(buf[16:24]),
		PrevSize:     binary.LittleEndian.Uint64(buf[24:32]),
		PrevInvalid:  buf[32] != 0,
	}, nil
}

// ErrChainCorrupt is returned when a previous-pointer chain cannot be
// followed to its terminal block within the expected number of steps.
var ErrChainCorrupt = errors.New("moduledb: block chain corrupt or unterminated")

// Block is a decoded, page-aligned record: its header plus the payload that
// follows it.
type Block struct {
	Header  BlockHeader
	Payload []byte
	// Location is where this block starts in the backing store; zero until
	// the block has been written.
	Location uint64
}

func alignPage(size uint64) uint64 {
	if size == 0 {
		return PageSize
	}
	if rem := size % PageSize; rem != 0 {
		size += PageSize - rem
	}
	return size
}

func encodeBlock(blockType BlockType, prevLoc, prevSize uint64, prevInvalid bool, payload []byte) []byte {
	total := alignPage(uint64(headerSize + len(payload)))
	buf := make([]byte, total)
	h := BlockHeader{
		BlockType:    blockType,
		BlockSize:    total,
		PrevLocation: prevLoc,
		PrevSize:     prevSize,
		PrevInvalid:  prevInvalid,
	}
	copy(buf, h.encode())
	copy(buf[headerSize:], payload)
	return buf
}

// decodeBlock parses a raw page-aligned buffer into a Block.
func decodeBlock(loc uint64, raw []byte) (*Block, error) {
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.BlockSize == 0 || h.BlockSize%PageSize != 0 {
		return nil, fmt.Errorf("moduledb: block at 0x%x has invalid size %d", loc, h.BlockSize)
	}
	return &Block{
		Header:   h,
		Payload:  raw[headerSize:],
		Location: loc,
	}, nil
}

// WalkChain follows a block's previous-pointer chain starting at (loc, size)
// until it reaches a block with PrevInvalid set, calling fn with each block
// visited (newest first). It gives up after maxSteps hops, returning
// ErrChainCorrupt — this bounds the "Block-chain termination" property from
// spec.md §8 to at most the number of persisted versions.
func WalkChain(store BlockStore, loc, size uint64, maxSteps int, fn func(*Block) error) error {
	steps := 0
	for loc != 0 {
		if steps >= maxSteps {
			return ErrChainCorrupt
		}
		steps++

		raw, err := store.ReadBlock(loc, size)
		if err != nil {
			return fmt.Errorf("moduledb: read block at 0x%x: %w", loc, err)
		}
		blk, err := decodeBlock(loc, raw)
		if err != nil {
			return err
		}
		if err := fn(blk); err != nil {
			return err
		}
		if blk.Header.PrevInvalid {
			return nil
		}
		loc = blk.Header.PrevLocation
		size = blk.Header.PrevSize
	}
	return ErrChainCorrupt
}
