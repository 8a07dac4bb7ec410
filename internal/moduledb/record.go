package moduledb

import "fmt"

// Record is a single logical row. Each revision is persisted as its own
// block, chained to the revision it supersedes; a Record in memory always
// reflects the newest revision read or written.
type Record struct {
	ID      uint64
	Deleted bool
	Values  map[string]interface{}

	// Location/Size of the block this revision was (or will be) written to.
	Location, Size uint64
	prevLocation, prevSize uint64
}

type recordPayload struct {
	ID      uint64
	Deleted bool
	Values  map[string]interface{}
}

func (r *Record) encode() ([]byte, error) {
	return encodeGob(recordPayload{ID: r.ID, Deleted: r.Deleted, Values: r.Values})
}

func decodeRecord(blk *Block) (*Record, error) {
	var p recordPayload
	if err := decodeGob(blk.Payload, &p); err != nil {
		return nil, fmt.Errorf("moduledb: decode record at 0x%x: %w", blk.Location, err)
	}
	return &Record{
		ID:           p.ID,
		Deleted:      p.Deleted,
		Values:       p.Values,
		Location:     blk.Location,
		Size:         blk.Header.BlockSize,
		prevLocation: blk.Header.PrevLocation,
		prevSize:     blk.Header.PrevSize,
	}, nil
}
