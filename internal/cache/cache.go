// Package cache implements the write-back cache device: it fronts
// any blockdev.Bdev with a hash table of cached blocks keyed by
// lba mod MaxChains, in either write-through or write-absorb mode.
package cache

import "lsvmshim/internal/blockdev"

// MaxChains bounds the number of hash buckets.
const MaxChains = 65536

type entry struct {
	lba   uint64
	block blockdev.Block
}

// Device is a write-back (or write-absorbing) cache in front of a
// child Bdev.
type Device struct {
	child   blockdev.Bdev
	buckets [][]entry
	absorb  bool
}

// New wraps child with an initially write-through cache.
func New(child blockdev.Bdev) *Device {
	return &Device{child: child, buckets: make([][]entry, MaxChains)}
}

func (d *Device) bucket(lba uint64) int { return int(lba % MaxChains) }

func (d *Device) lookup(lba uint64) (blockdev.Block, bool) {
	b := d.buckets[d.bucket(lba)]
	for i := range b {
		if b[i].lba == lba {
			return b[i].block, true
		}
	}
	return blockdev.Block{}, false
}

func (d *Device) store(lba uint64, blk blockdev.Block) {
	idx := d.bucket(lba)
	chain := d.buckets[idx]
	for i := range chain {
		if chain[i].lba == lba {
			chain[i].block = blk
			return
		}
	}
	d.buckets[idx] = append(chain, entry{lba: lba, block: blk})
}

// Close releases the child device; the cache itself owns no external
// resource.
func (d *Device) Close() error { return d.child.Close() }

// Get returns the cached block if present, else reads through the
// child and populates the cache.
func (d *Device) Get(lba uint64) (blockdev.Block, error) {
	if blk, ok := d.lookup(lba); ok {
		return blk, nil
	}
	blk, err := d.child.Get(lba)
	if err != nil {
		return blockdev.Block{}, err
	}
	d.store(lba, blk)
	return blk, nil
}

// Put writes through to the child and updates the cache in flag 0
// (write-through) mode. In absorb mode it only updates the cache: the
// canonical policy once handoff nears, so downstream writes to the
// boot volume never reach disk.
func (d *Device) Put(lba uint64, blk blockdev.Block) error {
	d.store(lba, blk)
	if d.absorb {
		return nil
	}
	return d.child.Put(lba, blk)
}

// SetFlags toggles absorb mode via blockdev.EnableCaching. Any other
// bit is accepted and ignored, matching the "opaque to the caller"
// contract of set_flags.
func (d *Device) SetFlags(flags uint32) error {
	d.absorb = flags&blockdev.EnableCaching != 0
	return nil
}

// WithPersistentWrite temporarily disables absorb mode for the
// duration of fn, then restores the prior mode — the only permitted
// way to bypass absorb mode (specialization drop-off, DBX follow-up
// writes).
func (d *Device) WithPersistentWrite(fn func() error) error {
	prev := d.absorb
	d.absorb = false
	defer func() { d.absorb = prev }()
	return fn()
}
