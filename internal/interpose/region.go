// Package interpose implements the virtual-partition interposition
// layer: a root block-I/O shim that serves synthetic LBA ranges from
// RAM or another Bdev, a pseudo-partition and GPT patcher that
// injects a new entry covering the decrypted boot volume, and an ESP
// file-I/O shim that serves a memory-resident GRUB/shim image in
// place of the on-disk one.
//
// The root-BIO shim is a capability interface (firmware.BlockIO) plus
// a fixed-capacity region table; the captured original operations
// stand in for what firmware-level code would do with raw
// function-pointer capture.
package interpose

import (
	"lsvmshim/internal/blockdev"
	"lsvmshim/internal/errs"
	"lsvmshim/internal/firmware"
)

// RegionID names the three kinds of synthesized region.
type RegionID int

const (
	RegionGPT RegionID = iota
	RegionESP
	RegionBoot
)

// MaxRegions bounds the region table.
const MaxRegions = 8

// Region is one intercepted LBA range, backed by exactly one of an
// in-RAM block array or a separate Bdev.
type Region struct {
	ID       RegionID
	First    uint64
	Last     uint64
	ReadOnly bool

	ram []blockdev.Block // non-nil iff this region is RAM-backed
	bio blockdev.Bdev    // non-nil iff this region is Bdev-backed
}

// RootBIO is the root BIO interposer: it captures a firmware
// BlockIO's original operations and serves reads/writes either from
// the region table or, for any remainder, from the captured original.
//
// enableHooks starts false; shims consult it on every call and pass
// through to the original verbatim when it is false. The logger
// writes to disk through this same BIO, so the guard is what breaks
// the shim-logs-shim reentrancy cycle.
type RootBIO struct {
	original    firmware.BlockIO
	regions     []Region
	enableHooks bool
}

// NewRootBIO captures original's operations; hooks stay disabled
// until EnableHooks is called, after every hook is installed.
func NewRootBIO(original firmware.BlockIO) *RootBIO {
	return &RootBIO{original: original}
}

// EnableHooks flips the dispatch flag on. Nothing may call this
// before every region and shim is installed.
func (r *RootBIO) EnableHooks() { r.enableHooks = true }

// HooksEnabled reports the current dispatch state.
func (r *RootBIO) HooksEnabled() bool { return r.enableHooks }

// AddRegion appends a new intercepted LBA range. Returns
// errs.Capacity once MaxRegions entries exist, and errs.Invariant if
// the new range overlaps an existing one.
func (r *RootBIO) AddRegion(reg Region) error {
	if len(r.regions) >= MaxRegions {
		return errs.New(errs.Capacity, "interpose.RootBIO.AddRegion", nil)
	}
	for _, existing := range r.regions {
		if reg.First <= existing.Last && existing.First <= reg.Last {
			return errs.New(errs.Invariant, "interpose.RootBIO.AddRegion", nil)
		}
	}
	r.regions = append(r.regions, reg)
	return nil
}

// AddRAMRegion installs a region backed by an in-RAM block array,
// the shape the in-memory GPT and the synthesized ESP/BOOT staging
// buffers use.
func (r *RootBIO) AddRAMRegion(id RegionID, first, last uint64, readOnly bool, blocks []blockdev.Block) error {
	return r.AddRegion(Region{ID: id, First: first, Last: last, ReadOnly: readOnly, ram: blocks})
}

// AddBdevRegion installs a region whose reads/writes are served by
// another Bdev, the shape the pseudo-partition's decrypted LUKS
// volume uses.
func (r *RootBIO) AddBdevRegion(id RegionID, first, last uint64, readOnly bool, bio blockdev.Bdev) error {
	return r.AddRegion(Region{ID: id, First: first, Last: last, ReadOnly: readOnly, bio: bio})
}

// findRegion returns the region containing lba, if any.
func (r *RootBIO) findRegion(lba uint64) *Region {
	for i := range r.regions {
		reg := &r.regions[i]
		if lba >= reg.First && lba <= reg.Last {
			return reg
		}
	}
	return nil
}

func (reg *Region) getBlock(lba uint64) (blockdev.Block, error) {
	relative := lba - reg.First
	if reg.ram != nil {
		if relative >= uint64(len(reg.ram)) {
			return blockdev.Block{}, errs.OutOfBounds
		}
		return reg.ram[relative], nil
	}
	return reg.bio.Get(relative)
}

func (reg *Region) putBlock(lba uint64, b blockdev.Block) error {
	if reg.ReadOnly {
		return errs.WriteProtected
	}
	relative := lba - reg.First
	if reg.ram != nil {
		if relative >= uint64(len(reg.ram)) {
			return errs.OutOfBounds
		}
		reg.ram[relative] = b
		return nil
	}
	return reg.bio.Put(relative, b)
}

// ReadShim scans the region table for the region containing lba,
// serves bytes from it block-by-block up to the region's last LBA,
// then forwards any remainder to the original device at the updated
// offset.
func (r *RootBIO) ReadShim(lba uint64, buf []byte) error {
	if !r.enableHooks {
		return r.original.ReadBlocks(lba, buf)
	}
	blockSize := int(r.original.BlockSize())
	pos := 0
	cur := lba
	for pos < len(buf) {
		if reg := r.findRegion(cur); reg != nil {
			blk, err := reg.getBlock(cur)
			if err != nil {
				return err
			}
			pos += copy(buf[pos:], blk[:])
			cur++
			continue
		}
		// No region covers cur: forward to the original, but only up
		// to wherever the next region begins (or the end of the
		// request), so a later block in this same request can still
		// be served from a region.
		n := r.boundedOriginalSpan(cur, len(buf)-pos, blockSize)
		if err := r.original.ReadBlocks(cur, buf[pos:pos+n]); err != nil {
			return err
		}
		pos += n
		cur += uint64(n / blockSize)
	}
	return nil
}

// WriteShim mirrors ReadShim, returning errs.WriteProtected if any
// touched region is read-only.
func (r *RootBIO) WriteShim(lba uint64, buf []byte) error {
	if !r.enableHooks {
		return r.original.WriteBlocks(lba, buf)
	}
	blockSize := int(r.original.BlockSize())
	pos := 0
	cur := lba
	for pos < len(buf) {
		if reg := r.findRegion(cur); reg != nil {
			var blk blockdev.Block
			end := pos + blockSize
			if end > len(buf) {
				end = len(buf)
			}
			copy(blk[:], buf[pos:end])
			if err := reg.putBlock(cur, blk); err != nil {
				return err
			}
			pos = end
			cur++
			continue
		}
		n := r.boundedOriginalSpan(cur, len(buf)-pos, blockSize)
		if err := r.original.WriteBlocks(cur, buf[pos:pos+n]); err != nil {
			return err
		}
		pos += n
		cur += uint64(n / blockSize)
	}
	return nil
}

// boundedOriginalSpan computes how many bytes, starting at cur and
// capped at remaining bytes, can be forwarded to the original device
// in one call before the next region (if any) would take over.
func (r *RootBIO) boundedOriginalSpan(cur uint64, remaining, blockSize int) int {
	maxBlocks := remaining / blockSize
	next, ok := r.nextRegionStart(cur)
	if ok {
		avail := int(next - cur)
		if avail < maxBlocks {
			maxBlocks = avail
		}
	}
	if maxBlocks < 1 {
		maxBlocks = 1
	}
	n := maxBlocks * blockSize
	if n > remaining {
		n = remaining
	}
	return n
}

// nextRegionStart returns the lowest region First strictly greater
// than cur, if any.
func (r *RootBIO) nextRegionStart(cur uint64) (uint64, bool) {
	found := false
	var best uint64
	for _, reg := range r.regions {
		if reg.First > cur && (!found || reg.First < best) {
			best = reg.First
			found = true
		}
	}
	return best, found
}
