package ext2

import (
	"fmt"
	"sort"

	"lsvmshim/internal/errs"
)

// bitClear reports whether bit i is clear (free) in bitmap.
func bitClear(bitmap []byte, i uint32) bool {
	return bitmap[i/8]&(1<<(i%8)) == 0
}

func bitSet(bitmap []byte, i uint32) {
	bitmap[i/8] |= 1 << (i % 8)
}

func bitUnset(bitmap []byte, i uint32) {
	bitmap[i/8] &^= 1 << (i % 8)
}

// allocBlock linear-scans group bitmaps for a clear bit, starting
// from group 0, marks it used, and decrements the group's and
// superblock's free-block counters. Flush order is bitmap, group
// descriptor, superblock — mandatory for crash recoverability.
func (fs *FS) allocBlock() (uint32, error) {
	numGroups := fs.sb.NumGroups()
	for g := uint32(0); g < numGroups; g++ {
		bitmap, err := fs.readBlockBitmap(g)
		if err != nil {
			return 0, err
		}
		blocksInGroup := fs.blocksInGroup(g)
		for i := uint32(0); i < blocksInGroup; i++ {
			if bitClear(bitmap, i) {
				bitSet(bitmap, i)
				if err := fs.writeBlockBitmap(g, bitmap); err != nil {
					return 0, err
				}
				fs.groups[g].disk.FreeBlocksCount--
				if err := fs.writeGroupDescs(); err != nil {
					return 0, err
				}
				fs.sb.setFreeBlocksCount(fs.sb.FreeBlocksCount() - 1)
				if err := fs.writeSuperblock(); err != nil {
					return 0, err
				}
				return fs.sb.FirstDataBlock() + g*fs.sb.BlocksPerGroup() + i, nil
			}
		}
	}
	return 0, errs.New(errs.Capacity, "ext2.allocBlock", fmt.Errorf("no free blocks"))
}

// freeBlocks takes an unsorted array of absolute block numbers, sorts
// it, walks runs belonging to a single group, clears bits, increments
// counters, and flushes bitmap+group at each group transition; the
// superblock is flushed once at the end.
func (fs *FS) freeBlocks(blknos []uint32) error {
	if len(blknos) == 0 {
		return nil
	}
	sorted := append([]uint32(nil), blknos...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	bpg := fs.sb.BlocksPerGroup()
	fdb := fs.sb.FirstDataBlock()

	curGroup := uint32(0)
	var bitmap []byte
	haveBitmap := false
	freedInGroup := uint32(0)

	flushGroup := func(g uint32) error {
		if !haveBitmap {
			return nil
		}
		if err := fs.writeBlockBitmap(g, bitmap); err != nil {
			return err
		}
		fs.groups[g].disk.FreeBlocksCount += uint16(freedInGroup)
		if err := fs.writeGroupDescs(); err != nil {
			return err
		}
		return nil
	}

	for _, blk := range sorted {
		g := (blk - fdb) / bpg
		idx := (blk - fdb) % bpg
		if !haveBitmap || g != curGroup {
			if err := flushGroup(curGroup); err != nil {
				return err
			}
			b, err := fs.readBlockBitmap(g)
			if err != nil {
				return err
			}
			bitmap = b
			curGroup = g
			haveBitmap = true
			freedInGroup = 0
		}
		if !bitClear(bitmap, idx) {
			bitUnset(bitmap, idx)
			freedInGroup++
		}
	}
	if err := flushGroup(curGroup); err != nil {
		return err
	}

	fs.sb.setFreeBlocksCount(fs.sb.FreeBlocksCount() + uint32(len(sorted)))
	return fs.writeSuperblock()
}

// allocInode mirrors allocBlock on inode bitmaps, skipping reserved
// indices below FIRST_INO except for ROOT_INO.
func (fs *FS) allocInode() (uint32, error) {
	numGroups := fs.sb.NumGroups()
	for g := uint32(0); g < numGroups; g++ {
		bitmap, err := fs.readInodeBitmap(g)
		if err != nil {
			return 0, err
		}
		inodesInGroup := fs.sb.InodesPerGroup()
		for i := uint32(0); i < inodesInGroup; i++ {
			inoNum := g*fs.sb.InodesPerGroup() + i + 1
			if inoNum < firstReservedIno && inoNum != rootIno {
				continue
			}
			if bitClear(bitmap, i) {
				bitSet(bitmap, i)
				if err := fs.writeInodeBitmap(g, bitmap); err != nil {
					return 0, err
				}
				fs.groups[g].disk.FreeInodesCount--
				if err := fs.writeGroupDescs(); err != nil {
					return 0, err
				}
				fs.sb.setFreeInodesCount(fs.sb.FreeInodesCount() - 1)
				if err := fs.writeSuperblock(); err != nil {
					return 0, err
				}
				return inoNum, nil
			}
		}
	}
	return 0, errs.New(errs.Capacity, "ext2.allocInode", fmt.Errorf("no free inodes"))
}

func (fs *FS) freeInode(inoNum uint32) error {
	g := (inoNum - 1) / fs.sb.InodesPerGroup()
	idx := (inoNum - 1) % fs.sb.InodesPerGroup()
	bitmap, err := fs.readInodeBitmap(g)
	if err != nil {
		return err
	}
	if bitClear(bitmap, idx) {
		return nil
	}
	bitUnset(bitmap, idx)
	if err := fs.writeInodeBitmap(g, bitmap); err != nil {
		return err
	}
	fs.groups[g].disk.FreeInodesCount++
	if err := fs.writeGroupDescs(); err != nil {
		return err
	}
	fs.sb.setFreeInodesCount(fs.sb.FreeInodesCount() + 1)
	return fs.writeSuperblock()
}

func (fs *FS) blocksInGroup(g uint32) uint32 {
	bpg := fs.sb.BlocksPerGroup()
	total := fs.sb.BlocksCount()
	start := fs.sb.FirstDataBlock() + g*bpg
	if start+bpg > fs.sb.FirstDataBlock()+total {
		return total - g*bpg
	}
	return bpg
}
