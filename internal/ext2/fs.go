package ext2

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"lsvmshim/internal/blockdev"
	"lsvmshim/internal/errs"
)

// FS is an opened EXT2 filesystem over a blockdev.Bdev. The device is
// typically the decrypted LUKS payload view.
type FS struct {
	dev    blockdev.Bdev
	sb     *Superblock
	groups []GroupDesc
}

// Open parses the superblock and group descriptor table from dev and
// validates the rev-1 requirement and the free-counter invariants.
func Open(dev blockdev.Bdev) (*FS, error) {
	raw, err := blockdev.ReadAt(dev, superblockOffset, superblockSize)
	if err != nil {
		return nil, err
	}
	sb, err := parseSuperblock(raw)
	if err != nil {
		return nil, err
	}

	fs := &FS{dev: dev, sb: sb}

	gdtBlock := sb.FirstDataBlock() + 1
	numGroups := sb.NumGroups()
	gdtBytes, err := blockdev.ReadAt(dev, byteOffsetOfBlock(sb.BlockSize(), gdtBlock), int(numGroups)*groupDescSize)
	if err != nil {
		return nil, err
	}
	groups, err := parseGroupDescs(gdtBytes, numGroups)
	if err != nil {
		return nil, err
	}
	fs.groups = groups

	if err := fs.validateBitmapSizes(); err != nil {
		return nil, err
	}
	if err := fs.validateFreeCounters(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Format lays down a minimal single-group rev-1 filesystem on dev and
// returns it opened, for scratch images: tests and lsvmloadctl's
// selftest need a disposable volume to mutate. Fixed layout: superblock
// in block 1, group descriptor table at block 2, block bitmap at block
// 3, inode bitmap at block 4, a single inode table starting at block 5,
// and the root directory's sole data block immediately after the inode
// table.
func Format(dev blockdev.Sized) (*FS, error) {
	const blockSize = 1024
	numBlocks := uint32(dev.NumBlocks() * blockdev.BlockSize / blockSize)
	if numBlocks < 16 {
		return nil, errs.New(errs.Invariant, "ext2.Format", fmt.Errorf("device too small: %d blocks", numBlocks))
	}
	const ipg = 32
	const inodeTableBlocks = (ipg * defaultInodeSize) / blockSize
	const inodeTableBlk = 5
	rootDirBlk := uint32(inodeTableBlk + inodeTableBlocks)
	reservedBlocks := rootDirBlk + 1

	sb := &Superblock{}
	sb.disk.InodesCount = ipg
	sb.disk.BlocksCountLo = numBlocks
	sb.disk.FreeBlocksCount = numBlocks - reservedBlocks
	sb.disk.FreeInodesCount = ipg - firstReservedIno + 1
	sb.disk.FirstDataBlock = 1
	sb.disk.LogBlockSize = 0
	sb.disk.BlocksPerGroup = numBlocks
	sb.disk.InodesPerGroup = ipg
	sb.disk.Magic = magic
	sb.disk.RevLevel = revDynamic
	sb.disk.InodeSize = defaultInodeSize
	sb.disk.FirstIno = firstReservedIno

	gd := GroupDesc{}
	gd.disk.BlockBitmap = 3
	gd.disk.InodeBitmap = 4
	gd.disk.InodeTable = inodeTableBlk
	gd.disk.FreeBlocksCount = uint16(numBlocks - reservedBlocks)
	gd.disk.FreeInodesCount = uint16(ipg - firstReservedIno + 1)
	gd.disk.UsedDirsCount = 1

	if err := blockdev.WriteAt(dev, superblockOffset, sb.marshal()); err != nil {
		return nil, err
	}
	if err := blockdev.WriteAt(dev, byteOffsetOfBlock(blockSize, 2), marshalGroupDescs([]GroupDesc{gd})); err != nil {
		return nil, err
	}

	blockBitmap := make([]byte, blockSize)
	for i := uint32(0); i < reservedBlocks; i++ {
		bitSet(blockBitmap, i)
	}
	if err := blockdev.WriteAt(dev, byteOffsetOfBlock(blockSize, 3), blockBitmap); err != nil {
		return nil, err
	}

	inodeBitmap := make([]byte, blockSize)
	for i := uint32(0); i < firstReservedIno-1; i++ {
		bitSet(inodeBitmap, i)
	}
	if err := blockdev.WriteAt(dev, byteOffsetOfBlock(blockSize, 4), inodeBitmap); err != nil {
		return nil, err
	}

	rootDirBody, err := rebuildDirectory([]dirEntry{
		{Inode: rootIno, FileType: fileTypeDir, Name: []byte(".")},
		{Inode: rootIno, FileType: fileTypeDir, Name: []byte("..")},
	}, blockSize)
	if err != nil {
		return nil, err
	}
	if err := blockdev.WriteAt(dev, byteOffsetOfBlock(blockSize, rootDirBlk), rootDirBody); err != nil {
		return nil, err
	}

	rootInode := &Inode{Number: rootIno}
	rootInode.disk.Mode = ModeIFDIR | 0755
	rootInode.disk.LinksCount = 2
	rootInode.disk.Block[0] = rootDirBlk
	rootInode.setSize(uint64(blockSize))

	fs := &FS{dev: dev, sb: sb, groups: []GroupDesc{gd}}
	if err := fs.writeInode(rootInode); err != nil {
		return nil, err
	}
	return Open(dev)
}

func (fs *FS) validateBitmapSizes() error {
	bpg := fs.sb.BlocksPerGroup()
	ipg := fs.sb.InodesPerGroup()
	if bpg == 0 || bpg > fs.sb.BlockSize()*8 {
		return errs.New(errs.Format, "ext2.validateBitmapSizes", fmt.Errorf("blocks_per_group %d inconsistent with block size", bpg))
	}
	if ipg == 0 || ipg > fs.sb.BlockSize()*8 {
		return errs.New(errs.Format, "ext2.validateBitmapSizes", fmt.Errorf("inodes_per_group %d inconsistent with block size", ipg))
	}
	if fs.sb.InodeSize() > fs.sb.BlockSize() {
		return errs.New(errs.Format, "ext2.validateBitmapSizes", fmt.Errorf("inode size larger than block"))
	}
	return nil
}

// validateFreeCounters checks invariant (i): the superblock's
// free-block and free-inode counters equal the sums of the group
// counters. The bitmaps themselves are not scanned, so their zero-bit
// counts are not checked against these counters.
func (fs *FS) validateFreeCounters() error {
	var freeBlocks, freeInodes uint32
	for _, g := range fs.groups {
		freeBlocks += uint32(g.FreeBlocksCount())
		freeInodes += uint32(g.FreeInodesCount())
	}
	if freeBlocks != fs.sb.FreeBlocksCount() {
		return errs.New(errs.Format, "ext2.validateFreeCounters", fmt.Errorf("free block counter mismatch"))
	}
	if freeInodes != fs.sb.FreeInodesCount() {
		return errs.New(errs.Format, "ext2.validateFreeCounters", fmt.Errorf("free inode counter mismatch"))
	}
	return nil
}

func (fs *FS) readBlock(blk uint32) ([]byte, error) {
	return blockdev.ReadAt(fs.dev, byteOffsetOfBlock(fs.sb.BlockSize(), blk), int(fs.sb.BlockSize()))
}

func (fs *FS) writeBlock(blk uint32, data []byte) error {
	if uint32(len(data)) != fs.sb.BlockSize() {
		return errs.New(errs.Format, "ext2.writeBlock", fmt.Errorf("block write of wrong size"))
	}
	return blockdev.WriteAt(fs.dev, byteOffsetOfBlock(fs.sb.BlockSize(), blk), data)
}

func (fs *FS) readBlockBitmap(g uint32) ([]byte, error) {
	return fs.readBlock(fs.groups[g].BlockBitmapBlock())
}
func (fs *FS) writeBlockBitmap(g uint32, bitmap []byte) error {
	return fs.writeBlock(fs.groups[g].BlockBitmapBlock(), bitmap)
}
func (fs *FS) readInodeBitmap(g uint32) ([]byte, error) {
	return fs.readBlock(fs.groups[g].InodeBitmapBlock())
}
func (fs *FS) writeInodeBitmap(g uint32, bitmap []byte) error {
	return fs.writeBlock(fs.groups[g].InodeBitmapBlock(), bitmap)
}

func (fs *FS) writeGroupDescs() error {
	gdtBlock := fs.sb.FirstDataBlock() + 1
	return blockdev.WriteAt(fs.dev, byteOffsetOfBlock(fs.sb.BlockSize(), gdtBlock), marshalGroupDescs(fs.groups))
}

func (fs *FS) writeSuperblock() error {
	return blockdev.WriteAt(fs.dev, superblockOffset, fs.sb.marshal())
}

// LoadInode reads inode number ino from its group's inode table.
func (fs *FS) LoadInode(ino uint32) (*Inode, error) {
	if ino == 0 {
		return nil, errs.New(errs.Invariant, "ext2.LoadInode", fmt.Errorf("inode 0 is invalid"))
	}
	ipg := fs.sb.InodesPerGroup()
	g := (ino - 1) / ipg
	idx := (ino - 1) % ipg
	if int(g) >= len(fs.groups) {
		return nil, errs.New(errs.NotFound, "ext2.LoadInode", fmt.Errorf("inode %d out of range", ino))
	}
	inodeSize := fs.sb.InodeSize()
	byteOff := byteOffsetOfBlock(fs.sb.BlockSize(), fs.groups[g].InodeTableBlock()) + int64(idx)*int64(inodeSize)
	raw, err := blockdev.ReadAt(fs.dev, byteOff, int(inodeSize))
	if err != nil {
		return nil, err
	}
	return parseInode(raw, ino, inodeSize)
}

func (fs *FS) writeInode(ino *Inode) error {
	ipg := fs.sb.InodesPerGroup()
	g := (ino.Number - 1) / ipg
	idx := (ino.Number - 1) % ipg
	inodeSize := fs.sb.InodeSize()
	byteOff := byteOffsetOfBlock(fs.sb.BlockSize(), fs.groups[g].InodeTableBlock()) + int64(idx)*int64(inodeSize)
	return blockdev.WriteAt(fs.dev, byteOff, ino.marshal(inodeSize))
}

func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, errs.New(errs.Invariant, "ext2.splitPath", fmt.Errorf("path %q is not absolute", path))
	}
	if len(path) > pathMax {
		return nil, errs.New(errs.Invariant, "ext2.splitPath", fmt.Errorf("path exceeds PATH_MAX"))
	}
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts, nil
}

// StatPath resolves an absolute path to its inode number, walking
// from the root inode and linearly scanning each intermediate
// directory for a case-sensitive name match. Intermediate components
// must be directories; the final component may be any file type.
func (fs *FS) StatPath(path string) (uint32, error) {
	parts, err := splitPath(path)
	if err != nil {
		return 0, err
	}
	cur := uint32(rootIno)
	for i, name := range parts {
		entries, err := fs.ListDir(cur)
		if err != nil {
			return 0, err
		}
		found := false
		for _, e := range entries {
			if string(e.Name) != name {
				continue
			}
			if i < len(parts)-1 && e.FileType != fileTypeDir {
				continue
			}
			cur = e.Inode
			found = true
			break
		}
		if !found {
			return 0, errs.New(errs.NotFound, "ext2.StatPath", fmt.Errorf("%q not found", path))
		}
	}
	return cur, nil
}

// blockList gathers the absolute block numbers a file's inode
// references, via the 12 direct pointers then the single/double/
// triple indirect chains.
func (fs *FS) blockList(ino *Inode) ([]uint32, error) {
	var out []uint32
	direct := ino.directBlocks()
	for _, b := range direct {
		if b != 0 {
			out = append(out, b)
		}
	}
	ptrsPerBlock := fs.sb.BlockSize() / 4

	var walkIndirect func(blk uint32, depth int) error
	walkIndirect = func(blk uint32, depth int) error {
		if blk == 0 {
			return nil
		}
		data, err := fs.readBlock(blk)
		if err != nil {
			return err
		}
		for i := uint32(0); i < ptrsPerBlock; i++ {
			ptr := leUint32(data[i*4 : i*4+4])
			if ptr == 0 {
				continue
			}
			if depth == 0 {
				out = append(out, ptr)
			} else {
				if err := walkIndirect(ptr, depth-1); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := walkIndirect(ino.disk.Block[indSingle], 0); err != nil {
		return nil, err
	}
	if err := walkIndirect(ino.disk.Block[indDouble], 1); err != nil {
		return nil, err
	}
	if err := walkIndirect(ino.disk.Block[indTriple], 2); err != nil {
		return nil, err
	}
	return out, nil
}

// allBlocksIncludingIndirect gathers every block the inode owns,
// including the indirect blocks themselves, for truncation/removal.
func (fs *FS) allBlocksIncludingIndirect(ino *Inode) ([]uint32, error) {
	data, err := fs.blockList(ino)
	if err != nil {
		return nil, err
	}
	if ino.disk.Block[indSingle] != 0 {
		data = append(data, ino.disk.Block[indSingle])
	}
	if ino.disk.Block[indDouble] != 0 {
		inner, err := fs.indirectBlockPointers(ino.disk.Block[indDouble])
		if err != nil {
			return nil, err
		}
		data = append(data, ino.disk.Block[indDouble])
		data = append(data, inner...)
	}
	if ino.disk.Block[indTriple] != 0 {
		outer, err := fs.indirectBlockPointers(ino.disk.Block[indTriple])
		if err != nil {
			return nil, err
		}
		data = append(data, ino.disk.Block[indTriple])
		for _, mid := range outer {
			if mid == 0 {
				continue
			}
			data = append(data, mid)
			inner, err := fs.indirectBlockPointers(mid)
			if err != nil {
				return nil, err
			}
			data = append(data, inner...)
		}
	}
	return data, nil
}

func (fs *FS) indirectBlockPointers(blk uint32) ([]uint32, error) {
	data, err := fs.readBlock(blk)
	if err != nil {
		return nil, err
	}
	ptrsPerBlock := fs.sb.BlockSize() / 4
	out := make([]uint32, 0, ptrsPerBlock)
	for i := uint32(0); i < ptrsPerBlock; i++ {
		ptr := leUint32(data[i*4 : i*4+4])
		if ptr != 0 {
			out = append(out, ptr)
		}
	}
	return out, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// LoadFileFromInode reads and coalesces the file's blocks into one
// buffer truncated to the inode's recorded size, coalescing
// consecutive block runs into multi-block reads.
func (fs *FS) LoadFileFromInode(ino *Inode) ([]byte, error) {
	blocks, err := fs.blockList(ino)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	i := 0
	for i < len(blocks) {
		j := i + 1
		for j < len(blocks) && blocks[j] == blocks[j-1]+1 {
			j++
		}
		runLen := j - i
		data, err := blockdev.ReadAt(fs.dev, byteOffsetOfBlock(fs.sb.BlockSize(), blocks[i]), runLen*int(fs.sb.BlockSize()))
		if err != nil {
			return nil, err
		}
		out.Write(data)
		i = j
	}
	buf := out.Bytes()
	size := ino.Size()
	if uint64(len(buf)) > size {
		buf = buf[:size]
	}
	return buf, nil
}

// ListDir reads every block of a directory inode and returns its live
// entries.
func (fs *FS) ListDir(dirIno uint32) ([]dirEntry, error) {
	ino, err := fs.LoadInode(dirIno)
	if err != nil {
		return nil, err
	}
	if !ino.IsDir() {
		return nil, errs.New(errs.Invariant, "ext2.ListDir", fmt.Errorf("inode %d is not a directory", dirIno))
	}
	blocks, err := fs.blockList(ino)
	if err != nil {
		return nil, err
	}
	if ino.Size()%uint64(fs.sb.BlockSize()) != 0 && ino.Size() > uint64(len(blocks))*uint64(fs.sb.BlockSize()) {
		return nil, errs.New(errs.Format, "ext2.ListDir", fmt.Errorf("directory size not a multiple of block size"))
	}
	var out []dirEntry
	for _, blk := range blocks {
		data, err := fs.readBlock(blk)
		if err != nil {
			return nil, err
		}
		entries, err := parseDirBlock(data)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (fs *FS) parentAndName(path string) (string, string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return "", "", err
	}
	if len(parts) == 0 {
		return "", "", errs.New(errs.Invariant, "ext2.parentAndName", fmt.Errorf("empty path"))
	}
	parent := "/" + strings.Join(parts[:len(parts)-1], "/")
	return parent, parts[len(parts)-1], nil
}

func (fs *FS) writeDirEntries(dirIno uint32, entries []dirEntry) error {
	ino, err := fs.LoadInode(dirIno)
	if err != nil {
		return err
	}
	oldBlocks, err := fs.blockList(ino)
	if err != nil {
		return err
	}

	rebuilt, err := rebuildDirectory(entries, fs.sb.BlockSize())
	if err != nil {
		return err
	}
	numBlocks := len(rebuilt) / int(fs.sb.BlockSize())

	newBlocks := make([]uint32, numBlocks)
	for i := 0; i < numBlocks; i++ {
		if i < len(oldBlocks) {
			newBlocks[i] = oldBlocks[i]
		} else {
			blk, err := fs.allocBlock()
			if err != nil {
				return err
			}
			newBlocks[i] = blk
		}
	}
	if len(oldBlocks) > numBlocks {
		if err := fs.freeBlocks(oldBlocks[numBlocks:]); err != nil {
			return err
		}
	}

	for i := 0; i < numBlocks; i++ {
		if err := fs.writeBlock(newBlocks[i], rebuilt[i*int(fs.sb.BlockSize()):(i+1)*int(fs.sb.BlockSize())]); err != nil {
			return err
		}
	}

	for i := 0; i < numDirect && i < numBlocks; i++ {
		ino.disk.Block[i] = newBlocks[i]
	}
	for i := numBlocks; i < numDirect; i++ {
		ino.disk.Block[i] = 0
	}
	ino.setSize(uint64(numBlocks) * uint64(fs.sb.BlockSize()))
	ino.setTimes(time.Now())
	return fs.writeInode(ino)
}

// RemoveFile truncates the target's block graph, then rebuilds the
// parent directory without the entry.
func (fs *FS) RemoveFile(path string) error {
	targetIno, err := fs.StatPath(path)
	if err != nil {
		return err
	}
	target, err := fs.LoadInode(targetIno)
	if err != nil {
		return err
	}
	if target.IsDir() {
		return errs.New(errs.Invariant, "ext2.RemoveFile", fmt.Errorf("%q is a directory", path))
	}

	blocks, err := fs.allBlocksIncludingIndirect(target)
	if err != nil {
		return err
	}
	if err := fs.freeBlocks(blocks); err != nil {
		return err
	}
	if err := fs.freeInode(targetIno); err != nil {
		return err
	}

	parentPath, name, err := fs.parentAndName(path)
	if err != nil {
		return err
	}
	parentIno, err := fs.StatPath(parentPath)
	if err != nil {
		return err
	}
	entries, err := fs.ListDir(parentIno)
	if err != nil {
		return err
	}
	remaining := entries[:0]
	for _, e := range entries {
		if string(e.Name) == name {
			continue
		}
		remaining = append(remaining, e)
	}
	return fs.writeDirEntries(parentIno, remaining)
}

// Truncate frees every block a file's inode references and resets its
// size to zero.
func (fs *FS) Truncate(path string) error {
	inoNum, err := fs.StatPath(path)
	if err != nil {
		return err
	}
	ino, err := fs.LoadInode(inoNum)
	if err != nil {
		return err
	}
	blocks, err := fs.allBlocksIncludingIndirect(ino)
	if err != nil {
		return err
	}
	if err := fs.freeBlocks(blocks); err != nil {
		return err
	}
	for i := range ino.disk.Block {
		ino.disk.Block[i] = 0
	}
	ino.setSize(0)
	ino.setTimes(time.Now())
	return fs.writeInode(ino)
}
