package ext2

import (
	"time"

	"lsvmshim/internal/errs"
)

// allocateBlocksForContent allocates enough data blocks to hold
// content, writes the content, and wires the inode's direct and
// single/double/triple indirect pointers, allocating indirect blocks
// themselves as needed.
func (fs *FS) allocateBlocksForContent(ino *Inode, content []byte) error {
	blockSize := fs.sb.BlockSize()
	numBlocks := (len(content) + int(blockSize) - 1) / int(blockSize)
	if numBlocks == 0 {
		return nil
	}

	blocks := make([]uint32, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blk, err := fs.allocBlock()
		if err != nil {
			return err
		}
		blocks[i] = blk
		start := i * int(blockSize)
		end := start + int(blockSize)
		chunk := make([]byte, blockSize)
		if start < len(content) {
			copy(chunk, content[start:min(end, len(content))])
		}
		if err := fs.writeBlock(blk, chunk); err != nil {
			return err
		}
	}

	ptrsPerBlock := int(blockSize / 4)
	idx := 0

	for i := 0; i < numDirect && idx < len(blocks); i++ {
		ino.disk.Block[i] = blocks[idx]
		idx++
	}

	writeIndirect := func() (uint32, error) {
		blk, err := fs.allocBlock()
		if err != nil {
			return 0, err
		}
		buf := make([]byte, blockSize)
		n := 0
		for n < ptrsPerBlock && idx < len(blocks) {
			putLeUint32(buf[n*4:n*4+4], blocks[idx])
			idx++
			n++
		}
		if err := fs.writeBlock(blk, buf); err != nil {
			return 0, err
		}
		return blk, nil
	}

	if idx < len(blocks) {
		blk, err := writeIndirect()
		if err != nil {
			return err
		}
		ino.disk.Block[indSingle] = blk
	}

	if idx < len(blocks) {
		dbl, err := fs.allocBlock()
		if err != nil {
			return err
		}
		buf := make([]byte, blockSize)
		for n := 0; n < ptrsPerBlock && idx < len(blocks); n++ {
			blk, err := writeIndirect()
			if err != nil {
				return err
			}
			putLeUint32(buf[n*4:n*4+4], blk)
		}
		if err := fs.writeBlock(dbl, buf); err != nil {
			return err
		}
		ino.disk.Block[indDouble] = dbl
	}

	if idx < len(blocks) {
		tpl, err := fs.allocBlock()
		if err != nil {
			return err
		}
		buf := make([]byte, blockSize)
		for n := 0; n < ptrsPerBlock && idx < len(blocks); n++ {
			dbl, err := fs.allocBlock()
			if err != nil {
				return err
			}
			dblBuf := make([]byte, blockSize)
			for m := 0; m < ptrsPerBlock && idx < len(blocks); m++ {
				blk, err := writeIndirect()
				if err != nil {
					return err
				}
				putLeUint32(dblBuf[m*4:m*4+4], blk)
			}
			if err := fs.writeBlock(dbl, dblBuf); err != nil {
				return err
			}
			putLeUint32(buf[n*4:n*4+4], dbl)
		}
		if err := fs.writeBlock(tpl, buf); err != nil {
			return err
		}
		ino.disk.Block[indTriple] = tpl
	}

	return nil
}

func (fs *FS) insertDirEntry(dirIno uint32, name string, inoNum uint32, fileType uint8) error {
	entries, err := fs.ListDir(dirIno)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if string(e.Name) == name {
			return errs.New(errs.Invariant, "ext2.insertDirEntry", errFmtDup(name))
		}
	}
	entries = append(entries, dirEntry{Inode: inoNum, FileType: fileType, Name: []byte(name)})
	return fs.writeDirEntries(dirIno, entries)
}

func errFmtDup(name string) error {
	return &dupNameError{name: name}
}

type dupNameError struct{ name string }

func (e *dupNameError) Error() string { return "entry " + e.name + " already exists" }

// PutFile writes content as a new regular file at path, mode
// mode|IFREG, replacing any existing non-directory entry of the same
// name.
func (fs *FS) PutFile(path string, content []byte, mode uint16) error {
	if existingIno, err := fs.StatPath(path); err == nil {
		existing, err := fs.LoadInode(existingIno)
		if err != nil {
			return err
		}
		if existing.IsDir() {
			return errs.New(errs.Invariant, "ext2.PutFile", errFmtDup(path))
		}
		if err := fs.RemoveFile(path); err != nil {
			return err
		}
	}

	parentPath, name, err := fs.parentAndName(path)
	if err != nil {
		return err
	}
	parentIno, err := fs.StatPath(parentPath)
	if err != nil {
		return err
	}

	inoNum, err := fs.allocInode()
	if err != nil {
		return err
	}
	ino := &Inode{Number: inoNum}
	ino.disk.Mode = ModeIFREG | (mode &^ 0xF000)
	ino.disk.LinksCount = 1
	ino.setSize(uint64(len(content)))
	ino.setTimes(time.Now())

	if err := fs.allocateBlocksForContent(ino, content); err != nil {
		return err
	}
	if err := fs.writeInode(ino); err != nil {
		return err
	}

	return fs.insertDirEntry(parentIno, name, inoNum, fileTypeRegular)
}

// Mkdir creates a new directory at path with "." and ".." entries,
// incrementing the parent's link count.
func (fs *FS) Mkdir(path string) error {
	parentPath, name, err := fs.parentAndName(path)
	if err != nil {
		return err
	}
	parentIno, err := fs.StatPath(parentPath)
	if err != nil {
		return err
	}

	blk, err := fs.allocBlock()
	if err != nil {
		return err
	}

	inoNum, err := fs.allocInode()
	if err != nil {
		return err
	}

	selfEntries := []dirEntry{
		{Inode: inoNum, FileType: fileTypeDir, Name: []byte(".")},
		{Inode: parentIno, FileType: fileTypeDir, Name: []byte("..")},
	}
	body, err := rebuildDirectory(selfEntries, fs.sb.BlockSize())
	if err != nil {
		return err
	}
	if err := fs.writeBlock(blk, body); err != nil {
		return err
	}

	ino := &Inode{Number: inoNum}
	ino.disk.Mode = ModeIFDIR | 0755
	ino.disk.LinksCount = 2
	ino.disk.Block[0] = blk
	ino.setSize(uint64(fs.sb.BlockSize()))
	ino.setTimes(time.Now())
	if err := fs.writeInode(ino); err != nil {
		return err
	}

	if err := fs.insertDirEntry(parentIno, name, inoNum, fileTypeDir); err != nil {
		return err
	}

	parent, err := fs.LoadInode(parentIno)
	if err != nil {
		return err
	}
	parent.disk.LinksCount++
	return fs.writeInode(parent)
}
