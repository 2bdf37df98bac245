package blockdev

import (
	"os"

	"github.com/edsrzf/mmap-go"

	"lsvmshim/internal/errs"
)

// FileDevice is a Bdev backed by an mmap'd regular file, presenting
// block-granular Get/Put against any LUKS/GPT-formatted disk image on
// the host filesystem.
type FileDevice struct {
	file     *os.File
	mapping  mmap.MMap
	readOnly bool
}

// OpenFileDevice mmaps path and presents it as a Bdev. readOnly opens
// the file O_RDONLY and maps it with mmap.RDONLY; otherwise both the
// file and the mapping are read-write.
func OpenFileDevice(path string, readOnly bool) (*FileDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errs.New(errs.Io, "blockdev.OpenFileDevice", err)
	}
	mmapFlag := mmap.RDWR
	if readOnly {
		mmapFlag = mmap.RDONLY
	}
	m, err := mmap.Map(f, mmapFlag, 0)
	if err != nil {
		f.Close()
		return nil, errs.New(errs.Io, "blockdev.OpenFileDevice", err)
	}
	return &FileDevice{file: f, mapping: m, readOnly: readOnly}, nil
}

func (d *FileDevice) Close() error {
	err := d.mapping.Unmap()
	if cerr := d.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errs.New(errs.Io, "blockdev.FileDevice.Close", err)
	}
	return nil
}

func (d *FileDevice) Get(lba uint64) (Block, error) {
	off := lba * BlockSize
	if off+BlockSize > uint64(len(d.mapping)) {
		return Block{}, errs.OutOfBounds
	}
	var b Block
	copy(b[:], d.mapping[off:off+BlockSize])
	return b, nil
}

func (d *FileDevice) Put(lba uint64, b Block) error {
	if d.readOnly {
		return errs.WriteProtected
	}
	off := lba * BlockSize
	if off+BlockSize > uint64(len(d.mapping)) {
		return errs.OutOfBounds
	}
	copy(d.mapping[off:off+BlockSize], b[:])
	return nil
}

func (d *FileDevice) SetFlags(uint32) error { return nil }

// NumBlocks reports the device's capacity, for callers sizing reads
// or a pseudo-partition against the whole image.
func (d *FileDevice) NumBlocks() uint64 { return uint64(len(d.mapping)) / BlockSize }
