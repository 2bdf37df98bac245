package firmware

import (
	"lsvmshim/internal/errs"
)

// MemBlockIO is an in-RAM BlockIO, the root-disk double the interpose
// package's tests drive: a flat byte slice addressed in BlockSize
// chunks, with no real media behind it.
type MemBlockIO struct {
	blockSize uint32
	data      []byte
	lastBlock uint64
}

// NewMemBlockIO allocates an in-RAM BlockIO of numBlocks blocks.
func NewMemBlockIO(numBlocks uint64, blockSize uint32) *MemBlockIO {
	lb := uint64(0)
	if numBlocks > 0 {
		lb = numBlocks - 1
	}
	return &MemBlockIO{
		blockSize: blockSize,
		data:      make([]byte, numBlocks*uint64(blockSize)),
		lastBlock: lb,
	}
}

func (m *MemBlockIO) Reset() error { return nil }

func (m *MemBlockIO) ReadBlocks(lba uint64, buf []byte) error {
	off := lba * uint64(m.blockSize)
	if off+uint64(len(buf)) > uint64(len(m.data)) {
		return errs.OutOfBounds
	}
	copy(buf, m.data[off:off+uint64(len(buf))])
	return nil
}

func (m *MemBlockIO) WriteBlocks(lba uint64, buf []byte) error {
	off := lba * uint64(m.blockSize)
	if off+uint64(len(buf)) > uint64(len(m.data)) {
		return errs.OutOfBounds
	}
	copy(m.data[off:off+uint64(len(buf))], buf)
	return nil
}

func (m *MemBlockIO) FlushBlocks() error    { return nil }
func (m *MemBlockIO) BlockSize() uint32     { return m.blockSize }
func (m *MemBlockIO) LastBlock() uint64     { return m.lastBlock }
func (m *MemBlockIO) SetLastBlock(v uint64) { m.lastBlock = v }

// MemVariables is an in-RAM Variables store keyed by name+GUID, the
// double the DBX-update path tests against.
type MemVariables struct {
	store map[varKey][]byte
	attrs map[varKey]uint32
}

type varKey struct {
	name string
	guid [16]byte
}

// NewMemVariables constructs an empty in-RAM variable store.
func NewMemVariables() *MemVariables {
	return &MemVariables{store: make(map[varKey][]byte), attrs: make(map[varKey]uint32)}
}

func (v *MemVariables) Get(name string, guid [16]byte) (uint32, []byte, error) {
	k := varKey{name, guid}
	data, ok := v.store[k]
	if !ok {
		return 0, nil, errs.New(errs.NotFound, "firmware.MemVariables.Get", nil)
	}
	return v.attrs[k], data, nil
}

func (v *MemVariables) Set(name string, guid [16]byte, attrs uint32, data []byte) error {
	k := varKey{name, guid}
	v.store[k] = append([]byte(nil), data...)
	v.attrs[k] = attrs
	return nil
}

// MemFile is an in-RAM File backing the ESP interposer's RAM-resident
// GRUB/shim images.
type MemFile struct {
	data []byte
	pos  uint64
}

// NewMemFile wraps a byte slice as a read-only in-RAM File.
func NewMemFile(data []byte) *MemFile { return &MemFile{data: data} }

func (f *MemFile) Read(p []byte) (int, error) {
	if f.pos >= uint64(len(f.data)) {
		return 0, nil
	}
	n := copy(p, f.data[f.pos:])
	f.pos += uint64(n)
	return n, nil
}

func (f *MemFile) Write(p []byte) (int, error) {
	return 0, errs.New(errs.Unsupported, "firmware.MemFile.Write", nil)
}

func (f *MemFile) SetPosition(pos uint64) error {
	f.pos = pos
	return nil
}

func (f *MemFile) Size() (uint64, error) { return uint64(len(f.data)), nil }
func (f *MemFile) Close() error          { return nil }
