// Package ext2 implements a revision-1 ("DYNAMIC_REV") EXT2 reader
// and writer over a blockdev.Bdev: path resolution, positional file
// handles, directory maintenance, and block/inode allocation.
// Revision-0 volumes are rejected.
package ext2

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"lsvmshim/internal/errs"
)

const (
	magic            = 0xEF53
	superblockOffset = 1024
	superblockSize   = 1024
	revGoodOld       = 0
	revDynamic       = 1
	rootIno          = 2
	firstReservedIno = 11
	defaultInodeSize = 128
	pathMax          = 4096
	groupDescSize    = 32
)

// OnDiskSuperblock is the 1024-byte EXT2 superblock, fields ordered as
// on disk and read in little-endian byte order.
type onDiskSuperblock struct {
	InodesCount     uint32
	BlocksCountLo   uint32
	RBlocksCountLo  uint32
	FreeBlocksCount uint32
	FreeInodesCount uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	LogFragSize     int32
	BlocksPerGroup  uint32
	FragsPerGroup   uint32
	InodesPerGroup  uint32
	Mtime           uint32
	Wtime           uint32
	MntCount        uint16
	MaxMntCount     int16
	Magic           uint16
	State           uint16
	Errors          uint16
	MinorRevLevel   uint16
	LastCheck       uint32
	CheckInterval   uint32
	CreatorOS       uint32
	RevLevel        uint32
	DefResuid       uint16
	DefResgid       uint16
	// Dynamic-rev-only fields below.
	FirstIno        uint32
	InodeSize       uint16
	BlockGroupNr    uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureRoCompat uint32
	UUID            [16]byte
	VolumeName      [16]byte
	LastMounted     [64]byte
	AlgoBitmap      uint32
	Padding         [820]byte // pad struct out to 1024 bytes total
}

// Superblock is the parsed, mutable in-memory superblock.
type Superblock struct {
	disk onDiskSuperblock
}

func (sb *Superblock) BlockSize() uint32      { return 1024 << sb.disk.LogBlockSize }
func (sb *Superblock) BlocksCount() uint32    { return sb.disk.BlocksCountLo }
func (sb *Superblock) InodesCount() uint32    { return sb.disk.InodesCount }
func (sb *Superblock) BlocksPerGroup() uint32 { return sb.disk.BlocksPerGroup }
func (sb *Superblock) InodesPerGroup() uint32 { return sb.disk.InodesPerGroup }
func (sb *Superblock) FirstDataBlock() uint32 { return sb.disk.FirstDataBlock }
func (sb *Superblock) InodeSize() uint32 {
	if sb.disk.InodeSize == 0 {
		return defaultInodeSize
	}
	return uint32(sb.disk.InodeSize)
}
func (sb *Superblock) FreeBlocksCount() uint32 { return sb.disk.FreeBlocksCount }
func (sb *Superblock) FreeInodesCount() uint32 { return sb.disk.FreeInodesCount }

func (sb *Superblock) NumGroups() uint32 {
	bpg := sb.disk.BlocksPerGroup
	if bpg == 0 {
		return 0
	}
	return (sb.disk.BlocksCountLo + bpg - 1) / bpg
}

func (sb *Superblock) setFreeBlocksCount(v uint32) { sb.disk.FreeBlocksCount = v }
func (sb *Superblock) setFreeInodesCount(v uint32) { sb.disk.FreeInodesCount = v }

// parseSuperblock decodes raw (exactly superblockSize bytes) and
// validates the magic and the revision-1 requirement.
func parseSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) < superblockSize {
		return nil, errs.New(errs.Format, "ext2.parseSuperblock", fmt.Errorf("short superblock"))
	}
	var disk onDiskSuperblock
	if err := binary.Read(bytes.NewReader(raw[:superblockSize]), binary.LittleEndian, &disk); err != nil {
		return nil, errs.New(errs.Format, "ext2.parseSuperblock", err)
	}
	if disk.Magic != magic {
		return nil, errs.New(errs.Format, "ext2.parseSuperblock", fmt.Errorf("bad magic %#x", disk.Magic))
	}
	if disk.RevLevel < revDynamic {
		return nil, errs.New(errs.Unsupported, "ext2.parseSuperblock", fmt.Errorf("revision %d rejected, need >= 1", disk.RevLevel))
	}
	return &Superblock{disk: disk}, nil
}

func (sb *Superblock) marshal() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, sb.disk)
	out := buf.Bytes()
	if len(out) < superblockSize {
		padded := make([]byte, superblockSize)
		copy(padded, out)
		return padded
	}
	return out[:superblockSize]
}

// onDiskGroupDesc is the 32-byte block group descriptor.
type onDiskGroupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	Pad             uint16
	Reserved        [12]byte
}

// GroupDesc is the in-memory group descriptor.
type GroupDesc struct {
	disk onDiskGroupDesc
}

func (g *GroupDesc) BlockBitmapBlock() uint32 { return g.disk.BlockBitmap }
func (g *GroupDesc) InodeBitmapBlock() uint32 { return g.disk.InodeBitmap }
func (g *GroupDesc) InodeTableBlock() uint32  { return g.disk.InodeTable }
func (g *GroupDesc) FreeBlocksCount() uint16  { return g.disk.FreeBlocksCount }
func (g *GroupDesc) FreeInodesCount() uint16  { return g.disk.FreeInodesCount }

func parseGroupDescs(raw []byte, n uint32) ([]GroupDesc, error) {
	if uint32(len(raw)) < n*groupDescSize {
		return nil, errs.New(errs.Format, "ext2.parseGroupDescs", fmt.Errorf("short group descriptor table"))
	}
	descs := make([]GroupDesc, n)
	r := bytes.NewReader(raw)
	for i := uint32(0); i < n; i++ {
		if err := binary.Read(r, binary.LittleEndian, &descs[i].disk); err != nil {
			return nil, errs.New(errs.Format, "ext2.parseGroupDescs", err)
		}
	}
	return descs, nil
}

func marshalGroupDescs(descs []GroupDesc) []byte {
	var buf bytes.Buffer
	for _, g := range descs {
		binary.Write(&buf, binary.LittleEndian, g.disk)
	}
	return buf.Bytes()
}

// byteOffsetOfBlock returns the byte offset of block number blk.
func byteOffsetOfBlock(blockSize uint32, blk uint32) int64 {
	return int64(blk) * int64(blockSize)
}
