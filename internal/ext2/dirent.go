package ext2

import (
	"encoding/binary"
	"fmt"

	"lsvmshim/internal/errs"
)

const dirEntryHeaderSize = 8

// dirEntry is one parsed directory entry. Name is left as raw bytes so
// callers can do case-sensitive comparisons exactly as stored.
type dirEntry struct {
	Inode    uint32
	FileType uint8
	Name     []byte
}

func roundUp4(n int) int { return (n + 3) &^ 3 }

// recLenFor computes the linked-list rec_len for an entry with the
// given name length.
func recLenFor(nameLen int) uint16 {
	return uint16(roundUp4(dirEntryHeaderSize + nameLen))
}

// parseDirBlock walks one directory block's linked-list records,
// validating that rec_len fields exactly tile the block. Deleted
// entries (inode == 0) are skipped but still consume their rec_len
// span.
func parseDirBlock(block []byte) ([]dirEntry, error) {
	var out []dirEntry
	off := 0
	for off < len(block) {
		if off+dirEntryHeaderSize > len(block) {
			return nil, errs.New(errs.Format, "ext2.parseDirBlock", fmt.Errorf("truncated directory entry header"))
		}
		inode := binary.LittleEndian.Uint32(block[off : off+4])
		recLen := binary.LittleEndian.Uint16(block[off+4 : off+6])
		nameLen := int(block[off+6])
		fileType := block[off+7]
		if recLen < dirEntryHeaderSize || off+int(recLen) > len(block) {
			return nil, errs.New(errs.Format, "ext2.parseDirBlock", fmt.Errorf("rec_len does not tile block"))
		}
		if inode != 0 {
			nameStart := off + dirEntryHeaderSize
			if nameStart+nameLen > off+int(recLen) {
				return nil, errs.New(errs.Format, "ext2.parseDirBlock", fmt.Errorf("name overruns rec_len"))
			}
			name := make([]byte, nameLen)
			copy(name, block[nameStart:nameStart+nameLen])
			out = append(out, dirEntry{Inode: inode, FileType: fileType, Name: name})
		}
		off += int(recLen)
	}
	if off != len(block) {
		return nil, errs.New(errs.Format, "ext2.parseDirBlock", fmt.Errorf("entries do not exactly tile block"))
	}
	return out, nil
}

// rebuildDirectory lays entries out as linked-list records across
// as many blocks as they need: a new
// record that would cross a block boundary instead causes the
// previous record's rec_len to stretch to the block end (by padding
// out with zero bytes, not merely editing the field), and the new
// record starts fresh in the next block. The final record of the
// final block is always stretched the same way.
func rebuildDirectory(entries []dirEntry, blockSize uint32) ([]byte, error) {
	if len(entries) == 0 {
		return nil, errs.New(errs.Invariant, "ext2.rebuildDirectory", fmt.Errorf("directory must retain at least one entry"))
	}

	var out []byte
	blockStart := 0
	lastRecOff := -1

	stretchAndCloseBlock := func() {
		if lastRecOff < 0 {
			return
		}
		used := len(out) - blockStart
		pad := int(blockSize) - used
		if pad > 0 {
			stretched := uint16(int(binary.LittleEndian.Uint16(out[lastRecOff+4:lastRecOff+6])) + pad)
			binary.LittleEndian.PutUint16(out[lastRecOff+4:lastRecOff+6], stretched)
			out = append(out, make([]byte, pad)...)
		}
	}

	for _, e := range entries {
		want := int(recLenFor(len(e.Name)))
		if lastRecOff >= 0 && (len(out)-blockStart)+want > int(blockSize) {
			stretchAndCloseBlock()
			blockStart = len(out)
			lastRecOff = -1
		}

		rec := make([]byte, want)
		binary.LittleEndian.PutUint32(rec[0:4], e.Inode)
		binary.LittleEndian.PutUint16(rec[4:6], uint16(want))
		rec[6] = byte(len(e.Name))
		rec[7] = e.FileType
		copy(rec[8:], e.Name)

		lastRecOff = len(out)
		out = append(out, rec...)
	}
	stretchAndCloseBlock()

	if len(out)%int(blockSize) != 0 {
		return nil, errs.New(errs.Invariant, "ext2.rebuildDirectory", fmt.Errorf("rebuilt directory does not tile block size"))
	}
	return out, nil
}
