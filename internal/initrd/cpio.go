// Package initrd implements the multi-segment initrd patcher: split
// a concatenated CPIO/LZMA/gzip/LZ4 stream into segments, inject the
// boot keys into every CPIO segment found, and reassemble.
package initrd

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"lsvmshim/internal/errs"
)

const (
	modeIFDIR = 0o040000
	modeIFREG = 0o100000
	modeIFMT  = 0o170000
)

// Entry is one file, directory, or symlink held in a CPIO archive.
type Entry struct {
	Mode uint32
	Data []byte
}

// Archive is an ordered set of newc CPIO entries; Keys holds the
// sorted emit order.
type Archive struct {
	Entries map[string]Entry
	Keys    []string
}

func newArchive() *Archive {
	return &Archive{Entries: make(map[string]Entry)}
}

func x8u(b []byte) (uint32, error) {
	if len(b) != 8 {
		return 0, errs.New(errs.Format, "initrd.x8u", fmt.Errorf("bad cpio header field length %d", len(b)))
	}
	v, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return 0, errs.New(errs.Format, "initrd.x8u", err)
	}
	return uint32(v), nil
}

func align4(x int) int { return (x + 3) &^ 3 }

func normPath(p string) string {
	return strings.TrimLeft(path.Clean("/"+p), "/")
}

const newcHeaderLen = 110 // "070701" + 13 8-hex-digit fields

// ParseArchive reads a newc CPIO stream starting at the front of buf,
// stopping at the TRAILER!!! entry, and reports how many bytes of buf
// the archive (including its trailer and padding) occupied — the
// length split_segments needs to find the next segment.
func ParseArchive(buf []byte) (*Archive, int, error) {
	a := newArchive()
	pos := 0

	for {
		if pos+newcHeaderLen > len(buf) {
			return nil, 0, errs.New(errs.Format, "initrd.ParseArchive", fmt.Errorf("truncated cpio header at offset %d", pos))
		}
		hdr := buf[pos : pos+newcHeaderLen]
		if !bytes.Equal(hdr[0:6], []byte("070701")) {
			return nil, 0, errs.New(errs.Format, "initrd.ParseArchive", fmt.Errorf("bad cpio magic at offset %d", pos))
		}
		mode, err := x8u(hdr[14:22])
		if err != nil {
			return nil, 0, err
		}
		fileSize, err := x8u(hdr[54:62])
		if err != nil {
			return nil, 0, err
		}
		nameSize, err := x8u(hdr[94:102])
		if err != nil {
			return nil, 0, err
		}
		pos += newcHeaderLen

		if pos+int(nameSize) > len(buf) {
			return nil, 0, errs.New(errs.Format, "initrd.ParseArchive", fmt.Errorf("truncated cpio name at offset %d", pos))
		}
		name := strings.TrimRight(string(buf[pos:pos+int(nameSize)]), "\x00")
		pos = align4(pos + int(nameSize))

		if name == "TRAILER!!!" {
			pos = align4(pos)
			break
		}
		if name == "." || name == ".." {
			pos = align4(pos + int(fileSize))
			continue
		}

		if pos+int(fileSize) > len(buf) {
			return nil, 0, errs.New(errs.Format, "initrd.ParseArchive", fmt.Errorf("truncated cpio data for %q", name))
		}
		data := bytes.Clone(buf[pos : pos+int(fileSize)])
		pos = align4(pos + int(fileSize))

		key := normPath(name)
		if _, exists := a.Entries[key]; !exists {
			a.Keys = append(a.Keys, key)
		}
		a.Entries[key] = Entry{Mode: mode, Data: data}
	}

	sort.Strings(a.Keys)
	return a, pos, nil
}

// Exists reports whether path is present in the archive.
func (a *Archive) Exists(p string) bool {
	_, ok := a.Entries[normPath(p)]
	return ok
}

// Put inserts or replaces an entry, keeping Keys sorted.
func (a *Archive) Put(p string, mode uint32, data []byte) {
	key := normPath(p)
	if _, exists := a.Entries[key]; !exists {
		a.Keys = append(a.Keys, key)
		sort.Strings(a.Keys)
	}
	a.Entries[key] = Entry{Mode: mode, Data: data}
}

// RemoveExact deletes the entry at path, if present.
func (a *Archive) RemoveExact(p string) {
	key := normPath(p)
	if _, ok := a.Entries[key]; !ok {
		return
	}
	delete(a.Entries, key)
	for i, k := range a.Keys {
		if k == key {
			a.Keys = append(a.Keys[:i], a.Keys[i+1:]...)
			break
		}
	}
}

// RemoveByBasename deletes every entry whose final path component
// equals name.
func (a *Archive) RemoveByBasename(name string) {
	var toRemove []string
	for _, k := range a.Keys {
		if path.Base(k) == name {
			toRemove = append(toRemove, k)
		}
	}
	for _, k := range toRemove {
		a.RemoveExact(k)
	}
}

// Marshal writes the archive back out in newc form, terminated by
// the conventional TRAILER!!! entry.
func (a *Archive) Marshal() []byte {
	var out bytes.Buffer
	inode := int64(300000)

	writeEntry := func(name string, mode uint32, data []byte) {
		header := fmt.Sprintf(
			"070701%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
			inode, mode, 0, 0, 1, 0, len(data), 0, 0, 0, 0, len(name)+1, 0,
		)
		out.WriteString(header)
		out.WriteString(name)
		out.WriteByte(0)
		padName(&out)
		out.Write(data)
		padData(&out)
		inode++
	}

	for _, name := range a.Keys {
		e := a.Entries[name]
		writeEntry(name, e.Mode, e.Data)
	}
	writeEntry("TRAILER!!!", 0, nil)
	return out.Bytes()
}

func padName(buf *bytes.Buffer) {
	pad := align4(buf.Len()) - buf.Len()
	buf.Write(make([]byte, pad))
}

func padData(buf *bytes.Buffer) {
	pad := align4(buf.Len()) - buf.Len()
	buf.Write(make([]byte, pad))
}

// Header field byte offsets within the fixed 110-byte newc header:
// Mode at [14:22), Filesize at [54:62), Namesize at [94:102). The
// magic occupies [0:6).
