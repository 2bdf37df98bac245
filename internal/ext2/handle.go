package ext2

import (
	"fmt"

	"lsvmshim/internal/errs"
)

// File is a positional file handle over an already-loaded inode's
// content.
type File struct {
	fs      *FS
	ino     *Inode
	content []byte
	pos     int64
	closed  bool
}

// OpenFile resolves path and loads its full content into an
// in-memory positional handle.
func (fs *FS) OpenFile(path string) (*File, error) {
	inoNum, err := fs.StatPath(path)
	if err != nil {
		return nil, err
	}
	ino, err := fs.LoadInode(inoNum)
	if err != nil {
		return nil, err
	}
	if ino.IsDir() {
		return nil, errs.New(errs.Invariant, "ext2.OpenFile", fmt.Errorf("%q is a directory", path))
	}
	content, err := fs.LoadFileFromInode(ino)
	if err != nil {
		return nil, err
	}
	return &File{fs: fs, ino: ino, content: content}, nil
}

// Read copies up to len(p) bytes starting at the current position,
// advancing it, and returns the number of bytes copied.
func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, errs.New(errs.Invariant, "ext2.File.Read", fmt.Errorf("read on closed file"))
	}
	if f.pos >= int64(len(f.content)) {
		return 0, nil
	}
	n := copy(p, f.content[f.pos:])
	f.pos += int64(n)
	return n, nil
}

// Seek repositions the handle to an absolute byte offset.
func (f *File) Seek(offset int64) error {
	if offset < 0 || offset > int64(len(f.content)) {
		return errs.New(errs.Invariant, "ext2.File.Seek", fmt.Errorf("offset %d out of bounds", offset))
	}
	f.pos = offset
	return nil
}

// Tell returns the current position.
func (f *File) Tell() int64 { return f.pos }

// Size returns the file's total length.
func (f *File) Size() int64 { return int64(len(f.content)) }

// Close marks the handle as no longer usable. Idempotent.
func (f *File) Close() error {
	f.closed = true
	return nil
}
