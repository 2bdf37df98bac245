package vfat

import (
	"fmt"
	"strings"
	"time"

	"lsvmshim/internal/blockdev"
	"lsvmshim/internal/errs"
)

// dirLocation identifies where a directory's entries live: the fixed
// root region (FAT12/16) or a cluster chain (FAT32 root, or any
// subdirectory).
type dirLocation struct {
	isFixedRoot  bool
	firstCluster uint32
}

func (fs *FS) readDir(loc dirLocation) ([]dirEntry, error) {
	if loc.isFixedRoot {
		buf, err := blockdev.ReadAt(fs.dev, fs.rootDirOffset(), int(fs.rootDirSize()))
		if err != nil {
			return nil, err
		}
		return parseDirEntries(buf), nil
	}

	var entries []dirEntry
	cluster := loc.firstCluster
	for cluster != 0 && cluster < fs.endOfChainMarker() {
		off := int64(fs.clusterToSector(cluster)) * int64(fs.b.bytesPerSector)
		buf, err := blockdev.ReadAt(fs.dev, off, int(fs.clusterSize()))
		if err != nil {
			return nil, err
		}
		entries = append(entries, parseDirEntries(buf)...)
		cluster = fs.fatEntry(cluster)
	}
	return entries, nil
}

// appendEntry writes a new entry into loc, growing a cluster-chain
// directory by one cluster if the current space is exhausted. A fixed
// root directory that is full fails with Capacity.
func (fs *FS) appendEntry(loc dirLocation, e dirEntry, now time.Time) error {
	raw := marshalDirEntry(e, now)

	if loc.isFixedRoot {
		buf, err := blockdev.ReadAt(fs.dev, fs.rootDirOffset(), int(fs.rootDirSize()))
		if err != nil {
			return err
		}
		for off := 0; off+bytesPerDirEntry <= len(buf); off += bytesPerDirEntry {
			if buf[off] == 0x00 || buf[off] == 0xE5 {
				return blockdev.WriteAt(fs.dev, fs.rootDirOffset()+int64(off), raw)
			}
		}
		return errs.New(errs.Capacity, "vfat.appendEntry", fmt.Errorf("root directory full"))
	}

	cluster := loc.firstCluster
	var lastCluster uint32
	for cluster != 0 && cluster < fs.endOfChainMarker() {
		off := int64(fs.clusterToSector(cluster)) * int64(fs.b.bytesPerSector)
		buf, err := blockdev.ReadAt(fs.dev, off, int(fs.clusterSize()))
		if err != nil {
			return err
		}
		for i := 0; i+bytesPerDirEntry <= len(buf); i += bytesPerDirEntry {
			if buf[i] == 0x00 || buf[i] == 0xE5 {
				return blockdev.WriteAt(fs.dev, off+int64(i), raw)
			}
		}
		lastCluster = cluster
		cluster = fs.fatEntry(cluster)
	}

	newCluster, err := fs.allocCluster()
	if err != nil {
		return err
	}
	zeroed := make([]byte, fs.clusterSize())
	if err := blockdev.WriteAt(fs.dev, int64(fs.clusterToSector(newCluster))*int64(fs.b.bytesPerSector), zeroed); err != nil {
		return err
	}
	if lastCluster != 0 {
		fs.setFATEntry(lastCluster, newCluster)
		if err := fs.flushFAT(); err != nil {
			return err
		}
	}
	off := int64(fs.clusterToSector(newCluster)) * int64(fs.b.bytesPerSector)
	return blockdev.WriteAt(fs.dev, off, raw)
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// resolve walks path components from the root directory, returning
// the final entry's location-as-directory (if it is one) and the
// dirEntry itself for files.
func (fs *FS) resolve(path string) (dirEntry, dirLocation, error) {
	parts := splitPath(path)
	loc := fs.rootLocation()
	if len(parts) == 0 {
		return dirEntry{attr: attrDirectory}, loc, nil
	}
	var cur dirEntry
	for i, name := range parts {
		entries, err := fs.readDir(loc)
		if err != nil {
			return dirEntry{}, dirLocation{}, err
		}
		found := false
		for _, e := range entries {
			if e.Name() == name {
				cur = e
				found = true
				break
			}
		}
		if !found {
			return dirEntry{}, dirLocation{}, errs.New(errs.NotFound, "vfat.resolve", fmt.Errorf("%q not found", path))
		}
		if i < len(parts)-1 {
			if !cur.IsDir() {
				return dirEntry{}, dirLocation{}, errs.New(errs.NotFound, "vfat.resolve", fmt.Errorf("%q is not a directory", name))
			}
			loc = dirLocation{firstCluster: cur.cluster}
		}
	}
	if cur.IsDir() {
		loc = dirLocation{firstCluster: cur.cluster}
	}
	return cur, loc, nil
}

func (fs *FS) rootLocation() dirLocation {
	if fs.typ == TypeFAT32 {
		return dirLocation{firstCluster: fs.b.rootCluster}
	}
	return dirLocation{isFixedRoot: true}
}

func (fs *FS) parentLocation(path string) (dirLocation, string, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return dirLocation{}, "", errs.New(errs.Invariant, "vfat.parentLocation", fmt.Errorf("empty path"))
	}
	parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
	_, loc, err := fs.resolve(parentPath)
	if err != nil {
		return dirLocation{}, "", err
	}
	return loc, parts[len(parts)-1], nil
}

// Stat returns whether path exists, and if so whether it names a
// directory and its size.
func (fs *FS) Stat(path string) (isDir bool, size uint32, err error) {
	e, _, err := fs.resolve(path)
	if err != nil {
		return false, 0, err
	}
	return e.IsDir(), e.Size(), nil
}

// GetFile reads a file's full content from its cluster chain.
func (fs *FS) GetFile(path string) ([]byte, error) {
	e, _, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	if e.IsDir() {
		return nil, errs.New(errs.Invariant, "vfat.GetFile", fmt.Errorf("%q is a directory", path))
	}
	out := make([]byte, 0, e.size)
	cluster := e.cluster
	for cluster != 0 && cluster < fs.endOfChainMarker() && uint32(len(out)) < e.size {
		off := int64(fs.clusterToSector(cluster)) * int64(fs.b.bytesPerSector)
		buf, err := blockdev.ReadAt(fs.dev, off, int(fs.clusterSize()))
		if err != nil {
			return nil, err
		}
		out = append(out, buf...)
		cluster = fs.fatEntry(cluster)
	}
	if uint32(len(out)) > e.size {
		out = out[:e.size]
	}
	return out, nil
}

// Dir lists the short-name entries of the directory at path.
func (fs *FS) Dir(path string) ([]string, error) {
	_, loc, err := fs.resolveDirLocation(path)
	if err != nil {
		return nil, err
	}
	entries, err := fs.readDir(loc)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (fs *FS) resolveDirLocation(path string) (dirEntry, dirLocation, error) {
	if path == "/" || path == "" {
		return dirEntry{attr: attrDirectory}, fs.rootLocation(), nil
	}
	e, _, err := fs.resolve(path)
	if err != nil {
		return dirEntry{}, dirLocation{}, err
	}
	if !e.IsDir() {
		return dirEntry{}, dirLocation{}, errs.New(errs.Invariant, "vfat.resolveDirLocation", fmt.Errorf("%q is not a directory", path))
	}
	return e, dirLocation{firstCluster: e.cluster}, nil
}

// Mkdir creates a new directory at path with one allocated cluster,
// zero-filled (no "." / ".." entries are emitted; the synthetic
// volume has no need for them since writes target it by absolute
// path only).
func (fs *FS) Mkdir(path string) error {
	parentLoc, name, err := fs.parentLocation(path)
	if err != nil {
		return err
	}
	short, err := normalizeShortName(name)
	if err != nil {
		return err
	}
	cluster, err := fs.allocCluster()
	if err != nil {
		return err
	}
	zeroed := make([]byte, fs.clusterSize())
	if err := blockdev.WriteAt(fs.dev, int64(fs.clusterToSector(cluster))*int64(fs.b.bytesPerSector), zeroed); err != nil {
		return err
	}
	e := dirEntry{name: short, attr: attrDirectory, cluster: cluster}
	return fs.appendEntry(parentLoc, e, time.Now())
}

// PutFile writes content as a new file at path, allocating a cluster
// chain long enough to hold it.
func (fs *FS) PutFile(path string, content []byte) error {
	parentLoc, name, err := fs.parentLocation(path)
	if err != nil {
		return err
	}
	short, err := normalizeShortName(name)
	if err != nil {
		return err
	}

	var firstCluster uint32
	var prevCluster uint32
	remaining := content
	for {
		cluster, err := fs.allocCluster()
		if err != nil {
			return err
		}
		if firstCluster == 0 {
			firstCluster = cluster
		}
		if prevCluster != 0 {
			fs.setFATEntry(prevCluster, cluster)
		}
		chunk := make([]byte, fs.clusterSize())
		n := copy(chunk, remaining)
		if err := blockdev.WriteAt(fs.dev, int64(fs.clusterToSector(cluster))*int64(fs.b.bytesPerSector), chunk); err != nil {
			return err
		}
		remaining = remaining[n:]
		prevCluster = cluster
		if len(remaining) == 0 {
			break
		}
	}
	if err := fs.flushFAT(); err != nil {
		return err
	}

	e := dirEntry{name: short, attr: attrArchive, cluster: firstCluster, size: uint32(len(content))}
	return fs.appendEntry(parentLoc, e, time.Now())
}
