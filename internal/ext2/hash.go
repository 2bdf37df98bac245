package ext2

import (
	"crypto/sha1"
	"crypto/sha256"
	"path"
	"sort"
)

// RecursiveList yields every descendant file path under root, sorted
// lexicographically; directories contribute no entries of their own.
func (fs *FS) RecursiveList(root string) ([]string, error) {
	rootIno, err := fs.StatPath(root)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := fs.recursiveListInto(rootIno, root, &out); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (fs *FS) recursiveListInto(dirIno uint32, dirPath string, out *[]string) error {
	entries, err := fs.ListDir(dirIno)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := string(e.Name)
		if name == "." || name == ".." {
			continue
		}
		childPath := path.Join(dirPath, name)
		if e.FileType == fileTypeDir {
			if err := fs.recursiveListInto(e.Inode, childPath, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, childPath)
	}
	return nil
}

// RecursiveHash computes a SHA-1 and a SHA-256 digest over the
// lexicographically sorted concatenation of every descendant file's
// contents under root, for boot attestation.
func (fs *FS) RecursiveHash(root string) (sha1Sum [20]byte, sha256Sum [32]byte, err error) {
	paths, err := fs.RecursiveList(root)
	if err != nil {
		return sha1Sum, sha256Sum, err
	}
	h1 := sha1.New()
	h256 := sha256.New()
	for _, p := range paths {
		inoNum, err := fs.StatPath(p)
		if err != nil {
			return sha1Sum, sha256Sum, err
		}
		ino, err := fs.LoadInode(inoNum)
		if err != nil {
			return sha1Sum, sha256Sum, err
		}
		content, err := fs.LoadFileFromInode(ino)
		if err != nil {
			return sha1Sum, sha256Sum, err
		}
		h1.Write(content)
		h256.Write(content)
	}
	copy(sha1Sum[:], h1.Sum(nil))
	copy(sha256Sum[:], h256.Sum(nil))
	return sha1Sum, sha256Sum, nil
}
