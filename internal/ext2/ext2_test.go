package ext2

import (
	"bytes"
	"testing"

	"lsvmshim/internal/blockdev"
)

const (
	testBlockSize   = 1024
	testBpg         = 64
	testIpg         = 32
	testNumBlocks   = 64
	testInodeTblBlk = 5
	testInodeTblLen = 4 // 32 inodes * 128 bytes / 1024 bytes per block
	testRootDirBlk  = 9
)

func buildMinimalFS(t *testing.T) *FS {
	t.Helper()
	dev := blockdev.NewMemDevice(uint64(testNumBlocks*testBlockSize/blockdev.BlockSize), false)

	sb := &Superblock{}
	sb.disk.InodesCount = testIpg
	sb.disk.BlocksCountLo = testNumBlocks
	sb.disk.FreeBlocksCount = testNumBlocks - 10
	sb.disk.FreeInodesCount = testIpg - 10
	sb.disk.FirstDataBlock = 1
	sb.disk.LogBlockSize = 0
	sb.disk.BlocksPerGroup = testBpg
	sb.disk.InodesPerGroup = testIpg
	sb.disk.Magic = magic
	sb.disk.RevLevel = revDynamic
	sb.disk.InodeSize = defaultInodeSize
	sb.disk.FirstIno = firstReservedIno

	gd := GroupDesc{}
	gd.disk.BlockBitmap = 3
	gd.disk.InodeBitmap = 4
	gd.disk.InodeTable = testInodeTblBlk
	gd.disk.FreeBlocksCount = uint16(testNumBlocks - 10)
	gd.disk.FreeInodesCount = uint16(testIpg - 10)
	gd.disk.UsedDirsCount = 1

	if err := blockdev.WriteAt(dev, superblockOffset, sb.marshal()); err != nil {
		t.Fatalf("write superblock: %v", err)
	}
	if err := blockdev.WriteAt(dev, byteOffsetOfBlock(testBlockSize, 2), marshalGroupDescs([]GroupDesc{gd})); err != nil {
		t.Fatalf("write group descs: %v", err)
	}

	blockBitmap := make([]byte, testBlockSize)
	for i := uint32(0); i < 10; i++ {
		bitSet(blockBitmap, i)
	}
	if err := blockdev.WriteAt(dev, byteOffsetOfBlock(testBlockSize, 3), blockBitmap); err != nil {
		t.Fatalf("write block bitmap: %v", err)
	}

	inodeBitmap := make([]byte, testBlockSize)
	for i := uint32(0); i < 10; i++ {
		bitSet(inodeBitmap, i)
	}
	if err := blockdev.WriteAt(dev, byteOffsetOfBlock(testBlockSize, 4), inodeBitmap); err != nil {
		t.Fatalf("write inode bitmap: %v", err)
	}

	rootDirBody, err := rebuildDirectory([]dirEntry{
		{Inode: rootIno, FileType: fileTypeDir, Name: []byte(".")},
		{Inode: rootIno, FileType: fileTypeDir, Name: []byte("..")},
	}, testBlockSize)
	if err != nil {
		t.Fatalf("rebuildDirectory: %v", err)
	}
	if err := blockdev.WriteAt(dev, byteOffsetOfBlock(testBlockSize, testRootDirBlk), rootDirBody); err != nil {
		t.Fatalf("write root dir block: %v", err)
	}

	rootInode := &Inode{Number: rootIno}
	rootInode.disk.Mode = ModeIFDIR | 0755
	rootInode.disk.LinksCount = 2
	rootInode.disk.Block[0] = testRootDirBlk
	rootInode.setSize(testBlockSize)

	fs := &FS{dev: dev, sb: sb, groups: []GroupDesc{gd}}
	if err := fs.writeInode(rootInode); err != nil {
		t.Fatalf("write root inode: %v", err)
	}

	opened, err := Open(dev)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return opened
}

func TestOpenValidatesInvariants(t *testing.T) {
	fs := buildMinimalFS(t)
	if fs.sb.BlockSize() != testBlockSize {
		t.Fatalf("expected block size %d, got %d", testBlockSize, fs.sb.BlockSize())
	}
}

func TestStatPathRoot(t *testing.T) {
	fs := buildMinimalFS(t)
	ino, err := fs.StatPath("/")
	if err != nil {
		t.Fatalf("StatPath(/): %v", err)
	}
	if ino != rootIno {
		t.Fatalf("expected root inode %d, got %d", rootIno, ino)
	}
}

func TestPutFileAndReadBack(t *testing.T) {
	fs := buildMinimalFS(t)
	content := []byte("hello ext2 world")
	if err := fs.PutFile("/hello.txt", content, 0644); err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	f, err := fs.OpenFile("/hello.txt")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	got := make([]byte, f.Size())
	n, err := f.Read(got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(content) || !bytes.Equal(got[:n], content) {
		t.Fatalf("round-tripped content mismatch: got %q want %q", got[:n], content)
	}
}

func TestMkdirThenPutFileInSubdir(t *testing.T) {
	fs := buildMinimalFS(t)
	if err := fs.Mkdir("/etc"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := fs.PutFile("/etc/bootkey", []byte("deadbeef"), 0755); err != nil {
		t.Fatalf("PutFile in subdir: %v", err)
	}

	entries, err := fs.ListDir(mustResolve(t, fs, "/etc"))
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	found := false
	for _, e := range entries {
		if string(e.Name) == "bootkey" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected bootkey entry in /etc")
	}
}

func TestRemoveFile(t *testing.T) {
	fs := buildMinimalFS(t)
	if err := fs.PutFile("/gone.txt", []byte("bye"), 0644); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if err := fs.RemoveFile("/gone.txt"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if _, err := fs.StatPath("/gone.txt"); err == nil {
		t.Fatal("expected StatPath to fail after removal")
	}
}

func TestRecursiveHashIsOrderIndependentOfInsertion(t *testing.T) {
	fs := buildMinimalFS(t)
	if err := fs.Mkdir("/etc"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := fs.PutFile("/etc/b", []byte("B"), 0644); err != nil {
		t.Fatalf("PutFile b: %v", err)
	}
	if err := fs.PutFile("/etc/a", []byte("A"), 0644); err != nil {
		t.Fatalf("PutFile a: %v", err)
	}
	sha1Sum, sha256Sum, err := fs.RecursiveHash("/etc")
	if err != nil {
		t.Fatalf("RecursiveHash: %v", err)
	}
	if sha1Sum == ([20]byte{}) || sha256Sum == ([32]byte{}) {
		t.Fatal("expected non-zero digests")
	}

	other := buildMinimalFS(t)
	if err := other.Mkdir("/etc"); err != nil {
		t.Fatalf("Mkdir (second fs): %v", err)
	}
	if err := other.PutFile("/etc/a", []byte("A"), 0644); err != nil {
		t.Fatalf("PutFile a (second fs): %v", err)
	}
	if err := other.PutFile("/etc/b", []byte("B"), 0644); err != nil {
		t.Fatalf("PutFile b (second fs): %v", err)
	}
	otherSha1, otherSha256, err := other.RecursiveHash("/etc")
	if err != nil {
		t.Fatalf("RecursiveHash (second fs): %v", err)
	}
	if otherSha1 != sha1Sum || otherSha256 != sha256Sum {
		t.Fatal("recursive hash depends on insertion order")
	}
}

func mustResolve(t *testing.T, fs *FS, path string) uint32 {
	t.Helper()
	ino, err := fs.StatPath(path)
	if err != nil {
		t.Fatalf("StatPath(%q): %v", path, err)
	}
	return ino
}
