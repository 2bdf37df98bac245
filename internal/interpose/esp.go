package interpose

import (
	"path"
	"strings"

	"lsvmshim/internal/errs"
	"lsvmshim/internal/firmware"
)

// espServedNames lists the basenames the ESP shim answers from RAM.
var espServedNames = map[string]bool{
	"grubx64.efi": true,
	"grub.efi":    true,
}

// ESPShim overrides the ESP's SimpleFileSystem so subsequent Open
// calls for the GRUB loader basenames are served from a preloaded RAM
// buffer instead of the on-disk file, and rejects mutation.
type ESPShim struct {
	staged map[string][]byte
}

// NewESPShim stages loaderImage under every basename in
// espServedNames so a request for either "grubx64.efi" or "grub.efi"
// is answered with the same bytes — loaders differ in which name they
// ask for, the same way grub.cfg lives under either /grub2 or /grub.
func NewESPShim(loaderImage []byte) *ESPShim {
	staged := make(map[string][]byte, len(espServedNames))
	for name := range espServedNames {
		staged[name] = loaderImage
	}
	return &ESPShim{staged: staged}
}

// StageName additionally stages a specific basename (e.g. only
// "grubx64.efi") with its own bytes, for callers that preload the
// loader image under one exact name rather than both aliases.
func (s *ESPShim) StageName(basename string, data []byte) {
	if s.staged == nil {
		s.staged = make(map[string][]byte)
	}
	s.staged[basename] = data
}

// OpenVolume returns a Dir whose Open implements the shim semantics:
// NotFound for anything but a staged basename.
func (s *ESPShim) OpenVolume() (firmware.Dir, error) {
	return shimDir{shim: s}, nil
}

type shimDir struct {
	shim *ESPShim
}

func (d shimDir) Open(name string, mode uint32) (firmware.File, error) {
	base := strings.ToLower(path.Base(filepathToSlash(name)))
	data, ok := d.shim.staged[base]
	if !ok {
		return nil, errs.New(errs.NotFound, "interpose.ESPShim.Open", nil)
	}
	return newShimFile(data), nil
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// shimFile is the EFI_FILE double served for a staged basename: Read
// serves RAM bytes, Size reports the RAM buffer's length, and every
// mutating operation is Unsupported.
type shimFile struct {
	data []byte
	pos  int
}

func newShimFile(data []byte) *shimFile { return &shimFile{data: data} }

func (f *shimFile) Read(p []byte) (int, error) {
	if f.pos >= len(f.data) {
		return 0, nil
	}
	n := copy(p, f.data[f.pos:])
	f.pos += n
	return n, nil
}

func (f *shimFile) Write(p []byte) (int, error) {
	return 0, errs.New(errs.Unsupported, "interpose.shimFile.Write", nil)
}

func (f *shimFile) SetPosition(pos uint64) error {
	return errs.New(errs.Unsupported, "interpose.shimFile.SetPosition", nil)
}

func (f *shimFile) Size() (uint64, error) { return uint64(len(f.data)), nil }
func (f *shimFile) Close() error          { return nil }

// Delete and SetInfo are not part of the firmware.File surface this
// design models (the real EFI_FILE protocol exposes them separately);
// shimFile has no counterpart for either.
