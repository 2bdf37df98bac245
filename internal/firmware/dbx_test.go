package firmware

import (
	"bytes"
	"encoding/binary"
	"testing"

	efi "github.com/canonical/go-efilib"

	"lsvmshim/internal/errs"
)

// buildAuthenticatedESL wraps a single-hash SHA-256 signature list in
// a minimal EFI_VARIABLE_AUTHENTICATION_2 header with an empty
// certificate body.
func buildAuthenticatedESL() []byte {
	sha256CertGUID := [16]byte{0x26, 0x16, 0xc4, 0xc1, 0x4c, 0x50, 0x92, 0x40, 0xac, 0xa9, 0x41, 0xf9, 0x36, 0x93, 0x43, 0x28}

	var esl bytes.Buffer
	esl.Write(sha256CertGUID[:])
	binary.Write(&esl, binary.LittleEndian, uint32(28+48)) // ListSize
	binary.Write(&esl, binary.LittleEndian, uint32(0))     // HeaderSize
	binary.Write(&esl, binary.LittleEndian, uint32(48))    // SignatureSize
	esl.Write(make([]byte, 16))                            // signature owner
	esl.Write(bytes.Repeat([]byte{0xAB}, 32))              // revoked hash

	var out bytes.Buffer
	out.Write(make([]byte, efiTimeLen))
	binary.Write(&out, binary.LittleEndian, uint32(winCertHdrLen+16)) // dwLength: header + cert type GUID
	binary.Write(&out, binary.LittleEndian, uint16(winCertRevision2))
	binary.Write(&out, binary.LittleEndian, uint16(winCertTypeGUID))
	out.Write(make([]byte, 16)) // cert type GUID (unchecked here; firmware verifies)
	out.Write(esl.Bytes())
	return out.Bytes()
}

func TestApplyDBXUpdateWritesVariable(t *testing.T) {
	vars := NewMemVariables()
	update := buildAuthenticatedESL()

	if err := ApplyDBXUpdate(vars, update); err != nil {
		t.Fatalf("ApplyDBXUpdate: %v", err)
	}

	guid := [16]byte(efi.ImageSecurityDatabaseGuid)
	attrs, data, err := vars.Get(DBXVariableName, guid)
	if err != nil {
		t.Fatalf("Get dbx: %v", err)
	}
	if !bytes.Equal(data, update) {
		t.Fatal("stored dbx variable does not carry the full authenticated update")
	}
	if attrs&uint32(efi.AttributeAppendWrite) == 0 {
		t.Fatal("dbx write missing the append attribute")
	}
	if attrs&uint32(efi.AttributeTimeBasedAuthenticatedWriteAccess) == 0 {
		t.Fatal("dbx write missing the time-based authentication attribute")
	}
}

func TestApplyDBXUpdateRejectsTruncatedHeader(t *testing.T) {
	vars := NewMemVariables()
	err := ApplyDBXUpdate(vars, []byte{0x01, 0x02})
	if err == nil {
		t.Fatal("expected a truncated update to be rejected")
	}
	if !errs.Is(err, errs.Format) {
		t.Fatalf("got %v, want a Format-kind error", err)
	}
}

func TestApplyDBXUpdateRejectsWrongCertificateType(t *testing.T) {
	vars := NewMemVariables()
	update := buildAuthenticatedESL()
	// Corrupt wCertificateType.
	binary.LittleEndian.PutUint16(update[efiTimeLen+6:efiTimeLen+8], 0x0001)
	if err := ApplyDBXUpdate(vars, update); err == nil {
		t.Fatal("expected a non-GUID certificate type to be rejected")
	}
}

func TestApplyDBXUpdateRejectsGarbagePayload(t *testing.T) {
	vars := NewMemVariables()
	update := buildAuthenticatedESL()
	// Truncate the signature list so it no longer parses.
	update = update[:len(update)-20]
	if err := ApplyDBXUpdate(vars, update); err == nil {
		t.Fatal("expected a malformed signature list to be rejected")
	}
}
