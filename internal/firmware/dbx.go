package firmware

import (
	"bytes"
	"encoding/binary"
	"fmt"

	efi "github.com/canonical/go-efilib"

	"lsvmshim/internal/errs"
)

// DBXVariableName is the forbidden-signature database variable the
// update blob targets, under the image security database GUID.
const DBXVariableName = "dbx"

// dbxAttrs are the attributes an authenticated dbx append carries:
// the standard NV+BS+RT set, time-based authentication (the firmware
// verifies the blob's embedded signature, not us), and append-write
// so existing revocation entries are retained.
const dbxAttrs = uint32(efi.AttributeNonVolatile |
	efi.AttributeBootserviceAccess |
	efi.AttributeRuntimeAccess |
	efi.AttributeTimeBasedAuthenticatedWriteAccess |
	efi.AttributeAppendWrite)

const (
	efiTimeLen       = 16
	winCertHdrLen    = 8 // dwLength u32, wRevision u16, wCertificateType u16
	winCertTypeGUID  = 0x0EF1
	winCertRevision2 = 0x0200
)

// authPayloadOffset locates the signature-list payload inside an
// EFI_VARIABLE_AUTHENTICATION_2-wrapped update: a 16-byte EFI_TIME
// followed by a WIN_CERTIFICATE_UEFI_GUID whose dwLength covers the
// certificate header, type GUID, and signature data.
func authPayloadOffset(update []byte) (int, error) {
	if len(update) < efiTimeLen+winCertHdrLen {
		return 0, errs.New(errs.Format, "firmware.authPayloadOffset", fmt.Errorf("update shorter than authentication header"))
	}
	dwLength := binary.LittleEndian.Uint32(update[efiTimeLen : efiTimeLen+4])
	certType := binary.LittleEndian.Uint16(update[efiTimeLen+6 : efiTimeLen+8])
	if certType != winCertTypeGUID {
		return 0, errs.New(errs.Format, "firmware.authPayloadOffset", fmt.Errorf("certificate type %#x is not WIN_CERT_TYPE_EFI_GUID", certType))
	}
	off := efiTimeLen + int(dwLength)
	if dwLength < winCertHdrLen || off > len(update) {
		return 0, errs.New(errs.Format, "firmware.authPayloadOffset", fmt.Errorf("certificate length %d out of bounds", dwLength))
	}
	return off, nil
}

// ApplyDBXUpdate validates an authenticated dbx update blob and
// submits it to the variable store. The embedded payload must parse
// as an EFI signature database; the authentication wrapper itself is
// passed through intact, since verifying its signature chain is the
// firmware's job.
func ApplyDBXUpdate(vars Variables, update []byte) error {
	off, err := authPayloadOffset(update)
	if err != nil {
		return err
	}
	if _, err := efi.ReadSignatureDatabase(bytes.NewReader(update[off:])); err != nil {
		return errs.New(errs.Format, "firmware.ApplyDBXUpdate", err)
	}
	guid := [16]byte(efi.ImageSecurityDatabaseGuid)
	if err := vars.Set(DBXVariableName, guid, dbxAttrs, update); err != nil {
		return errs.New(errs.Io, "firmware.ApplyDBXUpdate", err)
	}
	return nil
}
