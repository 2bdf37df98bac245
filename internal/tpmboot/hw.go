package tpmboot

import (
	"github.com/canonical/go-tpm2"

	"lsvmshim/internal/errs"
)

// lockoutHandle is the well-known TPM lockout hierarchy handle used
// by the dictionary-attack hardening calls run before any
// measurement.
const lockoutHandle = tpm2.HandleLockout

// srkHandle is the well-known storage root key persistent handle
// this design expects to find already provisioned; if absent, a new
// SRK is created and flushed at the end of the session.
const srkHandle = tpm2.Handle(0x81000001)

// Device is the hardware-backed Policy implementation, wiring the
// policy operations onto a real TPM 2.0 through
// github.com/canonical/go-tpm2's command API.
type Device struct {
	tpm           *tpm2.TPMContext
	srk           tpm2.ResourceContext
	srkCreatedNow bool
}

// NewDevice wraps an already-connected TPMContext, acquiring the
// SRK: read the well-known handle, create and flag for later flush if
// absent.
func NewDevice(tpm *tpm2.TPMContext) (*Device, error) {
	d := &Device{tpm: tpm}
	srk, err := tpm.NewResourceContext(srkHandle)
	if err == nil {
		d.srk = srk
		return d, nil
	}

	primary, _, _, _, _, err := tpm.CreatePrimary(tpm.OwnerHandleContext(), nil, srkTemplate(), nil, nil, nil)
	if err != nil {
		return nil, errs.New(errs.Tpm, "tpmboot.NewDevice", err)
	}
	if _, err := tpm.EvictControl(tpm.OwnerHandleContext(), primary, srkHandle, nil); err != nil {
		return nil, errs.New(errs.Tpm, "tpmboot.NewDevice", err)
	}
	srk, err = tpm.NewResourceContext(srkHandle)
	if err != nil {
		return nil, errs.New(errs.Tpm, "tpmboot.NewDevice", err)
	}
	d.srk = srk
	d.srkCreatedNow = true
	return d, nil
}

// srkTemplate is the standard low-range storage-key ECC template a
// restricted-decryption SRK uses; provisioning detail, not policy.
func srkTemplate() *tpm2.Public {
	return &tpm2.Public{
		Type:    tpm2.ObjectTypeECC,
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs: tpm2.AttrFixedTPM | tpm2.AttrFixedParent | tpm2.AttrSensitiveDataOrigin |
			tpm2.AttrUserWithAuth | tpm2.AttrNoDA | tpm2.AttrRestricted | tpm2.AttrDecrypt,
		Params: &tpm2.PublicParamsU{
			ECCDetail: &tpm2.ECCParams{
				Symmetric: tpm2.SymDefObject{
					Algorithm: tpm2.SymObjectAlgorithmAES,
					KeyBits:   &tpm2.SymKeyBitsU{Sym: 128},
					Mode:      &tpm2.SymModeU{Sym: tpm2.SymModeCFB},
				},
				Scheme:  tpm2.ECCScheme{Scheme: tpm2.ECCSchemeNull},
				CurveID: tpm2.ECCCurveNIST_P256,
			},
		},
	}
}

func pcrSelection(idx int, alg tpm2.HashAlgorithmId) tpm2.PCRSelectionList {
	return tpm2.PCRSelectionList{{Hash: alg, Select: []int{idx}}}
}

// ReadPCRSHA256 reads the SHA-256 bank value of PCR idx.
func (d *Device) ReadPCRSHA256(idx int) (Digest256, error) {
	_, values, err := d.tpm.PCRRead(pcrSelection(idx, tpm2.HashAlgorithmSHA256))
	if err != nil {
		return Digest256{}, errs.New(errs.Tpm, "tpmboot.Device.ReadPCRSHA256", err)
	}
	var out Digest256
	copy(out[:], values[tpm2.HashAlgorithmSHA256][idx])
	return out, nil
}

// ExtendPCRSHA1 extends PCR idx's SHA-1 bank with hash.
func (d *Device) ExtendPCRSHA1(idx int, hash Digest1) error {
	pcr, err := d.tpm.NewResourceContext(tpm2.Handle(idx))
	if err != nil {
		return errs.New(errs.Tpm, "tpmboot.Device.ExtendPCRSHA1", err)
	}
	digests := tpm2.TaggedHashList{tpm2.MakeTaggedHash(tpm2.HashAlgorithmSHA1, hash[:])}
	if err := d.tpm.PCRExtend(pcr, digests, nil); err != nil {
		return errs.New(errs.Tpm, "tpmboot.Device.ExtendPCRSHA1", err)
	}
	return nil
}

// ExtendPCRSHA256 extends PCR idx's SHA-256 bank with hash.
func (d *Device) ExtendPCRSHA256(idx int, hash Digest256) error {
	pcr, err := d.tpm.NewResourceContext(tpm2.Handle(idx))
	if err != nil {
		return errs.New(errs.Tpm, "tpmboot.Device.ExtendPCRSHA256", err)
	}
	digests := tpm2.TaggedHashList{tpm2.MakeTaggedHash(tpm2.HashAlgorithmSHA256, hash[:])}
	if err := d.tpm.PCRExtend(pcr, digests, nil); err != nil {
		return errs.New(errs.Tpm, "tpmboot.Device.ExtendPCRSHA256", err)
	}
	return nil
}

// HashLogExtendPE measures a PE image's Authenticode digests and
// extends idx with both, the hardware equivalent of Soft's.
func (d *Device) HashLogExtendPE(idx int, peImage []byte, description string) error {
	sha1Sum, sha256Sum, err := AuthenticodePEDigest(peImage)
	if err != nil {
		return err
	}
	if err := d.ExtendPCRSHA1(idx, sha1Sum); err != nil {
		return err
	}
	return d.ExtendPCRSHA256(idx, sha256Sum)
}

// HashLogExtendData extends idx with the SHA-1 and SHA-256 digests
// of data, the EV_COMPACT_HASH event shape.
func (d *Device) HashLogExtendData(idx int, data []byte) error {
	sha1Sum, sha256Sum, err := dataDigests(data)
	if err != nil {
		return err
	}
	if err := d.ExtendPCRSHA1(idx, sha1Sum); err != nil {
		return err
	}
	return d.ExtendPCRSHA256(idx, sha256Sum)
}

// HashLogExtendSeparator emits the EV_SEPARATOR event, a fixed
// 0xFFFFFFFF marker.
func (d *Device) HashLogExtendSeparator(idx int) error {
	return d.HashLogExtendData(idx, []byte{0xff, 0xff, 0xff, 0xff})
}

// Unseal unwraps blob under a policy session bound to the PCRs named
// in policyPCRMask, returning errs.Tpm if the current PCR state no
// longer satisfies the sealing policy.
func (d *Device) Unseal(policyPCRMask uint32, blob []byte) ([]byte, error) {
	session, err := d.startPCRPolicySession(policyPCRMask)
	if err != nil {
		return nil, err
	}
	defer d.tpm.FlushContext(session)

	object, err := loadSealedObject(d.tpm, d.srk, blob)
	if err != nil {
		return nil, err
	}
	defer d.tpm.FlushContext(object)

	secret, err := d.tpm.Unseal(object, session)
	if err != nil {
		return nil, errs.New(errs.Tpm, "tpmboot.Device.Unseal", err)
	}
	return secret, nil
}

// Seal creates a new sealed object bound to a policy session over the
// PCRs named in policyPCRMask, under the SRK, and returns its
// marshalled public/private blob.
func (d *Device) Seal(policyPCRMask uint32, secret []byte) ([]byte, error) {
	session, err := d.startPCRPolicySession(policyPCRMask)
	if err != nil {
		return nil, err
	}
	defer d.tpm.FlushContext(session)

	digest, err := d.tpm.PolicyGetDigest(session)
	if err != nil {
		return nil, errs.New(errs.Tpm, "tpmboot.Device.Seal", err)
	}

	template := &tpm2.Public{
		Type:       tpm2.ObjectTypeKeyedHash,
		NameAlg:    tpm2.HashAlgorithmSHA256,
		Attrs:      tpm2.AttrAdminWithPolicy,
		AuthPolicy: digest,
		Params: &tpm2.PublicParamsU{
			KeyedHashDetail: &tpm2.KeyedHashParams{Scheme: tpm2.KeyedHashScheme{Scheme: tpm2.KeyedHashSchemeNull}},
		},
	}
	sensitive := &tpm2.SensitiveCreate{Data: secret}

	priv, pub, _, _, _, err := d.tpm.Create(d.srk, sensitive, template, nil, nil, nil)
	if err != nil {
		return nil, errs.New(errs.Tpm, "tpmboot.Device.Seal", err)
	}
	return marshalSealedObject(priv, pub)
}

// CapPCR extends idx with the fixed cap marker, after which
// ReadPCRSHA256(idx) must differ from its pre-cap value.
func (d *Device) CapPCR(idx int) error {
	return d.HashLogExtendData(idx, capExtension)
}

// Initialize performs the dictionary-attack hardening required
// before any measurement; failure of either call is fatal.
func (d *Device) Initialize() error {
	lockout, err := d.tpm.NewResourceContext(lockoutHandle)
	if err != nil {
		return errs.New(errs.Tpm, "tpmboot.Device.Initialize", err)
	}
	if err := d.tpm.DictionaryAttackLockReset(lockout, nil); err != nil {
		return errs.New(errs.Tpm, "tpmboot.Device.Initialize", err)
	}
	if err := d.tpm.DictionaryAttackParameters(lockout, 32, 7200, 86400, nil); err != nil {
		return errs.New(errs.Tpm, "tpmboot.Device.Initialize", err)
	}
	return nil
}

// Close flushes the SRK context if this session created it fresh (it
// was not already persistent).
func (d *Device) Close() error {
	if d.srkCreatedNow {
		return d.tpm.FlushContext(d.srk)
	}
	return nil
}
