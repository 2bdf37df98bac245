// Package orchestrator drives the boot sequence end to end: load
// configuration, measure the boot scenario into the TPM, attempt to
// unseal the key blob, open the encrypted boot volume (falling back
// to an interactive passphrase), optionally drop a specialization
// file and apply a DBX update, patch the initrd, install the
// interposition layer, load the downstream loader, and cap the
// measurement PCR before handing off.
//
// All process-wide boot state lives in a BootContext value threaded
// through Run rather than in package-level variables. The
// firmware-facing collaborators (protocol glue, terminal I/O, PE
// relocation, reboot) are collected into Dependencies and consumed
// only through the narrow interfaces they expose.
package orchestrator

import (
	"bytes"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"lsvmshim/internal/blockdev"
	"lsvmshim/internal/cache"
	"lsvmshim/internal/config"
	"lsvmshim/internal/errs"
	"lsvmshim/internal/ext2"
	"lsvmshim/internal/firmware"
	"lsvmshim/internal/gpt"
	"lsvmshim/internal/initrd"
	"lsvmshim/internal/interpose"
	"lsvmshim/internal/luks"
	"lsvmshim/internal/specialize"
	"lsvmshim/internal/tpmboot"
	"lsvmshim/internal/vfat"
)

// Fixed on-disk paths, relative to the boot volume's root unless
// noted otherwise.
const (
	specializationPath = "/specialization.aes"
	dbxUpdatePath      = "/lsvmload/dbxupdate.bin"
	grubCfgPathPrimary = "/grub2/grub.cfg"
	grubCfgPathAlt     = "/grub/grub.cfg"
	grubImagePath      = "/lsvmload/grubx64.efi"
	shimImagePath      = "/lsvmload/shimx64.efi"

	// initrdPath sits alongside the other lsvmload-owned payloads on
	// the boot volume.
	initrdPath = "/lsvmload/initrd.img"
)

// maxPassphraseAttempts bounds the interactive fallback: three
// consecutive failures abort the boot.
const maxPassphraseAttempts = 3

// sealPCRMask selects PCR 11, the scenario register the measurement
// pipeline extends and this sequence seals/unseals/caps against.
const sealPCRMask = uint32(1) << uint(tpmboot.ScenarioPCR)

// State names one node of the boot state machine.
type State int

const (
	S0Init State = iota
	S1Measure
	S2Unseal
	S3OpenBootVol
	S4CheckRootVol
	S5Specialize
	S6CacheAbsorb
	S7DBXUpdate
	S8PatchInitrd
	S9Interpose
	S10LoadShim
	S11CapPCR
	S12Handoff
	Abort
)

func (s State) String() string {
	names := [...]string{
		"S0Init", "S1Measure", "S2Unseal", "S3OpenBootVol", "S4CheckRootVol",
		"S5Specialize", "S6CacheAbsorb", "S7DBXUpdate", "S8PatchInitrd",
		"S9Interpose", "S10LoadShim", "S11CapPCR", "S12Handoff", "Abort",
	}
	if int(s) < 0 || int(s) >= len(names) {
		return "Unknown"
	}
	return names[s]
}

// PassphrasePrompt is the terminal-I/O collaborator the passphrase
// fallback reads from. attempt is 1-based.
type PassphrasePrompt func(attempt int) ([]byte, error)

// Reboot performs the post-DBX-update warm reset; it does not return
// on success.
type Reboot func() error

// Dependencies are the external collaborators the boot sequence
// consumes: firmware protocol handles, raw config/blob bytes, and the
// TPM policy and passphrase/reboot side channels.
type Dependencies struct {
	ConfigBytes    []byte // raw lsvmconf contents
	SealedKeysBlob []byte // opaque TPM sealed-key blob, read alongside the image

	Policy tpmboot.Policy

	BootRawDevice blockdev.Bdev // firmware BIO for the configured BootDeviceLUKS partition
	RootRawDevice blockdev.Bdev // firmware BIO for RootDeviceLUKS; only ever probed, never retained open

	OriginalBlockIO       firmware.BlockIO
	Variables             firmware.Variables // non-volatile variable store for the DBX update
	GPTBytes              []byte
	FirstHardDrivePath    firmware.DevicePath
	BootVolumeSectorCount uint64 // size of the decrypted boot volume, for the synthesized GPT entry

	PromptPassphrase PassphrasePrompt
	DoReboot         Reboot

	// Loader and LoaderDevicePath are the handoff collaborator; a
	// nil Loader (the default in tests) skips the actual transfer of
	// control and still reaches S12Handoff, since nothing downstream
	// of Start() ever returns in a real boot.
	Loader           firmware.ImageLoader
	LoaderDevicePath string

	Logger *zap.Logger
}

// BootContext holds everything the boot accumulates as states
// advance. It is never torn down before hand-off or abort.
type BootContext struct {
	Config *config.Config

	Policy  tpmboot.Policy
	RootBIO *interpose.RootBIO

	cacheDev *cache.Device
	luksDev  *luks.Device
	BootFS   *ext2.FS

	UnsealedKey []byte
	BootKey     []byte
	RootKey     []byte

	GPT         *gpt.Table
	LoaderImage []byte
	ESPShim     *interpose.ESPShim
	pseudoPart  *interpose.PseudoPartition

	loaderHandle firmware.ImageHandle

	attempts int
}

// splitKeys derives the boot and root sub-keys from the unsealed or
// passphrase-derived key material. The boot volume's own LUKS master
// key (already known once the volume is open) doubles as the boot
// sub-key; the root sub-key is whatever remains of the unsealed blob
// once the boot key is consumed. The two halves end up inside the
// patched initrd as etc/lsvmload/{bootkey,rootkey}.
func splitKeys(unsealed, bootMasterKey []byte) (bootKey, rootKey []byte) {
	if len(unsealed) <= len(bootMasterKey) {
		return bootMasterKey, unsealed
	}
	return bootMasterKey, unsealed[len(bootMasterKey):]
}

// Run drives the state machine to completion. It returns nil only if
// S12 Handoff would transfer control (the caller's firmware adapter
// is expected to Exec the loaded image and never return); any
// non-nil error is a fatal condition and the caller must surface the
// red failure message.
func Run(deps Dependencies) (*BootContext, error) {
	bc := &BootContext{Policy: deps.Policy}
	state := S0Init

	for state != S12Handoff && state != Abort {
		var next State
		var err error
		switch state {
		case S0Init:
			next, err = stepInit(bc, &deps)
		case S1Measure:
			next, err = stepMeasure(bc, &deps)
		case S2Unseal:
			next, err = stepUnseal(bc, &deps)
		case S3OpenBootVol:
			next, err = stepOpenBootVol(bc, &deps)
		case S4CheckRootVol:
			next, err = stepCheckRootVol(bc, &deps)
		case S5Specialize:
			next, err = stepSpecialize(bc, &deps)
		case S6CacheAbsorb:
			next, err = stepCacheAbsorb(bc, &deps)
		case S7DBXUpdate:
			next, err = stepDBXUpdate(bc, &deps)
		case S8PatchInitrd:
			next, err = stepPatchInitrd(bc, &deps)
		case S9Interpose:
			next, err = stepInterpose(bc, &deps)
		case S10LoadShim:
			next, err = stepLoadShim(bc, &deps)
		case S11CapPCR:
			next, err = stepCapPCR(bc, &deps)
		default:
			return bc, errs.New(errs.Invariant, "orchestrator.Run", fmt.Errorf("unreachable state %v", state))
		}
		if err != nil {
			if deps.Logger != nil {
				deps.Logger.Error("state failed", zap.String("state", state.String()), zap.Error(err))
			}
			return bc, err
		}
		if deps.Logger != nil {
			deps.Logger.Info("state ok", zap.String("state", state.String()), zap.String("next", next.String()))
		}
		state = next
	}
	if state == Abort {
		return bc, errs.New(errs.Invariant, "orchestrator.Run", fmt.Errorf("aborted"))
	}
	if bc.loaderHandle != nil {
		if err := bc.loaderHandle.Start(); err != nil {
			return bc, errs.New(errs.Io, "orchestrator.Run", err)
		}
	}
	return bc, nil
}

// stepInit is S0: load config, open the TPM policy, establish the PCR
// baseline.
func stepInit(bc *BootContext, deps *Dependencies) (State, error) {
	cfg, err := config.Parse(bytes.NewReader(deps.ConfigBytes))
	if err != nil {
		return Abort, err
	}
	bc.Config = cfg
	if deps.Policy == nil {
		return Abort, errs.New(errs.Tpm, "orchestrator.stepInit", fmt.Errorf("no TPM and require_tpm=true"))
	}
	if err := deps.Policy.Initialize(); err != nil {
		return Abort, err
	}
	return S1Measure, nil
}

// stepMeasure is S1: PCR 11 extends for the fixed scenario tags.
func stepMeasure(bc *BootContext, deps *Dependencies) (State, error) {
	if err := tpmboot.MeasureScenario(bc.Policy); err != nil {
		return Abort, err
	}
	return S2Unseal, nil
}

// stepUnseal is S2: attempt TPM unseal of the sealed-keys blob; on
// failure continue with no unsealed key rather than aborting, so S3
// can fall back to the prompt.
func stepUnseal(bc *BootContext, deps *Dependencies) (State, error) {
	key, err := bc.Policy.Unseal(sealPCRMask, deps.SealedKeysBlob)
	if err != nil {
		bc.UnsealedKey = nil
		return S3OpenBootVol, nil
	}
	bc.UnsealedKey = key
	return S3OpenBootVol, nil
}

// stepOpenBootVol is S3: try the unsealed boot key first; if absent or
// wrong, prompt for a passphrase up to 3 times before aborting.
func stepOpenBootVol(bc *BootContext, deps *Dependencies) (State, error) {
	if bc.UnsealedKey != nil {
		if dev, err := luks.OpenWithPassphrase(deps.BootRawDevice, bc.UnsealedKey); err == nil {
			bc.luksDev = dev
			bc.BootKey, bc.RootKey = splitKeys(bc.UnsealedKey, dev.MasterKey())
			return S4CheckRootVol, nil
		}
	}

	for bc.attempts < maxPassphraseAttempts {
		bc.attempts++
		if deps.PromptPassphrase == nil {
			return Abort, errs.New(errs.Auth, "orchestrator.stepOpenBootVol", fmt.Errorf("no passphrase source"))
		}
		pass, err := deps.PromptPassphrase(bc.attempts)
		if err != nil {
			return Abort, errs.New(errs.Auth, "orchestrator.stepOpenBootVol", err)
		}
		dev, err := luks.OpenWithPassphrase(deps.BootRawDevice, pass)
		if err == nil {
			bc.luksDev = dev
			bc.BootKey, bc.RootKey = splitKeys(pass, dev.MasterKey())
			return S4CheckRootVol, nil
		}
	}
	return Abort, errs.New(errs.Auth, "orchestrator.stepOpenBootVol", fmt.Errorf("LUKS open failed after %d attempts", maxPassphraseAttempts))
}

// stepCheckRootVol is S4: verify the root key opens the root LUKS
// header, without retaining the volume open.
func stepCheckRootVol(bc *BootContext, deps *Dependencies) (State, error) {
	if deps.RootRawDevice == nil {
		return S5Specialize, nil
	}
	dev, err := luks.OpenWithPassphrase(deps.RootRawDevice, bc.RootKey)
	if err != nil {
		return Abort, errs.New(errs.Auth, "orchestrator.stepCheckRootVol", err)
	}
	_ = dev.Close()
	return S5Specialize, nil
}

// stepSpecialize is S5: optional decrypt-and-drop of the
// specialization blob, available once the boot volume's EXT2 layer is
// mounted.
func stepSpecialize(bc *BootContext, deps *Dependencies) (State, error) {
	bootFS, err := mountBootFS(bc)
	if err != nil {
		return Abort, err
	}
	bc.BootFS = bootFS

	blob, err := readOptional(bootFS, specializationPath)
	if err != nil {
		return Abort, err
	}
	if blob != nil {
		if err := specialize.Apply(bootFS, blob, bc.luksDev.MasterKey()); err != nil {
			return Abort, err
		}
	}
	return S6CacheAbsorb, nil
}

// mountBootFS lazily wraps the LUKS device in the write-back cache
// and mounts EXT2 on top: raw device, cache, LUKS decryptor, EXT2.
func mountBootFS(bc *BootContext) (*ext2.FS, error) {
	if bc.BootFS != nil {
		return bc.BootFS, nil
	}
	bc.cacheDev = cache.New(bc.luksDev)
	return ext2.Open(bc.cacheDev)
}

func readOptional(fs *ext2.FS, path string) ([]byte, error) {
	f, err := fs.OpenFile(path)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, f.Size())
	if _, err := f.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// stepCacheAbsorb is S6: flip the cache device to write-absorb mode.
// From here on, boot-volume writes stay in RAM unless a step
// deliberately bypasses absorb via WithPersistentWrite.
func stepCacheAbsorb(bc *BootContext, deps *Dependencies) (State, error) {
	if err := bc.cacheDev.SetFlags(blockdev.EnableCaching); err != nil {
		return Abort, errs.New(errs.Io, "orchestrator.stepCacheAbsorb", err)
	}
	return S7DBXUpdate, nil
}

// stepDBXUpdate is S7: when a DBX update file is present on the boot
// volume, submit it to the firmware variable store, re-seal the keys
// (the next boot's PCR 7 will differ), consume the file, and request
// a warm reboot.
func stepDBXUpdate(bc *BootContext, deps *Dependencies) (State, error) {
	blob, err := readOptional(bc.BootFS, dbxUpdatePath)
	if err != nil {
		return Abort, err
	}
	if blob == nil {
		return S8PatchInitrd, nil
	}

	if deps.Variables == nil {
		return Abort, errs.New(errs.Config, "orchestrator.stepDBXUpdate", fmt.Errorf("no variable store collaborator"))
	}
	if err := firmware.ApplyDBXUpdate(deps.Variables, blob); err != nil {
		return Abort, err
	}

	resealed, err := bc.Policy.Seal(sealPCRMask, bc.UnsealedKey)
	if err != nil {
		return Abort, err
	}
	if err := bc.cacheDev.WithPersistentWrite(func() error {
		if err := bc.BootFS.PutFile("/sealedkeys", resealed, 0o600); err != nil {
			return err
		}
		return bc.BootFS.RemoveFile(dbxUpdatePath)
	}); err != nil {
		return Abort, err
	}
	if deps.DoReboot == nil {
		return Abort, errs.New(errs.Config, "orchestrator.stepDBXUpdate", fmt.Errorf("no reboot collaborator"))
	}
	return Abort, deps.DoReboot()
}

// stepPatchInitrd is S8: inject the split keys into the initrd if the
// root key is valid.
func stepPatchInitrd(bc *BootContext, deps *Dependencies) (State, error) {
	if len(bc.RootKey) == 0 {
		return S9Interpose, nil
	}
	raw, err := readOptional(bc.BootFS, initrdPath)
	if err != nil {
		return Abort, err
	}
	if raw == nil {
		return S9Interpose, nil
	}
	patched, err := initrd.PatchStream(raw, bc.BootKey, bc.RootKey)
	if err != nil {
		return Abort, err
	}
	if err := bc.cacheDev.WithPersistentWrite(func() error {
		return bc.BootFS.PutFile(initrdPath, patched, 0o644)
	}); err != nil {
		return Abort, err
	}
	return S9Interpose, nil
}

// stepInterpose is S9: install the ESP, root-BIO, and boot-BIO hooks,
// synthesize the GPT pseudo-partition, and only then flip the hook
// dispatch on — no earlier I/O path may observe the shims.
func stepInterpose(bc *BootContext, deps *Dependencies) (State, error) {
	table, err := gpt.Parse(deps.GPTBytes)
	if err != nil {
		return Abort, errs.New(errs.Format, "orchestrator.stepInterpose", err)
	}
	bc.GPT = table

	root := interpose.NewRootBIO(deps.OriginalBlockIO)
	bc.RootBIO = root

	part, err := interpose.AddPseudoPartition(table, root, deps.FirstHardDrivePath, bc.cacheDev, deps.BootVolumeSectorCount)
	if err != nil {
		return Abort, err
	}
	bc.pseudoPart = part

	grubImage, err := readOptional(bc.BootFS, grubImagePath)
	if err != nil {
		return Abort, err
	}
	shimImage, err := readOptional(bc.BootFS, shimImagePath)
	if err != nil {
		return Abort, err
	}
	loaderImage := shimImage
	if loaderImage == nil {
		loaderImage = grubImage
	}
	if loaderImage == nil {
		return Abort, errs.New(errs.NotFound, "orchestrator.stepInterpose", fmt.Errorf("no loader image on boot volume"))
	}
	bc.LoaderImage = loaderImage
	bc.ESPShim = interpose.NewESPShim(loaderImage)

	cfg, err := readOptional(bc.BootFS, grubCfgPathPrimary)
	if err != nil {
		return Abort, err
	}
	if cfg == nil {
		cfg, err = readOptional(bc.BootFS, grubCfgPathAlt)
		if err != nil {
			return Abort, err
		}
	}
	if cfg != nil {
		bc.ESPShim.StageName("grub.cfg", cfg)
		if err := stageSyntheticESP(bc, root, cfg); err != nil {
			return Abort, err
		}
	}

	if err := installGPTRegion(bc, root); err != nil {
		return Abort, err
	}

	root.EnableHooks()
	return S10LoadShim, nil
}

// installGPTRegion serves the patched in-memory GPT in place of the
// on-disk one: any reader of the first LBAs — the downstream loader
// included — sees the synthesized BOOTFS entry.
func installGPTRegion(bc *BootContext, root *interpose.RootBIO) error {
	raw, err := bc.GPT.Marshal()
	if err != nil {
		return errs.New(errs.Format, "orchestrator.installGPTRegion", err)
	}
	numBlocks := (len(raw) + blockdev.BlockSize - 1) / blockdev.BlockSize
	blocks := make([]blockdev.Block, numBlocks)
	for i := range blocks {
		start := i * blockdev.BlockSize
		end := start + blockdev.BlockSize
		if end > len(raw) {
			end = len(raw)
		}
		copy(blocks[i][:], raw[start:end])
	}
	return root.AddRAMRegion(interpose.RegionGPT, 0, uint64(numBlocks-1), true, blocks)
}

// stageSyntheticESP builds an in-RAM FAT image carrying the patched
// grub.cfg under /EFI/<VENDOR>/GRUB.CFG plus a copy at the volume
// root (the loader's working directory), and overlays it on the ESP's
// LBA range so the loader reads the staged configuration instead of
// the on-disk one.
func stageSyntheticESP(bc *BootContext, root *interpose.RootBIO, grubCfg []byte) error {
	esp := earliestUsedEntry(bc.GPT)
	if esp == nil {
		return errs.New(errs.Format, "orchestrator.stageSyntheticESP", fmt.Errorf("no partitions to overlay"))
	}
	sectors := esp.EndingLBA - esp.StartingLBA + 1

	espDev := blockdev.NewMemDevice(sectors, false)
	fatFS, err := vfat.Format(espDev, uint32(sectors))
	if err != nil {
		return err
	}
	vendor := strings.ToUpper(bc.Config.EFIVendorDir)
	if err := fatFS.Mkdir("/EFI"); err != nil {
		return err
	}
	if err := fatFS.Mkdir("/EFI/" + vendor); err != nil {
		return err
	}
	if err := fatFS.PutFile("/EFI/"+vendor+"/GRUB.CFG", grubCfg); err != nil {
		return err
	}
	if err := fatFS.PutFile("/GRUB.CFG", grubCfg); err != nil {
		return err
	}
	return root.AddBdevRegion(interpose.RegionESP, esp.StartingLBA, esp.EndingLBA, false, espDev)
}

func earliestUsedEntry(table *gpt.Table) *gpt.Entry {
	var best *gpt.Entry
	for i := range table.Entries {
		e := &table.Entries[i]
		if !e.Used() {
			continue
		}
		if best == nil || e.StartingLBA < best.StartingLBA {
			best = e
		}
	}
	return best
}

// stepLoadShim is S10: validate and measure the staged loader image,
// then load it via the firmware ImageLoader collaborator.
func stepLoadShim(bc *BootContext, deps *Dependencies) (State, error) {
	if _, _, err := tpmboot.AuthenticodePEDigest(bc.LoaderImage); err != nil {
		return Abort, errs.New(errs.Format, "orchestrator.stepLoadShim", err)
	}
	if err := tpmboot.MeasureLoader(bc.Policy, bc.LoaderImage); err != nil {
		return Abort, err
	}
	if deps.Loader != nil {
		handle, err := deps.Loader.Load(deps.LoaderDevicePath, bc.LoaderImage)
		if err != nil {
			return Abort, errs.New(errs.Io, "orchestrator.stepLoadShim", err)
		}
		bc.loaderHandle = handle
	}
	return S11CapPCR, nil
}

// stepCapPCR is S11: extend PCR 11 with the cap marker so no further
// unseal can succeed this boot. A cap that leaves the PCR unchanged
// means the TPM ignored the extend, which must abort the boot.
func stepCapPCR(bc *BootContext, deps *Dependencies) (State, error) {
	before, err := bc.Policy.ReadPCRSHA256(tpmboot.ScenarioPCR)
	if err != nil {
		return Abort, err
	}
	if err := tpmboot.CapScenario(bc.Policy); err != nil {
		return Abort, err
	}
	after, err := bc.Policy.ReadPCRSHA256(tpmboot.ScenarioPCR)
	if err != nil {
		return Abort, err
	}
	if before == after {
		return Abort, errs.New(errs.Invariant, "orchestrator.stepCapPCR", fmt.Errorf("PCR cap failed to change PCR value"))
	}
	return S12Handoff, nil
}
