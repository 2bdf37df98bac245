// Command lsvmload is the production entry point. It is not much of
// a CLI: it resolves the fixed set of on-disk paths, wires the
// firmware-facing collaborators against real device files and a real
// TPM, and runs the boot orchestrator once. Success transfers
// control to the downstream loader and never returns; failure prints
// a fatal message and exits non-zero so the caller can surface the
// red-on-black screen.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"os"

	efi "github.com/canonical/go-efilib"
	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/linux"
	"go.uber.org/zap"

	"lsvmshim/internal/blockdev"
	"lsvmshim/internal/config"
	"lsvmshim/internal/errs"
	"lsvmshim/internal/firmware"
	"lsvmshim/internal/logx"
	"lsvmshim/internal/orchestrator"
	"lsvmshim/internal/tpmboot"
)

// paths bundles the handful of real filesystem locations this build
// needs to resolve before Run can take over; everything past this
// point is addressed only through blockdev.Bdev/firmware interfaces.
type paths struct {
	config     string
	sealedKeys string
	gpt        string
	bootDevice string
	rootDevice string
	tpmDevice  string
	logFile    string
}

func main() {
	p := paths{}
	flag.StringVar(&p.config, "config", "/lsvmload/lsvmconf", "lsvmconf path")
	flag.StringVar(&p.sealedKeys, "sealedkeys", "/lsvmload/sealedkeys", "TPM sealed-key blob path")
	flag.StringVar(&p.gpt, "gpt", "", "raw GPT header+table image of the physical disk")
	flag.StringVar(&p.bootDevice, "boot-device", "", "path to the LUKS boot partition's backing block device or image")
	flag.StringVar(&p.rootDevice, "root-device", "", "path to the LUKS root partition's backing block device or image")
	flag.StringVar(&p.tpmDevice, "tpm-device", "/dev/tpmrm0", "TPM character device")
	flag.StringVar(&p.logFile, "logfile", "lsvmlog", "on-disk log path")
	flag.Parse()

	if err := run(p); err != nil {
		fmt.Fprintln(os.Stderr, "lsvmload: FATAL:", err)
		os.Exit(1)
	}
}

func run(p paths) error {
	configBytes, err := os.ReadFile(p.config)
	if err != nil {
		return errs.New(errs.Config, "lsvmload.run", err)
	}

	// The orchestrator re-parses config as part of its own init; this
	// early parse only feeds the console log level, so logging is
	// configured before the first state runs.
	consoleLevel := logx.Info
	if cfg, err := config.Parse(bytes.NewReader(configBytes)); err == nil && cfg.LogLevel != "" {
		if lvl, err := logx.ParseLevel(cfg.LogLevel); err == nil {
			consoleLevel = lvl
		}
	}

	logFile, err := os.OpenFile(p.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	logger := logx.New(os.Stderr, logFile, consoleLevel)
	defer logger.Sync()
	sealedKeys, err := os.ReadFile(p.sealedKeys)
	if err != nil {
		return errs.New(errs.Io, "lsvmload.run", err)
	}
	gptBytes, err := os.ReadFile(p.gpt)
	if err != nil {
		return errs.New(errs.Io, "lsvmload.run", err)
	}

	bootRaw, err := blockdev.OpenFileDevice(p.bootDevice, false)
	if err != nil {
		return errs.New(errs.Io, "lsvmload.run", err)
	}
	defer bootRaw.Close()

	var rootRaw *blockdev.FileDevice
	if p.rootDevice != "" {
		rootRaw, err = blockdev.OpenFileDevice(p.rootDevice, true)
		if err != nil {
			return errs.New(errs.Io, "lsvmload.run", err)
		}
		defer rootRaw.Close()
	}

	policy, closePolicy, err := openTPM(p.tpmDevice, logger)
	if err != nil {
		return err
	}
	defer closePolicy()

	originalBlockIO := firmware.NewBlockIOAdapter(bootRaw, bootRaw.NumBlocks())

	deps := orchestrator.Dependencies{
		ConfigBytes:           configBytes,
		SealedKeysBlob:        sealedKeys,
		Policy:                policy,
		BootRawDevice:         bootRaw,
		GPTBytes:              gptBytes,
		OriginalBlockIO:       originalBlockIO,
		Variables:             efiVariables{},
		FirstHardDrivePath:    seedHardDrivePath(),
		BootVolumeSectorCount: bootRaw.NumBlocks(),
		PromptPassphrase:      promptPassphrase,
		DoReboot:              doReboot,
		Logger:                logger,
	}
	if rootRaw != nil {
		deps.RootRawDevice = rootRaw
	}

	if _, err := orchestrator.Run(deps); err != nil {
		return err
	}
	return nil
}

// openTPM connects to the hardware TPM named by device, wrapping it
// as a tpmboot.Policy.
func openTPM(device string, logger *zap.Logger) (tpmboot.Policy, func(), error) {
	tcti, err := linux.OpenDevice(device)
	if err != nil {
		return nil, nil, errs.New(errs.Tpm, "lsvmload.openTPM", err)
	}
	tpm := tpm2.NewTPMContext(tcti)
	dev, err := tpmboot.NewDevice(tpm)
	if err != nil {
		tpm.Close()
		return nil, nil, errs.New(errs.Tpm, "lsvmload.openTPM", err)
	}
	return dev, func() {
		if err := dev.Close(); err != nil {
			logger.Warn("TPM close failed", zap.Error(err))
		}
	}, nil
}

// maxPassphraseLen is the fixed passphrase buffer size; longer input
// terminates the attempt with failure rather than truncating.
const maxPassphraseLen = 63

// promptPassphrase reads a line from stdin, rejecting non-printable
// bytes (ASCII outside 0x20..=0x7E) and anything longer than the
// fixed passphrase buffer.
func promptPassphrase(attempt int) ([]byte, error) {
	fmt.Fprintf(os.Stderr, "Enter boot volume passphrase (attempt %d): ", attempt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = line[:len(line)-1]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	if len(line) > maxPassphraseLen {
		return nil, errs.New(errs.Auth, "lsvmload.promptPassphrase", fmt.Errorf("passphrase exceeds %d characters", maxPassphraseLen))
	}
	for i := 0; i < len(line); i++ {
		if line[i] < 0x20 || line[i] > 0x7E {
			return nil, errs.New(errs.Auth, "lsvmload.promptPassphrase", fmt.Errorf("non-printable byte at offset %d", i))
		}
	}
	return []byte(line), nil
}

// efiVariables adapts the platform's EFI variable store (efivarfs on
// Linux) to the firmware.Variables surface the DBX update path
// writes through.
type efiVariables struct{}

func (efiVariables) Get(name string, guid [16]byte) (uint32, []byte, error) {
	data, attrs, err := efi.ReadVariable(efi.DefaultVarContext, name, efi.GUID(guid))
	if err != nil {
		return 0, nil, errs.New(errs.NotFound, "lsvmload.efiVariables.Get", err)
	}
	return uint32(attrs), data, nil
}

func (efiVariables) Set(name string, guid [16]byte, attrs uint32, data []byte) error {
	if err := efi.WriteVariable(efi.DefaultVarContext, name, efi.GUID(guid), efi.VariableAttributes(attrs), data); err != nil {
		return errs.New(errs.Io, "lsvmload.efiVariables.Set", err)
	}
	return nil
}

// seedHardDrivePath synthesizes the one-node hard-drive device path
// the pseudo-partition patcher clones and edits. A real firmware
// build would capture the first hard drive's installed path instead.
func seedHardDrivePath() firmware.DevicePath {
	return firmware.DevicePath{{Type: 0x04, SubType: 0x01, Data: make([]byte, 24)}}
}

// doReboot performs the warm reset requested after a DBX update is
// absorbed and re-sealed. The real firmware reset-system call is a
// platform service this build does not own; it reports the request
// and stops.
func doReboot() error {
	return errs.New(errs.Unsupported, "lsvmload.doReboot", fmt.Errorf("firmware reset-system call is out of scope for this build"))
}
