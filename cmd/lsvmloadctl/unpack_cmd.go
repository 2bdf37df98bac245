package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lsvmshim/internal/blockdev"
	"lsvmshim/internal/luks"
)

func newUnpackCommand() *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "unpack LUKS_IMAGE OUT_FILE",
		Short: "decrypt a LUKS v1 image's payload to a plain file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnpack(cmd, args[0], args[1], passphrase)
		},
	}
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase matching one of the header's enabled key slots")
	cmd.MarkFlagRequired("passphrase")
	return cmd
}

func runUnpack(cmd *cobra.Command, inPath, outPath, passphrase string) error {
	raw, err := blockdev.OpenFileDevice(inPath, true)
	if err != nil {
		return fmt.Errorf("open %s: %w", inPath, err)
	}
	defer raw.Close()

	dev, err := luks.OpenWithPassphrase(raw, []byte(passphrase))
	if err != nil {
		return fmt.Errorf("open LUKS volume: %w", err)
	}
	defer dev.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer out.Close()

	for lba := uint64(0); ; lba++ {
		blk, err := dev.Get(lba)
		if err != nil {
			break
		}
		if _, err := out.Write(blk[:]); err != nil {
			return fmt.Errorf("write %s: %w", outPath, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "unpacked %s to %s (uuid %s)\n", inPath, outPath, dev.Header().UUID)
	return nil
}
