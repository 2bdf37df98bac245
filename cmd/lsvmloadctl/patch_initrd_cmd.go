package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lsvmshim/internal/initrd"
)

func newPatchInitrdCommand() *cobra.Command {
	var bootKeyHex, rootKeyHex string
	cmd := &cobra.Command{
		Use:   "patch-initrd IN_FILE OUT_FILE",
		Short: "inject boot/root keys into a standalone multi-segment initrd",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatchInitrd(args[0], args[1], []byte(bootKeyHex), []byte(rootKeyHex))
		},
	}
	cmd.Flags().StringVar(&bootKeyHex, "boot-key", "", "boot volume key material to inject at etc/lsvmload/bootkey")
	cmd.Flags().StringVar(&rootKeyHex, "root-key", "", "root volume key material to inject at etc/lsvmload/rootkey")
	cmd.MarkFlagRequired("boot-key")
	cmd.MarkFlagRequired("root-key")
	return cmd
}

func runPatchInitrd(inPath, outPath string, bootKey, rootKey []byte) error {
	raw, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", inPath, err)
	}
	patched, err := initrd.PatchStream(raw, bootKey, rootKey)
	if err != nil {
		return fmt.Errorf("patch initrd: %w", err)
	}
	if err := os.WriteFile(outPath, patched, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	return nil
}
