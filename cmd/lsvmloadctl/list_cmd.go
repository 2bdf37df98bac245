package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"lsvmshim/internal/blockdev"
	"lsvmshim/internal/ext2"
)

func newListCommand() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "list EXT2_IMAGE",
		Short: "list the directory tree of a decrypted EXT2 boot volume image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, args[0], root)
		},
	}
	cmd.Flags().StringVar(&root, "root", "/", "directory to start listing from")
	return cmd
}

func runList(cmd *cobra.Command, imagePath, root string) error {
	dev, err := blockdev.OpenFileDevice(imagePath, true)
	if err != nil {
		return fmt.Errorf("open %s: %w", imagePath, err)
	}
	defer dev.Close()

	fs, err := ext2.Open(dev)
	if err != nil {
		return fmt.Errorf("mount ext2: %w", err)
	}

	paths, err := fs.RecursiveList(root)
	if err != nil {
		return fmt.Errorf("list %s: %w", root, err)
	}
	out := cmd.OutOrStdout()
	for _, p := range paths {
		inoNum, err := fs.StatPath(p)
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		ino, err := fs.LoadInode(inoNum)
		if err != nil {
			return fmt.Errorf("load inode for %s: %w", p, err)
		}
		fmt.Fprintf(out, "%-8s %s\n", humanize.Bytes(ino.Size()), p)
	}
	return nil
}
