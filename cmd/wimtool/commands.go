package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	wim "github.com/dargueta/wim"
	"github.com/dargueta/wim/compression"
)

func compressionFromName(name string) (compression.Type, error) {
	switch name {
	case "none":
		return compression.TypeNone, nil
	case "xpress":
		return compression.TypeXPress, nil
	case "", "lzx":
		return compression.TypeLZX, nil
	case "lzms":
		return compression.TypeLZMS, nil
	}
	return 0, fmt.Errorf("unknown compression type %q", name)
}

func captureCommand() *cli.Command {
	return &cli.Command{
		Name:      "capture",
		Usage:     "Capture a directory tree as a new WIM file",
		ArgsUsage: "SOURCE WIMFILE [NAME]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "compress", Value: "lzx", Usage: "none, xpress, lzx, or lzms"},
			&cli.BoolFlag{Name: "check", Usage: "include an integrity table"},
			&cli.IntFlag{Name: "threads", Value: 1, Usage: "compressor threads"},
			&cli.StringSliceFlag{Name: "exclude", Usage: "path prefix to exclude (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("need SOURCE and WIMFILE")
			}
			ctype, err := compressionFromName(c.String("compress"))
			if err != nil {
				return err
			}
			w, err := wim.Create(ctype)
			if err != nil {
				return err
			}
			name := c.Args().Get(2)

			config := &wim.CaptureConfig{ExclusionList: c.StringSlice("exclude")}
			if _, err := w.AddImage(&wim.DirScanner{Root: c.Args().Get(0)}, name, config); err != nil {
				return err
			}

			flags := wim.WriteFlag(0)
			if c.Bool("check") {
				flags |= wim.WriteCheckIntegrity
			}
			return w.Write(c.Args().Get(1), wim.AllImages, flags, c.Int("threads"))
		},
	}
}

func applyCommand() *cli.Command {
	return &cli.Command{
		Name:      "apply",
		Usage:     "Extract an image to a directory",
		ArgsUsage: "WIMFILE IMAGE TARGET",
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 {
				return fmt.Errorf("need WIMFILE, IMAGE, and TARGET")
			}
			w, err := wim.Open(c.Args().Get(0), 0)
			if err != nil {
				return err
			}
			defer w.Close()
			img, err := parseImageArg(c.Args().Get(1))
			if err != nil {
				return err
			}
			return w.ExtractImage(img, c.Args().Get(2), 0)
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export an image from one WIM file into another",
		ArgsUsage: "SRCWIM IMAGE DESTWIM [NAME]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "compress", Usage: "recompress with this format"},
			&cli.BoolFlag{Name: "recompress", Usage: "force recompression"},
			&cli.IntFlag{Name: "threads", Value: 1},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 {
				return fmt.Errorf("need SRCWIM, IMAGE, and DESTWIM")
			}
			src, err := wim.Open(c.Args().Get(0), 0)
			if err != nil {
				return err
			}
			defer src.Close()
			img, err := parseImageArg(c.Args().Get(1))
			if err != nil {
				return err
			}

			ctype := src.CompressionType()
			if c.String("compress") != "" {
				ctype, err = compressionFromName(c.String("compress"))
				if err != nil {
					return err
				}
			}
			dst, err := wim.Create(ctype)
			if err != nil {
				return err
			}
			if err := wim.ExportImage(src, img, dst, c.Args().Get(3), ""); err != nil {
				return err
			}

			flags := wim.WriteFlag(0)
			if c.Bool("recompress") || ctype != src.CompressionType() {
				flags |= wim.WriteRecompress
			}
			return dst.Write(c.Args().Get(2), wim.AllImages, flags, c.Int("threads"))
		},
	}
}

func splitCommand() *cli.Command {
	return &cli.Command{
		Name:      "split",
		Usage:     "Split a WIM file into a spanned set",
		ArgsUsage: "WIMFILE BASENAME PARTSIZE",
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 {
				return fmt.Errorf("need WIMFILE, BASENAME, and PARTSIZE")
			}
			w, err := wim.Open(c.Args().Get(0), 0)
			if err != nil {
				return err
			}
			defer w.Close()
			var partSize uint64
			if _, err := fmt.Sscanf(c.Args().Get(2), "%d", &partSize); err != nil {
				return fmt.Errorf("bad part size %q", c.Args().Get(2))
			}
			return w.Split(c.Args().Get(1), partSize, 0)
		},
	}
}

func joinCommand() *cli.Command {
	return &cli.Command{
		Name:      "join",
		Usage:     "Join a spanned set back into one WIM file",
		ArgsUsage: "OUTPUT PART...",
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("need OUTPUT and at least one PART")
			}
			parts := make([]string, 0, c.NArg()-1)
			for i := 1; i < c.NArg(); i++ {
				parts = append(parts, c.Args().Get(i))
			}
			return wim.Join(parts, c.Args().Get(0), 0, 0)
		},
	}
}
