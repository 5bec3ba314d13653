package main

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/urfave/cli/v2"

	wim "github.com/dargueta/wim"
)

type fileRow struct {
	Path       string `csv:"path"`
	Attributes uint32 `csv:"attributes"`
	Size       uint64 `csv:"size"`
	SHA1       string `csv:"sha1"`
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List the directory tree of an image",
		ArgsUsage: "WIMFILE IMAGE [PATH]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "csv", Usage: "emit CSV with attributes and hashes"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("need WIMFILE and IMAGE")
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
			root := c.Args().Get(2)

			var rows []*fileRow
			err = w.IterateDirTree(img, root, wim.IterateRecursive, func(e *wim.DirEntry) error {
				if !c.Bool("csv") {
					fmt.Println(e.Path)
					return nil
				}
				row := &fileRow{Path: e.Path, Attributes: e.Attributes}
				if len(e.Streams) > 0 {
					row.Size = e.Streams[0].Size
					row.SHA1 = fmt.Sprintf("%x", e.Streams[0].Hash)
				}
				rows = append(rows, row)
				return nil
			})
			if err != nil {
				return err
			}
			if c.Bool("csv") {
				return gocsv.Marshal(rows, os.Stdout)
			}
			return nil
		},
	}
}
