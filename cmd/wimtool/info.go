package main

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"

	wim "github.com/dargueta/wim"
)

type wimInfo struct {
	Path            string      `json:"path"`
	GUID            string      `json:"guid"`
	ImageCount      int         `json:"image_count"`
	BootIndex       int         `json:"boot_index"`
	Compression     string      `json:"compression"`
	ChunkSize       uint32      `json:"chunk_size"`
	PartNumber      int         `json:"part_number"`
	TotalParts      int         `json:"total_parts"`
	Pipable         bool        `json:"pipable"`
	HasIntegrity    bool        `json:"has_integrity_table"`
	Images          []imageInfo `json:"images"`
}

type imageInfo struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Show header and image information for a WIM file",
		ArgsUsage: "WIMFILE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "emit machine-readable JSON"},
		},
		Action: func(c *cli.Context) error {
			w, err := openArg(c, wim.OpenSplitOK)
			if err != nil {
				return err
			}
			defer w.Close()

			part, total := w.PartNumber()
			info := wimInfo{
				Path:         c.Args().Get(0),
				GUID:         w.GUID().String(),
				ImageCount:   w.ImageCount(),
				BootIndex:    w.BootIndex(),
				Compression:  w.CompressionType().String(),
				ChunkSize:    w.ChunkSize(),
				PartNumber:   part,
				TotalParts:   total,
				Pipable:      w.IsPipable(),
				HasIntegrity: w.HasIntegrityTable(),
			}
			for i := 1; i <= w.ImageCount(); i++ {
				info.Images = append(info.Images, imageInfo{
					Index:       i,
					Name:        w.ImageName(i),
					Description: w.ImageDescription(i),
				})
			}

			if c.Bool("json") {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("Path:          %s\n", info.Path)
			fmt.Printf("GUID:          %s\n", info.GUID)
			fmt.Printf("Images:        %d\n", info.ImageCount)
			fmt.Printf("Boot index:    %d\n", info.BootIndex)
			fmt.Printf("Compression:   %s\n", info.Compression)
			fmt.Printf("Chunk size:    %d\n", info.ChunkSize)
			fmt.Printf("Part:          %d/%d\n", info.PartNumber, info.TotalParts)
			fmt.Printf("Pipable:       %v\n", info.Pipable)
			fmt.Printf("Integrity:     %v\n", info.HasIntegrity)
			for _, img := range info.Images {
				fmt.Printf("  [%d] %s\n", img.Index, img.Name)
			}
			return nil
		},
	}
}

func parseImageArg(arg string) (int, error) {
	if arg == "all" {
		return wim.AllImages, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("bad image index %q", arg)
	}
	return n, nil
}
