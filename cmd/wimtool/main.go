package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	wim "github.com/dargueta/wim"
)

// Exit codes: 0 success, 1 library error, 2 usage error.

func main() {
	app := cli.App{
		Name:  "wimtool",
		Usage: "Inspect and manage WIM archive files",
		Commands: []*cli.Command{
			infoCommand(),
			listCommand(),
			verifyCommand(),
			captureCommand(),
			applyCommand(),
			exportCommand(),
			splitCommand(),
			joinCommand(),
			deleteCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if _, ok := err.(wim.WIMError); ok {
			log.Printf("error: %s", err.Error())
			os.Exit(1)
		}
		log.Printf("usage error: %s", err.Error())
		os.Exit(2)
	}
}

func openArg(c *cli.Context, flags wim.OpenFlag) (*wim.WIM, error) {
	if c.NArg() < 1 {
		return nil, fmt.Errorf("missing WIM file argument")
	}
	return wim.Open(c.Args().Get(0), flags)
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Check a WIM file's integrity table",
		ArgsUsage: "WIMFILE",
		Action: func(c *cli.Context) error {
			w, err := openArg(c, wim.OpenCheckIntegrity)
			if err != nil {
				return err
			}
			defer w.Close()
			if !w.HasIntegrityTable() {
				fmt.Println("no integrity table present")
				return nil
			}
			fmt.Println("integrity table OK")
			return nil
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete an image from a WIM file",
		ArgsUsage: "WIMFILE IMAGE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "soft", Usage: "leave the blob data in place"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("need WIMFILE and IMAGE")
			}
			w, err := wim.Open(c.Args().Get(0), wim.OpenWriteAccess)
			if err != nil {
				return err
			}
			defer w.Close()
			img, err := parseImageArg(c.Args().Get(1))
			if err != nil {
				return err
			}
			if err := w.DeleteImage(img); err != nil {
				return err
			}
			flags := wim.WriteFlag(0)
			if c.Bool("soft") {
				flags |= wim.WriteSoftDelete
			}
			return w.Overwrite(flags, 1)
		},
	}
}
