package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/dargueta/tinyfs/config"
	"github.com/dargueta/tinyfs/driver"
	"github.com/urfave/cli/v2"
)

// session carries the settings resolved before a command runs.
type session struct {
	config *config.Config
	logger *slog.Logger
}

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "tinyfs: %s\n", err.Error())
		os.Exit(1)
	}
}

func newApp() *cli.App {
	s := &session{}

	return &cli.App{
		Name:  "tinyfs",
		Usage: "Create and manipulate Tiny File System images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML configuration file (default: $TINYFS_CONFIG_FILE or ~/.config/tinyfs.yaml)",
			},
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Usage:   "path to the image file",
			},
			&cli.BoolFlag{
				Name:  "memory",
				Usage: "use a scratch in-memory image instead of a file; nothing is saved",
			},
			&cli.BoolFlag{
				Name:  "cache",
				Usage: "put a block cache in front of the image",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "one of debug, info, warn, error",
			},
		},
		Before: s.load,
		Commands: []*cli.Command{
			{
				Name:   "format",
				Usage:  "Create a new image, or wipe an existing one",
				Action: s.format,
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "block-size", Usage: "bytes per block"},
					&cli.UintFlag{Name: "inodes", Usage: "number of inodes, including the reserved one"},
					&cli.UintFlag{Name: "data-blocks", Usage: "number of data blocks"},
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite an existing image"},
				},
			},
			{
				Name:   "info",
				Usage:  "Show the geometry and usage of the volume",
				Action: s.info,
				Flags:  []cli.Flag{csvFlag},
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				ArgsUsage: "[PATH]",
				Action:    s.list,
				Flags:     []cli.Flag{csvFlag},
			},
			{
				Name:      "stat",
				Usage:     "Show the attributes of a file or directory",
				ArgsUsage: "PATH",
				Action:    s.stat,
				Flags:     []cli.Flag{csvFlag},
			},
			{
				Name:      "mkdir",
				Usage:     "Create directories",
				ArgsUsage: "PATH...",
				Action:    s.mkdir,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "parents", Aliases: []string{"p"}, Usage: "create missing parents"},
					modeFlag("755"),
				},
			},
			{
				Name:      "rmdir",
				Usage:     "Remove empty directories",
				ArgsUsage: "PATH...",
				Action:    s.rmdir,
			},
			{
				Name:      "touch",
				Usage:     "Create empty files, or update the times of existing ones",
				ArgsUsage: "PATH...",
				Action:    s.touch,
				Flags:     []cli.Flag{modeFlag("644")},
			},
			{
				Name:      "cat",
				Usage:     "Write the contents of files to standard output",
				ArgsUsage: "PATH...",
				Action:    s.cat,
			},
			{
				Name:      "write",
				Usage:     "Copy standard input into a file, creating it if needed",
				ArgsUsage: "PATH",
				Action:    s.write,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "append", Aliases: []string{"a"}, Usage: "append instead of overwriting"},
					modeFlag("644"),
				},
			},
			{
				Name:      "rm",
				Usage:     "Remove files",
				ArgsUsage: "PATH...",
				Action:    s.remove,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "remove directories and their contents"},
				},
			},
			{
				Name:      "truncate",
				Usage:     "Shrink or extend a file",
				ArgsUsage: "PATH",
				Action:    s.truncate,
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "size", Aliases: []string{"s"}, Required: true, Usage: "new size in bytes"},
				},
			},
			{
				Name:   "check",
				Usage:  "Check the bitmaps against the directory tree",
				Action: s.check,
				Flags:  []cli.Flag{csvFlag},
			},
			{
				Name:      "export",
				Usage:     "Save a compressed snapshot of the image",
				ArgsUsage: "OUTPUT",
				Action:    s.export,
			},
			{
				Name:      "import",
				Usage:     "Restore an image from a snapshot",
				ArgsUsage: "SNAPSHOT",
				Action:    s.restore,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "overwrite an existing image"},
				},
			},
		},
	}
}

// load resolves the configuration: file, then environment, then global flags.
func (s *session) load(ctx *cli.Context) error {
	path := ctx.String("config")
	if path == "" {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path, ctx.IsSet("config"))
	if err != nil {
		return err
	}
	if ctx.IsSet("image") {
		cfg.Image = ctx.String("image")
	}
	if ctx.IsSet("cache") {
		cfg.Cache = ctx.Bool("cache")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if err = cfg.Validate(); err != nil {
		return err
	}

	level, _ := cfg.Level()
	s.logger = slog.New(
		slog.NewTextHandler(ctx.App.ErrWriter, &slog.HandlerOptions{Level: level}),
	).With("component", "cli")
	s.config = cfg
	return nil
}

// open mounts the configured image.
func (s *session) open(ctx *cli.Context, readOnly bool) (*driver.Image, error) {
	options := s.config.ImageOptions(s.logger)
	options.ReadOnly = readOnly

	if ctx.Bool("memory") {
		return driver.NewMemoryImage(options)
	}
	if s.config.Image == "" {
		return nil, cli.Exit("no image given; use --image or set TINYFS_IMAGE", 2)
	}
	return driver.OpenImage(s.config.Image, options)
}

// withImage runs `action` on the mounted image and unmounts it afterwards.
func (s *session) withImage(
	ctx *cli.Context, readOnly bool, action func(*driver.Image) error,
) error {
	image, err := s.open(ctx, readOnly)
	if err != nil {
		return err
	}

	actionErr := action(image)
	closeErr := image.Close()
	if actionErr != nil {
		return actionErr
	}
	return closeErr
}
