package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dargueta/tinyfs"
	"github.com/dargueta/tinyfs/driver"
	"github.com/dargueta/tinyfs/errors"
	c "github.com/dargueta/tinyfs/file_systems/common"
	"github.com/dargueta/tinyfs/utilities/snapshot"
	"github.com/urfave/cli/v2"
)

var csvFlag = &cli.BoolFlag{Name: "csv", Usage: "print CSV instead of a table"}

func modeFlag(defaultMode string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "mode",
		Aliases: []string{"m"},
		Value:   defaultMode,
		Usage:   "permission bits of new objects, in octal",
	}
}

func parseMode(ctx *cli.Context) (os.FileMode, error) {
	mode, err := strconv.ParseUint(ctx.String("mode"), 8, 32)
	if err != nil || os.FileMode(mode)&^os.ModePerm != 0 {
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("bad mode %q: expected octal permission bits", ctx.String("mode")))
	}
	return os.FileMode(mode), nil
}

func requireArgs(ctx *cli.Context, minimum int) error {
	if ctx.NArg() < minimum {
		return cli.Exit(
			fmt.Sprintf("%s: expected at least %d argument(s), got %d", ctx.Command.Name, minimum, ctx.NArg()),
			2)
	}
	return nil
}

// removeExisting deletes the image file so it gets recreated, refusing unless
// `force` is set.
func removeExisting(path string, force bool) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	if info.Size() == 0 {
		return nil
	}
	if !force {
		return errors.ErrExists.WithMessage(
			fmt.Sprintf("image %q already exists; use --force to overwrite it", path))
	}
	if err := os.Remove(path); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (s *session) format(ctx *cli.Context) error {
	if ctx.IsSet("block-size") {
		s.config.BlockSize = ctx.Uint("block-size")
	}
	if ctx.IsSet("inodes") {
		s.config.Inodes = ctx.Uint("inodes")
	}
	if ctx.IsSet("data-blocks") {
		s.config.DataBlocks = ctx.Uint("data-blocks")
	}
	if err := s.config.Validate(); err != nil {
		return err
	}

	if !ctx.Bool("memory") && s.config.Image != "" {
		if err := removeExisting(s.config.Image, ctx.Bool("force")); err != nil {
			return err
		}
	}

	return s.withImage(ctx, false, func(image *driver.Image) error {
		sb, err := image.FileSystem().Superblock()
		if err != nil {
			return err
		}
		fmt.Fprintf(
			ctx.App.Writer,
			"formatted volume %s: %d blocks of %d bytes, %d inodes, %d data blocks\n",
			sb.VolumeID,
			sb.TotalBlocks,
			sb.BlockSize,
			sb.MaxInodes,
			sb.MaxDataBlocks)
		return nil
	})
}

func (s *session) info(ctx *cli.Context) error {
	return s.withImage(ctx, true, func(image *driver.Image) error {
		sb, err := image.FileSystem().Superblock()
		if err != nil {
			return err
		}
		stat, err := image.FSStat()
		if err != nil {
			return err
		}
		return printVolumeInfo(ctx, newVolumeInfoRow(&sb, stat))
	})
}

func (s *session) list(ctx *cli.Context) error {
	path := "/"
	if ctx.NArg() > 0 {
		path = ctx.Args().First()
	}

	return s.withImage(ctx, true, func(image *driver.Image) error {
		stat, err := image.Stat(path)
		if err != nil {
			return err
		}

		var entries []tinyfs.DirectoryEntry
		if stat.IsDir() {
			entries, err = image.ReadDir(path)
			if err != nil {
				return err
			}
		} else {
			entries = []tinyfs.DirectoryEntry{
				tinyfs.NewDirectoryEntry(image.NormalizePath(path), stat),
			}
		}
		return printListing(ctx, entries)
	})
}

func (s *session) stat(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}
	path := ctx.Args().First()

	return s.withImage(ctx, true, func(image *driver.Image) error {
		stat, err := image.Stat(path)
		if err != nil {
			return err
		}
		return printStat(ctx, image.NormalizePath(path), stat)
	})
}

func (s *session) mkdir(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}
	perm, err := parseMode(ctx)
	if err != nil {
		return err
	}

	return s.withImage(ctx, false, func(image *driver.Image) error {
		for _, path := range ctx.Args().Slice() {
			var err error
			if ctx.Bool("parents") {
				err = image.MkdirAll(path, perm)
			} else {
				err = image.Mkdir(path, perm)
			}
			if err != nil {
				return err
			}
			s.logger.Debug("created directory", "path", image.NormalizePath(path))
		}
		return nil
	})
}

func (s *session) rmdir(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	return s.withImage(ctx, false, func(image *driver.Image) error {
		for _, path := range ctx.Args().Slice() {
			stat, err := image.Stat(path)
			if err != nil {
				return err
			}
			if !stat.IsDir() {
				return errors.ErrNotADirectory.WithMessage(image.NormalizePath(path))
			}
			if err = image.Remove(path); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *session) touch(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}
	perm, err := parseMode(ctx)
	if err != nil {
		return err
	}

	return s.withImage(ctx, false, func(image *driver.Image) error {
		now := time.Now()
		for _, path := range ctx.Args().Slice() {
			handle, err := image.OpenFile(path, tinyfs.O_WRONLY|tinyfs.O_CREATE, perm)
			if err != nil {
				if !errors.Is(err, errors.ErrIsADirectory) {
					return err
				}
			} else if err = handle.Close(); err != nil {
				return err
			}

			if err = image.Chtimes(path, now, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *session) cat(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	return s.withImage(ctx, true, func(image *driver.Image) error {
		for _, path := range ctx.Args().Slice() {
			handle, err := image.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(ctx.App.Writer, handle)
			handle.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *session) write(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}
	path := ctx.Args().First()
	perm, err := parseMode(ctx)
	if err != nil {
		return err
	}

	flags := tinyfs.O_WRONLY | tinyfs.O_CREATE
	if ctx.Bool("append") {
		flags |= tinyfs.O_APPEND
	} else {
		flags |= tinyfs.O_TRUNC
	}

	return s.withImage(ctx, false, func(image *driver.Image) error {
		handle, err := image.OpenFile(path, flags, perm)
		if err != nil {
			return err
		}
		defer handle.Close()

		written, err := io.Copy(handle, ctx.App.Reader)
		s.logger.Debug("wrote file", "path", handle.Name(), "bytes", written)
		return err
	})
}

func (s *session) remove(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	return s.withImage(ctx, false, func(image *driver.Image) error {
		for _, path := range ctx.Args().Slice() {
			if ctx.Bool("recursive") {
				if err := image.RemoveAll(path); err != nil {
					return err
				}
				continue
			}

			stat, err := image.Stat(path)
			if err != nil {
				return err
			}
			if stat.IsDir() {
				return errors.ErrIsADirectory.WithMessage(
					fmt.Sprintf("%s: use rmdir or rm -r", image.NormalizePath(path)))
			}
			if err = image.Remove(path); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *session) truncate(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}

	return s.withImage(ctx, false, func(image *driver.Image) error {
		return image.Truncate(ctx.Args().First(), ctx.Int64("size"))
	})
}

func (s *session) check(ctx *cli.Context) error {
	return s.withImage(ctx, true, func(image *driver.Image) error {
		report, err := image.FileSystem().Check()
		if err != nil {
			return err
		}
		if err = printCheckReport(ctx, &report); err != nil {
			return err
		}
		if !report.OK() {
			return cli.Exit(fmt.Sprintf("found %d problem(s)", len(report.Problems)), 3)
		}
		return nil
	})
}

func (s *session) export(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}
	outputPath := ctx.Args().First()

	if ctx.Bool("memory") || s.config.Image == "" {
		return cli.Exit("export needs an image file", 2)
	}

	// Mounting first makes sure we're not exporting garbage.
	return s.withImage(ctx, true, func(image *driver.Image) error {
		output, err := os.Create(outputPath)
		if err != nil {
			return errors.ErrIOFailed.Wrap(err)
		}

		err = snapshot.Export(image.Device(), output)
		if closeErr := output.Close(); err == nil && closeErr != nil {
			err = errors.ErrIOFailed.Wrap(closeErr)
		}
		if err != nil {
			return err
		}

		s.logger.Info("exported image", "image", s.config.Image, "snapshot", outputPath)
		return nil
	})
}

func (s *session) restore(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1); err != nil {
		return err
	}
	if ctx.Bool("memory") || s.config.Image == "" {
		return cli.Exit("import needs an image file", 2)
	}
	if err := removeExisting(s.config.Image, ctx.Bool("force")); err != nil {
		return err
	}

	input, err := os.Open(ctx.Args().First())
	if err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	defer input.Close()

	header, err := snapshot.ReadHeader(input)
	if err != nil {
		return err
	}

	device, err := c.OpenImageFile(
		s.config.Image, uint(header.BlockSize), uint(header.TotalBlocks))
	if err != nil {
		return err
	}
	err = snapshot.Restore(input, header, device)
	if closeErr := device.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(s.config.Image)
		return err
	}

	// Make sure what we restored is actually a volume.
	return s.withImage(ctx, true, func(image *driver.Image) error {
		stat, err := image.FSStat()
		if err != nil {
			return err
		}
		fmt.Fprintf(
			ctx.App.Writer,
			"restored volume with %d data blocks, %d of %d inodes free\n",
			stat.TotalBlocks,
			stat.FilesFree,
			stat.Files)
		return nil
	})
}
