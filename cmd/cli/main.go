package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/lxbuild/internal/build"
	"github.com/cochaviz/lxbuild/internal/config"
	"github.com/cochaviz/lxbuild/internal/configurations"
	"github.com/cochaviz/lxbuild/internal/fsutil"
	"github.com/cochaviz/lxbuild/internal/logging"
	"github.com/cochaviz/lxbuild/internal/version"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"

	// exitTeardown signals an orphaned staging volume (EX_SOFTWARE).
	exitTeardown = 70
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.New(logging.FormatText, os.Stderr, &levelVar)
	slog.SetDefault(logger)

	root := newRootCommand(logger, &levelVar, os.Stderr)
	if err := root.Execute(); err != nil {
		os.Exit(exitCode(logger, err))
	}
}

func exitCode(logger *slog.Logger, err error) int {
	var teardown *build.TeardownError
	if errors.As(err, &teardown) {
		logger.Error("staging volume could not be destroyed; manual cleanup required",
			"volume", teardown.Volume,
			"output", teardown.Output,
			"error", err,
		)
		return exitTeardown
	}
	logger.Error("command execution failed", "error", err)
	return 1
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar, logOutput io.Writer) *cobra.Command {
	var (
		logLevel  = defaultLogLevel
		logFormat = defaultLogFormat
	)

	root := &cobra.Command{
		Use:           "lxbuild",
		Short:         "Build LX-brand images from a Linux user-land archive",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Set log format (text, json)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		format, err := logging.ParseFormat(logFormat)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		if format != logging.FormatText {
			// commands hold this pointer, so swapping the value reaches them
			*logger = *logging.New(format, logOutput, levelVar)
		}
		fsutil.SetLogger(logger.With("component", "fsutil"))
		return nil
	}

	root.AddCommand(
		newBuildCommand(logger),
		newDetectCommand(logger),
		newVersionCommand(),
	)
	return root
}

func newBuildCommand(logger *slog.Logger) *cobra.Command {
	var configPath string
	opts := config.Defaults()

	cmd := &cobra.Command{
		Use:   "build",
		Args:  cobra.NoArgs,
		Short: "Build an LX image and its manifest from a tar archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveOptions(cmd, configPath, opts)
			if err != nil {
				return err
			}

			cmdLogger := logger.With("command", "build", "archive", resolved.Archive)
			if err := resolved.Validate(); err != nil {
				return err
			}
			if err := resolved.Verify(); err != nil {
				cmdLogger.Error("preflight checks failed", "error", err)
				return err
			}

			result, err := configurations.Build(resolved, cmdLogger)
			if err != nil {
				return err
			}

			image, err := result.Artifacts.Image.Absolute()
			if err != nil {
				return err
			}
			manifestPath, err := result.Artifacts.Manifest.Absolute()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n========== Output ==========\n\n")
			fmt.Fprintf(out, "filesystem: %s\n", image)
			fmt.Fprintf(out, "manifest: %s\n", manifestPath)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "YAML file with build options; flags take precedence")
	flags.StringVarP(&opts.Archive, "tar", "t", "", "User-land archive to build the image from (required)")
	flags.StringVarP(&opts.Kernel, "kernel", "k", opts.Kernel, "Kernel version advertised to the guest")
	flags.StringVarP(&opts.MinPlatform, "min", "m", opts.MinPlatform, "Minimum platform image required to run the image")
	flags.StringVarP(&opts.Description, "description", "d", opts.Description, "Text appended to the image description")
	flags.StringVarP(&opts.URL, "url", "u", opts.URL, "Documentation URL for the image")
	flags.StringVarP(&opts.ParentVolume, "zfs-parent", "z", "", "Parent dataset of the staging volume (default: derived from the zone name)")
	flags.StringVarP(&opts.ImageName, "image-name", "i", "", "Image name (default: <ID>-<VERSION_ID> from os-release)")
	flags.StringVarP(&opts.OutputDir, "output", "o", opts.OutputDir, "Directory for the image stream and manifest")
	flags.StringVar(&opts.GuestDir, "guest-dir", "", "Directory of guest tooling to install instead of the built-in files")

	return cmd
}

// resolveOptions layers the config file under the flags the user actually
// set.
func resolveOptions(cmd *cobra.Command, configPath string, flagOpts config.Options) (config.Options, error) {
	if strings.TrimSpace(configPath) == "" {
		return flagOpts, nil
	}

	opts, err := config.LoadFile(configPath, config.Defaults())
	if err != nil {
		return config.Options{}, err
	}

	overrides := map[string]func(){
		"tar":         func() { opts.Archive = flagOpts.Archive },
		"kernel":      func() { opts.Kernel = flagOpts.Kernel },
		"min":         func() { opts.MinPlatform = flagOpts.MinPlatform },
		"description": func() { opts.Description = flagOpts.Description },
		"url":         func() { opts.URL = flagOpts.URL },
		"zfs-parent":  func() { opts.ParentVolume = flagOpts.ParentVolume },
		"image-name":  func() { opts.ImageName = flagOpts.ImageName },
		"output":      func() { opts.OutputDir = flagOpts.OutputDir },
		"guest-dir":   func() { opts.GuestDir = flagOpts.GuestDir },
	}
	for name, apply := range overrides {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	return opts, nil
}

func newDetectCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <root>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the distribution family of an unpacked root filesystem",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := strings.TrimSpace(args[0])
			distro, err := configurations.Detect(root)
			if err != nil {
				return err
			}
			logger.Debug("detected distribution", "command", "detect", "root", root, "distro", distro.String())
			fmt.Fprintln(cmd.OutOrStdout(), distro.String())
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Args:  cobra.NoArgs,
		Short: "Print the lxbuild version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
