// Command vulkan dumps a protected process's module from memory and
// rebuilds it into a loadable PE image.
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"

	"github.com/atrexus/vulkan/internal/dump"
	"github.com/atrexus/vulkan/internal/dumperr"
	"github.com/atrexus/vulkan/internal/process"
)

var cancelToken process.CancelToken

// consoleCtrlHandler is the callback registerCtrlHandler wires up via
// SetConsoleCtrlHandler, so Ctrl-C/Ctrl-Break requests cooperative
// cancellation instead of killing the process mid-write, mirroring the
// original's console_ctrl_handler.
func consoleCtrlHandler(ctrlType uint32) uintptr {
	const (
		ctrlCEvent     = 0
		ctrlBreakEvent = 1
	)
	if ctrlType == ctrlCEvent || ctrlType == ctrlBreakEvent {
		cancelToken.Cancel()
		return 1
	}
	return 0
}

func registerCtrlHandler() {
	callback := syscall.NewCallback(consoleCtrlHandler)
	if err := windows.SetConsoleCtrlHandler(callback, true); err != nil {
		_ = err // best-effort; absence of a handler just means Ctrl-C kills us immediately
	}
}

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	log := logger.Sugar()

	var (
		processName     string
		moduleName      string
		output          string
		decryptionFactor float32
		resolveImports  bool
		wait            bool
		ignoreSections  []string
		imageBaseHex    string
		minidumpPath    string
		verbose         bool
	)

	root := &cobra.Command{
		Use:     "vulkan",
		Short:   "A dumper for processes protected against direct memory inspection.",
		Long:    "A dumper for processes protected against direct memory inspection.\nFor best results, terminate page decryption once most of the target's pages have decrypted.\nYou can terminate a task with Ctrl+C.",
		Version: "2.0.0",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logger, _ = zap.NewDevelopment()
			} else {
				logger, _ = zap.NewProduction()
			}
			log = logger.Sugar()

			registerCtrlHandler()

			ctx := context.Background()

			var proc process.Process
			var err error
			if wait {
				proc, err = process.WaitForName(ctx, processName, &cancelToken)
			} else {
				proc, err = process.OpenByName(ctx, processName)
			}
			if err != nil {
				log.Errorw("failed to open process", "error", err)
				return err
			}
			defer proc.Close()

			opts := dump.DefaultOptions()
			opts.TargetDecryptionFactor = decryptionFactor
			opts.ResolveImports = resolveImports
			opts.IgnoreSections = ignoreSections
			opts.MinidumpPath = minidumpPath

			if moduleName != "" {
				opts.ModuleName = moduleName
			} else {
				main, err := proc.MainModule()
				if err != nil {
					log.Errorw("failed to resolve main module", "error", err)
					return err
				}
				opts.ModuleName = main.Name()
			}

			if imageBaseHex != "" {
				base, err := parseHex(imageBaseHex)
				if err != nil {
					log.Errorw("invalid image base", "value", imageBaseHex, "error", err)
					return err
				}
				opts.ImageBase = base
			}

			img, err := dump.Dump(ctx, proc, opts, &cancelToken, log)
			if err != nil {
				log.Errorw("dump failed", "error", err)
				return err
			}

			dest := output
			if dest == "" {
				dest = opts.ModuleName
			}

			log.Infow("dumping module", "module", opts.ModuleName, "output", dest)

			if err := img.SaveToFile(dest); err != nil {
				log.Errorw("failed to save image", "error", err)
				return err
			}

			return nil
		},
	}

	flags := root.Flags()
	flags.StringVarP(&processName, "process", "p", "", "the name of the process to dump")
	flags.StringVarP(&moduleName, "module", "m", "", "the name of the module to dump [default: main module]")
	flags.StringVarP(&output, "output", "o", "", "the name of the output file [default: <module>]")
	flags.Float32VarP(&decryptionFactor, "decryption-factor", "d", 1.0, "the decryption factor to use when decrypting the PE")
	flags.BoolVarP(&resolveImports, "resolve-imports", "i", false, "rebuild the import table from scratch")
	flags.BoolVarP(&wait, "wait", "w", false, "wait for the process to start")
	flags.StringSliceVar(&ignoreSections, "ignore-section", nil, "a section name to drop entirely from the output (repeatable)")
	flags.StringVar(&imageBaseHex, "image-base", "", "rebase the image to this hex address before writing")
	flags.StringVar(&minidumpPath, "minidump", "", "also write a minidump of the target process to this path")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")

	root.MarkFlagRequired("process")

	if err := root.Execute(); err != nil {
		kind := dumperr.KindOf(err)
		os.Exit(kind.ExitCode())
	}
}

func parseHex(s string) (uint64, error) {
	s = trimHexPrefix(s)
	var v uint64
	if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
		return 0, err
	}
	return v, nil
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
