// Package dump sequences the full dumping pipeline: snapshot the
// target module's header, harvest every section from the live
// process, optionally reconstruct its import table, sanitize its
// exception directory, optionally rebase it, and optionally spin off a
// minidump of the owning process before the caller saves the result.
package dump

import (
	"context"

	"go.uber.org/zap"

	"github.com/atrexus/vulkan/internal/dumperr"
	"github.com/atrexus/vulkan/internal/exception"
	"github.com/atrexus/vulkan/internal/harvest"
	"github.com/atrexus/vulkan/internal/minidump"
	"github.com/atrexus/vulkan/internal/pe"
	"github.com/atrexus/vulkan/internal/process"
	"github.com/atrexus/vulkan/internal/resolver"
)

// NoRebase is the sentinel Options.ImageBase value meaning "leave the
// image base untouched," matching the original's -1 sentinel.
const NoRebase = ^uint64(0)

// Options mirrors the original dumper's options class (SPEC_FULL.md
// §4.7): the module to dump, how aggressively to wait out lazy
// decryption, whether to reconstruct imports, which sections to drop
// entirely, an optional rebase target, and an optional minidump path.
type Options struct {
	ModuleName             string
	TargetDecryptionFactor float32
	ResolveImports         bool
	IgnoreSections         []string
	ImageBase              uint64
	MinidumpPath           string
}

// DefaultOptions returns the original's default_value(): decryption
// factor 1.0, import resolution off, no rebase, no minidump.
func DefaultOptions() Options {
	return Options{TargetDecryptionFactor: 1.0, ImageBase: NoRebase}
}

// Dump runs the full pipeline against proc and returns the
// reconstructed image, ready for Image.SaveToFile. Grounded on
// dumper::dump's static orchestration method.
func Dump(ctx context.Context, proc process.Process, opts Options, token *process.CancelToken, log *zap.SugaredLogger) (*pe.Image, error) {
	modules, err := proc.Modules()
	if err != nil {
		return nil, err
	}

	target, err := findModule(proc, modules, opts.ModuleName)
	if err != nil {
		return nil, err
	}

	log.Debugw("module", "name", target.Name(), "base", target.Base(), "size", target.Size())

	header, err := target.Read(target.Base(), 0x1000)
	if err != nil {
		return nil, err
	}

	img, err := pe.NewFromModule(uint32(target.Size()), header)
	if err != nil {
		return nil, err
	}

	log.Infow("harvesting sections", "targetDecryptionFactor", opts.TargetDecryptionFactor)
	if err := harvest.Harvest(img, target, harvest.Options{IgnoreSections: opts.IgnoreSections}, token, log); err != nil {
		return nil, err
	}

	// SPEC_FULL.md §5: cancellation is only cooperative during Harvest;
	// every stage after it is fast and non-cancellable, and leaves the
	// image in an invalid intermediate state if interrupted. So the
	// token is checked exactly once here — if Ctrl-C fired mid-harvest,
	// the partially captured image is discarded and no file is ever
	// written, matching "partial output is not flushed to disk" (§5)
	// and "Cancelled... Terminal, no file written" (§7).
	if token != nil && token.Requested() {
		log.Warn("cancellation requested during harvest, discarding image")
		return nil, dumperr.Wrap(dumperr.Cancelled, nil)
	}

	if opts.ResolveImports {
		main, err := proc.MainModule()
		if err != nil {
			return nil, err
		}
		if main.Base() != target.Base() {
			log.Warnw("import resolution applies to the main module only, skipping", "module", target.Name())
		} else if err := resolver.ResolveImports(img, target, modules, log); err != nil {
			return nil, err
		}
	}

	exception.Sanitize(img)

	if opts.ImageBase != NoRebase {
		log.Infow("rebasing image", "base", opts.ImageBase)
		img.Rebase(opts.ImageBase)
	}

	if opts.MinidumpPath != "" {
		log.Infow("creating minidump", "path", opts.MinidumpPath)
		if err := minidump.Write(proc, opts.MinidumpPath); err != nil {
			return nil, err
		}
	}

	if err := img.Refresh(); err != nil {
		return nil, err
	}

	return img, nil
}

// findModule resolves opts.ModuleName against proc's loaded modules.
// Per SPEC_FULL.md §4.7/§6, an empty name means "the main module,"
// not a literal empty-string match.
func findModule(proc process.Process, modules []process.Module, name string) (process.Module, error) {
	if name == "" {
		return proc.MainModule()
	}
	for _, m := range modules {
		if m.Name() == name {
			return m, nil
		}
	}
	return nil, dumperr.Wrap(dumperr.NotFound, errModuleNotFound(name))
}

type errModuleNotFound string

func (e errModuleNotFound) Error() string { return "module not found: " + string(e) }
