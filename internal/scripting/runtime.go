package scripting

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	requirePkg "github.com/dop251/goja_nodejs/require"

	"github.com/warpdl/warpvault/pkg/logger"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// logPrinter routes console output of scripts to the daemon logger.
type logPrinter struct {
	l    logger.Logger
	name string
}

func (p logPrinter) Log(s string)   { p.l.Info("%s: %s", p.name, s) }
func (p logPrinter) Info(s string)  { p.l.Info("%s: %s", p.name, s) }
func (p logPrinter) Debug(s string) { p.l.Info("%s: %s", p.name, s) }
func (p logPrinter) Warn(s string)  { p.l.Warning("%s: %s", p.name, s) }
func (p logPrinter) Error(s string) { p.l.Error("%s: %s", p.name, s) }

// newRuntime creates a js runtime whose require() resolves modules inside
// dir only and whose console writes to l.
func newRuntime(l logger.Logger, dir, name string) (*goja.Runtime, error) {
	vm := goja.New()

	registry := requirePkg.NewRegistry(requirePkg.WithLoader(dirLoader(dir)))
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(logPrinter{l: l, name: name}))
	registry.Enable(vm)
	console.Enable(vm)

	if err := vm.Set("modalityWeight", modalityWeight); err != nil {
		return nil, err
	}
	if err := vm.Set("priorityForScore", func(score float64) string {
		return vaultlib.PriorityForScore(score).String()
	}); err != nil {
		return nil, err
	}
	return vm, nil
}

// dirLoader loads module sources relative to dir. Paths escaping dir are
// reported as missing.
func dirLoader(dir string) requirePkg.SourceLoader {
	root, _ := filepath.Abs(dir)
	return func(path string) ([]byte, error) {
		p := path
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		p = filepath.Clean(p)
		if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
			return nil, requirePkg.ModuleFileDoesNotExistError
		}
		b, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, requirePkg.ModuleFileDoesNotExistError
			}
			return nil, fmt.Errorf("require %s: %w", path, err)
		}
		return b, nil
	}
}

func modalityWeight(modality string) float64 {
	if w, ok := vaultlib.DefaultModalityWeights[strings.ToUpper(modality)]; ok {
		return w
	}
	return 0.5
}
