package gpudriver

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gswitch/gswitchd/internal/kmod"
)

func TestResolveHonorsExplicitConfig(t *testing.T) {
	d, err := Resolve(slog.Default(), "nouveau")
	require.NoError(t, err)
	assert.Equal(t, "nouveau", d.Name)
	assert.Equal(t, "nouveau", d.KernelModuleName)
	assert.Empty(t, d.LibrarySearchPath, "nouveau has no proprietary library path")
}

func TestResolveFallsBackToCompileTimeDefault(t *testing.T) {
	d, err := Resolve(slog.Default(), "")
	require.NoError(t, err)
	assert.Equal(t, Defaults.ProprietaryName, d.Name)
	assert.Equal(t, Defaults.ProprietaryLibraryPath, d.LibrarySearchPath)
}

func TestResolveFallsBackToAlreadyLoadedNouveauWithNoCompileTimeDefault(t *testing.T) {
	prev := CompileTimeDriver
	CompileTimeDriver = ""
	t.Cleanup(func() { CompileTimeDriver = prev })

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nouveau"), 0755))
	kmod.SysModuleRoot = root
	t.Cleanup(func() { kmod.SysModuleRoot = "/sys/module" })

	d, err := Resolve(slog.Default(), "")
	require.NoError(t, err)
	assert.Equal(t, "nouveau", d.Name)
	assert.Empty(t, d.LibrarySearchPath)
}

func TestResolveFallsBackToProbeLoadableProprietary(t *testing.T) {
	prev := CompileTimeDriver
	CompileTimeDriver = ""
	t.Cleanup(func() { CompileTimeDriver = prev })

	root := t.TempDir() // nouveau not present, so IsLoaded("nouveau") is false
	kmod.SysModuleRoot = root
	t.Cleanup(func() { kmod.SysModuleRoot = "/sys/module" })

	kmod.SetRunCommand(func(name string, args ...string) ([]byte, error) {
		if name == "modprobe" && len(args) > 2 && args[2] == Defaults.ProprietaryName {
			return nil, nil
		}
		return nil, os.ErrNotExist
	})
	t.Cleanup(kmod.ResetRunCommand)

	d, err := Resolve(slog.Default(), "")
	require.NoError(t, err)
	assert.Equal(t, Defaults.ProprietaryName, d.Name)
}

func TestResolveErrorsWhenNothingLoadableEitherTier(t *testing.T) {
	prev := CompileTimeDriver
	CompileTimeDriver = ""
	t.Cleanup(func() { CompileTimeDriver = prev })

	root := t.TempDir()
	kmod.SysModuleRoot = root
	t.Cleanup(func() { kmod.SysModuleRoot = "/sys/module" })
	kmod.SetRunCommand(func(string, ...string) ([]byte, error) { return nil, os.ErrNotExist })
	t.Cleanup(kmod.ResetRunCommand)

	_, err := Resolve(slog.Default(), "")
	require.Error(t, err)
	var noDriverErr *NoDriverError
	require.ErrorAs(t, err, &noDriverErr)
}
