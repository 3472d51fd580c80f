// Package kmod loads and unloads Linux kernel modules, recursing over
// dependent holders in topological order before unloading the target.
package kmod

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// SysModuleRoot lets tests point module-state lookups at a fixture tree.
var SysModuleRoot = "/sys/module"

// runCommand is overridable by tests so they don't need a real modprobe.
var runCommand = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// SetRunCommand lets tests outside this package fake modprobe/rmmod.
func SetRunCommand(fn func(name string, args ...string) ([]byte, error)) {
	runCommand = fn
}

// ResetRunCommand restores the real modprobe/rmmod exec path.
func ResetRunCommand() {
	runCommand = func(name string, args ...string) ([]byte, error) {
		return exec.Command(name, args...).CombinedOutput()
	}
}

// IsLoaded reports whether a module is currently loaded, via the presence of
// its /sys/module/<name> directory.
func IsLoaded(name string) bool {
	_, err := os.Stat(filepath.Join(SysModuleRoot, name))
	return err == nil
}

// IsAvailable reports whether modprobe believes it can resolve the module
// (it exists in the module tree or an alias maps to it), without loading it.
func IsAvailable(name string) bool {
	_, err := runCommand("modprobe", "--dry-run", "--quiet", name)
	return err == nil
}

// Load loads a module with the given options (rendered as "key=value"
// arguments to modprobe). It is a no-op if the module is already loaded.
func Load(name string, opts map[string]string) error {
	if IsLoaded(name) {
		return nil
	}
	if !IsAvailable(name) {
		return &NotFoundError{Name: name}
	}

	args := []string{name}
	for k, v := range opts {
		args = append(args, fmt.Sprintf("%s=%s", k, v))
	}
	out, err := runCommand("modprobe", args...)
	if err != nil {
		return &LoadError{Name: name, Details: strings.TrimSpace(string(out))}
	}
	return nil
}

// holders returns the modules currently holding a reference into name, read
// from /sys/module/<name>/holders.
func holders(name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(SysModuleRoot, name, "holders"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("kmod: read holders of %q: %w", name, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// refcount reads /sys/module/<name>/refcnt. Modules built without refcounting
// (refcnt absent) are treated as zero.
func refcount(name string) int {
	data, err := os.ReadFile(filepath.Join(SysModuleRoot, name, "refcnt"))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return n
}

// Unload unloads name, first recursively unloading every module that holds a
// reference to it. visited guards against a cycle in the holder graph, which
// should never occur on a real kernel but must not hang forever if it does.
func Unload(name string) error {
	return unload(name, make(map[string]bool))
}

func unload(name string, visited map[string]bool) error {
	if visited[name] {
		return &CycleError{Name: name}
	}
	visited[name] = true

	if !IsLoaded(name) {
		return nil
	}

	held, err := holders(name)
	if err != nil {
		return err
	}
	for _, holder := range held {
		if err := unload(holder, visited); err != nil {
			return fmt.Errorf("kmod: unload holder %q of %q: %w", holder, name, err)
		}
	}

	if rc := refcount(name); rc != 0 {
		return &UnloadBusyError{Name: name, Refcont: rc}
	}

	if _, err := runCommand("rmmod", name); err != nil {
		return &UnloadBusyError{Name: name, Refcont: refcount(name)}
	}
	return nil
}
