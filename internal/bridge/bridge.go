// Package bridge builds the argv and environment overlay for each
// acceleration bridge (VirtualGL, Primus, or a plain passthrough run) that
// redirects a client program's rendering to the secondary display server.
package bridge

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Settings carries what the bridge needs from the service's Q-query
// responses and the client's own flags.
type Settings struct {
	LibraryPath    string // from "Q LibraryPath"
	VirtualDisplay string // from "Q VirtualDisplay"
	VGLCompress    string // --vgl-compress, default "proxy"
	VGLOptions     string // --vgl-options, space-separated
	PrimusLDPath   string // --primus-ldpath
	SocketPath     string // so primus can lazily request a session itself
}

// Bridge is one interchangeable acceleration mechanism.
type Bridge interface {
	Name() string
	// Available reports whether the bridge's required external binaries
	// can be found on PATH.
	Available() bool
	// Command builds argv and env for running the user's program through
	// this bridge.
	Command(settings Settings, argv []string) (path string, fullArgv []string, env []string)
}

// Ordered is the fixed auto-probe order: primus first, then virtualgl, then
// a bare passthrough that still applies the library-path overlay.
func Ordered() []Bridge {
	return []Bridge{&primus{}, &virtualGL{}, &none{}}
}

// ByName returns the bridge with the given name, or nil.
func ByName(name string) Bridge {
	for _, b := range Ordered() {
		if b.Name() == name {
			return b
		}
	}
	return nil
}

// AutoSelect returns the first available bridge in the fixed order,
// skipping "none" in auto mode (it's the always-true tail, reserved for an
// explicit choice) — matching the original's "no bridge found" rejection
// when nothing else probes available.
func AutoSelect() (Bridge, error) {
	for _, b := range Ordered() {
		if b.Name() == "none" {
			continue
		}
		if b.Available() {
			return b, nil
		}
	}
	return nil, fmt.Errorf("bridge: no bridge found, try installing primus or virtualgl")
}

func lookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func overlayLDPath(prefix string) []string {
	env := os.Environ()
	if prefix == "" {
		return env
	}
	const key = "LD_LIBRARY_PATH="
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, key) {
			out = append(out, key+prefix+":"+kv[len(key):])
			found = true
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, key+prefix)
	}
	return out
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
