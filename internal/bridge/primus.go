package bridge

import (
	"os"
	"strings"
)

type primus struct{}

func (b *primus) Name() string { return "primus" }

// Available always reports true; it looks up no libGL.so.1 and no binary.
// primus itself starts the secondary X server lazily via the
// BUMBLEBEE_SOCKET it's handed.
func (b *primus) Available() bool {
	return true
}

// Command sets the environment primus needs (BUMBLEBEE_SOCKET,
// PRIMUS_DISPLAY, an overlaid LD_LIBRARY_PATH, and PRIMUS_libGLa/libGLd)
// and execs the user's program directly — primus intercepts GL calls via
// LD_PRELOAD-style library ordering, not a wrapper binary.
func (b *primus) Command(settings Settings, argv []string) (string, []string, []string) {
	env := append([]string{}, os.Environ()...)
	env = setEnv(env, "BUMBLEBEE_SOCKET", settings.SocketPath)
	env = setEnvIfAbsent(env, "PRIMUS_DISPLAY", settings.VirtualDisplay)

	ldParts := []string{settings.PrimusLDPath}
	if settings.LibraryPath != "" {
		ldParts = append(ldParts, settings.LibraryPath)
	}
	if cur := os.Getenv("LD_LIBRARY_PATH"); cur != "" {
		ldParts = append(ldParts, cur)
	}
	env = setEnv(env, "LD_LIBRARY_PATH", strings.Join(ldParts, ":"))

	const mesaLibGL = "/usr/$LIB/libGL.so.1:/usr/lib/$LIB/libGL.so.1:" +
		"/usr/$LIB/mesa/libGL.so.1:/usr/lib/$LIB/mesa/libGL.so.1"

	if settings.LibraryPath != "" {
		var perPathLibGL []string
		for _, p := range strings.Split(settings.LibraryPath, ":") {
			if p == "" {
				continue
			}
			perPathLibGL = append(perPathLibGL, p+"/libGL.so.1")
		}
		env = setEnvIfAbsent(env, "PRIMUS_libGLa", strings.Join(perPathLibGL, ":"))
	} else {
		env = setEnvIfAbsent(env, "PRIMUS_libGLa", mesaLibGL)
	}
	env = setEnvIfAbsent(env, "PRIMUS_libGLd", mesaLibGL)

	if len(argv) == 0 {
		return "", nil, env
	}
	return argv[0], argv, env
}
