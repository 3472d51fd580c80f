package bridge

import (
	"os"
	"strings"
)

type virtualGL struct{}

func (b *virtualGL) Name() string { return "virtualgl" }

func (b *virtualGL) Available() bool {
	return lookPath("vglrun") && lookPath("vglclient")
}

// Command builds `vglrun -c <compress> -d <display> -ld <ldpath> [options...] -- argv...`,
// and sets VGL_READBACK=pbo unless the caller already overrode it.
func (b *virtualGL) Command(settings Settings, argv []string) (string, []string, []string) {
	fullArgv := []string{
		"vglrun",
		"-c", defaultString(settings.VGLCompress, "proxy"),
		"-d", settings.VirtualDisplay,
		"-ld", settings.LibraryPath,
	}
	if opts := strings.Fields(settings.VGLOptions); len(opts) > 0 {
		fullArgv = append(fullArgv, opts...)
	}
	fullArgv = append(fullArgv, "--")
	fullArgv = append(fullArgv, argv...)

	env := setEnvIfAbsent(nil, "VGL_READBACK", "pbo")
	return "vglrun", fullArgv, env
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func setEnvIfAbsent(env []string, key, value string) []string {
	if env == nil {
		env = append([]string{}, os.Environ()...)
	}
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return env
		}
	}
	return append(env, prefix+value)
}
