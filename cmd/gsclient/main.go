// Command gsclient launches a program on the discrete GPU, brokered
// through gswitchd: it requests a session, fetches the library path and
// virtual display from the service, picks an acceleration bridge, and
// execs the program through it.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gswitch/gswitchd/internal/bridge"
	"github.com/gswitch/gswitchd/internal/config"
	"github.com/gswitch/gswitchd/internal/launchproto"
	"github.com/gswitch/gswitchd/internal/procsup"
)

const dialTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gsclient:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, program, err := config.LoadClient(os.Args, os.Getenv("GSCLIENT_ENV_FILE"))
	if err != nil {
		return err
	}

	client, err := launchproto.Dial(cfg.SocketPath, dialTimeout)
	if err != nil {
		return failsafe(cfg.Failsafe, program, err)
	}
	defer client.Close()

	if cfg.Status {
		status, err := client.Status()
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	}

	if len(program) == 0 {
		return fmt.Errorf("gsclient: no program given to run")
	}

	res, err := client.RequestSession(!cfg.NoXorg)
	if err != nil {
		return failsafe(cfg.Failsafe, program, err)
	}
	if !res.Granted {
		return failsafe(cfg.Failsafe, program, fmt.Errorf("session denied: %s", res.Reason))
	}

	settings, err := client.FetchSettings()
	if err != nil {
		return err
	}

	b, err := selectBridge(cfg)
	if err != nil {
		return err
	}

	bridgeSettings := bridge.Settings{
		LibraryPath:    overrideString(settings.LibraryPath, cfg.LDPath),
		VirtualDisplay: settings.VirtualDisplay,
		VGLCompress:    cfg.VGLCompress,
		VGLOptions:     cfg.VGLOptions,
		PrimusLDPath:   cfg.PrimusLDPath,
		SocketPath:     cfg.SocketPath,
	}

	path, argv, env := b.Command(bridgeSettings, program)
	if path == "" {
		return fmt.Errorf("gsclient: bridge %s produced no command", b.Name())
	}

	// client.Done() is not reached on success: ExecReplaceEnv replaces this
	// process image, so gswitchd learns the session ended when the socket
	// closes on process exit, exactly as the original relied on exec never
	// returning.
	procsup.ExecReplaceEnv(argv, env)
	return fmt.Errorf("gsclient: exec %s failed unexpectedly", path)
}

func selectBridge(cfg config.Client) (bridge.Bridge, error) {
	if cfg.Bridge == "" || cfg.Bridge == "auto" {
		return bridge.AutoSelect()
	}
	b := bridge.ByName(cfg.Bridge)
	if b == nil {
		return nil, fmt.Errorf("gsclient: unknown bridge %q", cfg.Bridge)
	}
	return b, nil
}

func overrideString(value, override string) string {
	if override != "" {
		return override
	}
	return value
}

// failsafe runs the program directly, bypassing gswitchd entirely, when the
// service is unreachable or refuses the session and --failsafe (the
// default) is set; otherwise it surfaces the original error.
func failsafe(enabled bool, program []string, cause error) error {
	if !enabled || len(program) == 0 {
		return cause
	}
	procsup.ExecReplace(program)
	return cause
}
