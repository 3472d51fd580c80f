// Package config parses the daemon and client CLI surfaces, applying
// flag > env > file > default precedence: godotenv loads a .env overlay,
// urfave/cli/v2 parses flags (with EnvVars for the env layer), and an
// optional --config YAML file fills a fixed set of still-unset fields below
// both (see overlayYAMLDefaults and overlayClientYAMLDefaults).
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

// Daemon is gswitchd's resolved configuration.
type Daemon struct {
	SocketPath   string `json:"socket"`
	PIDFile      string `json:"pidfile"`
	Daemonize    bool   `json:"daemon"`
	Group        string `json:"group"`
	XConfFile    string `json:"xconf"`
	XConfDir     string `json:"xconfdir"`
	ModulePath   string `json:"modulePath"`
	Driver       string `json:"driver"`
	DriverModule string `json:"driverModule"`
	PMMethod     string `json:"pmMethod"`
	UseSyslog    bool   `json:"useSyslog"`
	VirtualDisplay string `json:"display"`
	LDPath       string `json:"ldpath"`
	Quiet        bool   `json:"quiet"`
	Verbose      bool   `json:"verbose"`
	Debug        bool   `json:"debug"`
}

// DaemonDefaults mirrors the compile-time defaults baked into the original
// service.
var DaemonDefaults = Daemon{
	SocketPath:     "/var/run/gswitchd.sock",
	PIDFile:        "/var/run/gswitchd.pid",
	XConfFile:      "/etc/gswitchd/xorg.conf.DRIVER",
	ModulePath:     "",
	Driver:         "",
	PMMethod:       "auto",
	VirtualDisplay: ":8",
}

// LoadDaemon parses the service's CLI surface. envFile may be empty to skip
// the .env layer; the YAML layer is read only when --config names a file.
func LoadDaemon(args []string, envFile string) (Daemon, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Daemon{}, fmt.Errorf("config: load env file %s: %w", envFile, err)
		}
	}

	cfg := DaemonDefaults
	var yamlPath string

	app := &cli.App{
		Name:  "gswitchd",
		Usage: "discrete GPU power and session arbitration daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Destination: &yamlPath, Usage: "YAML config file, applied below flags/env"},
			&cli.BoolFlag{Name: "daemon", Destination: &cfg.Daemonize, EnvVars: []string{"GSWITCHD_DAEMON"}},
			&cli.StringFlag{Name: "xconf", Destination: &cfg.XConfFile, Value: cfg.XConfFile, EnvVars: []string{"GSWITCHD_XCONF"}},
			&cli.StringFlag{Name: "xconfdir", Destination: &cfg.XConfDir, EnvVars: []string{"GSWITCHD_XCONFDIR"}},
			&cli.StringFlag{Name: "group", Destination: &cfg.Group, EnvVars: []string{"GSWITCHD_GROUP"}},
			&cli.StringFlag{Name: "module-path", Destination: &cfg.ModulePath, EnvVars: []string{"GSWITCHD_MODULE_PATH"}},
			&cli.StringFlag{Name: "driver", Destination: &cfg.Driver, EnvVars: []string{"GSWITCHD_DRIVER"}},
			&cli.StringFlag{Name: "driver-module", Destination: &cfg.DriverModule, EnvVars: []string{"GSWITCHD_DRIVER_MODULE"}},
			&cli.StringFlag{Name: "pm-method", Destination: &cfg.PMMethod, Value: cfg.PMMethod, EnvVars: []string{"GSWITCHD_PM_METHOD"}},
			&cli.BoolFlag{Name: "use-syslog", Destination: &cfg.UseSyslog, EnvVars: []string{"GSWITCHD_USE_SYSLOG"}},
			&cli.StringFlag{Name: "pidfile", Destination: &cfg.PIDFile, Value: cfg.PIDFile, EnvVars: []string{"GSWITCHD_PIDFILE"}},
			&cli.BoolFlag{Name: "quiet", Destination: &cfg.Quiet, EnvVars: []string{"GSWITCHD_QUIET"}},
			&cli.BoolFlag{Name: "verbose", Destination: &cfg.Verbose, EnvVars: []string{"GSWITCHD_VERBOSE"}},
			&cli.BoolFlag{Name: "debug", Destination: &cfg.Debug, EnvVars: []string{"GSWITCHD_DEBUG"}},
			&cli.StringFlag{Name: "display", Destination: &cfg.VirtualDisplay, Value: cfg.VirtualDisplay, EnvVars: []string{"GSWITCHD_DISPLAY"}},
			&cli.StringFlag{Name: "socket", Destination: &cfg.SocketPath, Value: cfg.SocketPath, EnvVars: []string{"GSWITCHD_SOCKET"}},
			&cli.StringFlag{Name: "ldpath", Destination: &cfg.LDPath, EnvVars: []string{"GSWITCHD_LDPATH"}},
		},
		Action: func(*cli.Context) error { return nil },
	}

	if err := app.Run(args); err != nil {
		return Daemon{}, fmt.Errorf("config: parse flags: %w", err)
	}

	if yamlPath != "" {
		if err := overlayYAMLDefaults(yamlPath, &cfg); err != nil {
			return Daemon{}, err
		}
	}

	return cfg, nil
}

// Client is gsclient's (the launcher's) resolved configuration.
type Client struct {
	SocketPath   string `json:"socket"`
	Status       bool   `json:"status"`
	Bridge       string `json:"bridge"`
	VGLCompress  string `json:"vglCompress"`
	VGLOptions   string `json:"vglOptions"`
	PrimusLDPath string `json:"primusLdpath"`
	Failsafe     bool   `json:"failsafe"`
	NoXorg       bool   `json:"noXorg"`
	LDPath       string `json:"ldpath"`
	Quiet        bool   `json:"quiet"`
	Verbose      bool   `json:"verbose"`
	Debug        bool   `json:"debug"`
}

// ClientDefaults mirrors the launcher's compile-time defaults.
var ClientDefaults = Client{
	SocketPath:  "/var/run/gswitchd.sock",
	Bridge:      "auto",
	VGLCompress: "proxy",
	Failsafe:    true,
}

// LoadClient parses the launcher's CLI surface: everything after "--" in
// args is the user's program and is returned separately so it never gets
// consumed as a flag.
func LoadClient(args []string, envFile string) (Client, []string, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Client{}, nil, fmt.Errorf("config: load env file %s: %w", envFile, err)
		}
	}

	program, flagArgs := splitProgramArgs(args)

	cfg := ClientDefaults
	var yamlPath string
	var noFailsafe bool

	app := &cli.App{
		Name:  "gsclient",
		Usage: "run a program on the discrete GPU via gswitchd",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Destination: &yamlPath},
			&cli.StringFlag{Name: "socket", Destination: &cfg.SocketPath, Value: cfg.SocketPath, EnvVars: []string{"GSWITCHD_SOCKET"}},
			&cli.BoolFlag{Name: "status", Destination: &cfg.Status},
			&cli.StringFlag{Name: "bridge", Destination: &cfg.Bridge, Value: cfg.Bridge, EnvVars: []string{"GSCLIENT_BRIDGE"}},
			&cli.StringFlag{Name: "vgl-compress", Destination: &cfg.VGLCompress, Value: cfg.VGLCompress, EnvVars: []string{"VGL_COMPRESS"}},
			&cli.StringFlag{Name: "vgl-options", Destination: &cfg.VGLOptions, EnvVars: []string{"VGLRUN_OPTIONS"}},
			&cli.StringFlag{Name: "primus-ldpath", Destination: &cfg.PrimusLDPath, EnvVars: []string{"PRIMUS_LD_PATH"}},
			&cli.BoolFlag{Name: "failsafe", Destination: &cfg.Failsafe, Value: cfg.Failsafe},
			&cli.BoolFlag{Name: "no-failsafe", Destination: &noFailsafe},
			&cli.BoolFlag{Name: "no-xorg", Destination: &cfg.NoXorg},
			&cli.StringFlag{Name: "ldpath", Destination: &cfg.LDPath, EnvVars: []string{"GSCLIENT_LDPATH"}},
			&cli.BoolFlag{Name: "quiet", Destination: &cfg.Quiet},
			&cli.BoolFlag{Name: "verbose", Destination: &cfg.Verbose},
			&cli.BoolFlag{Name: "debug", Destination: &cfg.Debug},
		},
		Action: func(*cli.Context) error { return nil },
	}

	if err := app.Run(flagArgs); err != nil {
		return Client{}, nil, fmt.Errorf("config: parse flags: %w", err)
	}
	if noFailsafe {
		cfg.Failsafe = false
	}

	if yamlPath != "" {
		if err := overlayClientYAMLDefaults(yamlPath, &cfg); err != nil {
			return Client{}, nil, err
		}
	}

	return cfg, program, nil
}

// splitProgramArgs separates the launcher's own flags from the user's
// program and its arguments, which start at the first non-flag token (or
// immediately after a literal "--"). The token after a flag that takes a
// value is that flag's value, not the start of the program.
func splitProgramArgs(args []string) (program []string, flagArgs []string) {
	valueFlags := map[string]bool{
		"config": true, "socket": true, "bridge": true, "vgl-compress": true,
		"vgl-options": true, "primus-ldpath": true, "ldpath": true,
	}
	for i := 1; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return args[i+1:], args[:i]
		}
		if a != "" && a[0] != '-' {
			return args[i:], args[:i]
		}
		if valueFlags[strings.TrimLeft(a, "-")] {
			i++
		}
	}
	return nil, args
}

func overlayClientYAMLDefaults(path string, cfg *Client) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fileCfg Client
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Bridge == ClientDefaults.Bridge {
		cfg.Bridge = fileCfg.Bridge
	}
	if cfg.PrimusLDPath == "" {
		cfg.PrimusLDPath = fileCfg.PrimusLDPath
	}
	if cfg.LDPath == "" {
		cfg.LDPath = fileCfg.LDPath
	}
	return nil
}

// overlayYAMLDefaults fills Driver, DriverModule, Group, XConfDir,
// ModulePath and LDPath from the YAML file when they are still empty after
// flags/env, since YAML sits below flags/env in the precedence order: it
// never overwrites a value already set by a flag or an env var. No other
// field is read from the file.
func overlayYAMLDefaults(path string, cfg *Daemon) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fileCfg Daemon
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.Driver == "" {
		cfg.Driver = fileCfg.Driver
	}
	if cfg.DriverModule == "" {
		cfg.DriverModule = fileCfg.DriverModule
	}
	if cfg.Group == "" {
		cfg.Group = fileCfg.Group
	}
	if cfg.XConfDir == "" {
		cfg.XConfDir = fileCfg.XConfDir
	}
	if cfg.ModulePath == "" {
		cfg.ModulePath = fileCfg.ModulePath
	}
	if cfg.LDPath == "" {
		cfg.LDPath = fileCfg.LDPath
	}
	return nil
}
