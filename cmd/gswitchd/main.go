// Command gswitchd arbitrates access to a discrete GPU: it holds the card
// powered down between uses, brings it up (and a secondary X server, if
// needed) on a client's request, and tears it back down when the last
// session releases it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gswitch/gswitchd/internal/config"
	"github.com/gswitch/gswitchd/internal/gpudriver"
	"github.com/gswitch/gswitchd/internal/gslog"
	"github.com/gswitch/gswitchd/internal/ipc"
	"github.com/gswitch/gswitchd/internal/pciutil"
	"github.com/gswitch/gswitchd/internal/power"
	"github.com/gswitch/gswitchd/internal/procsup"
	"github.com/gswitch/gswitchd/internal/session"
	"github.com/gswitch/gswitchd/internal/singleton"
	"github.com/gswitch/gswitchd/internal/telemetry"
	"github.com/gswitch/gswitchd/internal/xserver"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gswitchd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadDaemon(os.Args, os.Getenv("GSWITCHD_ENV_FILE"))
	if err != nil {
		return err
	}

	logCfg := gslog.NewConfig()
	if cfg.Debug {
		logCfg.DefaultLevel = gslog.ParseLevel("debug")
	} else if cfg.Verbose {
		logCfg.DefaultLevel = gslog.ParseLevel("info")
	} else if cfg.Quiet {
		logCfg.DefaultLevel = gslog.ParseLevel("error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telCfg := telemetry.Config{
		Enabled:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName: "gswitchd",
		Version:     version,
	}
	_, shutdownTelemetry, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer shutdownTelemetry(ctx)

	log := gslog.NewSubsystemLogger(gslog.SubsystemSession, logCfg, nil)

	guard, err := singleton.Acquire(cfg.PIDFile)
	if err != nil {
		return err
	}
	defer guard.Release()

	driverLog := gslog.NewSubsystemLogger(gslog.SubsystemDriver, logCfg, nil)
	driver, err := gpudriver.Resolve(driverLog, cfg.Driver)
	if err != nil {
		return fmt.Errorf("resolve GPU driver: %w", err)
	}
	if cfg.DriverModule != "" {
		driver.KernelModuleName = cfg.DriverModule
	}
	if cfg.ModulePath != "" {
		driver.XorgModulePath = cfg.ModulePath
	}

	pciLog := gslog.NewSubsystemLogger(gslog.SubsystemPCI, logCfg, nil)
	vendorID, err := vendorIDFor(driver.Name)
	if err != nil {
		return err
	}
	busID, err := pciutil.FindNth(vendorID, 0)
	if err != nil {
		return fmt.Errorf("locate discrete GPU on PCI bus: %w", err)
	}
	pciLog.Info("located discrete GPU", "bus", busID.String(), "driver", driver.Name)

	integratedID, err := findIntegratedGPU(vendorID)
	if err != nil {
		return fmt.Errorf("locate integrated GPU on PCI bus: %w", err)
	}
	pciLog.Info("located integrated GPU", "bus", integratedID.String())

	powerLog := gslog.NewSubsystemLogger(gslog.SubsystemPower, logCfg, nil)
	backend, err := power.Select(cfg.PMMethod, driver.Name)
	if err != nil {
		powerLog.Warn("no power backend available, power management disabled", "error", err)
	}

	procs := procsup.New()

	xconfPath := xserver.SubstituteDriver(cfg.XConfFile, driver.Name)
	xLog := gslog.NewSubsystemLogger(gslog.SubsystemXorg, logCfg, nil)
	display := xserver.New(xserver.Config{
		Binary:      "/usr/bin/Xorg",
		Display:     cfg.VirtualDisplay,
		ConfigPath:  xconfPath,
		ModulePath:  driver.XorgModulePath,
		LibraryPath: driver.LibrarySearchPath,
		PCIBus:      busID,
	}, xLog, procs)

	ipcLog := gslog.NewSubsystemLogger(gslog.SubsystemIPC, logCfg, nil)
	ipcSrv, err := ipc.Listen(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.SocketPath, err)
	}
	defer ipcSrv.Close()
	ipcLog.Info("listening", "socket", cfg.SocketPath)

	policy := session.Policy{
		StopOnExit:         true,
		PowerManagementOff: backend == nil,
	}

	loop := session.New(log, version, ipcSrv, display, backend, driver, busID, procs, policy)

	// The control loop is deliberately single-threaded (see internal/session);
	// gauges that read its state would need to cross that boundary safely,
	// which isn't worth the synchronization cost for a daemon this small.

	go func() {
		<-ctx.Done()
		ipcSrv.Close()
	}()

	return loop.Run()
}

// vendorIDFor maps a resolved driver name to the PCI vendor ID its card
// enumerates under; both of gswitchd's supported drivers are NVIDIA parts.
func vendorIDFor(driverName string) (uint16, error) {
	switch driverName {
	case "nvidia", "nouveau":
		return 0x10de, nil
	default:
		return 0, fmt.Errorf("vendor lookup: unsupported driver %q", driverName)
	}
}

// vendorIntel is the Intel PCI vendor ID, used to find the integrated GPU on
// the common laptop layout (Intel integrated + NVIDIA discrete).
const vendorIntel = 0x8086

// findIntegratedGPU locates the card that keeps rendering while the
// discrete GPU named by discreteVendorID is powered down: an Intel card
// first, falling back to a second card from discreteVendorID for
// dual-NVIDIA Optimus laptops with no Intel part at all. Neither being
// present is a fatal startup condition.
func findIntegratedGPU(discreteVendorID uint16) (pciutil.BusID, error) {
	if id, err := pciutil.FindNth(vendorIntel, 0); err == nil {
		return id, nil
	}
	if id, err := pciutil.FindNth(discreteVendorID, 1); err == nil {
		return id, nil
	}
	return 0, fmt.Errorf("no integrated video card found")
}
