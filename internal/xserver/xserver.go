// Package xserver supervises the secondary display-server process: builds
// its argv, forks it with an LD_LIBRARY_PATH overlay, classifies its
// stderr/stdout stream line by line, and probes a connection to the
// display's Unix socket to decide when it has become ready.
package xserver

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gswitch/gswitchd/internal/pciutil"
	"github.com/gswitch/gswitchd/internal/procsup"
)

// Severity classifies one line of Xorg diagnostic output.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// Config describes how to compose and supervise the display-server process.
type Config struct {
	Binary        string // e.g. "/usr/bin/Xorg"
	Display       string // e.g. ":8"
	ConfigPath    string // Xorg config path, DRIVER placeholder already substituted
	ModulePath    string // "-modulepath" value; omitted entirely if empty
	LibraryPath   string // LD_LIBRARY_PATH prefix for the child
	PCIBus        pciutil.BusID
	ReadyTimeout  time.Duration
	PollInterval  time.Duration
}

// DriverPlaceholder is substituted with the configured driver name in the
// Xorg config path before it is used.
const DriverPlaceholder = "DRIVER"

// SubstituteDriver replaces every occurrence of DriverPlaceholder in path
// with driver.
func SubstituteDriver(path, driver string) string {
	return strings.ReplaceAll(path, DriverPlaceholder, driver)
}

// BusArg renders the PCI bus argument Xorg's -isolateDevice flag expects:
// "PCI:bb:ss:o" with decimal bus/slot and octal function.
func BusArg(id pciutil.BusID) string {
	return fmt.Sprintf("PCI:%d:%d:%o", id.Bus(), id.Slot(), id.Func())
}

// Argv composes the display-server command line per the fixed flag set:
// -isolateDevice, -sharevts, -nolisten tcp, -noreset, and an optional
// -modulepath (omitted when ModulePath is empty).
func (c Config) Argv() []string {
	argv := []string{
		c.Binary,
		c.Display,
		"-config", c.ConfigPath,
		"-sharevts",
		"-nolisten", "tcp",
		"-noreset",
		"-isolateDevice", BusArg(c.PCIBus),
	}
	if c.ModulePath != "" {
		argv = append(argv, "-modulepath", c.ModulePath)
	}
	return argv
}

// Supervisor owns the display-server process and its diagnostic pipe for
// the control loop's lifetime.
type Supervisor struct {
	cfg  Config
	log  *slog.Logger
	sup  *procsup.Supervisor
	pid  int
	pipe *os.File // read end of the child's stderr/stdout pipe

	lastAdvice string // "valid display devices are ..." extraction, if any
}

func New(cfg Config, log *slog.Logger, sup *procsup.Supervisor) *Supervisor {
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Supervisor{cfg: cfg, log: log, sup: sup}
}

// Display returns the configured display name (e.g. ":8"), so callers that
// only hold the Supervisor can still answer queries about it.
func (s *Supervisor) Display() string {
	return s.cfg.Display
}

// PID reports the currently supervised pid, 0 if not running.
func (s *Supervisor) PID() int {
	if s.pid != 0 && !s.sup.IsRunning(s.pid) {
		return 0
	}
	return s.pid
}

// StderrFD returns the read end of the diagnostic pipe, for the control
// loop to multiplex alongside the listen socket.
func (s *Supervisor) StderrFD() *os.File { return s.pipe }

// Start forks the display server if not already running and blocks (up to
// ReadyTimeout) probing a raw connection to its display socket. It returns
// nil once the probe succeeds; on failure the process is torn down and an
// error is returned, so the server is never left running after Start fails.
func (s *Supervisor) Start() error {
	if s.pid != 0 && s.sup.IsRunning(s.pid) {
		return nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("xserver: create pipe: %w", err)
	}
	defer w.Close()

	pid, err := s.sup.ForkDetached(s.cfg.Argv(), s.cfg.LibraryPath, w, "xserver")
	if err != nil {
		r.Close()
		return fmt.Errorf("xserver: fork: %w", err)
	}
	s.pid = pid
	s.pipe = r

	s.log.Info("display server starting", "pid", pid, "display", s.cfg.Display)

	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	for time.Now().Before(deadline) {
		s.sup.ReapAll()
		if !s.sup.IsRunning(pid) {
			return fmt.Errorf("xserver: process exited before becoming ready")
		}
		if probeDisplay(s.cfg.Display) {
			s.log.Info("display server ready", "pid", pid, "display", s.cfg.Display)
			return nil
		}
		time.Sleep(s.cfg.PollInterval)
	}

	if s.sup.IsRunning(pid) {
		_ = s.sup.StopWait(pid, false)
	}
	s.pid = 0
	return fmt.Errorf("xserver: unresponsive after %s", s.cfg.ReadyTimeout)
}

// Stop terminates the display server with escalation, per §4.E.
func (s *Supervisor) Stop(fast bool) error {
	if s.pid == 0 {
		return nil
	}
	err := s.sup.StopWait(s.pid, fast)
	s.pid = 0
	if s.pipe != nil {
		s.pipe.Close()
		s.pipe = nil
	}
	return err
}

// probeDisplay attempts a raw TCP-style connection to the X display socket
// path. Xorg listens on a Unix socket under /tmp/.X11-unix/X<n>; dialing it
// is the Go equivalent of XOpenDisplay's handshake-free connect probe.
func probeDisplay(display string) bool {
	n := strings.TrimPrefix(display, ":")
	n = strings.SplitN(n, ".", 2)[0]
	conn, err := net.DialTimeout("unix", fmt.Sprintf("/tmp/.X11-unix/X%s", n), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ClassifyLine inspects one line of Xorg diagnostic output, mirroring the
// original's parse_xorg_output allow-lists, and returns its severity plus
// any "change your ConnectedMonitor setting" advice extracted from an nvidia
// "valid display devices are '...'" line.
func ClassifyLine(line string) (Severity, string) {
	if line == "" || (len(line) == 1 && line[0] == ' ') {
		return SeverityDebug, ""
	}

	if strings.HasPrefix(line, "(EE)") {
		if strings.Contains(line, `Failed to load module "kbd"`) ||
			strings.Contains(line, "No input driver matching") {
			return SeverityDebug, ""
		}
		return SeverityError, ""
	}

	if strings.HasPrefix(line, "(WW)") {
		switch {
		case strings.Contains(line, "trying again"),
			strings.Contains(line, "initial framebuffer"),
			strings.Contains(line, "looking for one"),
			strings.Contains(line, "EDID"),
			strings.Contains(line, `The directory "`),
			strings.Contains(line, "couldn't open module kbd"),
			strings.Contains(line, "No input driver matching"):
			return SeverityDebug, ""
		case strings.Contains(line, "valid display devices are"):
			return SeverityWarn, extractValidDevices(line)
		default:
			return SeverityWarn, ""
		}
	}

	return SeverityDebug, ""
}

// extractValidDevices pulls the single-quoted device list out of an nvidia
// "valid display devices are 'CRT-0, DFP-0'" warning.
func extractValidDevices(line string) string {
	start := strings.IndexByte(line, '\'')
	if start < 0 {
		return ""
	}
	rest := line[start+1:]
	end := strings.IndexByte(rest, '\'')
	if end < 0 {
		return rest
	}
	return rest[:end]
}

// TailClassify reads lines from r until EOF, calling onLine for each with
// its classification. It blocks until r is exhausted, so the control loop
// does not use it; internal/session classifies each pipe read itself.
func TailClassify(r io.Reader, onLine func(line string, sev Severity, advice string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		sev, advice := ClassifyLine(line)
		onLine(line, sev, advice)
	}
	return scanner.Err()
}
