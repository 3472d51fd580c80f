// Package session implements the single-threaded, event-driven control
// loop: it multiplexes the IPC listen socket, the display server's stderr
// pipe, and every live client socket behind one readiness wait, dispatches
// the wire protocol, and reference-counts sessions that keep the secondary
// display stack alive.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/gswitch/gswitchd/internal/apperr"
	"github.com/gswitch/gswitchd/internal/gpudriver"
	"github.com/gswitch/gswitchd/internal/ipc"
	"github.com/gswitch/gswitchd/internal/kmod"
	"github.com/gswitch/gswitchd/internal/pciutil"
	"github.com/gswitch/gswitchd/internal/power"
	"github.com/gswitch/gswitchd/internal/procsup"
	"github.com/gswitch/gswitchd/internal/xserver"
)

// Policy bundles the configurable shutdown/keep-alive behavior that isn't
// part of the protocol itself.
type Policy struct {
	StopOnExit          bool // stop_secondary once refcount hits zero
	PowerManagementOff  bool // pm-method disabled: never touch the card
	ShutdownDisplayOnly bool // on shutdown, power up display-only instead of off
}

// Loop owns every resource the control loop touches: the listen socket, the
// display-server supervisor, the selected power backend, and the session
// list. None of these are touched from any other goroutine except the thin
// signal-relay below.
type Loop struct {
	log     *slog.Logger
	version string

	ipcSrv  *ipc.Server
	display *xserver.Supervisor
	backend power.Backend
	driver  gpudriver.Descriptor
	busID   pciutil.BusID
	procs   *procsup.Supervisor
	policy  Policy

	sessions []*session
	refcount int
	lastErr  LastError

	savedConfigSpace []byte // config space captured before a driver-unload power-off, for restore on power-on

	fastShutdown  bool
	sigpipeCount  int
	sigCh         chan os.Signal
	selfPipeRead  *os.File
	selfPipeWrite *os.File
}

type session struct {
	conn                  *ipc.Conn
	fd                    int
	countsAgainstRefcount bool
	closed                bool
}

const sigpipeWarnThreshold = 50

// New builds a Loop. The caller is responsible for having already selected
// the power backend and resolved the driver before constructing it.
func New(log *slog.Logger, version string, ipcSrv *ipc.Server, display *xserver.Supervisor, backend power.Backend, driver gpudriver.Descriptor, busID pciutil.BusID, procs *procsup.Supervisor, policy Policy) *Loop {
	return &Loop{
		log:     log,
		version: version,
		ipcSrv:  ipcSrv,
		display: display,
		backend: backend,
		driver:  driver,
		busID:   busID,
		procs:   procs,
		policy:  policy,
	}
}

// Run installs signal relays and blocks until the listen socket is closed
// (by a signal handler) or the readiness wait returns an unrecoverable
// error.
func (l *Loop) Run() error {
	if err := l.installSignals(); err != nil {
		return err
	}
	defer l.teardownSignals()

	listenFD, err := l.ipcSrv.File()
	if err != nil {
		return fmt.Errorf("session: listen fd: %w", err)
	}
	defer listenFD.Close()

	for {
		fds, handlers := l.buildPollSet(int(listenFD.Fd()))

		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("session: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		closed, err := l.dispatch(fds, handlers)
		if err != nil {
			return err
		}
		if closed {
			break
		}

		l.reapClosedSessions()
	}

	return l.shutdown()
}

type handlerKind int

const (
	handlerListen handlerKind = iota
	handlerSignal
	handlerDisplayStderr
	handlerClient
)

type handlerEntry struct {
	kind handlerKind
	idx  int // index into l.sessions, for handlerClient
}

func (l *Loop) buildPollSet(listenFD int) ([]unix.PollFd, []handlerEntry) {
	fds := make([]unix.PollFd, 0, 2+len(l.sessions))
	handlers := make([]handlerEntry, 0, cap(fds))

	fds = append(fds, unix.PollFd{Fd: int32(listenFD), Events: unix.POLLIN})
	handlers = append(handlers, handlerEntry{kind: handlerListen})

	if l.selfPipeRead != nil {
		fds = append(fds, unix.PollFd{Fd: int32(l.selfPipeRead.Fd()), Events: unix.POLLIN})
		handlers = append(handlers, handlerEntry{kind: handlerSignal})
	}

	if stderrFD := l.display.StderrFD(); stderrFD != nil {
		fds = append(fds, unix.PollFd{Fd: int32(stderrFD.Fd()), Events: unix.POLLIN})
		handlers = append(handlers, handlerEntry{kind: handlerDisplayStderr})
	}

	for i, s := range l.sessions {
		if s.closed {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN})
		handlers = append(handlers, handlerEntry{kind: handlerClient, idx: i})
	}

	return fds, handlers
}

// dispatch handles every fd unix.Poll reported ready. It returns closed=true
// once the listen socket has been closed by a signal handler, signaling Run
// to fall into shutdown.
func (l *Loop) dispatch(fds []unix.PollFd, handlers []handlerEntry) (bool, error) {
	for i, pfd := range fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}
		switch handlers[i].kind {
		case handlerListen:
			l.acceptOne()
		case handlerSignal:
			if l.drainSignals() {
				return true, nil
			}
		case handlerDisplayStderr:
			l.drainDisplayStderr()
		case handlerClient:
			l.dispatchClient(handlers[i].idx)
		}
	}
	return false, nil
}

func (l *Loop) acceptOne() {
	conn, err := l.ipcSrv.Accept()
	if err != nil {
		l.log.Warn("accept failed", "error", err)
		return
	}
	f, err := conn.File()
	if err != nil {
		l.log.Warn("accepted connection has no fd", "error", err)
		conn.Close()
		return
	}
	l.sessions = append(l.sessions, &session{conn: conn, fd: int(f.Fd())})
}

func (l *Loop) drainDisplayStderr() {
	stderrFD := l.display.StderrFD()
	if stderrFD == nil {
		return
	}
	buf := make([]byte, 4096)
	n, err := stderrFD.Read(buf)
	if n > 0 {
		for _, line := range strings.Split(strings.TrimRight(string(buf[:n]), "\n"), "\n") {
			sev, advice := xserver.ClassifyLine(line)
			l.logClassifiedLine(line, sev, advice)
		}
	}
	if err != nil {
		// read of zero or a non-retryable error retires the pipe; the
		// display supervisor owns closing its own end on Stop.
		return
	}
}

func (l *Loop) logClassifiedLine(line string, sev xserver.Severity, advice string) {
	switch sev {
	case xserver.SeverityError:
		l.lastErr.Set(apperr.New(apperr.DisplayStartFailed, "[XORG] "+line))
		l.log.Error("xorg error", "line", line)
	case xserver.SeverityWarn:
		if advice != "" {
			l.lastErr.Set(apperr.New(apperr.ConfigInvalid, fmt.Sprintf("you need to change the ConnectedMonitor setting to %s", advice)))
		}
		l.log.Warn("xorg warning", "line", line)
	default:
		l.log.Debug("xorg", "line", line)
	}
}

func (l *Loop) dispatchClient(idx int) {
	s := l.sessions[idx]
	msg, err := s.conn.ReadMessage()
	if err != nil {
		l.closeSession(s)
		return
	}
	l.handleMessage(s, msg)
}

func (l *Loop) handleMessage(s *session, msg string) {
	if msg == "" {
		l.log.Warn("empty request")
		return
	}

	switch msg[0] {
	case 'S':
		l.handleStatus(s)
	case 'F', 'C':
		l.handleSessionRequest(s, msg)
	case 'D':
		l.closeSession(s)
	case 'Q':
		l.handleQuery(s, msg)
	default:
		l.log.Warn("invalid request byte", "byte", msg[0])
	}
}

func (l *Loop) handleStatus(s *session) {
	if err := l.lastErr.Get(); err != nil {
		l.reply(s, fmt.Sprintf("Error (%s): %s", err.Code, err.Message))
		return
	}

	if l.display.PID() != 0 {
		l.reply(s, fmt.Sprintf("Ready (%s). X is active. PID %d. Refcount %d.", l.version, l.display.PID(), l.refcount))
		return
	}

	state := "unknown"
	if l.backend != nil {
		if st, statErr := l.backend.Status(); statErr == nil {
			state = st.String()
		}
	}
	l.reply(s, fmt.Sprintf("Ready (%s). X inactive. Discrete video card is %s.", l.version, state))
}

func (l *Loop) handleSessionRequest(s *session, msg string) {
	tail := strings.TrimSpace(msg[1:])
	needDisplay := !strings.EqualFold(tail, "NoX")

	if err := l.startSecondary(needDisplay); err != nil {
		l.reply(s, fmt.Sprintf("No. %s", err.Message))
		return
	}

	l.reply(s, "Yes. X is active.")
	if !s.countsAgainstRefcount {
		s.countsAgainstRefcount = true
		l.refcount++
	}
}

func (l *Loop) handleQuery(s *session, msg string) {
	key := strings.TrimSpace(strings.TrimPrefix(msg, "Q"))
	var value string
	switch key {
	case "VirtualDisplay":
		value = l.display.Display()
	case "LibraryPath":
		value = l.driver.LibrarySearchPath
	case "Driver":
		value = l.driver.Name
	default:
		l.reply(s, "Unknown key requested.")
		return
	}
	l.reply(s, "Value: "+value)
}

func (l *Loop) reply(s *session, msg string) {
	if err := s.conn.WriteMessage(msg); err != nil {
		l.log.Warn("write failed", "error", err)
		l.closeSession(s)
	}
}

func (l *Loop) closeSession(s *session) {
	if s.closed {
		return
	}
	s.closed = true
	s.conn.Close()
}

// reapClosedSessions drops closed sessions from the slice, decrementing the
// refcount for any that had flipped their counting flag, and invokes
// stop_secondary once the refcount reaches zero under StopOnExit.
func (l *Loop) reapClosedSessions() {
	live := l.sessions[:0]
	droppedToZero := false
	for _, s := range l.sessions {
		if !s.closed {
			live = append(live, s)
			continue
		}
		if s.countsAgainstRefcount {
			l.refcount--
			if l.refcount == 0 {
				droppedToZero = true
			}
		}
	}
	l.sessions = live

	if droppedToZero && l.policy.StopOnExit {
		if err := l.stopSecondary(false); err != nil {
			l.log.Warn("stop_secondary failed", "error", err)
		}
	}
}

// startSecondary implements §4.F start_secondary: power on, reconcile the
// bound driver, and optionally start+probe the display server.
func (l *Loop) startSecondary(needDisplay bool) *apperr.Error {
	if !l.policy.PowerManagementOff && l.backend != nil {
		if err := l.backend.On(); err != nil {
			appErr := apperr.Wrap(apperr.PowerToggleFailed, "could not enable discrete graphics card", err)
			l.lastErr.Set(appErr)
			return appErr
		}
		if l.backend.RequiresDriverUnload() && l.savedConfigSpace != nil {
			if err := pciutil.RestoreConfigSpace(l.busID, l.savedConfigSpace); err != nil {
				l.log.Warn("restore config space failed", "error", err)
			}
			l.savedConfigSpace = nil
		}
	}

	if err := l.reconcileDriver(); err != nil {
		appErr := apperr.Wrap(apperr.ModuleLoad, err.Error(), err)
		l.lastErr.Set(appErr)
		return appErr
	}

	if !needDisplay {
		l.lastErr.Reset()
		return nil
	}

	if err := l.display.Start(); err != nil {
		appErr := apperr.Wrap(apperr.DisplayStartFailed, err.Error(), err)
		l.lastErr.Set(appErr)
		return appErr
	}

	l.lastErr.Reset()
	return nil
}

// reconcileDriver implements §4.F steps 2-3: unload whatever driver is
// currently bound to the card if it isn't the configured one, then load the
// configured driver. A bound driver matching the configured one is left
// alone.
func (l *Loop) reconcileDriver() error {
	current, err := pciutil.CurrentDriver(l.busID)
	if err != nil {
		return fmt.Errorf("session: query bound driver: %w", err)
	}

	if current != "" && !strings.EqualFold(current, l.driver.KernelModuleName) {
		if err := kmod.Unload(current); err != nil {
			return fmt.Errorf("session: unload %s: %w", current, err)
		}
		current = ""
	}

	if current == "" {
		if err := kmod.Load(l.driver.KernelModuleName, nil); err != nil {
			return fmt.Errorf("session: load %s: %w", l.driver.KernelModuleName, err)
		}
	}

	return nil
}

// stopSecondary implements §4.F stop_secondary.
func (l *Loop) stopSecondary(isShutdown bool) error {
	if l.display.PID() != 0 {
		if err := l.display.Stop(l.fastShutdown); err != nil {
			return fmt.Errorf("session: stop display: %w", err)
		}
	}

	if l.backend == nil {
		return nil
	}
	if l.policy.PowerManagementOff && !isShutdown {
		return nil
	}

	if l.backend.RequiresDriverUnload() {
		st, err := l.backend.Status()
		if err != nil || st != power.On {
			return nil
		}

		current, err := pciutil.CurrentDriver(l.busID)
		if err != nil {
			return fmt.Errorf("session: query bound driver: %w", err)
		}
		if current != "" {
			if err := kmod.Unload(current); err != nil {
				return fmt.Errorf("session: unload %s before power-off: %w", current, err)
			}
			current, err = pciutil.CurrentDriver(l.busID)
			if err != nil {
				return fmt.Errorf("session: query bound driver: %w", err)
			}
			if current != "" {
				return fmt.Errorf("session: refusing to power off: %s is still bound", current)
			}
		}

		space, err := pciutil.SaveConfigSpace(l.busID)
		if err != nil {
			l.log.Warn("save config space failed", "error", err)
		} else {
			l.savedConfigSpace = space
		}
	}

	return l.backend.Off()
}

// shutdown closes every session, logs if the refcount didn't reach zero,
// and applies the shutdown power policy.
func (l *Loop) shutdown() error {
	for _, s := range l.sessions {
		l.closeSession(s)
	}
	if l.refcount != 0 {
		l.log.Warn("shutdown with non-zero refcount", "refcount", l.refcount)
	}

	if l.policy.ShutdownDisplayOnly {
		if err := l.startSecondary(true); err != nil {
			l.log.Warn("shutdown power-up failed", "error", err.Message)
		}
		return nil
	}
	return l.stopSecondary(true)
}

// installSignals wires SIGINT/SIGQUIT/SIGTERM/SIGHUP/SIGPIPE/SIGCHLD to a
// self-pipe the poll loop can watch, since a blocking unix.Poll cannot be
// interrupted directly from a Go signal handler. The relay goroutine does
// no business logic: it only turns a channel receive into a pipe byte,
// which is the Go-idiomatic analogue of "signal handlers do only
// signal-safe work".
func (l *Loop) installSignals() error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("session: self-pipe: %w", err)
	}
	l.selfPipeRead = r
	l.selfPipeWrite = w

	l.sigCh = make(chan os.Signal, 16)
	signal.Notify(l.sigCh,
		syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM,
		syscall.SIGHUP, syscall.SIGPIPE, syscall.SIGCHLD)

	go func() {
		for range l.sigCh {
			w.Write([]byte{1})
		}
	}()
	return nil
}

func (l *Loop) teardownSignals() {
	signal.Stop(l.sigCh)
	close(l.sigCh)
	l.selfPipeRead.Close()
	l.selfPipeWrite.Close()
}

// drainSignals consumes the self-pipe bytes and processes any signals that
// arrived since the last poll iteration. It returns true once the listen
// socket should be considered closed (SIGINT/SIGQUIT/SIGTERM received).
func (l *Loop) drainSignals() bool {
	buf := make([]byte, 64)
	l.selfPipeRead.Read(buf)

	closeListener := false
	for {
		select {
		case sig := <-l.sigCh:
			switch sig {
			case syscall.SIGINT, syscall.SIGQUIT:
				closeListener = true
			case syscall.SIGTERM:
				l.fastShutdown = true
				closeListener = true
			case syscall.SIGHUP:
				l.log.Info("SIGHUP received, ignoring")
			case syscall.SIGPIPE:
				l.sigpipeCount++
				if l.sigpipeCount > sigpipeWarnThreshold {
					l.log.Warn("SIGPIPE threshold exceeded", "count", l.sigpipeCount)
				}
			case syscall.SIGCHLD:
				l.procs.ReapAll()
			}
		default:
			if closeListener {
				l.ipcSrv.Close()
			}
			return closeListener
		}
	}
}
