// Package procman implements §4.7: starting handler and logger processes,
// reaping them, enforcing per-process timeouts, and propagating the status
// of a self-test child. It is grounded on original_source/src/progman.c.
//
// Two points where the Go rendition necessarily departs from the C original
// are documented in DESIGN.md: loggers are goroutines pumping lines from an
// os.Pipe rather than forked-but-not-exec'd processes (Go cannot safely
// fork without exec), and close_fds is subsumed by the close-on-exec bit Go
// sets on every descriptor it opens.
package procman

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"

	"github.com/gnu-mirror-unofficial/direvent/internal/diag"
	"github.com/gnu-mirror-unofficial/direvent/internal/envop"
	"github.com/gnu-mirror-unofficial/direvent/internal/wordsplit"
)

// Kind is a process record's type, per §3 "Process record".
type Kind int

const (
	KindHandler Kind = iota
	KindLogger
	KindSelfTest
	KindForeign
)

func (k Kind) String() string {
	switch k {
	case KindHandler:
		return "handler"
	case KindLogger:
		return "logger"
	case KindSelfTest:
		return "self-test"
	case KindForeign:
		return "foreign"
	}
	return "unknown"
}

// Process is one tracked child: {type, pid, start_time, timeout, links}.
type Process struct {
	Kind    Kind
	Pid     int
	Start   time.Time
	Timeout time.Duration
	Loggers [2]*Process // index 0: stdout logger, 1: stderr logger (handler only)
	Master  *Process    // back-link to the handler (logger only)
	done    chan struct{}
}

// Flags are the program-handler flags from §4.2.
type Flags uint8

const (
	NoWait Flags = 1 << iota
	Stdout
	Stderr
	Shell
)

// HandlerSpec is the "Program handler data" record from §3.
type HandlerSpec struct {
	Command string
	Flags   Flags
	UID     uint32
	GIDs    []uint32 // GIDs[0] is the primary gid; the rest are supplementary
	Timeout time.Duration
	Env     *envop.Program
}

// EventInfo carries the per-delivery values used to populate the handler's
// default environment variables (§4.7).
type EventInfo struct {
	File     string
	SysMask  uint32
	SysNames string
	GenMask  uint32
	GenNames string
}

// Manager owns the active and free-pool process lists. Its methods are
// meant to be called only from the main loop goroutine, matching the
// single-threaded cooperative model of §5; the exception is the logger
// goroutines it spawns, which only ever call into the diag sink.
type Manager struct {
	sink        *diag.Sink
	active      []*Process
	free        []*Process
	selfTestPid int

	// ExitCode and Stopped are set once the self-test child (if any) has
	// been reaped; the main loop checks Stopped after each Cleanup call.
	ExitCode int
	Stopped  bool
}

func New(sink *diag.Sink) *Manager {
	return &Manager{sink: sink}
}

func (m *Manager) alloc(kind Kind, pid int, timeout time.Duration) *Process {
	var p *Process
	if n := len(m.free); n > 0 {
		p = m.free[n-1]
		m.free = m.free[:n-1]
		*p = Process{}
	} else {
		p = &Process{}
	}
	p.Kind = kind
	p.Pid = pid
	p.Start = time.Now()
	p.Timeout = timeout
	m.active = append(m.active, p)
	return p
}

func (m *Manager) release(p *Process) {
	for i, q := range m.active {
		if q == p {
			m.active = append(m.active[:i], m.active[i+1:]...)
			break
		}
	}
	m.free = append(m.free, p)
}

func (m *Manager) lookup(pid int) *Process {
	for _, p := range m.active {
		if p.Pid == pid {
			return p
		}
	}
	return nil
}

// SetSelfTest records the pid of an active self-test child; its exit is
// handled specially by Cleanup.
func (m *Manager) SetSelfTest(pid int) { m.selfTestPid = pid }

func (m *Manager) defaultVars(ev EventInfo) []string {
	vars := []string{
		"DIREVENT_FILE=" + ev.File,
		fmt.Sprintf("DIREVENT_SYSEV_CODE=%d", ev.SysMask),
		"DIREVENT_SYSEV_NAME=" + ev.SysNames,
		fmt.Sprintf("DIREVENT_GENEV_CODE=%d", ev.GenMask),
		"DIREVENT_GENEV_NAME=" + ev.GenNames,
	}
	if m.selfTestPid != 0 {
		vars = append(vars, fmt.Sprintf("DIREVENT_SELF_TEST_PID=%d", m.selfTestPid))
	}
	return vars
}

// canSwitchPriv reports whether the current process holds the capabilities
// needed to change uid/gid, so a doomed privilege drop can be diagnosed
// clearly instead of failing deep inside setreuid/setregid.
func canSwitchPriv() bool {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return true // no capability information available; let the syscalls decide
	}
	if err := caps.Load(); err != nil {
		return true
	}
	return caps.Get(capability.EFFECTIVE, capability.CAP_SETUID) &&
		caps.Get(capability.EFFECTIVE, capability.CAP_SETGID)
}

// buildCredential implements switchpriv (progman.c): no-op if uid is 0 or
// already the current uid, else setgroups/setregid/setreuid via the
// exec.Cmd's SysProcAttr.Credential.
func (m *Manager) buildCredential(spec HandlerSpec) (*syscall.Credential, error) {
	if spec.UID == 0 || int(spec.UID) == os.Getuid() {
		return nil, nil
	}
	if !canSwitchPriv() {
		return nil, fmt.Errorf("procman: missing CAP_SETUID/CAP_SETGID to switch to uid %d", spec.UID)
	}
	gid := spec.UID
	if len(spec.GIDs) > 0 {
		gid = spec.GIDs[0]
	}
	return &syscall.Credential{
		Uid:    spec.UID,
		Gid:    gid,
		Groups: spec.GIDs,
	}, nil
}

func (m *Manager) buildEnv(spec HandlerSpec, ev EventInfo, base []string) (*envop.Environ, error) {
	env := envop.NewEnviron(base)
	for _, v := range m.defaultVars(ev) {
		env.Add(v)
	}
	if spec.Env != nil {
		if err := spec.Env.Execute(env); err != nil {
			return nil, err
		}
	}
	return env, nil
}

func (m *Manager) buildArgv(spec HandlerSpec, lookup wordsplit.Lookup) ([]string, error) {
	if spec.Flags&Shell != 0 {
		return wordsplit.ShellWrap(spec.Command, lookup), nil
	}
	return wordsplit.Split(spec.Command, lookup)
}

// startLogger opens a logger process (§4.7): a pipe whose read side is
// pumped, line by line, to the diagnostic sink at prio. It returns the
// write end to hand to the handler child as its stdout or stderr.
func (m *Manager) startLogger(tag string, prio diag.Priority) (*os.File, *Process, error) {
	r, w, err := os.Pipe()
	if err != nil {
		m.sink.Diag(diag.Err, "cannot start logger for %s, pipe failed: %s", tag, err)
		return nil, nil, err
	}
	p := m.alloc(KindLogger, -1, 0)
	done := make(chan struct{})
	p.done = done
	go func() {
		defer close(done)
		defer r.Close()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 512), 64*1024)
		for sc.Scan() {
			m.sink.Diag(prio, "%s", sc.Text())
		}
	}()
	m.sink.Debug(3, "logger for %s started", tag)
	return w, p, nil
}

func killLoggers(files [2]*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// StartHandler runs a handler's command for one event delivery (prog_handler_run).
// dir is the event's directory (the child's working directory); base is the
// daemon's own environment, the basis the handler's environment program
// rewrites.
func (m *Manager) StartHandler(spec HandlerSpec, dir string, ev EventInfo, base []string) error {
	if spec.Command == "" {
		return nil
	}
	m.sink.Debug(1, "starting %s, dir=%s, file=%s", spec.Command, dir, ev.File)

	var loggerFiles [2]*os.File
	var loggerProcs [2]*Process
	if spec.Flags&Stderr != 0 {
		f, p, err := m.startLogger(spec.Command, diag.Err)
		if err != nil {
			return err
		}
		loggerFiles[1], loggerProcs[1] = f, p
	}
	if spec.Flags&Stdout != 0 {
		f, p, err := m.startLogger(spec.Command, diag.Info)
		if err != nil {
			killLoggers(loggerFiles)
			return err
		}
		loggerFiles[0], loggerProcs[0] = f, p
	}

	env, err := m.buildEnv(spec, ev, base)
	if err != nil {
		killLoggers(loggerFiles)
		return err
	}
	argv, err := m.buildArgv(spec, env.Lookup)
	if err != nil {
		killLoggers(loggerFiles)
		return err
	}
	cred, err := m.buildCredential(spec)
	if err != nil {
		killLoggers(loggerFiles)
		return err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env.List()
	if loggerFiles[0] != nil {
		cmd.Stdout = loggerFiles[0]
	}
	if loggerFiles[1] != nil {
		cmd.Stderr = loggerFiles[1]
	}
	if cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	if err := cmd.Start(); err != nil {
		m.sink.Diag(diag.Err, "fork: %s", err)
		killLoggers(loggerFiles)
		return err
	}
	killLoggers(loggerFiles) // parent closes its copy of the write ends immediately

	p := m.alloc(KindHandler, cmd.Process.Pid, spec.Timeout)
	p.Loggers = loggerProcs
	for _, lp := range loggerProcs {
		if lp != nil {
			lp.Master = p
			lp.Timeout = spec.Timeout
		}
	}
	m.sink.Debug(1, "%s running; dir=%s, file=%s, pid=%d", spec.Command, dir, ev.File, p.Pid)

	if spec.Flags&NoWait != 0 {
		return nil
	}

	m.sink.Debug(2, "waiting for %s (%d) to terminate", spec.Command, p.Pid)
	for spec.Timeout > 0 && time.Since(p.Start) < 2*spec.Timeout {
		time.Sleep(time.Second)
		m.Cleanup(true)
		if p.Pid == 0 {
			break
		}
	}
	return nil
}

// StartSelfTest launches the self-test child named by command and records
// its pid (§7, §8 scenario 5).
func (m *Manager) StartSelfTest(command string) error {
	argv, err := wordsplit.Split(command, func(string) (string, bool) { return "", false })
	if err != nil {
		return err
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	m.SetSelfTest(cmd.Process.Pid)
	return nil
}

// Adopt registers a pid the daemon did not start (§3 "foreign"), so
// Cleanup's expected-signal logic also covers it.
func (m *Manager) Adopt(pid int) *Process {
	return m.alloc(KindForeign, pid, 0)
}

func expectedSignals(p *Process, expectTerm bool) map[syscall.Signal]bool {
	set := map[syscall.Signal]bool{}
	if p == nil {
		set[syscall.SIGTERM] = true
		set[syscall.SIGKILL] = true
		return set
	}
	if expectTerm {
		set[syscall.SIGTERM] = true
	}
	return set
}

func debugLevelFor(k Kind) int {
	if k == KindHandler {
		return 1
	}
	return 2
}

func (m *Manager) logStatus(pid int, status unix.WaitStatus, kind Kind, expected map[syscall.Signal]bool) {
	switch {
	case status.Exited():
		if status.ExitStatus() == 0 {
			m.sink.Debug(debugLevelFor(kind), "process %d (%s) exited successfully", pid, kind)
		} else {
			m.sink.Diag(diag.Err, "process %d (%s) failed with status %d", pid, kind, status.ExitStatus())
		}
	case status.Signaled():
		sig := status.Signal()
		prio := diag.Err
		if expected[sig] {
			prio = diag.Debug
		}
		core := ""
		if status.CoreDump() {
			core = " (dumped core)"
		}
		m.sink.Diag(prio, "process %d (%s) terminated on signal %d%s", pid, kind, int(sig), core)
	default:
		m.sink.Diag(diag.Err, "process %d (%s) terminated with unrecognized status", pid, kind)
	}
}

func (m *Manager) handleSelfTestExit(status unix.WaitStatus) {
	expected := map[syscall.Signal]bool{syscall.SIGHUP: true}
	m.logStatus(m.selfTestPid, status, KindSelfTest, expected)
	switch {
	case status.Exited():
		m.ExitCode = status.ExitStatus()
	case status.Signaled() && status.Signal() == syscall.SIGHUP:
		m.ExitCode = 0
	default:
		m.ExitCode = 2
	}
	m.Stopped = true
}

// Cleanup implements process_cleanup(expect_term): repeatedly
// waitpid(-1, WNOHANG) until no more children are immediately reapable.
func (m *Manager) Cleanup(expectTerm bool) {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}
		if pid == m.selfTestPid {
			m.handleSelfTestExit(status)
			continue
		}
		p := m.lookup(pid)
		kind := KindForeign
		if p != nil {
			kind = p.Kind
		}
		m.logStatus(pid, status, kind, expectedSignals(p, expectTerm))
		if p == nil {
			continue
		}
		if p.Kind == KindHandler {
			for _, lp := range p.Loggers {
				if lp != nil {
					lp.Master = nil
				}
			}
		}
		p.Pid = 0
		m.release(p)
	}
	m.reapLoggers()
}

// reapLoggers retires logger records whose pump goroutine has finished
// (the handler closed its stdout/stderr, or the pipe hit EOF). Loggers have
// no real pid to wait on, so this is the Go-side equivalent of reaping
// them.
func (m *Manager) reapLoggers() {
	for i := 0; i < len(m.active); {
		p := m.active[i]
		if p.Kind == KindLogger && p.done != nil {
			select {
			case <-p.done:
				if p.Master != nil {
					for j, lp := range p.Master.Loggers {
						if lp == p {
							p.Master.Loggers[j] = nil
						}
					}
				}
				m.active = append(m.active[:i], m.active[i+1:]...)
				m.free = append(m.free, p)
				continue
			default:
			}
		}
		i++
	}
}

// Timeouts implements process_timeouts: SIGKILLs anything past its
// deadline and returns the minimum positive remaining time across all
// tracked processes, combined with recentExpiry (the recent-creation
// cache's next expiry), for the caller to schedule its next wakeup.
func (m *Manager) Timeouts(recentExpiry time.Duration) time.Duration {
	now := time.Now()
	var wait time.Duration
	for _, p := range m.active {
		if p.Kind == KindLogger || p.Timeout <= 0 {
			continue
		}
		age := now.Sub(p.Start)
		if age >= p.Timeout {
			m.sink.Diag(diag.Err, "process %d timed out", p.Pid)
			unix.Kill(p.Pid, unix.SIGKILL)
			continue
		}
		remaining := p.Timeout - age
		if wait == 0 || remaining < wait {
			wait = remaining
		}
	}
	if recentExpiry > 0 && (wait == 0 || recentExpiry < wait) {
		wait = recentExpiry
	}
	return wait
}
