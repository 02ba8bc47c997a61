package gap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kamalsaleh/mcp-for-gap/internal/events"
)

const (
	// NoOutput is the sentinel returned for a command that ran without
	// producing any output, so callers can tell "ran, no result" from a
	// framing failure.
	NoOutput = "No output!"

	// initCommand disables the interactive break loop so engine errors
	// surface on stderr instead of suspending the process on a prompt.
	initCommand = `BreakOnError := false;;`

	markerFormat = "___GAP_MCP_MARKER_%d___"

	// noBannerFlag suppresses the startup banner.
	noBannerFlag = "-b"

	quitCommand = "quit;"

	forcedExitWait = 2 * time.Second
)

// Defaults applied when Options leave the corresponding field unset.
const (
	DefaultStartupTimeout = 10 * time.Second
	DefaultStartupQuiet   = 500 * time.Millisecond
	DefaultExecuteTimeout = 120 * time.Second
	DefaultTerminateGrace = 2 * time.Second
)

type drainPhase int

const (
	awaitingSuccessMarker drainPhase = iota
	awaitingErrorMarker
	drainDone
)

// Options configures a session.
type Options struct {
	Executable     string
	Args           []string
	StartupTimeout time.Duration
	StartupQuiet   time.Duration
	ExecuteTimeout time.Duration
	TerminateGrace time.Duration
	Logger         *log.Logger
	Bus            events.Bus
	Tracer         trace.Tracer
	Starter        Starter
}

// Session is one supervised engine process behind a serialized command
// channel. All commands funnel through Execute under a single-flight mutex;
// interleaved writes would cross-consume completion markers.
type Session struct {
	execMu sync.Mutex

	stateMu   sync.Mutex
	handle    Handle
	sessionID string
	lastError string

	machine *machine
	counter atomic.Uint64

	executable     string
	args           []string
	startupTimeout time.Duration
	startupQuiet   time.Duration
	executeTimeout time.Duration
	terminateGrace time.Duration

	starter Starter
	logger  *log.Logger
	bus     events.Bus
	tracer  trace.Tracer
	now     func() time.Time
}

// NewSession creates a session with default dependencies where omitted. The
// engine process is not spawned until Start.
func NewSession(opts Options) (*Session, error) {
	executable := strings.TrimSpace(opts.Executable)
	if executable == "" {
		executable = "gap"
	}

	starter := opts.Starter
	if starter == nil {
		starter = execStarter{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("gapmcp/session")
	}

	session := &Session{
		machine:        newMachine(),
		executable:     executable,
		args:           append([]string{}, opts.Args...),
		startupTimeout: opts.StartupTimeout,
		startupQuiet:   opts.StartupQuiet,
		executeTimeout: opts.ExecuteTimeout,
		terminateGrace: opts.TerminateGrace,
		starter:        starter,
		logger:         logger,
		bus:            opts.Bus,
		tracer:         tracer,
		now:            time.Now,
	}
	if session.startupTimeout <= 0 {
		session.startupTimeout = DefaultStartupTimeout
	}
	if session.startupQuiet <= 0 {
		session.startupQuiet = DefaultStartupQuiet
	}
	if session.executeTimeout <= 0 {
		session.executeTimeout = DefaultExecuteTimeout
	}
	if session.terminateGrace <= 0 {
		session.terminateGrace = DefaultTerminateGrace
	}
	return session, nil
}

// Start spawns the engine process, discards startup chatter, and runs the
// initialization command. Fails with ErrStartup when the executable cannot
// be launched or initialization does not complete.
func (s *Session) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.startLocked(ctx)
}

// Execute runs one command through the marker protocol and returns its
// success text, an *EngineError carrying the engine's error text, or
// ErrChannelBroken when the channel desynchronized. Execution is strictly
// serialized; concurrent callers queue.
func (s *Session) Execute(ctx context.Context, command string) (string, error) {
	if s == nil {
		return "", errors.New("session is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "gap.execute")
	defer span.End()

	if err := rejectCommand(command); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	command = normalizeCommand(command)
	span.SetAttributes(attribute.String("command", truncateAttr(command)))

	if s.machine.Current() == StateTerminated {
		err := fmt.Errorf("%w: session terminated", ErrChannelBroken)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if err := s.machine.Transition(s.ID(), StateExecuting, "command issued"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	started := s.now()
	result, err := s.roundTrip(ctx, command, s.executeTimeout)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))

	if err != nil && errors.Is(err, ErrChannelBroken) {
		s.setLastError(err.Error())
		s.logger.Error("command channel broken", "session_id", s.ID(), "error", err)
		s.publish(events.EventTypeEngineFault, events.SeverityError, err.Error())
		s.terminateLocked(ctx, "channel broken")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if terr := s.machine.Transition(s.ID(), StateReady, "command completed"); terr != nil {
		s.logger.Warn("session state out of sync", "session_id", s.ID(), "error", terr)
	}
	if err != nil {
		s.setLastError(err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetStatus(codes.Ok, "command completed")
	return result, nil
}

// Restart terminates the current process, ignoring errors from an
// already-dead one, and starts a fresh session. Session-scoped engine state
// is lost.
func (s *Session) Restart(ctx context.Context) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "gap.restart")
	defer span.End()

	s.terminateLocked(ctx, "restart requested")
	if err := s.startLocked(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("restart session: %w", err)
	}

	s.logger.Info("engine session restarted", "session_id", s.ID())
	s.publish(events.EventTypeSessionRestarted, events.SeverityWarn, nil)
	span.SetStatus(codes.Ok, "session restarted")
	return nil
}

// Terminate performs a best-effort graceful shutdown: quit command, SIGTERM,
// then SIGKILL after the grace window. Idempotent against a process that has
// already exited.
func (s *Session) Terminate(ctx context.Context) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.terminateLocked(ctx, "terminate requested")
	return nil
}

// Alive reports whether the engine process is currently running. It never
// blocks on an in-flight command.
func (s *Session) Alive() bool {
	if s == nil {
		return false
	}
	handle := s.currentHandle()
	if handle == nil {
		return false
	}
	select {
	case <-handle.Done():
		return false
	default:
		return true
	}
}

// State returns the current lifecycle state without blocking.
func (s *Session) State() State {
	if s == nil {
		return StateNotStarted
	}
	return s.machine.Current()
}

// ID returns the identifier of the current process generation.
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.sessionID
}

// LastError returns the most recent command failure text.
func (s *Session) LastError() string {
	if s == nil {
		return ""
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastError
}

// History returns lifecycle transition records for diagnostics.
func (s *Session) History() []TransitionRecord {
	if s == nil {
		return nil
	}
	return s.machine.History()
}

func (s *Session) startLocked(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "gap.start")
	defer span.End()
	span.SetAttributes(attribute.String("executable", s.executable))

	if err := s.machine.Transition(s.ID(), StateStarting, "start requested"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	args := append([]string{noBannerFlag}, s.args...)
	handle, err := s.starter.Start(ctx, s.executable, args)
	if err != nil {
		_ = s.machine.Transition(s.ID(), StateTerminated, "spawn failed")
		wrapped := fmt.Errorf("%w: spawn %s: %v", ErrStartup, s.executable, err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return wrapped
	}

	generation := uuid.NewString()
	s.stateMu.Lock()
	s.handle = handle
	s.sessionID = generation
	s.lastError = ""
	s.stateMu.Unlock()
	span.SetAttributes(attribute.String("session_id", generation))

	s.drainStartup(ctx, handle)

	if _, err := s.roundTrip(ctx, initCommand, s.startupTimeout); err != nil {
		s.terminateLocked(ctx, "initialization failed")
		wrapped := fmt.Errorf("%w: initialize engine: %v", ErrStartup, err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return wrapped
	}

	if err := s.machine.Transition(generation, StateReady, "engine initialized"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.logger.Info("engine session started",
		"session_id", generation,
		"executable", s.executable,
		"pid", handle.PID(),
	)
	s.publish(events.EventTypeSessionStarted, events.SeverityInfo, s.executable)
	span.SetStatus(codes.Ok, "session started")
	return nil
}

// drainStartup discards chatter on both streams until output has been quiet
// for the configured window or the startup timeout expires.
func (s *Session) drainStartup(ctx context.Context, handle Handle) {
	quiet := time.NewTimer(s.startupQuiet)
	defer quiet.Stop()
	total := time.NewTimer(s.startupTimeout)
	defer total.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-total.C:
			return
		case <-quiet.C:
			return
		case _, ok := <-handle.StdoutLines():
			if !ok {
				return
			}
			resetTimer(quiet, s.startupQuiet)
		case _, ok := <-handle.StderrLines():
			if !ok {
				return
			}
			resetTimer(quiet, s.startupQuiet)
		}
	}
}

// roundTrip performs one marker-framed command exchange. The drain runs as a
// phase machine so the deadline and cancellation compose with both streams.
func (s *Session) roundTrip(ctx context.Context, command string, timeout time.Duration) (string, error) {
	handle := s.currentHandle()
	if handle == nil {
		return "", fmt.Errorf("%w: no engine process", ErrChannelBroken)
	}

	marker := fmt.Sprintf(markerFormat, s.counter.Add(1))

	statements := []string{
		command,
		fmt.Sprintf(`Print("%s\n");`, marker),
		fmt.Sprintf(`Error("%s\n");`, marker),
	}
	for _, statement := range statements {
		if err := handle.WriteLine(statement); err != nil {
			return "", fmt.Errorf("%w: %v", ErrChannelBroken, err)
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var outputLines, errorLines []string
	phase := awaitingSuccessMarker
	for phase != drainDone {
		var stdoutCh, stderrCh <-chan string
		switch phase {
		case awaitingSuccessMarker:
			stdoutCh = handle.StdoutLines()
		case awaitingErrorMarker:
			stderrCh = handle.StderrLines()
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrChannelBroken, ctx.Err())
		case <-deadline.C:
			return "", fmt.Errorf("%w: no completion marker within %s", ErrChannelBroken, timeout)
		case line, ok := <-stdoutCh:
			if !ok {
				return "", fmt.Errorf("%w: stdout closed mid-command", ErrChannelBroken)
			}
			if strings.Contains(line, marker) {
				phase = awaitingErrorMarker
				continue
			}
			outputLines = append(outputLines, scrubLine(line, true))
		case line, ok := <-stderrCh:
			if !ok {
				return "", fmt.Errorf("%w: stderr closed mid-command", ErrChannelBroken)
			}
			if strings.Contains(line, marker) {
				phase = drainDone
				continue
			}
			errorLines = append(errorLines, scrubLine(line, false))
		}
	}

	errText := strings.TrimSpace(strings.Join(errorLines, "\n"))
	if errText != "" {
		return "", &EngineError{Message: errText}
	}
	result := strings.TrimSpace(strings.Join(outputLines, "\n"))
	if result != "" {
		return result, nil
	}
	return NoOutput, nil
}

func (s *Session) terminateLocked(ctx context.Context, reason string) {
	if s.machine.Current() != StateTerminated {
		if err := s.machine.Transition(s.ID(), StateTerminated, reason); err != nil {
			s.logger.Warn("session state out of sync", "session_id", s.ID(), "error", err)
		}
	}

	s.stateMu.Lock()
	handle := s.handle
	s.handle = nil
	s.stateMu.Unlock()
	if handle == nil {
		return
	}

	// Graceful first: the engine exits cleanly on its own quit statement.
	_ = handle.WriteLine(quitCommand)
	_ = handle.CloseStdin()

	if err := handle.Signal(syscall.SIGTERM); err != nil && !isProcessGoneError(err) {
		s.logger.Warn("SIGTERM failed", "pid", handle.PID(), "error", err)
	}

	select {
	case <-handle.Done():
	case <-ctx.Done():
		s.forceKill(handle)
	case <-time.After(s.terminateGrace):
		s.forceKill(handle)
	}

	go discardLines(handle.StdoutLines())
	go discardLines(handle.StderrLines())

	s.logger.Info("engine session terminated", "reason", reason)
	s.publish(events.EventTypeSessionTerminated, events.SeverityInfo, reason)
}

func (s *Session) forceKill(handle Handle) {
	if err := handle.Signal(syscall.SIGKILL); err != nil && !isProcessGoneError(err) {
		s.logger.Warn("SIGKILL failed", "pid", handle.PID(), "error", err)
	}
	select {
	case <-handle.Done():
	case <-time.After(forcedExitWait):
		s.logger.Error("engine process did not exit after SIGKILL", "pid", handle.PID())
	}
}

func (s *Session) currentHandle() Handle {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.handle
}

func (s *Session) setLastError(text string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastError = text
}

func (s *Session) publish(eventType, severity string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      eventType,
		SessionID: s.ID(),
		Payload:   payload,
		Severity:  severity,
	})
}

// rejectCommand refuses inputs that would desynchronize or kill the channel
// outside of supervised restart.
func rejectCommand(command string) error {
	if strings.HasPrefix(command, "?") {
		return &RejectedError{Reason: "interactive help commands are not supported"}
	}
	if strings.HasPrefix(command, "QUIT") || strings.HasPrefix(command, "quit") {
		return &RejectedError{Reason: "this command would terminate the GAP session"}
	}
	return nil
}

// normalizeCommand ensures the command ends with the statement terminator.
func normalizeCommand(command string) string {
	command = strings.TrimSpace(command)
	if !strings.HasSuffix(command, ";") {
		command += ";"
	}
	return command
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

func truncateAttr(value string) string {
	const limit = 256
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
