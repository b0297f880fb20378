package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mcpanel/internal/console"
	"mcpanel/internal/hub"
	"mcpanel/internal/logging"
	"mcpanel/internal/metrics"
	"mcpanel/internal/protocol"
	"mcpanel/internal/watcher"
)

const (
	defaultReplaySize      = 50
	defaultMonitorInterval = 5 * time.Second
	defaultRestartGrace    = 10 * time.Second
	defaultTPS             = 20.0
	defaultKickReason      = "Kicked by an operator"

	readChunkSize = 32 * 1024
	mailboxSize   = 256
)

var playerName = regexp.MustCompile(`^\w{1,32}$`)

// PropertiesWatcher reports edits to server.properties while a run is live.
type PropertiesWatcher interface {
	Watch(id, dir string, onChange watcher.ChangeFunc) error
	Unwatch(id string)
}

// Options configures a Supervisor. Zero values take defaults.
type Options struct {
	Profile         LaunchProfile
	ServersDir      string
	HistorySize     int
	ReplaySize      int
	MonitorInterval time.Duration
	RestartGrace    time.Duration

	Sampler Sampler
	Command CommandFactory
	Watcher PropertiesWatcher // nil disables reloads

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// LaunchInfo describes a successfully spawned process.
type LaunchInfo struct {
	PID  int    `json:"pid"`
	Port int    `json:"port"`
	Dir  string `json:"serverPath"`
}

// Supervisor owns the game server process. All mutable state lives in the
// actor goroutine; public methods hand it closures through the mailbox.
// Control operations are additionally serialized by control so that a
// restart never interleaves with another start or stop.
type Supervisor struct {
	opts    Options
	hub     *hub.Hub
	decoder *console.Decoder
	log     *zap.Logger
	metrics *metrics.Metrics

	control sync.Mutex

	mailbox   chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	snapshot atomic.Pointer[protocol.ServerStatus]

	// Owned by the actor.
	state   State
	run     *run
	runSeq  uint64
	lastDir string
	history *console.History
	players console.Players
	status  protocol.ServerStatus
}

// run is one spawned process, from Start until its exit is handled.
type run struct {
	id        uint64
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	dir       string
	startedAt time.Time
	userStop  bool

	lines   map[protocol.Origin]*console.LineBuffer
	readers sync.WaitGroup
	cancel  context.CancelFunc
	exited  chan struct{}
}

func (r *run) key() string {
	return "run-" + strconv.FormatUint(r.id, 10)
}

// New starts the supervisor's actor. Call Close to stop it.
func New(h *hub.Hub, opts Options) *Supervisor {
	opts.Profile = opts.Profile.withDefaults()
	if opts.ReplaySize < 0 {
		opts.ReplaySize = 0
	} else if opts.ReplaySize == 0 {
		opts.ReplaySize = defaultReplaySize
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = defaultMonitorInterval
	}
	if opts.RestartGrace <= 0 {
		opts.RestartGrace = defaultRestartGrace
	}
	if opts.Sampler == nil {
		opts.Sampler = HostSampler{}
	}
	if opts.Command == nil {
		opts.Command = JavaCommand
	}

	s := &Supervisor{
		opts:    opts,
		hub:     h,
		decoder: console.NewDecoder(),
		log:     logging.OrNop(opts.Logger).Named("supervisor"),
		metrics: opts.Metrics,
		mailbox: make(chan func(), mailboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		state:   StateStopped,
		history: console.NewHistory(opts.HistorySize),
		players: console.NewPlayers(),
		status: protocol.ServerStatus{
			State:      string(StateStopped),
			Players:    []string{},
			TPS:        defaultTPS,
			Memory:     protocol.MemoryUsage{Max: opts.Profile.MaxMemoryMB()},
			Uptime:     formatUptime(0),
			MaxPlayers: DefaultMaxPlayers,
			Port:       DefaultPort,
		},
	}
	s.commit()
	s.metrics.SetState(string(StateStopped), stateNames())

	go s.loop()
	return s
}

func (s *Supervisor) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the actor and waits for it to finish.
func (s *Supervisor) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case s.mailbox <- task:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post queues fn without waiting. It reports false once the actor is gone.
func (s *Supervisor) post(fn func()) bool {
	select {
	case s.mailbox <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// Start launches the server from launchDir. A relative directory is taken
// relative to the servers directory; an empty one reuses the last launch.
func (s *Supervisor) Start(ctx context.Context, launchDir string) (LaunchInfo, error) {
	s.control.Lock()
	defer s.control.Unlock()

	info, err := s.start(ctx, launchDir)
	s.metrics.RecordControl("start", err)
	return info, err
}

func (s *Supervisor) start(ctx context.Context, launchDir string) (LaunchInfo, error) {
	var (
		info     LaunchInfo
		spawnErr error
	)
	err := s.do(ctx, func() {
		info, spawnErr = s.spawn(launchDir)
	})
	if err != nil {
		return LaunchInfo{}, err
	}
	if spawnErr != nil {
		s.log.Warn("start rejected", zap.String("dir", launchDir), zap.Error(spawnErr))
		return LaunchInfo{}, spawnErr
	}
	s.log.Info("server started",
		zap.String("dir", info.Dir),
		zap.Int("pid", info.PID),
		zap.Int("port", info.Port))
	return info, nil
}

func (s *Supervisor) resolveDir(dir string) string {
	if dir == "" {
		return s.lastDir
	}
	if !filepath.IsAbs(dir) && s.opts.ServersDir != "" {
		dir = filepath.Join(s.opts.ServersDir, dir)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return dir
}

// spawn runs on the actor.
func (s *Supervisor) spawn(launchDir string) (LaunchInfo, error) {
	if s.state != StateStopped {
		return LaunchInfo{}, ErrAlreadyRunning
	}

	dir := s.resolveDir(launchDir)
	if dir == "" {
		return LaunchInfo{}, fmt.Errorf("%w: no launch directory given", ErrLaunchArtifactMissing)
	}
	artifact := filepath.Join(dir, s.opts.Profile.Artifact)
	if fi, err := os.Stat(artifact); err != nil || fi.IsDir() {
		return LaunchInfo{}, fmt.Errorf("%w: %s", ErrLaunchArtifactMissing, artifact)
	}

	props, err := ReadProperties(dir)
	if err != nil {
		s.log.Warn("using default server properties", zap.String("dir", dir), zap.Error(err))
	}

	s.setState(StateStarting)

	cmd := s.opts.Command(dir, s.opts.Profile)
	stdin, stdout, stderr, err := pipes(cmd)
	if err != nil {
		s.setState(StateStopped)
		return LaunchInfo{}, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		s.setState(StateStopped)
		return LaunchInfo{}, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	s.runSeq++
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        s.runSeq,
		cmd:       cmd,
		stdin:     stdin,
		dir:       dir,
		startedAt: time.Now(),
		cancel:    cancel,
		exited:    make(chan struct{}),
		lines: map[protocol.Origin]*console.LineBuffer{
			protocol.OriginStdout: console.NewLineBuffer(),
			protocol.OriginStderr: console.NewLineBuffer(),
		},
	}
	s.run = r
	s.lastDir = dir
	pid := cmd.Process.Pid

	started := r.startedAt.UTC()
	s.players = console.NewPlayers()
	s.status.Running = true
	s.status.PID = pid
	s.status.Port = props.Port
	s.status.MaxPlayers = props.MaxPlayers
	s.status.ServerPath = dir
	s.status.StartedAt = &started
	s.status.LastExitCode = nil
	s.status.Players = []string{}
	s.status.TPS = defaultTPS
	s.status.CPU = 0
	s.status.Memory = protocol.MemoryUsage{Max: s.opts.Profile.MaxMemoryMB()}
	s.status.Uptime = formatUptime(0)
	s.metrics.SetPlayers(0)
	s.metrics.SetTPS(defaultTPS)
	s.setState(StateRunning)

	r.readers.Add(2)
	go s.read(r, stdout, protocol.OriginStdout)
	go s.read(r, stderr, protocol.OriginStderr)
	go s.wait(r)

	go monitor(ctx, s.opts.MonitorInterval, pid, s.opts.Sampler,
		func(smp Sample) { s.post(func() { s.applySample(r, smp) }) },
		func(err error) { s.log.Debug("status sample failed", zap.Error(err)) })

	if s.opts.Watcher != nil {
		err := s.opts.Watcher.Watch(r.key(), dir, func(string) {
			s.post(func() { s.reloadProperties(r) })
		})
		if err != nil {
			s.log.Warn("cannot watch server.properties", zap.String("dir", dir), zap.Error(err))
		}
	}

	s.appendRecord(protocol.OriginSystem,
		fmt.Sprintf("Server starting in %s (pid %d, port %d)", dir, pid, props.Port))
	s.publishStatus()

	return LaunchInfo{PID: pid, Port: props.Port, Dir: dir}, nil
}

func pipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, nil, nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	return stdin, stdout, stderr, nil
}

// read forwards raw chunks of one stream to the actor. It keeps draining
// after the actor is gone so the child never blocks on a full pipe.
func (s *Supervisor) read(r *run, pipe io.Reader, origin protocol.Origin) {
	defer r.readers.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.post(func() { s.handleChunk(r, origin, chunk) })
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Debug("stream read error", zap.String("stream", string(origin)), zap.Error(err))
			}
			return
		}
	}
}

// wait reaps the process once both streams are drained, so every chunk is
// queued on the actor ahead of the exit.
func (s *Supervisor) wait(r *run) {
	r.readers.Wait()
	err := r.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	if !s.post(func() { s.handleExit(r, code) }) {
		r.cancel()
		close(r.exited)
	}
}

func (s *Supervisor) handleChunk(r *run, origin protocol.Origin, chunk []byte) {
	for _, line := range r.lines[origin].Write(chunk) {
		s.handleLine(origin, line)
	}
}

// handleLine decodes, records and parses one complete line.
func (s *Supervisor) handleLine(origin protocol.Origin, raw []byte) {
	d := s.decoder.Decode(raw)
	s.metrics.IncDecoded(d.Encoding, d.Exhausted)

	text := strings.TrimSpace(d.Text)
	if text == "" {
		return
	}
	s.appendRecord(origin, text)

	out := console.Parse(text, s.players)
	if !out.Delta.Empty() {
		s.applyDelta(out.Delta)
	}
	for _, ev := range out.Events {
		s.hub.Publish(ev)
	}
}

func (s *Supervisor) applyDelta(d console.Delta) {
	if d.Add != "" || d.Remove != "" || d.Listed {
		d.Apply(s.players)
		s.status.Players = s.players.Sorted()
		s.metrics.SetPlayers(len(s.players))
	}
	if d.Metric != nil {
		s.status.TPS = *d.Metric
		s.metrics.SetTPS(*d.Metric)
	}
	s.commit()
}

// appendRecord stores a record in history and publishes it.
func (s *Supervisor) appendRecord(origin protocol.Origin, text string) {
	rec := protocol.NewRecord(origin, text)
	s.history.Append(rec)
	s.metrics.IncConsoleLine(string(origin))
	s.hub.Publish(protocol.ConsoleLine{ConsoleRecord: rec})
}

// handleExit runs on the actor after the process is reaped.
func (s *Supervisor) handleExit(r *run, code int) {
	defer close(r.exited)
	if s.run != r {
		return
	}

	for _, origin := range []protocol.Origin{protocol.OriginStdout, protocol.OriginStderr} {
		if rest := r.lines[origin].Flush(); rest != nil {
			s.handleLine(origin, rest)
		}
	}

	r.cancel()
	if s.opts.Watcher != nil {
		s.opts.Watcher.Unwatch(r.key())
	}
	s.run = nil

	s.status.Running = false
	s.status.PID = 0
	s.status.StartedAt = nil
	s.status.LastExitCode = &code
	s.status.CPU = 0
	s.status.Memory.Used = 0
	s.status.Uptime = formatUptime(0)
	s.status.Players = []string{}
	s.status.TPS = defaultTPS
	s.players = console.NewPlayers()
	s.metrics.SetPlayers(0)

	if code != 0 && !r.userStop {
		s.log.Warn("server crashed", zap.Int("exitCode", code), zap.String("dir", r.dir))
		s.setState(StateCrashed)
		s.publishStatus()
	} else {
		s.log.Info("server stopped", zap.Int("exitCode", code), zap.String("dir", r.dir))
	}

	s.setState(StateStopped)
	s.appendRecord(protocol.OriginSystem, fmt.Sprintf("Server stopped (exit code %d)", code))
	s.publishStatus()
}

func (s *Supervisor) applySample(r *run, smp Sample) {
	if s.run != r || s.state != StateRunning {
		return
	}
	s.status.CPU = math.Round(smp.CPU*10) / 10
	s.status.Memory = protocol.MemoryUsage{Used: smp.MemUsedMB, Max: smp.MemTotalMB}
	s.status.Uptime = formatUptime(time.Since(r.startedAt))
	s.publishStatus()
}

func (s *Supervisor) reloadProperties(r *run) {
	if s.run != r {
		return
	}
	props, err := ReadProperties(r.dir)
	if err != nil {
		s.log.Warn("reload server.properties", zap.Error(err))
		return
	}
	if props.MaxPlayers == s.status.MaxPlayers {
		return
	}
	s.log.Info("max players changed", zap.Int("from", s.status.MaxPlayers), zap.Int("to", props.MaxPlayers))
	s.status.MaxPlayers = props.MaxPlayers
	s.publishStatus()
}

func (s *Supervisor) setState(st State) {
	if st != s.state && !CanTransition(s.state, st) {
		s.log.Warn("unexpected state transition", zap.Stringer("from", s.state), zap.Stringer("to", st))
	}
	s.state = st
	s.status.State = string(st)
	s.metrics.SetState(string(st), stateNames())
	s.commit()
}

// commit publishes the status for lock-free readers.
func (s *Supervisor) commit() {
	snap := s.status.Clone()
	s.snapshot.Store(&snap)
}

func (s *Supervisor) publishStatus() {
	s.commit()
	s.hub.Publish(s.status.Clone())
}

// Stop asks the server to shut down and returns without waiting for it.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.control.Lock()
	defer s.control.Unlock()

	err := s.stop(ctx)
	s.metrics.RecordControl("stop", err)
	return err
}

func (s *Supervisor) stop(ctx context.Context) error {
	var stopErr error
	if err := s.do(ctx, func() { stopErr = s.requestStop() }); err != nil {
		return err
	}
	return stopErr
}

// requestStop runs on the actor.
func (s *Supervisor) requestStop() error {
	if s.state != StateRunning || s.run == nil {
		return ErrNotRunning
	}
	if err := s.write(s.opts.Profile.StopCommand); err != nil {
		return err
	}
	s.run.userStop = true
	s.run.cancel()
	s.setState(StateStopping)
	s.publishStatus()
	return nil
}

// write sends one line to the child and records it. Runs on the actor.
func (s *Supervisor) write(text string) error {
	if _, err := io.WriteString(s.run.stdin, text+"\n"); err != nil {
		return fmt.Errorf("%w: %w", ErrCommandWriteFailed, err)
	}
	s.appendRecord(protocol.OriginCommand, text)
	return nil
}

// Restart stops the server, waits up to the grace period for it to exit and
// starts it again from the same directory. If the old process outlives the
// grace period the start is still attempted and its error returned.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.control.Lock()
	defer s.control.Unlock()

	err := s.restart(ctx)
	s.metrics.RecordControl("restart", err)
	return err
}

func (s *Supervisor) restart(ctx context.Context) error {
	var (
		state  State
		exited chan struct{}
		dir    string
	)
	if err := s.do(ctx, func() {
		state = s.state
		dir = s.lastDir
		if s.run != nil {
			exited = s.run.exited
			dir = s.run.dir
		}
	}); err != nil {
		return err
	}

	switch state {
	case StateStopped:
		if dir == "" {
			return ErrNotRunning
		}
		_, err := s.start(ctx, dir)
		return err
	case StateRunning:
		if err := s.stop(ctx); err != nil {
			return err
		}
	}

	timedOut := false
	if exited != nil {
		timer := time.NewTimer(s.opts.RestartGrace)
		select {
		case <-exited:
			timer.Stop()
		case <-timer.C:
			timedOut = true
			s.log.Warn("restart proceeding without exit confirmation",
				zap.Duration("grace", s.opts.RestartGrace),
				zap.Error(ErrRestartTimeout))
			_ = s.do(ctx, func() {
				s.appendRecord(protocol.OriginSystem,
					fmt.Sprintf("Server did not exit within %s, starting anyway", s.opts.RestartGrace))
			})
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	_, err := s.start(ctx, dir)
	if err != nil && timedOut {
		return fmt.Errorf("%w: %w", ErrRestartTimeout, err)
	}
	return err
}

// SendCommand writes one console command to the running server. The command
// is recorded in history before any output it causes. ErrNotRunning takes
// precedence over validation errors.
func (s *Supervisor) SendCommand(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	s.control.Lock()
	defer s.control.Unlock()

	var cmdErr error
	err := s.do(ctx, func() {
		switch {
		case s.state != StateRunning || s.run == nil:
			cmdErr = ErrNotRunning
		case text == "":
			cmdErr = ErrEmptyCommand
		case strings.ContainsAny(text, "\r\n"):
			cmdErr = ErrInvalidCommand
		default:
			cmdErr = s.write(text)
		}
	})
	if err == nil {
		err = cmdErr
	}
	s.metrics.RecordControl("command", err)
	return err
}

// KickPlayer sends "kick <name> <reason>". The name is checked before the
// server state.
func (s *Supervisor) KickPlayer(ctx context.Context, name, reason string) error {
	if !playerName.MatchString(name) {
		return fmt.Errorf("%w: invalid player name %q", ErrInvalidCommand, name)
	}
	if strings.TrimSpace(reason) == "" {
		reason = defaultKickReason
	}
	return s.SendCommand(ctx, "kick "+name+" "+reason)
}

// OpPlayer sends "op <name>".
func (s *Supervisor) OpPlayer(ctx context.Context, name string) error {
	if !playerName.MatchString(name) {
		return fmt.Errorf("%w: invalid player name %q", ErrInvalidCommand, name)
	}
	return s.SendCommand(ctx, "op "+name)
}

// RefreshPlayers asks the server for its player list; the answer arrives
// later as a player_list event.
func (s *Supervisor) RefreshPlayers(ctx context.Context) error {
	return s.SendCommand(ctx, "list")
}

// Status returns a copy of the current status snapshot.
func (s *Supervisor) Status() protocol.ServerStatus {
	return s.snapshot.Load().Clone()
}

func (s *Supervisor) State() State {
	return State(s.snapshot.Load().State)
}

// Players returns the online players, sorted.
func (s *Supervisor) Players() []string {
	return s.Status().Players
}

// Console returns the last limit records; limit <= 0 returns everything.
func (s *Supervisor) Console(limit int) []protocol.ConsoleRecord {
	if limit <= 0 {
		return s.history.All()
	}
	return s.history.Tail(limit)
}

// ClearConsole empties the history and tells observers to do the same.
func (s *Supervisor) ClearConsole(ctx context.Context) error {
	return s.do(ctx, func() {
		s.history.Clear()
		s.hub.Publish(protocol.ConsoleHistory{Records: []protocol.ConsoleRecord{}})
	})
}

// Subscribe registers obs with the hub from inside the actor, so its replay
// of status and recent history joins the live stream without gap or overlap.
func (s *Supervisor) Subscribe(ctx context.Context, obs hub.Observer) error {
	var subErr error
	if err := s.do(ctx, func() {
		subErr = s.hub.Subscribe(obs, hub.Replay{
			Status:  s.status.Clone(),
			History: s.history.Tail(s.opts.ReplaySize),
		})
	}); err != nil {
		return err
	}
	return subErr
}

// Close stops a running server (stop command, then kill after the grace
// period) and shuts the actor down.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() {
		s.control.Lock()
		defer s.control.Unlock()

		var (
			exited chan struct{}
			proc   *os.Process
		)
		_ = s.do(context.Background(), func() {
			if s.run == nil {
				return
			}
			if s.state == StateRunning {
				if err := s.requestStop(); err != nil {
					s.log.Warn("stop on close failed", zap.Error(err))
				}
			}
			exited = s.run.exited
			proc = s.run.cmd.Process
		})

		if exited != nil {
			select {
			case <-exited:
			case <-time.After(s.opts.RestartGrace):
				s.log.Warn("server did not stop in time, killing", zap.Int("pid", proc.Pid))
				if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					s.log.Error("kill failed", zap.Error(err))
				}
				select {
				case <-exited:
				case <-time.After(5 * time.Second):
				}
			}
		}

		close(s.quit)
		<-s.done
	})
	return nil
}
