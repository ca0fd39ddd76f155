// Package process runs one local backend process per instance name, started
// lazily on first use and stopped when idle or too old.
package process

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pgrestgw/pkg/instance"
	"pgrestgw/pkg/log"
	"pgrestgw/pkg/models"
	"pgrestgw/pkg/platform/upstream"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	DefaultHost            = "127.0.0.1"
	DefaultPortMin         = 13000
	DefaultPortMax         = 13999
	DefaultSleepAfter      = 15 * time.Minute
	DefaultMaxLifetime     = 2 * time.Hour
	DefaultShutdownTimeout = time.Minute
	DefaultReapInterval    = 30 * time.Second

	portPlaceholder = "{port}"
	namePlaceholder = "{name}"
)

// Config describes the process launched for each instance. {port} and
// {name} are substituted in Args and Env values.
type Config struct {
	Command         string
	Args            []string
	Env             map[string]string
	Dir             string
	Host            string
	PortMin         int
	PortMax         int
	SleepAfter      time.Duration
	MaxLifetime     time.Duration
	ShutdownTimeout time.Duration
	ReapInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.PortMin == 0 && c.PortMax == 0 {
		c.PortMin, c.PortMax = DefaultPortMin, DefaultPortMax
	}
	if c.SleepAfter <= 0 {
		c.SleepAfter = DefaultSleepAfter
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	return c
}

// Platform owns the instance processes.
type Platform struct {
	cfg       Config
	ports     *PortManager
	client    *retryablehttp.Client
	logger    zerolog.Logger
	onRecycle func(name string)

	mu      sync.Mutex
	handles map[string]*Handle
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New validates cfg and prepares the platform. Nothing is launched until a
// handle is probed or used.
func New(cfg Config) (*Platform, error) {
	cfg = cfg.withDefaults()
	if cfg.Command == "" {
		return nil, ErrNoCommand
	}

	ports, err := NewPortManager(cfg.Host, cfg.PortMin, cfg.PortMax)
	if err != nil {
		return nil, err
	}

	return &Platform{
		cfg:     cfg,
		ports:   ports,
		client:  upstream.CreateRetryableClient(0, 0, 0),
		logger:  log.With("process"),
		handles: make(map[string]*Handle),
		stopCh:  make(chan struct{}),
	}, nil
}

// OnRecycle registers the callback run after an instance process exits for
// any reason.
func (p *Platform) OnRecycle(fn func(name string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRecycle = fn
}

// Open returns the handle for name without starting it.
func (p *Platform) Open(name string) instance.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[name]; ok {
		return h
	}
	h := &Handle{name: name, platform: p}
	p.handles[name] = h
	return h
}

// Start runs the idle and lifetime reaper until Stop.
func (p *Platform) Start() {
	p.wg.Add(1)
	go p.reapLoop()

	p.logger.Info().
		Str("command", p.cfg.Command).
		Dur("sleep_after", p.cfg.SleepAfter).
		Dur("max_lifetime", p.cfg.MaxLifetime).
		Msg("Process platform started")
}

// Stop halts the reaper and terminates every running process.
func (p *Platform) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	handles := p.sortedHandles()
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			h.stop("shutdown")
		}(h)
	}
	wg.Wait()

	p.logger.Info().Msg("Process platform stopped")
}

// Running returns the names of instances with a live process.
func (p *Platform) Running() []string {
	p.mu.Lock()
	handles := p.sortedHandles()
	p.mu.Unlock()

	names := make([]string, 0, len(handles))
	for _, h := range handles {
		if h.running() {
			names = append(names, h.name)
		}
	}
	return names
}

func (p *Platform) sortedHandles() []*Handle {
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].name < handles[j].name })
	return handles
}

func (p *Platform) reapLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reap(time.Now())
		}
	}
}

func (p *Platform) reap(now time.Time) {
	p.mu.Lock()
	handles := p.sortedHandles()
	p.mu.Unlock()

	for _, h := range handles {
		if reason := h.expired(now, p.cfg.SleepAfter, p.cfg.MaxLifetime); reason != "" {
			h.stop(reason)
		}
	}
}

func (p *Platform) recycled(name string) {
	p.mu.Lock()
	fn := p.onRecycle
	p.mu.Unlock()
	if fn != nil {
		fn(name)
	}
}

func (p *Platform) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Platform) expand(value, name string, port int) string {
	value = strings.ReplaceAll(value, portPlaceholder, strconv.Itoa(port))
	return strings.ReplaceAll(value, namePlaceholder, name)
}

func (p *Platform) command(name string, port int) *exec.Cmd {
	args := make([]string, len(p.cfg.Args))
	for i, a := range p.cfg.Args {
		args[i] = p.expand(a, name, port)
	}

	//nolint:gosec // the command comes from operator configuration
	cmd := exec.Command(p.cfg.Command, args...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = os.Environ()

	keys := make([]string, 0, len(p.cfg.Env))
	for k := range p.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+p.expand(p.cfg.Env[k], name, port))
	}

	out := processLogWriter{logger: p.logger.With().Str("instance", name).Logger()}
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd
}

// Handle is one named instance process.
type Handle struct {
	name     string
	platform *Platform

	mu        sync.Mutex
	cmd       *exec.Cmd
	backend   *upstream.Handle
	port      int
	startedAt time.Time
	lastUsed  time.Time
	exited    chan struct{}
	stopping  bool
}

func (h *Handle) Name() string { return h.name }

// Probe starts the process if needed, then checks its root path.
func (h *Handle) Probe(ctx context.Context) error {
	backend, err := h.ensureStarted()
	if err != nil {
		return err
	}
	return backend.Probe(ctx)
}

// Send starts the process if needed and forwards req.
func (h *Handle) Send(ctx context.Context, req *models.ProxyRequest) (*models.ProxyResponse, error) {
	backend, err := h.ensureStarted()
	if err != nil {
		return nil, err
	}
	h.touch()
	return backend.Send(ctx, req)
}

// Port returns the listening port of the running process, or zero.
func (h *Handle) Port() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.port
}

func (h *Handle) running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cmd != nil
}

func (h *Handle) touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastUsed = time.Now()
}

func (h *Handle) ensureStarted() (*upstream.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd != nil {
		return h.backend, nil
	}
	if h.platform.isStopped() {
		return nil, ErrStopped
	}

	p := h.platform
	port, err := p.ports.Allocate()
	if err != nil {
		return nil, err
	}

	cmd := p.command(h.name, port)
	if err := cmd.Start(); err != nil {
		p.ports.Release(port)
		p.logger.Error().Err(err).Str("instance", h.name).Msg("Instance process error")
		return nil, fmt.Errorf("start instance %s: %w", h.name, err)
	}

	now := time.Now()
	h.cmd = cmd
	h.port = port
	h.startedAt = now
	h.lastUsed = now
	h.exited = make(chan struct{})
	h.stopping = false
	h.backend = upstream.NewHandle(h.name, "http://"+net.JoinHostPort(p.cfg.Host, strconv.Itoa(port)), p.client)

	p.logger.Info().
		Str("instance", h.name).
		Int("port", port).
		Int("pid", cmd.Process.Pid).
		Msg("Instance process started")

	go h.wait(cmd, port, h.exited)
	return h.backend, nil
}

func (h *Handle) wait(cmd *exec.Cmd, port int, exited chan struct{}) {
	err := cmd.Wait()

	h.mu.Lock()
	requested := h.stopping
	if h.cmd == cmd {
		h.cmd = nil
		h.backend = nil
		h.port = 0
	}
	h.mu.Unlock()

	p := h.platform
	p.ports.Release(port)
	close(exited)

	if err != nil && !requested {
		p.logger.Warn().Err(err).Str("instance", h.name).Msg("Instance process error")
	} else {
		p.logger.Info().Str("instance", h.name).Msg("Instance process stopped")
	}
	p.recycled(h.name)
}

func (h *Handle) expired(now time.Time, sleepAfter, maxLifetime time.Duration) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd == nil {
		return ""
	}
	if now.Sub(h.startedAt) >= maxLifetime {
		return "max lifetime reached"
	}
	if now.Sub(h.lastUsed) >= sleepAfter {
		return "idle"
	}
	return ""
}

// stop interrupts the process and kills it after the shutdown timeout.
func (h *Handle) stop(reason string) {
	h.mu.Lock()
	cmd := h.cmd
	exited := h.exited
	if cmd != nil {
		h.stopping = true
	}
	h.mu.Unlock()

	if cmd == nil {
		return
	}

	p := h.platform
	p.logger.Info().Str("instance", h.name).Str("reason", reason).Msg("Stopping instance process")

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
	}

	select {
	case <-exited:
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn().Str("instance", h.name).Msg("Instance process ignored interrupt, killing")
		_ = cmd.Process.Kill()
		<-exited
	}
}

// processLogWriter forwards child output to the gateway log line by line.
type processLogWriter struct {
	logger zerolog.Logger
}

func (w processLogWriter) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line != "" {
			w.logger.Debug().Msg(line)
		}
	}
	return len(b), nil
}
