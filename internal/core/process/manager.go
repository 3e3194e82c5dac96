// Package process supervises local helper daemons (aria2c when the seedbox
// is managed by the bot itself).
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Daemon is an external process the bot starts and keeps alive.
type Daemon interface {
	Name() string
	Command() (bin string, args []string)
	ReadyCheck() ReadyProbe
	Healthy(ctx context.Context) bool
}

type ReadyProbe struct {
	Check    func(ctx context.Context) bool
	Interval time.Duration
	Timeout  time.Duration
}

const (
	stopGracePeriod = 5 * time.Second
	maxRestarts     = 5
)

type Manager struct {
	// WatchInterval is how often Watch probes daemon health.
	WatchInterval time.Duration

	mu      sync.Mutex
	daemons []*managedDaemon
}

type managedDaemon struct {
	daemon   Daemon
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	exited   chan struct{}
	restarts int
	nextTry  time.Time
	gaveUp   bool
}

func NewManager() *Manager {
	return &Manager{WatchInterval: 5 * time.Second}
}

func (m *Manager) Register(d Daemon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daemons = append(m.daemons, &managedDaemon{daemon: d})
}

// StartAll launches every registered daemon and waits until each is ready.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, md := range m.daemons {
		if err := m.startOne(ctx, md); err != nil {
			return fmt.Errorf("start %s: %w", md.daemon.Name(), err)
		}
	}
	return nil
}

func (m *Manager) startOne(ctx context.Context, md *managedDaemon) error {
	name := md.daemon.Name()
	bin, args := md.daemon.Command()
	// Daemons outlive the request context; StopAll ends them.
	dCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(dCtx, bin, args...)
	out := lineLogger(name)
	cmd.Stdout = out
	cmd.Stderr = out

	log.Info().Str("daemon", name).Str("bin", bin).Msg("starting daemon")
	if err := cmd.Start(); err != nil {
		cancel()
		_ = out.Close()
		return fmt.Errorf("start process: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		_ = out.Close()
		close(exited)
	}()
	md.cmd, md.cancel, md.exited = cmd, cancel, exited

	if err := waitReady(ctx, md.daemon.ReadyCheck(), exited); err != nil {
		m.stopOne(md)
		return fmt.Errorf("daemon %s: %w", name, err)
	}
	log.Info().Str("daemon", name).Int("pid", cmd.Process.Pid).Msg("daemon ready")
	return nil
}

func waitReady(ctx context.Context, probe ReadyProbe, exited <-chan struct{}) error {
	if probe.Check == nil {
		return nil
	}
	if probe.Interval <= 0 {
		probe.Interval = 200 * time.Millisecond
	}
	deadline := time.NewTimer(probe.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(probe.Interval)
	defer tick.Stop()

	for {
		if probe.Check(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("exited before becoming ready")
		case <-deadline.C:
			return fmt.Errorf("not ready after %s", probe.Timeout)
		case <-tick.C:
		}
	}
}

// StopAll stops every running daemon in parallel.
func (m *Manager) StopAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wg sync.WaitGroup
	for _, md := range m.daemons {
		if md.cmd == nil {
			continue
		}
		wg.Add(1)
		go func(md *managedDaemon) {
			defer wg.Done()
			m.stopOne(md)
		}(md)
	}
	wg.Wait()
	return nil
}

func (m *Manager) stopOne(md *managedDaemon) {
	if md.cmd == nil || md.cmd.Process == nil {
		return
	}
	log.Info().Str("daemon", md.daemon.Name()).Msg("stopping daemon")
	_ = md.cmd.Process.Signal(os.Interrupt)
	select {
	case <-md.exited:
	case <-time.After(stopGracePeriod):
		_ = md.cmd.Process.Kill()
		<-md.exited
	}
	md.cancel()
	md.cmd = nil
}

// Watch restarts daemons that stop answering their health probe. Restarts
// back off exponentially and stop after maxRestarts attempts.
func (m *Manager) Watch(ctx context.Context) {
	t := time.NewTicker(m.WatchInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.checkAndRestart(ctx)
		}
	}
}

func (m *Manager) checkAndRestart(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, md := range m.daemons {
		if md.cmd == nil || md.gaveUp || now.Before(md.nextTry) {
			continue
		}
		if md.daemon.Healthy(ctx) {
			continue
		}
		name := md.daemon.Name()
		if md.restarts >= maxRestarts {
			md.gaveUp = true
			log.Error().Str("daemon", name).Int("restarts", md.restarts).Msg("daemon keeps failing, giving up")
			continue
		}
		md.restarts++
		md.nextTry = now.Add(time.Duration(1<<md.restarts) * time.Second)
		log.Warn().Str("daemon", name).Int("attempt", md.restarts).Msg("daemon unhealthy, restarting")

		m.stopOne(md)
		if err := m.startOne(ctx, md); err != nil {
			log.Error().Err(err).Str("daemon", name).Msg("restart failed")
		}
	}
}

// Restarts reports how often the named daemon was restarted by Watch.
func (m *Manager) Restarts(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, md := range m.daemons {
		if md.daemon.Name() == name {
			return md.restarts
		}
	}
	return 0
}

// lineLogger forwards a daemon's output to the debug log, one line per event.
func lineLogger(name string) io.WriteCloser {
	r, w := io.Pipe()
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			log.Debug().Str("daemon", name).Msg(sc.Text())
		}
		_ = r.Close()
	}()
	return w
}
