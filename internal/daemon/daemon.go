package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/pipeline"
)

// Config holds full daemon configuration.
type Config struct {
	Dirs     DirConfig
	Workers  int
	Debounce time.Duration
	// HealthAddr is where the gRPC health service listens; empty
	// disables it unless HealthListener is set.
	HealthAddr     string
	HealthListener net.Listener
}

// Daemon watches the inbox and runs every command through the pool.
type Daemon struct {
	cfg    Config
	runner pipeline.Runner
	rec    *pipeline.Recorder
	log    logr.Logger

	mu      sync.Mutex
	pending map[string]string // command ID -> processing file
}

// New creates a daemon with validated configuration. rec may be nil.
func New(cfg Config, runner pipeline.Runner, rec *pipeline.Recorder, log logr.Logger) (*Daemon, error) {
	if cfg.Dirs.Inbox == "" || cfg.Dirs.Outbox == "" || cfg.Dirs.State == "" {
		return nil, fmt.Errorf("inbox, outbox, and state directories are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Daemon{
		cfg:     cfg,
		runner:  runner,
		rec:     rec,
		log:     log.WithName("daemon"),
		pending: make(map[string]string),
	}, nil
}

// Run starts the daemon. Blocks until ctx is cancelled. Jobs left in the
// processing directory by an earlier run are requeued first.
func (d *Daemon) Run(ctx context.Context) error {
	if err := EnsureDirs(d.cfg.Dirs); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	if err := d.requeueOrphans(); err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	health, err := d.startHealth()
	if err != nil {
		return err
	}
	if health != nil {
		defer health.Stop()
	}

	in := make(chan model.Command)
	outcomes := pipeline.NewPool(d.runner, d.cfg.Workers, d.log).Run(ctx, in)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for o := range outcomes {
			d.complete(o)
		}
	}()

	handler := func(path string) {
		cmd, ok := d.claim(path)
		if !ok {
			return
		}
		select {
		case in <- cmd:
		case <-ctx.Done():
		}
	}

	if health != nil {
		health.SetServing(true)
	}
	d.log.Info("watching inbox", "inbox", d.cfg.Dirs.Inbox, "workers", d.cfg.Workers)
	err = NewInboxWatcher(d.cfg.Dirs.Inbox, handler, d.cfg.Debounce, d.log).Run(ctx)
	if health != nil {
		health.SetServing(false)
	}

	cancel()
	close(in)
	wg.Wait()
	return err
}

func (d *Daemon) startHealth() (*Health, error) {
	lis := d.cfg.HealthListener
	if lis == nil {
		if d.cfg.HealthAddr == "" {
			return nil, nil
		}
		var err error
		lis, err = net.Listen("tcp", d.cfg.HealthAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", d.cfg.HealthAddr, err)
		}
	}
	h := NewHealth()
	go func() {
		if err := h.ServeOn(lis); err != nil {
			d.log.Error(err, "health server stopped")
		}
	}()
	d.log.Info("health service listening", "addr", lis.Addr().String())
	return h, nil
}

// claim parses an inbox file and moves it to the processing directory.
// Files that cannot be parsed get an invalid result and are moved aside.
func (d *Daemon) claim(path string) (model.Command, bool) {
	name := strings.TrimSuffix(filepath.Base(path), ".json")

	// Structural symlink defense: never follow inbox links.
	fi, err := os.Lstat(path)
	if err != nil {
		return model.Command{}, false
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		d.reject(path, name, "rejected symlink")
		return model.Command{}, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		d.log.Error(err, "read job file", "file", path)
		return model.Command{}, false
	}
	cmd, err := ParseJob(data, name)
	if err != nil {
		d.reject(path, name, err.Error())
		return model.Command{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.pending[cmd.ID]; busy {
		d.reject(path, name, fmt.Sprintf("command %s is already in flight", cmd.ID))
		return model.Command{}, false
	}
	processing := filepath.Join(d.cfg.Dirs.ProcessingDir(), cmd.ID+".json")
	if err := moveFile(path, processing); err != nil {
		d.log.Error(err, "move to processing", "file", path)
		return model.Command{}, false
	}
	d.pending[cmd.ID] = processing
	return cmd, true
}

func (d *Daemon) reject(path, id, reason string) {
	d.log.Info("rejected job file", "file", filepath.Base(path), "reason", reason)
	res := Result{ID: id, Status: StatusInvalid, Error: reason, CompletedAt: time.Now().UTC()}
	if err := writeJSON(filepath.Join(d.cfg.Dirs.Outbox, id+".json"), res); err != nil {
		d.log.Error(err, "write result", "id", id)
	}
	if err := moveFile(path, filepath.Join(d.cfg.Dirs.RejectedDir(), filepath.Base(path))); err != nil {
		_ = os.Remove(path)
	}
}

// complete writes the outbox result and records the outcome. Cancelled
// runs keep their processing file so the next start requeues them.
func (d *Daemon) complete(o pipeline.Outcome) {
	id := o.Command.ID
	d.mu.Lock()
	processing := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()

	if o.Verdict == nil && (errors.Is(o.Err, context.Canceled) || errors.Is(o.Err, context.DeadlineExceeded)) {
		return
	}

	res := NewResult(o)
	if err := writeJSON(filepath.Join(d.cfg.Dirs.Outbox, id+".json"), res); err != nil {
		d.log.Error(err, "write result", "id", id)
		return
	}
	if d.rec != nil {
		if err := d.rec.Record(context.Background(), o); err != nil {
			d.log.Error(err, "record outcome", "id", id)
		}
	}
	if processing != "" {
		_ = os.Remove(processing)
	}
}

// NewResult converts a finished outcome into its outbox form.
func NewResult(o pipeline.Outcome) Result {
	res := Result{ID: o.Command.ID, CompletedAt: time.Now().UTC()}
	if o.Verdict != nil {
		res.Status = StatusVerdict
		res.Verdict = o.Verdict
		return res
	}
	res.Status = StatusUnavailable
	if o.Err != nil {
		res.Error = o.Err.Error()
	}
	return res
}

// requeueOrphans moves jobs a crashed run left in processing back to the
// inbox.
func (d *Daemon) requeueOrphans() error {
	return ScanExisting(d.cfg.Dirs.ProcessingDir(), func(path string) {
		dst := filepath.Join(d.cfg.Dirs.Inbox, filepath.Base(path))
		if err := moveFile(path, dst); err != nil {
			d.log.Error(err, "requeue orphan", "file", path)
			return
		}
		d.log.Info("requeued orphaned job", "file", filepath.Base(path))
	})
}
