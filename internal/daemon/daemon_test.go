package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/gzhole/transguard/internal/compliance"
	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/oracle"
	"github.com/gzhole/transguard/internal/pipeline"
	"github.com/gzhole/transguard/internal/store"
)

// stubRunner passes every command except those whose text is "offline",
// which behave like an exhausted oracle.
type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, cmd model.Command) pipeline.Outcome {
	if cmd.Text == "offline" {
		return pipeline.Outcome{Command: cmd, Err: &oracle.UnavailableError{CommandID: cmd.ID, Attempts: 3, Last: errors.New("503")}}
	}
	return pipeline.Outcome{Command: cmd, Verdict: &compliance.Verdict{CommandID: cmd.ID, Pass: true, RiskTier: model.SeverityLow}}
}

func testDirs(t *testing.T) DirConfig {
	root := t.TempDir()
	return DirConfig{
		Inbox:  filepath.Join(root, "inbox"),
		Outbox: filepath.Join(root, "outbox"),
		State:  filepath.Join(root, "state"),
	}
}

func writeJob(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path+".tmp", []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		t.Fatal(err)
	}
}

func waitResult(t *testing.T, outbox, id string) Result {
	t.Helper()
	path := filepath.Join(outbox, id+".json")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil {
			var res Result
			if err := json.Unmarshal(data, &res); err != nil {
				t.Fatalf("decode %s: %v", path, err)
			}
			return res
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no result for %s", id)
	return Result{}
}

func startDaemon(t *testing.T, cfg Config, rec *pipeline.Recorder) {
	t.Helper()
	d, err := New(cfg, stubRunner{}, rec, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func TestDaemon_ProcessesInbox(t *testing.T) {
	dirs := testDirs(t)
	if err := EnsureDirs(dirs); err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "verdicts.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	// Present before start.
	writeJob(t, dirs.Inbox, "early.json", `{"id":"early","command":"Get-Process","dialect":"powershell"}`)
	startDaemon(t, Config{Dirs: dirs, Workers: 2, Debounce: 20 * time.Millisecond}, &pipeline.Recorder{Store: st})

	time.Sleep(100 * time.Millisecond)
	writeJob(t, dirs.Inbox, "late.json", `{"command":"ls -la","dialect":"posix"}`)
	writeJob(t, dirs.Inbox, "down.json", `{"id":"down","command":"offline"}`)

	if res := waitResult(t, dirs.Outbox, "early"); res.Status != StatusVerdict || !res.Verdict.Pass {
		t.Errorf("early = %+v", res)
	}
	if res := waitResult(t, dirs.Outbox, "late"); res.Status != StatusVerdict || res.Verdict.CommandID != "late" {
		t.Errorf("late = %+v", res)
	}
	if res := waitResult(t, dirs.Outbox, "down"); res.Status != StatusUnavailable || res.Verdict != nil || res.Error == "" {
		t.Errorf("down = %+v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sum, _ := st.Summary(context.Background())
		if sum.Total == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("store has %d verdicts, want 2", sum.Total)
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, dir := range []string{dirs.Inbox, dirs.ProcessingDir()} {
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Errorf("%s not drained: %v", dir, entries)
		}
	}
}

func TestDaemon_RejectsInvalidJobs(t *testing.T) {
	dirs := testDirs(t)
	startDaemon(t, Config{Dirs: dirs, Debounce: 20 * time.Millisecond}, nil)
	time.Sleep(100 * time.Millisecond)

	writeJob(t, dirs.Inbox, "broken.json", `{not json`)
	writeJob(t, dirs.Inbox, "empty.json", `{"id":"empty","command":"  "}`)
	writeJob(t, dirs.Inbox, "dialect.json", `{"id":"dialect","command":"dir","dialect":"cmd.exe"}`)

	for _, id := range []string{"broken", "empty", "dialect"} {
		if res := waitResult(t, dirs.Outbox, id); res.Status != StatusInvalid || res.Error == "" {
			t.Errorf("%s = %+v", id, res)
		}
	}
	if _, err := os.Stat(filepath.Join(dirs.RejectedDir(), "broken.json")); err != nil {
		t.Errorf("invalid job not moved aside: %v", err)
	}
}

func TestDaemon_RequeuesOrphans(t *testing.T) {
	dirs := testDirs(t)
	if err := EnsureDirs(dirs); err != nil {
		t.Fatal(err)
	}
	writeJob(t, dirs.ProcessingDir(), "orphan.json", `{"id":"orphan","command":"Get-Service"}`)

	startDaemon(t, Config{Dirs: dirs, Debounce: 20 * time.Millisecond}, nil)
	if res := waitResult(t, dirs.Outbox, "orphan"); res.Status != StatusVerdict {
		t.Errorf("orphan = %+v", res)
	}
}

func TestNew_RequiresDirs(t *testing.T) {
	if _, err := New(Config{}, stubRunner{}, nil, logr.Discard()); err == nil {
		t.Error("expected error for empty directories")
	}
}

func TestHealth(t *testing.T) {
	dirs := testDirs(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	startDaemon(t, Config{Dirs: dirs, HealthListener: lis}, nil)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, done := context.WithTimeout(context.Background(), time.Second)
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		done()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("health = %v, %v; want SERVING", resp.GetStatus(), err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestInboxWatcher_IgnoresNonJobFiles(t *testing.T) {
	inbox := t.TempDir()

	var mu sync.Mutex
	var received []string
	w := NewInboxWatcher(inbox, func(path string) {
		mu.Lock()
		received = append(received, filepath.Base(path))
		mu.Unlock()
	}, 20*time.Millisecond, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	for _, name := range []string{"job.json.tmp", "notes.txt", ".hidden.json"} {
		if err := os.WriteFile(filepath.Join(inbox, name), []byte("{}"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	writeJob(t, inbox, "job.json", `{}`)
	time.Sleep(300 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "job.json" {
		t.Errorf("received = %v, want [job.json]", received)
	}
}

func TestParseJob(t *testing.T) {
	cmd, err := ParseJob([]byte(`{"command":"Get-Process"}`), "abc-1")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.ID != "abc-1" || cmd.Dialect != model.DialectPowerShell {
		t.Errorf("cmd = %+v", cmd)
	}
	if _, err := ParseJob([]byte(`{"id":"../etc/passwd","command":"ls"}`), "x"); err == nil {
		t.Error("expected error for path-like id")
	}

	cmd, err = ParseJob([]byte(`{"id":"e1","command":"Get-Date","expect":{"exit_status":0,"stdout":"ok"}}`), "x")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Expect == nil || cmd.Expect.ExitStatus == nil || *cmd.Expect.ExitStatus != 0 || cmd.Expect.Stdout == nil || *cmd.Expect.Stdout != "ok" {
		t.Errorf("Expect = %+v", cmd.Expect)
	}
}
