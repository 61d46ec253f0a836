package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/forgecrew/forgecrew/internal/domain/conflict"
	"github.com/forgecrew/forgecrew/internal/domain/event"
	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/domain/task"
	"github.com/forgecrew/forgecrew/internal/port/agentexec"
	"github.com/forgecrew/forgecrew/internal/port/database"
	"github.com/forgecrew/forgecrew/internal/port/gitprovider"
	"github.com/forgecrew/forgecrew/internal/port/notifier"
	"github.com/forgecrew/forgecrew/internal/port/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory database.Store. Tasks round-trip through JSON so
// tests observe the same serialization boundary as the real store.
type memStore struct {
	mu    sync.Mutex
	tasks map[string][]byte
	repos map[string]database.Repository
	creds map[string]*database.Credential // key: "task:<id>" or "user:<id>"
}

func newMemStore() *memStore {
	return &memStore{
		tasks: make(map[string][]byte),
		repos: make(map[string]database.Repository),
		creds: make(map[string]*database.Credential),
	}
}

func (m *memStore) CreateTask(ctx context.Context, t *task.Task) error {
	return m.SaveTask(ctx, t)
}

func (m *memStore) ListTasks(_ context.Context) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, data := range m.tasks {
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.tasks[id]
	if !ok {
		return nil, fcerr.ErrNotFound
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (m *memStore) SaveTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Version++
	t.UpdatedAt = time.Now()
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	m.tasks[t.ID] = data
	return nil
}

func (m *memStore) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	t, err := m.GetTask(ctx, id)
	if err != nil {
		return err
	}
	t.Status = status
	return m.SaveTask(ctx, t)
}

func (m *memStore) GetFlags(ctx context.Context, taskID string) (database.Flags, error) {
	t, err := m.GetTask(ctx, taskID)
	if err != nil {
		return database.Flags{}, err
	}
	return database.Flags{Paused: t.Orchestration.Paused, CancelRequested: t.Orchestration.CancelRequested}, nil
}

func (m *memStore) SetPaused(ctx context.Context, taskID string, paused bool, actor string) error {
	t, err := m.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.Orchestration.Paused = paused
	t.Orchestration.PausedBy = actor
	return m.SaveTask(ctx, t)
}

func (m *memStore) RequestCancel(ctx context.Context, taskID, actor string) error {
	t, err := m.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.Orchestration.CancelRequested = true
	t.Orchestration.CancelledBy = actor
	return m.SaveTask(ctx, t)
}

func (m *memStore) CreateRepository(_ context.Context, r *database.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[r.ID] = *r
	return nil
}

func (m *memStore) ListRepositories(_ context.Context) ([]database.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Repository
	for _, r := range m.repos {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) GetRepositories(_ context.Context, ids []string) ([]database.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Repository
	for _, id := range ids {
		if r, ok := m.repos[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) GetTaskCredential(_ context.Context, taskID string) (*database.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creds["task:"+taskID]; ok {
		return c, nil
	}
	return nil, fcerr.ErrNotFound
}

func (m *memStore) GetDefaultCredential(_ context.Context, userID string) (*database.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creds["user:"+userID]; ok {
		return c, nil
	}
	return nil, fcerr.ErrNotFound
}

func (m *memStore) PutCredential(_ context.Context, c *database.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds["user:"+c.UserID] = c
	return nil
}

// memEvents is an in-memory append-only event store with per-task versioning.
type memEvents struct {
	mu     sync.Mutex
	events map[string][]event.Event
}

func newMemEvents() *memEvents {
	return &memEvents{events: make(map[string][]event.Event)}
}

func (m *memEvents) Append(_ context.Context, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Version = len(m.events[ev.TaskID]) + 1
	ev.CreatedAt = time.Now()
	m.events[ev.TaskID] = append(m.events[ev.TaskID], *ev)
	return nil
}

func (m *memEvents) LoadByTask(_ context.Context, taskID string) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]event.Event, len(m.events[taskID]))
	copy(out, m.events[taskID])
	return out, nil
}

func (m *memEvents) LatestVersion(_ context.Context, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events[taskID]), nil
}

func (m *memEvents) byType(taskID string, typ event.Type) []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Event
	for _, ev := range m.events[taskID] {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// memCache is an in-memory cache.Cache without TTL expiry.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.sets++
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// fakeExecutor scripts agent executions per role. The script gets the monitor
// so tests can drive turn events through it.
type fakeExecutor struct {
	mu     sync.Mutex
	script func(ctx context.Context, req agentexec.Request, mon agentexec.Monitor) (*agentexec.Result, error)
	calls  []agentexec.Request
}

func (f *fakeExecutor) Name() string { return "fake" }

func (f *fakeExecutor) Capabilities() agentexec.Capabilities {
	return agentexec.Capabilities{Streaming: true, Cancellable: true}
}

func (f *fakeExecutor) Execute(ctx context.Context, req agentexec.Request, mon agentexec.Monitor) (*agentexec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.script(ctx, req, mon)
}

func (f *fakeExecutor) callsFor(role agentexec.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Role == role {
			n++
		}
	}
	return n
}

func okResult(output string) *agentexec.Result {
	return &agentexec.Result{
		Output:  output,
		Usage:   agentexec.Usage{InputTokens: 100, OutputTokens: 50},
		CostUSD: 0.01,
	}
}

// fakeGit records provider calls and serves configured diff hunks.
type fakeGit struct {
	mu       sync.Mutex
	calls    []string
	hunks    map[string][]conflict.Hunk // key: "base...branch"
	prSeq    int
	mergeErr error
}

func newFakeGit() *fakeGit { return &fakeGit{hunks: make(map[string][]conflict.Hunk)} }

func (g *fakeGit) Name() string { return "fakegit" }

func (g *fakeGit) Capabilities() gitprovider.Capabilities {
	return gitprovider.Capabilities{Push: true, PullRequest: true, Merge: true, DiffHunks: true}
}

func (g *fakeGit) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *fakeGit) CreateBranch(_ context.Context, _, branch string) error {
	g.record("create-branch " + branch)
	return nil
}

func (g *fakeGit) Checkout(_ context.Context, _, branch string) error {
	g.record("checkout " + branch)
	return nil
}

func (g *fakeGit) Commit(_ context.Context, _, _ string) error {
	g.record("commit")
	return nil
}

func (g *fakeGit) Push(_ context.Context, _, branch string) error {
	g.record("push " + branch)
	return nil
}

func (g *fakeGit) Fetch(_ context.Context, _, branch string) error {
	g.record("fetch " + branch)
	return nil
}

func (g *fakeGit) DiffHunks(_ context.Context, _, base, branch string) ([]conflict.Hunk, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hunks[base+"..."+branch], nil
}

func (g *fakeGit) OpenPullRequest(_ context.Context, _, branch, base, _, _ string) (*gitprovider.PullRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prSeq++
	g.calls = append(g.calls, "open-pr "+branch)
	return &gitprovider.PullRequest{
		URL:        fmt.Sprintf("https://git.example/pr/%d", g.prSeq),
		Number:     g.prSeq,
		Branch:     branch,
		BaseBranch: base,
	}, nil
}

func (g *fakeGit) Merge(_ context.Context, _, branch, base string) error {
	g.record("merge " + branch + " into " + base)
	return g.mergeErr
}

func (g *fakeGit) merged() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if len(c) >= 5 && c[:5] == "merge" {
			n++
		}
	}
	return n
}

// fakeWorkspace is an in-memory workspace.Provisioner.
type fakeWorkspace struct {
	mu       sync.Mutex
	stats    workspace.DiffStats
	reports  []workspace.TestReport // consumed in order; last one repeats
	cleaned  []string
	provided int
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{
		stats:   workspace.DiffStats{FilesChanged: 1, Insertions: 10},
		reports: []workspace.TestReport{{Passed: true}},
	}
}

func (w *fakeWorkspace) Provision(_ context.Context, taskID string, _ []string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.provided++
	return filepath.Join("/tmp/forgecrew-test", taskID), nil
}

func (w *fakeWorkspace) RepoDir(workspacePath, repositoryID string) string {
	return filepath.Join(workspacePath, repositoryID)
}

func (w *fakeWorkspace) DiffStats(_ context.Context, _ string) (workspace.DiffStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats, nil
}

func (w *fakeWorkspace) RunTests(_ context.Context, _ string) (workspace.TestReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.reports[0]
	if len(w.reports) > 1 {
		w.reports = w.reports[1:]
	}
	return r, nil
}

func (w *fakeWorkspace) Cleanup(_ context.Context, workspacePath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleaned = append(w.cleaned, workspacePath)
	return nil
}

// recNotifier records notifications.
type recNotifier struct {
	mu   sync.Mutex
	sent []notifier.Notification
}

func (n *recNotifier) Name() string                        { return "rec" }
func (n *recNotifier) Capabilities() notifier.Capabilities { return notifier.Capabilities{} }

func (n *recNotifier) Send(_ context.Context, msg notifier.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.sent))
	for i, msg := range n.sent {
		out[i] = msg.Title
	}
	return out
}

// noopBroadcast satisfies broadcast.Broadcaster.
type noopBroadcast struct{}

func (noopBroadcast) BroadcastLog(context.Context, string, string)        {}
func (noopBroadcast) BroadcastEvent(context.Context, string, string, any) {}
