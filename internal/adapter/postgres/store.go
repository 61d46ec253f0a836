package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/domain/task"
	"github.com/forgecrew/forgecrew/internal/port/database"
)

// Store implements database.Store using PostgreSQL. Task orchestration state
// is a JSONB document written through on every save.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `id, user_id, title, description, status, repository_ids, orchestration, version, created_at, updated_at`

func scanTask(scanner interface{ Scan(dest ...any) error }) (*task.Task, error) {
	var t task.Task
	var orch []byte
	if err := scanner.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Status,
		&t.RepositoryIDs, &orch, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if len(orch) > 0 {
		if err := json.Unmarshal(orch, &t.Orchestration); err != nil {
			return nil, fmt.Errorf("decode orchestration: %w", err)
		}
	}
	return &t, nil
}

// CreateTask inserts a new task; the database assigns version and timestamps.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	orch, err := json.Marshal(t.Orchestration)
	if err != nil {
		return fmt.Errorf("encode orchestration: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO tasks (id, user_id, title, description, status, repository_ids, orchestration)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING version, created_at, updated_at`,
		t.ID, t.UserID, t.Title, t.Description, t.Status, pgTextArray(t.RepositoryIDs), orch).
		Scan(&t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns), id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, fcerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// SaveTask writes the full task back, bumping its version. The version guard
// rejects a save racing with a concurrent writer.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	orch, err := json.Marshal(t.Orchestration)
	if err != nil {
		return fmt.Errorf("encode orchestration: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET title = $2, description = $3, status = $4, repository_ids = $5,
		     orchestration = $6, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $7`,
		t.ID, t.Title, t.Description, t.Status, pgTextArray(t.RepositoryIDs), orch, t.Version)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save task %s: %w", t.ID, fcerr.ErrConflict)
	}
	t.Version++
	return nil
}

func (s *Store) ListTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM tasks ORDER BY created_at DESC`, taskColumns))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", id, fcerr.ErrNotFound)
	}
	return nil
}

// GetFlags reads pause/cancel state fresh from the row, never from any
// in-memory copy.
func (s *Store) GetFlags(ctx context.Context, taskID string) (database.Flags, error) {
	var f database.Flags
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE((orchestration->>'paused')::bool, false),
		        COALESCE((orchestration->>'cancel_requested')::bool, false)
		 FROM tasks WHERE id = $1`, taskID).Scan(&f.Paused, &f.CancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return f, fmt.Errorf("task %s: %w", taskID, fcerr.ErrNotFound)
	}
	if err != nil {
		return f, fmt.Errorf("get flags for task %s: %w", taskID, err)
	}
	return f, nil
}

func (s *Store) SetPaused(ctx context.Context, taskID string, paused bool, actor string) error {
	patch := map[string]any{"paused": paused}
	if paused {
		patch["paused_by"] = actor
		patch["paused_at"] = time.Now().UTC()
	} else {
		patch["paused_by"] = ""
		patch["paused_at"] = nil
	}
	return s.patchOrchestration(ctx, taskID, patch)
}

func (s *Store) RequestCancel(ctx context.Context, taskID, actor string) error {
	return s.patchOrchestration(ctx, taskID, map[string]any{
		"cancel_requested":    true,
		"cancelled_by":        actor,
		"cancel_requested_at": time.Now().UTC(),
	})
}

func (s *Store) patchOrchestration(ctx context.Context, taskID string, patch map[string]any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET orchestration = orchestration || $2::jsonb, updated_at = now()
		 WHERE id = $1`, taskID, data)
	if err != nil {
		return fmt.Errorf("patch task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, fcerr.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateRepository(ctx context.Context, r *database.Repository) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO repositories (id, name, owner_id, clone_url, default_branch)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		r.ID, r.Name, r.OwnerID, r.CloneURL, r.DefaultBranch).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	return nil
}

func (s *Store) ListRepositories(ctx context.Context) ([]database.Repository, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, owner_id, clone_url, default_branch, created_at
		 FROM repositories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()
	return scanRepositories(rows)
}

func (s *Store) GetRepositories(ctx context.Context, ids []string) ([]database.Repository, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, owner_id, clone_url, default_branch, created_at
		 FROM repositories WHERE id = ANY($1) ORDER BY name`, pgTextArray(ids))
	if err != nil {
		return nil, fmt.Errorf("get repositories: %w", err)
	}
	defer rows.Close()
	return scanRepositories(rows)
}

func scanRepositories(rows pgx.Rows) ([]database.Repository, error) {
	var repos []database.Repository
	for rows.Next() {
		var r database.Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.OwnerID, &r.CloneURL, &r.DefaultBranch, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

const credentialColumns = `id, user_id, name, sealed, is_default, created_at`

func scanCredential(scanner interface{ Scan(dest ...any) error }) (*database.Credential, error) {
	var c database.Credential
	err := scanner.Scan(&c.ID, &c.UserID, &c.Name, &c.Sealed, &c.IsDefault, &c.CreatedAt)
	return &c, err
}

// GetTaskCredential returns the credential scoped to the task's user, if any
// named one exists for the task. Task-scoped credentials use the convention
// name = 'task:<task_id>'.
func (s *Store) GetTaskCredential(ctx context.Context, taskID string) (*database.Credential, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM credentials WHERE name = $1`, credentialColumns), "task:"+taskID)
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fcerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task credential: %w", err)
	}
	return c, nil
}

func (s *Store) GetDefaultCredential(ctx context.Context, userID string) (*database.Credential, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM credentials WHERE user_id = $1 AND is_default`, credentialColumns), userID)
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fcerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default credential: %w", err)
	}
	return c, nil
}

func (s *Store) PutCredential(ctx context.Context, c *database.Credential) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO credentials (user_id, name, sealed, is_default)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) WHERE is_default
		 DO UPDATE SET sealed = EXCLUDED.sealed, name = EXCLUDED.name
		 RETURNING id, created_at`,
		c.UserID, c.Name, c.Sealed, c.IsDefault).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// pgTextArray converts a string slice to a pgx-compatible text array.
// nil slices become empty arrays to avoid SQL NULL.
func pgTextArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
