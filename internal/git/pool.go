// Package git provides shared utilities for git CLI operations.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent git CLI operations with a weighted semaphore and
// serializes operations per repository directory. Two executions against the
// same checkout would tear its git state, so the per-directory lock is held
// for the whole operation.
type Pool struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPool creates a Pool that allows at most limit concurrent git operations.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{
		sem:   semaphore.NewWeighted(int64(limit)),
		locks: make(map[string]*sync.Mutex),
	}
}

// Run acquires a global slot, runs fn, and releases the slot. Blocks if all
// slots are busy. Returns ctx.Err() if the context is cancelled while
// waiting. A nil pool executes fn directly.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// RunExclusive is Run plus exclusive ownership of repoDir for the duration
// of fn.
func (p *Pool) RunExclusive(ctx context.Context, repoDir string, fn func() error) error {
	if p == nil {
		return fn()
	}
	lock := p.dirLock(repoDir)
	lock.Lock()
	defer lock.Unlock()
	return p.Run(ctx, fn)
}

func (p *Pool) dirLock(repoDir string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[repoDir]
	if !ok {
		l = &sync.Mutex{}
		p.locks[repoDir] = l
	}
	return l
}

// Exec executes a git command in dir and returns its stdout.
func Exec(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
