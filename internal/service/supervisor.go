package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/port/agentexec"
	"github.com/forgecrew/forgecrew/internal/port/workspace"
)

// ExecutionSupervisor watches a running developer execution for stagnation
// and aborts it. Checks run on a fixed turn cadence rather than every turn,
// so normal exploration at the start of a session does not trip them.
type ExecutionSupervisor struct {
	cfg    config.Supervisor
	ws     workspace.Provisioner
	log    *slog.Logger
	nowFn  func() time.Time
}

// NewExecutionSupervisor creates the developer-progress monitor.
func NewExecutionSupervisor(cfg config.Supervisor, ws workspace.Provisioner, log *slog.Logger) *ExecutionSupervisor {
	return &ExecutionSupervisor{cfg: cfg, ws: ws, log: log, nowFn: time.Now}
}

// progressWatch is the per-execution monitor state.
type progressWatch struct {
	sup *ExecutionSupervisor

	taskID  string
	storyID string
	repoDir string

	startedAt     time.Time
	reads         int
	writes        int
	lastWriteTurn int
	lastTurn      int
}

// Watch returns a Monitor for one developer execution against repoDir.
func (s *ExecutionSupervisor) Watch(taskID, storyID, repoDir string) agentexec.Monitor {
	return &progressWatch{
		sup:       s,
		taskID:    taskID,
		storyID:   storyID,
		repoDir:   repoDir,
		startedAt: s.nowFn(),
	}
}

// OnTurn records the turn and evaluates the stagnation checks on cadence.
// A fatal verdict returns a stagnation-classified error, which aborts the
// underlying execution stream.
func (w *progressWatch) OnTurn(ctx context.Context, ev agentexec.TurnEvent) error {
	w.lastTurn = ev.Turn
	switch ev.Action {
	case agentexec.ActionRead:
		w.reads++
	case agentexec.ActionWrite:
		w.writes++
		w.lastWriteTurn = ev.Turn
	}

	cfg := w.sup.cfg

	// Wall clock is the one check evaluated on every turn: a hard ceiling
	// must not wait for the next cadence boundary.
	if elapsed := w.sup.nowFn().Sub(w.startedAt); elapsed > cfg.WallClockLimit {
		return fcerr.Newf(fcerr.KindStagnation,
			"story %s exceeded the %s execution time limit", w.storyID, cfg.WallClockLimit)
	}

	if ev.Turn == 0 || ev.Turn%cfg.CheckInterval != 0 {
		return nil
	}
	return w.evaluate(ctx, ev.Turn)
}

func (w *progressWatch) evaluate(ctx context.Context, turn int) error {
	cfg := w.sup.cfg

	// Read-dominant stall.
	if turn >= cfg.ReadStallTurn && w.writes == 0 && w.reads >= cfg.ReadStallMinReads {
		return fcerr.Newf(fcerr.KindStagnation,
			"story %s: %d reads and no writes by turn %d", w.storyID, w.reads, turn)
	}
	if turn > cfg.RatioTurn && w.writes > 0 {
		ratio := w.reads / w.writes
		if ratio >= cfg.FatalReadRatio {
			return fcerr.Newf(fcerr.KindStagnation,
				"story %s: read/write ratio %d:1 past turn %d", w.storyID, ratio, cfg.RatioTurn)
		}
		if ratio >= cfg.WarnReadRatio {
			w.sup.log.Warn("execution is read-heavy",
				"task_id", w.taskID, "story_id", w.storyID, "turn", turn, "reads", w.reads, "writes", w.writes)
		}
	}

	// Idle stall: turns since the last write action.
	idle := turn - w.lastWriteTurn
	if idle > cfg.IdleFatalTurns {
		return fcerr.Newf(fcerr.KindStagnation,
			"story %s: no write action for %d turns", w.storyID, idle)
	}
	if idle > cfg.IdleWarnTurns {
		w.sup.log.Warn("execution has gone idle",
			"task_id", w.taskID, "story_id", w.storyID, "turn", turn, "idle_turns", idle)
	}

	// No-op stall: the workspace diff shows zero changes despite claimed
	// progress. Diff checks are the expensive ones and run on their own
	// cadence.
	if w.repoDir != "" && turn >= cfg.NoopCheckStartTurn && turn%cfg.NoopCheckInterval == 0 {
		stats, err := w.sup.ws.DiffStats(ctx, w.repoDir)
		if err != nil {
			w.sup.log.Warn("diff check failed", "task_id", w.taskID, "story_id", w.storyID, "error", err)
			return nil
		}
		if stats.Empty() && turn > cfg.NoopFatalTurn {
			return fcerr.Newf(fcerr.KindStagnation,
				"story %s: no file changes after %d turns", w.storyID, turn)
		}
	}

	return nil
}
