// Package agentcli implements the agentexec.Executor interface by running a
// coding-agent CLI as a subprocess and consuming its JSONL event stream.
package agentcli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/port/agentexec"
)

const executorName = "agentcli"

// maxLineBytes bounds a single streamed event line.
const maxLineBytes = 1 << 20

// Executor runs agent sessions through a CLI binary. The binary receives the
// prompt on stdin and emits one JSON event per stdout line.
type Executor struct {
	cfg config.Agent
	log *slog.Logger
}

// New creates a CLI-backed executor.
func New(cfg config.Agent, log *slog.Logger) *Executor {
	return &Executor{cfg: cfg, log: log}
}

// Name returns "agentcli".
func (e *Executor) Name() string { return executorName }

// Capabilities returns what the CLI executor supports.
func (e *Executor) Capabilities() agentexec.Capabilities {
	return agentexec.Capabilities{Streaming: true, Cancellable: true}
}

// streamLine is the wire shape of one stdout line from the agent binary.
type streamLine struct {
	Type   string `json:"type"` // "turn" or "result"
	Turn   int    `json:"turn,omitempty"`
	Action string `json:"action,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Path   string `json:"path,omitempty"`
	Detail string `json:"detail,omitempty"`

	Output    string         `json:"output,omitempty"`
	Usage     *agentexec.Usage `json:"usage,omitempty"`
	CostUSD   float64        `json:"cost_usd,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Execute runs the agent session until it finishes, ctx is cancelled, or mon
// aborts the stream.
func (e *Executor) Execute(ctx context.Context, req agentexec.Request, mon agentexec.Monitor) (*agentexec.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExecuteTimeout)
	defer cancel()

	model := req.ModelID
	if model == "" {
		model = e.cfg.ModelID
	}

	args := []string{
		"--role", string(req.Role),
		"--model", model,
		"--workspace", req.WorkspacePath,
		"--output", "jsonl",
	}
	for _, tool := range req.ToolAllowList {
		args = append(args, "--allow-tool", tool)
	}
	for _, att := range req.Attachments {
		args = append(args, "--attach", att)
	}

	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	cmd.Dir = req.WorkspacePath
	cmd.Env = append(cmd.Environ(), "AGENT_API_KEY="+req.Credential)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agentcli: stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agentcli: stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fcerr.Wrap(fcerr.KindTransient, "agentcli: start agent", err)
	}

	go func() {
		defer func() { _ = stdin.Close() }()
		_, _ = stdin.Write([]byte(req.Prompt))
	}()

	result, monErr := e.consume(ctx, req, mon, stdout)
	if monErr != nil {
		cancel() // kill the agent process before reaping it
	}

	waitErr := cmd.Wait()
	if monErr != nil {
		// The monitor aborted the stream; its classification wins over the
		// kill-induced exit error.
		return nil, monErr
	}
	if ctx.Err() != nil {
		return nil, fcerr.Wrap(fcerr.KindTransient, "agentcli: execution cancelled", ctx.Err())
	}
	if waitErr != nil {
		return nil, fcerr.Wrap(fcerr.KindTransient, "agentcli: agent exited", waitErr)
	}
	if result == nil {
		return nil, fcerr.New(fcerr.KindFatal, "agentcli: agent produced no result event")
	}
	return result, nil
}

// consume reads the JSONL stream, forwarding turn events to the monitor. It
// returns the final result line, and the monitor's error if it aborted.
func (e *Executor) consume(ctx context.Context, req agentexec.Request, mon agentexec.Monitor, r io.Reader) (*agentexec.Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var result *agentexec.Result
	for scanner.Scan() {
		var line streamLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			e.log.Debug("agent emitted non-json line", "task_id", req.TaskID, "line", scanner.Text())
			continue
		}
		switch line.Type {
		case "turn":
			if mon == nil {
				continue
			}
			ev := agentexec.TurnEvent{
				Turn:   line.Turn,
				Action: agentexec.Action(line.Action),
				Tool:   line.Tool,
				Path:   line.Path,
				Detail: line.Detail,
				At:     time.Now(),
			}
			if err := mon.OnTurn(ctx, ev); err != nil {
				return nil, err
			}
		case "result":
			if line.Error != "" {
				return nil, fcerr.New(fcerr.KindFatal, "agentcli: "+line.Error)
			}
			result = &agentexec.Result{
				Output:    line.Output,
				CostUSD:   line.CostUSD,
				SessionID: line.SessionID,
			}
			if line.Usage != nil {
				result.Usage = *line.Usage
			}
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, ctx.Err()) {
		e.log.Warn("agent stream read failed", "task_id", req.TaskID, "error", err)
	}
	return result, nil
}
