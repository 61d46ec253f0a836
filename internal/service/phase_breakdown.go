package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/forgecrew/forgecrew/internal/domain/event"
	"github.com/forgecrew/forgecrew/internal/domain/fcerr"
	"github.com/forgecrew/forgecrew/internal/domain/phase"
	"github.com/forgecrew/forgecrew/internal/domain/task"
	"github.com/forgecrew/forgecrew/internal/port/agentexec"
)

// BreakdownContract names the schema the architect's output must satisfy.
const BreakdownContract = "breakdown"

// BreakdownSchema is the JSON Schema for the architect's epic/story output.
const BreakdownSchema = `{
  "type": "object",
  "required": ["epics"],
  "properties": {
    "epics": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["repository_id", "name", "stories"],
        "properties": {
          "repository_id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "conventions": {"type": "string"},
          "stories": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["title"],
              "properties": {
                "title": {"type": "string", "minLength": 1},
                "description": {"type": "string"},
                "files_to_read": {"type": "array", "items": {"type": "string"}},
                "files_to_modify": {"type": "array", "items": {"type": "string"}},
                "files_to_create": {"type": "array", "items": {"type": "string"}}
              }
            }
          }
        }
      }
    }
  }
}`

// breakdownPhase asks the architect agent to decompose the requirements into
// epics and stories, then enforces the structural invariants of the plan.
type breakdownPhase struct {
	base
}

func newBreakdownPhase(deps *PhaseDeps) *breakdownPhase {
	return &breakdownPhase{base{deps: deps, name: phase.TaskBreakdown}}
}

func (p *breakdownPhase) Execute(ctx context.Context, octx *OrchContext) phase.Result {
	var repos strings.Builder
	for _, r := range octx.Repositories {
		fmt.Fprintf(&repos, "- id=%s name=%s\n", r.ID, r.Name)
	}

	prompt := fmt.Sprintf(`Decompose the task into epics and stories.

%s
Rules:
- Each epic targets exactly one repository (use the repository id).
- Each story lists the files it will read, modify, and create.
- Stories from different epics must never modify or create the same file.
- Include naming conventions and shared API contracts per epic so
  implementations stay consistent across repositories.

Repositories:
%s
Respond with a JSON object: {"epics": [...]}.`,
		octx.PromptContext(), repos.String())

	data, err := p.runStructured(ctx, octx, agentexec.Request{
		Role:      agentexec.RoleArchitect,
		AgentName: "architect",
		Prompt:    prompt,
	}, BreakdownContract)
	if err != nil {
		return phase.Fail(err)
	}

	var parsed struct {
		Epics []task.Epic `json:"epics"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return phase.Fail(fcerr.Wrap(fcerr.KindValidation, "decode breakdown", err))
	}

	epics := parsed.Epics
	for i := range epics {
		if epics[i].ID == "" {
			epics[i].ID = uuid.NewString()
		}
		if epics[i].BranchName == "" {
			epics[i].BranchName = "epic/" + slug(epics[i].Name)
		}
		for j := range epics[i].Stories {
			s := &epics[i].Stories[j]
			if s.ID == "" {
				s.ID = uuid.NewString()
			}
			s.EpicID = epics[i].ID
			s.Status = task.StoryPending
		}
	}

	if err := task.ValidateEpics(epics, octx.Task.RepositoryIDs); err != nil {
		return phase.Fail(fcerr.Wrap(fcerr.KindValidation, "breakdown rejected", err))
	}

	octx.Task.Orchestration.Epics = epics

	epicsJSON, err := json.Marshal(epics)
	if err != nil {
		return phase.Fail(fmt.Errorf("encode epics: %w", err))
	}
	if err := p.deps.Events.Emit(ctx, octx.Task.ID, event.TypeEpicsCreated, "architect",
		event.EpicsPayload{Epics: epicsJSON}); err != nil {
		return phase.Fail(err)
	}

	octx.RecordOutput(p.name, string(epicsJSON))
	return phase.OK(epicsJSON)
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
