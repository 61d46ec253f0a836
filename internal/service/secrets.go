package service

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// SecretFinding is one detected secret with its location.
type SecretFinding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

// SecretsDetectionService redacts leaked credentials from agent output and
// event payloads before they are persisted or emitted.
type SecretsDetectionService struct {
	detector *detect.Detector
	log      *slog.Logger
}

// NewSecretsDetectionService builds a detector with the default gitleaks
// ruleset.
func NewSecretsDetectionService(log *slog.Logger) (*SecretsDetectionService, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("secrets detector: %w", err)
	}
	return &SecretsDetectionService{detector: detector, log: log}, nil
}

// Scan returns all secrets found in content.
func (s *SecretsDetectionService) Scan(content string) []SecretFinding {
	findings := s.detector.DetectString(content)
	out := make([]SecretFinding, 0, len(findings))
	for _, f := range findings {
		out = append(out, SecretFinding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
	}
	return out
}

// Redact replaces every detected secret in content with a rule-tagged
// placeholder and reports how many were redacted.
func (s *SecretsDetectionService) Redact(content string) (string, int) {
	findings := s.detector.DetectString(content)
	if len(findings) == 0 {
		return content, 0
	}
	redacted := content
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		redacted = strings.ReplaceAll(redacted, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	s.log.Warn("secrets redacted from agent output", "count", len(findings))
	return redacted, len(findings)
}
