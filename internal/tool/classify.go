package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/stagehand/internal/oracle"
	"go.uber.org/zap"
)

// Classifier turns a permanent tool failure into a recovery suggestion.
// It is best effort and must always return some text.
type Classifier interface {
	Suggest(ctx context.Context, toolID string, err error) string
}

// StaticClassifier maps the error taxonomy to canned suggestions.
type StaticClassifier struct{}

func (StaticClassifier) Suggest(_ context.Context, toolID string, err error) string {
	switch {
	case errors.Is(err, ErrToolTimeout):
		return fmt.Sprintf("%s did not finish in time; simplify the request or raise the tool timeout", toolID)
	case errors.Is(err, ErrDependencyFailed):
		return "a prerequisite step failed; re-plan the steps it depends on"
	case errors.Is(err, ErrSchedulerStopped), errors.Is(err, ErrCancelled):
		return "the run was stopped before the tool could finish"
	default:
		return fmt.Sprintf("check the parameters passed to %s against its schema and retry", toolID)
	}
}

const classifyPrompt = `You analyse tool failures in an automation engine and propose a recovery.
Reply with JSON only:
{"error_type": "...", "recovery_strategy": "...", "suggestion": "..."}`

// OracleClassifier asks the decision oracle to classify the failure and
// falls back to StaticClassifier when the oracle fails or answers badly.
type OracleClassifier struct {
	oracle oracle.Oracle
	logger *zap.Logger
}

// NewOracleClassifier creates a classifier backed by o.
func NewOracleClassifier(o oracle.Oracle, logger *zap.Logger) *OracleClassifier {
	return &OracleClassifier{oracle: o, logger: logger}
}

func (c *OracleClassifier) Suggest(ctx context.Context, toolID string, err error) string {
	user := fmt.Sprintf("Tool: %s\nError: %v", toolID, err)
	text, sendErr := c.oracle.Send(ctx, classifyPrompt, user)
	if sendErr != nil {
		c.logger.Warn("error classification failed", zap.String("tool", toolID), zap.Error(sendErr))
		return StaticClassifier{}.Suggest(ctx, toolID, err)
	}
	var analysis struct {
		ErrorType        string `json:"error_type"`
		RecoveryStrategy string `json:"recovery_strategy"`
		Suggestion       string `json:"suggestion"`
	}
	if oracle.DecodeJSON(text, &analysis) != nil || analysis.Suggestion == "" {
		if text != "" {
			return text
		}
		return StaticClassifier{}.Suggest(ctx, toolID, err)
	}
	c.logger.Debug("classified tool error",
		zap.String("tool", toolID),
		zap.String("type", analysis.ErrorType),
		zap.String("strategy", analysis.RecoveryStrategy))
	return analysis.Suggestion
}
