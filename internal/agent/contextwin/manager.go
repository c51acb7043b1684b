// Package contextwin keeps the transcript inside the model's input budget.
// Before each model call the manager estimates the transcript's token cost;
// past the threshold it replaces the oldest span with one synthetic summary
// turn, preserving the most recent turns verbatim. Summarization failures
// fall back to hard truncation rather than blocking the turn.
package contextwin

import (
	"context"
	"errors"
	"fmt"

	"github.com/loopcore/agentd/internal/agent/session"
	"github.com/loopcore/agentd/internal/logging"
)

const (
	// DefaultThreshold is the budget fraction that triggers summarization.
	DefaultThreshold = 0.70
	// DefaultKeepRecent is how many trailing turns survive verbatim.
	DefaultKeepRecent = 6
	// truncationNotice replaces the summary when the summarizer itself fails.
	truncationNotice = "[Earlier conversation truncated to fit the context window.]"
)

// ErrContextOverflow means even hard truncation could not fit the budget.
var ErrContextOverflow = errors.New("transcript exceeds context budget after truncation")

// Summarizer produces a summary of a span of turns.
type Summarizer interface {
	Summarize(ctx context.Context, messages []session.Message) (string, error)
}

// Config tunes the manager.
type Config struct {
	Budget     int     `yaml:"budget"` // model input budget in tokens
	Threshold  float64 `yaml:"threshold"`
	KeepRecent int     `yaml:"keep_recent"`
}

// Manager enforces the context budget for one session store.
type Manager struct {
	store      *session.Store
	summarizer Summarizer
	budget     int
	threshold  float64
	keepRecent int
}

// New creates a manager. Zero config fields fall back to defaults; budget
// must be positive.
func New(store *session.Store, summarizer Summarizer, cfg Config) *Manager {
	threshold := cfg.Threshold
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	keep := cfg.KeepRecent
	if keep <= 0 {
		keep = DefaultKeepRecent
	}
	return &Manager{
		store:      store,
		summarizer: summarizer,
		budget:     cfg.Budget,
		threshold:  threshold,
		keepRecent: keep,
	}
}

// EnsureFits checks the transcript estimate against the threshold and
// summarizes the oldest span when needed. Returns the (possibly compacted)
// transcript to send. The most recent keepRecent turns, which include the
// latest user instruction and any in-flight tool results, are never
// summarized away.
func (m *Manager) EnsureFits(ctx context.Context, sessionID string, messages []session.Message) ([]session.Message, error) {
	if m.budget <= 0 {
		return messages, nil
	}

	estimate := EstimateTranscript(messages)
	if float64(estimate) <= m.threshold*float64(m.budget) {
		return messages, nil
	}

	keep := m.keepRecent
	if tail := latestUserTail(messages); tail > keep {
		keep = tail
	}
	if keep >= len(messages) {
		// Nothing old enough to summarize; the recent turns alone bust the
		// threshold. Proceed unless they exceed the hard budget.
		if estimate > m.budget {
			return nil, ErrContextOverflow
		}
		return messages, nil
	}

	span := messages[:len(messages)-keep]
	logging.Infof("[ContextWin] estimate %d tokens over %.0f%% of %d, summarizing %d turns",
		estimate, m.threshold*100, m.budget, len(span))

	summary, err := m.summarize(ctx, span)
	if err != nil {
		logging.Warnf("[ContextWin] summarizer failed (%v), falling back to truncation", err)
		summary = truncationNotice
	}

	if err := m.store.Compact(sessionID, summary, keep); err != nil {
		return nil, fmt.Errorf("failed to compact transcript: %w", err)
	}

	compacted, err := m.store.GetMessages(sessionID)
	if err != nil {
		return nil, err
	}

	if EstimateTranscript(compacted) <= m.budget {
		return compacted, nil
	}

	// Still over the hard budget; drop the summary detail and keep the bare
	// minimum of recent turns.
	minKeep := 2
	if tail := latestUserTail(compacted); tail > minKeep {
		minKeep = tail
	}
	if minKeep > len(compacted) {
		minKeep = len(compacted)
	}
	if err := m.store.Compact(sessionID, truncationNotice, minKeep); err != nil {
		return nil, fmt.Errorf("failed to truncate transcript: %w", err)
	}
	compacted, err = m.store.GetMessages(sessionID)
	if err != nil {
		return nil, err
	}
	if EstimateTranscript(compacted) > m.budget {
		return nil, ErrContextOverflow
	}
	return compacted, nil
}

// ForceCompact summarizes the oldest span regardless of the threshold. The
// loop uses it when the provider itself rejects the prompt as too large
// even though the local estimate fit.
func (m *Manager) ForceCompact(ctx context.Context, sessionID string, messages []session.Message) ([]session.Message, error) {
	keep := m.keepRecent
	if keep >= len(messages) {
		keep = len(messages) / 2
	}
	if tail := latestUserTail(messages); tail > keep {
		keep = tail
	}
	if keep < 1 || keep >= len(messages) {
		return nil, ErrContextOverflow
	}

	span := messages[:len(messages)-keep]
	summary, err := m.summarize(ctx, span)
	if err != nil {
		logging.Warnf("[ContextWin] summarizer failed (%v), falling back to truncation", err)
		summary = truncationNotice
	}
	if err := m.store.Compact(sessionID, summary, keep); err != nil {
		return nil, fmt.Errorf("failed to compact transcript: %w", err)
	}
	return m.store.GetMessages(sessionID)
}

// latestUserTail returns how many trailing messages must be preserved so
// the most recent user message survives, or 0 when the transcript has none.
func latestUserTail(messages []session.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return len(messages) - i
		}
	}
	return 0
}

// summarize runs the summarizer and appends preserved tool failures.
func (m *Manager) summarize(ctx context.Context, span []session.Message) (string, error) {
	if m.summarizer == nil {
		return "", errors.New("no summarizer configured")
	}
	summary, err := m.summarizer.Summarize(ctx, span)
	if err != nil {
		return "", err
	}
	if summary == "" {
		return "", errors.New("summarizer returned empty summary")
	}
	return summary + failuresSection(collectToolFailures(span)), nil
}
