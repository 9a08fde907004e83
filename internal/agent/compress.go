package agent

import (
	"context"

	"github.com/tinabots/tina/internal/history"
	"github.com/tinabots/tina/internal/provider"
	"github.com/tinabots/tina/internal/task"
)

const compressSystemPrompt = "You are a helpful assistant. Summarize the conversation."

// maybeCompress compresses the task when it has crossed the turn threshold
// with a live session pointer. Failure leaves state unchanged; the next
// eligible turn retries.
func (a *Agent) maybeCompress(ctx context.Context, taskID string) {
	t, err := a.tasks.Get(taskID)
	if err != nil || t == nil {
		return
	}
	if !task.NeedsCompression(t, a.cfg.Memory.CompressAfterTurns) {
		return
	}
	if _, err := a.compress(ctx, t); err != nil {
		a.logger.Error("compression failed", "task", t.ID, "error", err)
	}
}

// ForceCompress compresses regardless of the turn threshold. Returns the
// summary, or "" when there is nothing to compress (no session pointer for a
// stateful backend, no real exchanges for a stateless one).
func (a *Agent) ForceCompress(ctx context.Context, t *task.Task) (string, error) {
	if a.prov.Stateful() {
		if t.SessionID == "" {
			return "", nil
		}
	} else {
		entries, err := a.hist.Get(t.ID)
		if err != nil {
			return "", err
		}
		if history.CountExchanges(entries) == 0 {
			return "", nil
		}
	}
	return a.compress(ctx, t)
}

// compress runs one read-only summarization round trip and commits the
// result. An empty summary is logged and discarded, leaving the task as it
// was.
func (a *Agent) compress(ctx context.Context, t *task.Task) (string, error) {
	a.logger.Info("compressing task", "task", t.ID, "turns", t.TurnCount)

	var turn *provider.Turn
	var err error
	if a.prov.Stateful() {
		// Summarize through the live session so the provider's own
		// context is the source of truth.
		turn, err = a.prov.StreamTurn(ctx, provider.TurnRequest{
			Model:     a.cfg.Agent.Model,
			Prompt:    compressionPrompt,
			SessionID: t.SessionID,
			NoTools:   true,
		}, provider.Hooks{})
	} else {
		entries, herr := a.hist.Get(t.ID)
		if herr != nil {
			return "", herr
		}
		if len(entries) > 0 && entries[0].Kind == history.KindSystem {
			entries[0].Content = compressSystemPrompt
		}
		entries = append(entries, history.Entry{Kind: history.KindUser, Content: compressionPrompt})
		turn, err = a.prov.StreamTurn(ctx, provider.TurnRequest{
			Model:        a.cfg.Agent.Model,
			Instructions: compressSystemPrompt,
			Entries:      entries,
			NoTools:      true,
		}, provider.Hooks{})
	}
	if err != nil {
		return "", err
	}
	if turn.Text == "" {
		a.logger.Warn("compression returned empty summary", "task", t.ID)
		return "", nil
	}

	if err := a.tasks.SaveSummary(t.ID, turn.Text); err != nil {
		return "", err
	}
	if !a.prov.Stateful() {
		// The summary now stands in for the raw exchanges.
		if err := a.hist.Clear(t.ID); err != nil {
			a.logger.Warn("clear history failed", "task", t.ID, "error", err)
		}
	}
	return turn.Text, nil
}
