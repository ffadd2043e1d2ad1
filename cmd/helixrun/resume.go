package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"helixrun/internal/ledger"
	"helixrun/internal/turn"
)

var errStop = errors.New("stop walking")

// resolveResume finds where a saved session lives: the ledger first, then
// codex's rollout files under sessionsDir.
func resolveResume(ctx context.Context, store *ledger.Store, sessionsDir, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("session id is empty")
	}
	if store != nil {
		rec, err := store.GetSession(ctx, id)
		switch {
		case err == nil:
			return rec.RolloutPath, nil
		case !errors.Is(err, ledger.ErrSessionNotFound):
			return "", fmt.Errorf("look up session %s: %w", id, err)
		}
	}
	if path := findRollout(sessionsDir, id); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("no saved session found with ID %s", id)
}

// findRollout looks for rollout-*-<id>.jsonl anywhere under root.
func findRollout(root, id string) string {
	if root == "" {
		return ""
	}
	suffix := "-" + id + ".jsonl"
	var matched string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() || !strings.HasPrefix(name, "rollout-") || !strings.HasSuffix(name, suffix) {
			return nil
		}
		matched = path
		return errStop
	})
	return matched
}

// recorder writes sessions and turns to the ledger. Failures are logged;
// a broken ledger never fails a turn.
type recorder struct {
	store  *ledger.Store
	logger *slog.Logger
	id     string
}

func (r *recorder) session(ctx context.Context, rec ledger.SessionRecord) {
	if r.store == nil || rec.ID == "" {
		return
	}
	r.id = rec.ID
	if err := r.store.RecordSession(ctx, rec); err != nil {
		r.logger.Warn("record session", "session_id", rec.ID, "err", err)
	}
}

func (r *recorder) turn(ctx context.Context, prompt string, result *turn.Result) {
	if r.store == nil || r.id == "" {
		return
	}
	evs, err := json.Marshal(result.Events)
	if err != nil {
		r.logger.Warn("encode turn events", "err", err)
		evs = []byte("[]")
	}
	rec := ledger.TurnRecord{
		SessionID: r.id,
		Prompt:    prompt,
		Reasoning: result.Reasoning,
		Errors:    result.Errors,
		Events:    evs,
		Completed: result.Completed(),
	}
	if result.FinalMessage != nil {
		rec.FinalMessage = *result.FinalMessage
	}
	if result.Usage != nil {
		rec.InputTokens = result.Usage.InputTokens
		rec.CachedInputTokens = result.Usage.CachedInputTokens
		rec.OutputTokens = result.Usage.OutputTokens
	}
	if _, err := r.store.RecordTurn(ctx, rec); err != nil {
		r.logger.Warn("record turn", "session_id", r.id, "err", err)
	}
}
