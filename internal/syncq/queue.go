// Package syncq is the CLI's offline queue: admin writes that could not
// reach the server are stored under ~/.ggpay and replayed later with their
// original idempotency keys.
package syncq

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

type Command struct {
	Method         string         `json:"method"`
	Path           string         `json:"path"`
	Body           map[string]any `json:"body,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	QueuedAt       time.Time      `json:"queued_at"`
}

func queuePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".ggpay")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue.json"), nil
}

func Load() ([]Command, error) {
	path, err := queuePath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Command{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Command{}, nil
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func Save(commands []Command) error {
	path, err := queuePath()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(commands, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

func Push(cmd Command) error {
	commands, err := Load()
	if err != nil {
		return err
	}
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now().UTC()
	}
	commands = append(commands, cmd)
	return Save(commands)
}

type Failure struct {
	Command Command
	Err     error
}

type Result struct {
	Replayed  int
	Remaining int
	Dropped   []Failure
	Kept      []Failure
}

// Drain sends every queued command in order. Commands whose error retry
// accepts stay queued; the rest are dropped and reported.
func Drain(ctx context.Context, send func(context.Context, Command) error, retry func(error) bool) (Result, error) {
	queue, err := Load()
	if err != nil {
		return Result{}, err
	}
	var res Result
	remaining := make([]Command, 0, len(queue))
	for _, q := range queue {
		if ctx.Err() != nil {
			remaining = append(remaining, q)
			continue
		}
		if err := send(ctx, q); err != nil {
			if retry(err) {
				remaining = append(remaining, q)
				res.Kept = append(res.Kept, Failure{Command: q, Err: err})
			} else {
				res.Dropped = append(res.Dropped, Failure{Command: q, Err: err})
			}
			continue
		}
		res.Replayed++
	}
	res.Remaining = len(remaining)
	return res, Save(remaining)
}
