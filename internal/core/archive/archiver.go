package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/abhi1693/openclaw-agency/internal/core/store"
	"github.com/abhi1693/openclaw-agency/internal/util/timefmt"
)

// sweepBatch bounds how many events one archive file holds, keeping
// memory flat no matter how far behind the sweep is.
const sweepBatch = 1000

// Archiver drains system events older than the retention TTL into
// zstd-compressed JSONL files, one batch per file.
type Archiver struct {
	st  *store.Store
	dir string
	ttl time.Duration
}

// New creates an Archiver writing into dir. A zero or negative ttl
// disables sweeping entirely.
func New(st *store.Store, dir string, ttl time.Duration) *Archiver {
	return &Archiver{st: st, dir: dir, ttl: ttl}
}

// Sweep archives and deletes every event past the TTL, reporting how
// many were drained. Files are written before rows are deleted, so a
// crash mid-sweep can duplicate an archive but never lose events.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	if a.ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-a.ttl)

	total := 0
	for seq := 1; ; seq++ {
		events, err := a.st.ListEventsBefore(ctx, cutoff, sweepBatch)
		if err != nil {
			return total, fmt.Errorf("list expired events: %w", err)
		}
		if len(events) == 0 {
			break
		}

		path, err := a.writeBatch(events, seq)
		if err != nil {
			return total, err
		}

		ids := make([]string, len(events))
		for i, ev := range events {
			ids[i] = ev.ID
		}
		n, err := a.st.DeleteEventsByIDs(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("delete archived events: %w", err)
		}
		total += int(n)
		slog.Info("archived events", "count", n, "file", path)
	}
	return total, nil
}

func (a *Archiver) writeBatch(events []store.SystemEvent, seq int) (string, error) {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		line := map[string]any{
			"id":              ev.ID,
			"organization_id": ev.OrgID,
			"event_type":      ev.EventType,
			"source":          ev.Source,
			"payload":         ev.Payload,
			"created_at":      timefmt.Format(ev.CreatedAt),
		}
		if ev.BoardID != "" {
			line["board_id"] = ev.BoardID
		}
		if ev.AgentID != "" {
			line["agent_id"] = ev.AgentID
		}
		if ev.TaskID != "" {
			line["task_id"] = ev.TaskID
		}
		if err := enc.Encode(line); err != nil {
			return "", fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
	}

	name := fmt.Sprintf("events-%s-%03d.jsonl.zst", time.Now().UTC().Format("20060102-150405"), seq)
	path := filepath.Join(a.dir, name)
	if err := os.WriteFile(path, Compress(buf.Bytes()), 0o644); err != nil {
		return "", fmt.Errorf("write archive file: %w", err)
	}
	return path, nil
}
