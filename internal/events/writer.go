package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeSubJobAdded    = "subjob.added"
	TypeSubJobDeleted  = "subjob.deleted"
	TypeSubJobRepaired = "subjob.repaired"
	TypeWarning        = "pipeline.warning"
	TypeRun            = "pipeline.run"
)

// Writer appends pipeline events in the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, pipeline, job string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,pipeline,job,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(runID), pipeline, nullable(job), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
