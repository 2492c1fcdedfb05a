package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends operational audit events. These are provenance records for
// engine operations, separate from the domain log entries attached to assets.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, assetID, actorID int64, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_events(ts,type,asset_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullableID(assetID), actorID, string(data))
	return err
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
