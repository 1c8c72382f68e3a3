package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	ProjectCreated   = "project.created"
	ProjectDeleted   = "project.deleted"
	HierarchyCreated = "hierarchy.created"
	TeamCreated      = "team.created"
	ActivityCreated  = "activity.created"
	UserCreated      = "user.created"
	UserAssigned     = "assignment.created"
	UserUnassigned   = "assignment.deleted"
	TaskCreated      = "task.created"
	TaskStarted      = "task.started"
	TaskCompleted    = "task.completed"
	ProgressUpdated  = "progress.updated"
	APIKeyCreated    = "apikey.created"
	APIKeyRevoked    = "apikey.revoked"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside tx so it commits or rolls back with
// the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
