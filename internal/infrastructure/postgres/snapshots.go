package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Snapshot is the latest proactive outcome stored for a patient
type Snapshot struct {
	PatientID         string    `json:"patient_id"`
	ReferenceRecipeID string    `json:"reference_recipe_id,omitempty"`
	Status            string    `json:"proactive_status"`
	Action            string    `json:"action_needed"`
	Message           string    `json:"proactive_message"`
	Rule              int       `json:"rule"`
	EvaluatedOn       string    `json:"evaluated_on"`
	RecordedAt        time.Time `json:"recorded_at"`
}

// SnapshotStore persists outcomes and emits an alert when one changes
type SnapshotStore struct {
	pool       *pgxpool.Pool
	alertTopic string
	logger     *zap.Logger
}

// NewSnapshotStore creates a snapshot store publishing changes to alertTopic
func NewSnapshotStore(pool *pgxpool.Pool, alertTopic string, logger *zap.Logger) *SnapshotStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotStore{pool: pool, alertTopic: alertTopic, logger: logger}
}

// Record upserts the snapshot. When status, action or reference recipe
// differ from the stored one, an outbox entry is written in the same
// transaction and changed is true.
func (s *SnapshotStore) Record(ctx context.Context, snap Snapshot) (changed bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var prevStatus, prevAction, prevRef string
	err = tx.QueryRow(ctx, `
		SELECT status, action, reference_recipe_id
		FROM proactive_snapshots
		WHERE patient_id = $1
		FOR UPDATE
	`, snap.PatientID).Scan(&prevStatus, &prevAction, &prevRef)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		changed = true
	case err != nil:
		return false, fmt.Errorf("read snapshot: %w", err)
	default:
		changed = prevStatus != snap.Status || prevAction != snap.Action || prevRef != snap.ReferenceRecipeID
	}

	snap.RecordedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO proactive_snapshots
			(patient_id, reference_recipe_id, status, action, message, rule, evaluated_on, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (patient_id) DO UPDATE
		SET reference_recipe_id = EXCLUDED.reference_recipe_id,
		    status = EXCLUDED.status,
		    action = EXCLUDED.action,
		    message = EXCLUDED.message,
		    rule = EXCLUDED.rule,
		    evaluated_on = EXCLUDED.evaluated_on,
		    recorded_at = EXCLUDED.recorded_at
	`, snap.PatientID, snap.ReferenceRecipeID, snap.Status, snap.Action, snap.Message,
		snap.Rule, snap.EvaluatedOn, snap.RecordedAt)
	if err != nil {
		return false, fmt.Errorf("upsert snapshot: %w", err)
	}

	if changed {
		payload, err := json.Marshal(snap)
		if err != nil {
			return false, fmt.Errorf("encode snapshot: %w", err)
		}
		if err := WriteEntry(ctx, tx, &OutboxEntry{
			AggregateID:   snap.PatientID,
			AggregateType: "Patient",
			EventType:     "ProactiveStatusChanged",
			Payload:       payload,
			KafkaTopic:    s.alertTopic,
			KafkaKey:      snap.PatientID,
		}); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	if changed {
		s.logger.Info("proactive status changed",
			zap.String("patient_id", snap.PatientID),
			zap.String("status", snap.Status),
			zap.String("action", snap.Action))
	}
	return changed, nil
}

// Latest returns the stored snapshot for a patient
func (s *SnapshotStore) Latest(ctx context.Context, patientID string) (*Snapshot, error) {
	snap := &Snapshot{PatientID: patientID}
	err := s.pool.QueryRow(ctx, `
		SELECT reference_recipe_id, status, action, message, rule, evaluated_on, recorded_at
		FROM proactive_snapshots
		WHERE patient_id = $1
	`, patientID).Scan(&snap.ReferenceRecipeID, &snap.Status, &snap.Action, &snap.Message,
		&snap.Rule, &snap.EvaluatedOn, &snap.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return snap, nil
}
