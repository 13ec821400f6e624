package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/magistral/rxcycle/internal/infrastructure/postgres"
	"github.com/magistral/rxcycle/internal/infrastructure/redpanda"
)

const foreignKeyViolation = "23503"

// Repository provides recipe persistence
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// ListChronicPatients returns every patient flagged as chronic
func (r *Repository) ListChronicPatients(ctx context.Context) ([]Patient, error) {
	query := `
		SELECT id, name, is_chronic, locale
		FROM patients
		WHERE is_chronic
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list chronic patients: %w", err)
	}
	defer rows.Close()

	var patients []Patient
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.Name, &p.IsChronic, &p.Locale); err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

// LoadPatient retrieves a patient by ID
func (r *Repository) LoadPatient(ctx context.Context, id string) (Patient, error) {
	query := `SELECT id, name, is_chronic, locale FROM patients WHERE id = $1`

	var p Patient
	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.IsChronic, &p.Locale)
	if errors.Is(err, pgx.ErrNoRows) {
		return Patient{}, fmt.Errorf("patient %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Patient{}, fmt.Errorf("load patient: %w", err)
	}
	return p, nil
}

// ListRecipes returns the patient's recipes in creation order with their
// audit trails in append order.
func (r *Repository) ListRecipes(ctx context.Context, patientID string) ([]Recipe, error) {
	query := `
		SELECT id, patient_id, status, is_magistral, due_date, created_at, items
		FROM recipes
		WHERE patient_id = $1
		ORDER BY created_at ASC, seq ASC
	`

	rows, err := r.pool.Query(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}

	var recipes []Recipe
	index := make(map[string]int)
	for rows.Next() {
		var rec Recipe
		var items []byte
		if err := rows.Scan(&rec.ID, &rec.PatientID, &rec.Status, &rec.Magistral,
			&rec.DueDate, &rec.CreatedAt, &items); err != nil {
			rows.Close()
			return nil, err
		}
		if len(items) > 0 {
			if err := json.Unmarshal(items, &rec.Items); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode items of recipe %s: %w", rec.ID, err)
			}
		}
		index[rec.ID] = len(recipes)
		recipes = append(recipes, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(recipes) == 0 {
		return recipes, nil
	}

	auditQuery := `
		SELECT a.recipe_id, a.entry_date, a.status, a.note
		FROM recipe_audit a
		JOIN recipes r ON r.id = a.recipe_id
		WHERE r.patient_id = $1
		ORDER BY a.recipe_id, a.seq ASC
	`
	auditRows, err := r.pool.Query(ctx, auditQuery, patientID)
	if err != nil {
		return nil, fmt.Errorf("list audit trail: %w", err)
	}
	defer auditRows.Close()

	for auditRows.Next() {
		var recipeID string
		var e AuditEntry
		if err := auditRows.Scan(&recipeID, &e.Date, &e.Status, &e.Note); err != nil {
			return nil, err
		}
		if i, ok := index[recipeID]; ok {
			recipes[i].AuditTrail = append(recipes[i].AuditTrail, e)
		}
	}
	return recipes, auditRows.Err()
}

// Load retrieves a recipe aggregate by ID
func (r *Repository) Load(ctx context.Context, recipeID string) (*Aggregate, error) {
	var patientID string
	err := r.pool.QueryRow(ctx, `SELECT patient_id FROM recipes WHERE id = $1`, recipeID).Scan(&patientID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recipe %s: %w", recipeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load recipe: %w", err)
	}

	recipes, err := r.ListRecipes(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recipes {
		if rec.ID == recipeID {
			return NewAggregate(rec), nil
		}
	}
	return nil, fmt.Errorf("recipe %s: %w", recipeID, ErrNotFound)
}

// Save persists uncommitted changes: the recipe row, the appended audit
// entries and one outbox entry per event, in a single transaction. It
// returns ErrConflict when the recipe changed since it was loaded.
func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := agg.Recipe()
	if err := r.writeRecipe(ctx, tx, rec, agg.stored); err != nil {
		return err
	}

	for _, entry := range agg.PendingAudit() {
		_, err := tx.Exec(ctx, `
			INSERT INTO recipe_audit (recipe_id, entry_date, status, note)
			VALUES ($1, $2, $3, $4)
		`, rec.ID, entry.Date, entry.Status, entry.Note)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}

	for _, event := range changes {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    redpanda.TopicRecipeEvents,
			KafkaKey:      event.PatientID,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("recipe saved",
		zap.String("recipe_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int("events", len(changes)))

	agg.ClearChanges()
	return nil
}

// writeRecipe inserts a new recipe or moves a stored one to its new status.
// The update only applies while the row still has the status the aggregate
// was loaded with.
func (r *Repository) writeRecipe(ctx context.Context, tx pgx.Tx, rec Recipe, stored Status) error {
	if stored == "" {
		items, err := json.Marshal(rec.Items)
		if err != nil {
			return fmt.Errorf("encode items: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO recipes (id, patient_id, status, is_magistral, due_date, created_at, items)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, rec.ID, rec.PatientID, rec.Status, rec.Magistral, rec.DueDate, rec.CreatedAt, items)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return fmt.Errorf("patient %s: %w", rec.PatientID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("insert recipe: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("recipe %s already exists: %w", rec.ID, ErrConflict)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE recipes
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, rec.ID, rec.Status, stored)
	if err != nil {
		return fmt.Errorf("update recipe: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recipe %s is no longer %s: %w", rec.ID, stored, ErrConflict)
	}
	return nil
}
