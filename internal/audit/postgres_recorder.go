package audit

import (
	"context"
	"database/sql"
)

// PostgresRecorder writes audit entries to PostgreSQL.
type PostgresRecorder struct {
	db *sql.DB
}

// NewPostgresRecorder creates an audit recorder backed by PostgreSQL.
func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func (r *PostgresRecorder) Record(ctx context.Context, actorID, action, targetType, targetID, details string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor_id, action, target_type, target_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		actorID, action, targetType, targetID, nullString(details),
	)
	return err
}

func (r *PostgresRecorder) Query(ctx context.Context, targetType, targetID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, actor_id, action, target_type, target_id, COALESCE(details, ''), created_at
		FROM audit_log
		WHERE ($1 = '' OR target_type = $1)
		  AND ($2 = '' OR target_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, targetType, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresRecorder implements Recorder.
var _ Recorder = (*PostgresRecorder)(nil)
