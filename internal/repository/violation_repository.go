package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ViolationRepository provides data access for persisted proctoring
// violations.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

// Insert stores a single violation record.
func (r *ViolationRepository) Insert(ctx context.Context, rec *model.ViolationRecord) error {
	sessionID, err := uuid.Parse(rec.SessionID)
	if err != nil {
		return err
	}
	examID, err := uuid.Parse(rec.ExamID)
	if err != nil {
		return err
	}

	var snapshot *string
	if rec.SnapshotBase64 != "" {
		snapshot = &rec.SnapshotBase64
	}

	return r.pool.QueryRow(ctx,
		`INSERT INTO proctor_violations
		    (session_id, exam_id, student_id, violation_type, severity, message, confidence, snapshot_base64, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		sessionID, examID, rec.StudentID, rec.Type, rec.Severity, rec.Message,
		rec.Confidence, snapshot, rec.DetectedAt,
	).Scan(&rec.ID)
}

// ListBySession returns all violations for one proctored session, oldest
// first.
func (r *ViolationRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.ViolationRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, exam_id, student_id, violation_type, severity, message, confidence, COALESCE(snapshot_base64, ''), detected_at
		 FROM proctor_violations
		 WHERE session_id = $1
		 ORDER BY detected_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.ViolationRecord
	for rows.Next() {
		var rec model.ViolationRecord
		var sid, eid uuid.UUID
		if err := rows.Scan(&rec.ID, &sid, &eid, &rec.StudentID, &rec.Type, &rec.Severity, &rec.Message, &rec.Confidence, &rec.SnapshotBase64, &rec.DetectedAt); err != nil {
			return nil, err
		}
		rec.SessionID = sid.String()
		rec.ExamID = eid.String()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetViolationCounts returns the number of violations recorded for each
// student in the given exam.
func (r *ViolationRepository) GetViolationCounts(ctx context.Context, examID uuid.UUID) (map[int]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT student_id, COUNT(*)
		 FROM proctor_violations
		 WHERE exam_id = $1
		 GROUP BY student_id`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var sid int
		var count int64
		if err := rows.Scan(&sid, &count); err != nil {
			return nil, err
		}
		counts[sid] = count
	}

	return counts, rows.Err()
}
