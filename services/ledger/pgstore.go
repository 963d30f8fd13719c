package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"attendd/pkg/db"
)

// PGStore keeps attendance in the attendance_records and class_enrollments
// tables created by the migrations in pkg/db/migrations.
type PGStore struct {
	q db.Querier
}

// NewPGStore wraps a pool or transaction.
func NewPGStore(q db.Querier) *PGStore {
	return &PGStore{q: q}
}

type recordRow struct {
	StudentID   string    `db:"student_id"`
	ClassID     string    `db:"class_id"`
	SessionDate time.Time `db:"session_date"`
	Timestamp   time.Time `db:"timestamp"`
	Status      string    `db:"status"`
}

const insertColumns = "student_id, class_id, session_date, timestamp, status"

func (s *PGStore) Insert(ctx context.Context, rec Record) error {
	_, err := db.Exec(ctx, s.q, `
INSERT INTO attendance_records (`+insertColumns+`)
VALUES ($1, $2, $3::date, $4, $5)
`, rec.StudentID, rec.ClassID, DateString(rec.SessionDate), rec.Timestamp, string(rec.Status))
	return conflictErr(err)
}

func (s *PGStore) InsertBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	query, args := buildBatchInsert(recs)
	_, err := db.Exec(ctx, s.q, query, args...)
	return conflictErr(err)
}

// buildBatchInsert renders a single multi-row INSERT so the batch commits
// or fails as a unit.
func buildBatchInsert(recs []Record) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO attendance_records (" + insertColumns + ") VALUES ")

	args := make([]any, 0, len(recs)*5)
	for i, rec := range recs {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * 5
		fmt.Fprintf(&b, "($%d, $%d, $%d::date, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, rec.StudentID, rec.ClassID, DateString(rec.SessionDate), rec.Timestamp, string(rec.Status))
	}
	return b.String(), args
}

func conflictErr(err error) error {
	if err != nil && db.IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PGStore) Find(ctx context.Context, key Key) (Record, error) {
	var row recordRow
	err := db.Get(ctx, s.q, &row, `
SELECT student_id, class_id, session_date, timestamp, status
FROM attendance_records
WHERE student_id = $1 AND class_id = $2 AND session_date = $3::date
`, key.StudentID, key.ClassID, key.SessionDate)
	if err != nil {
		if db.IsNoRows(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return Record{
		StudentID:   row.StudentID,
		ClassID:     row.ClassID,
		SessionDate: Date(row.SessionDate),
		Timestamp:   row.Timestamp.UTC(),
		Status:      Status(row.Status),
	}, nil
}

func (s *PGStore) Update(ctx context.Context, rec Record) error {
	tag, err := db.Exec(ctx, s.q, `
UPDATE attendance_records
SET status = $4, timestamp = $5, updated_at = now()
WHERE student_id = $1 AND class_id = $2 AND session_date = $3::date
`, rec.StudentID, rec.ClassID, DateString(rec.SessionDate), string(rec.Status), rec.Timestamp)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Enroll(ctx context.Context, classID string, studentIDs []string) error {
	if len(studentIDs) == 0 {
		return nil
	}
	_, err := db.Exec(ctx, s.q, `
INSERT INTO class_enrollments (class_id, student_id)
SELECT $1, unnest($2::text[])
ON CONFLICT (class_id, student_id) DO NOTHING
`, classID, studentIDs)
	return err
}

func (s *PGStore) Enrolled(ctx context.Context, classID string) ([]string, error) {
	var ids []string
	err := db.Select(ctx, s.q, &ids, `
SELECT student_id FROM class_enrollments WHERE class_id = $1 ORDER BY student_id
`, classID)
	return ids, err
}

func (s *PGStore) Recorded(ctx context.Context, classID string, sessionDate time.Time) ([]string, error) {
	var ids []string
	err := db.Select(ctx, s.q, &ids, `
SELECT student_id FROM attendance_records
WHERE class_id = $1 AND session_date = $2::date
ORDER BY student_id
`, classID, DateString(sessionDate))
	return ids, err
}
