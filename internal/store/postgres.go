package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	DB       *pgxpool.Pool
	LockWait time.Duration
}

func NewPostgres(db *pgxpool.Pool, lockWait time.Duration) *Postgres {
	if lockWait <= 0 {
		lockWait = 20 * time.Second
	}
	return &Postgres{DB: db, LockWait: lockWait}
}

func (s *Postgres) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

const caseColumns = `line_id,user_key,case_id,case_key,folder_ref,status,last_activity`

func (s *Postgres) getCase(ctx context.Context, where string, arg any) (CaseRow, error) {
	var row CaseRow
	err := s.DB.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE `+where, arg).
		Scan(&row.LineID, &row.UserKey, &row.CaseID, &row.CaseKey, &row.FolderRef, &row.Status, &row.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return CaseRow{}, ErrNotFound
	}
	return row, err
}

func (s *Postgres) GetCaseByKey(ctx context.Context, caseKey string) (CaseRow, error) {
	return s.getCase(ctx, `case_key=$1`, caseKey)
}

func (s *Postgres) GetCaseByID(ctx context.Context, caseID string) (CaseRow, error) {
	return s.getCase(ctx, `case_id=$1`, caseID)
}

func (s *Postgres) GetCaseByLineID(ctx context.Context, lineID string) (CaseRow, error) {
	// A line id can own several cases over time; the most recently active one
	// is the resolution candidate.
	var row CaseRow
	err := s.DB.QueryRow(ctx, `
SELECT `+caseColumns+`
FROM cases
WHERE line_id=$1
ORDER BY last_activity DESC, case_key DESC
LIMIT 1
`, lineID).Scan(&row.LineID, &row.UserKey, &row.CaseID, &row.CaseKey, &row.FolderRef, &row.Status, &row.LastActivity)
	if errors.Is(err, pgx.ErrNoRows) {
		return CaseRow{}, ErrNotFound
	}
	return row, err
}

func (s *Postgres) UpsertCase(ctx context.Context, row CaseRow) error {
	if row.LastActivity.IsZero() {
		row.LastActivity = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO cases(line_id,user_key,case_id,case_key,folder_ref,status,last_activity)
VALUES($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (case_key) DO UPDATE SET
  line_id=CASE WHEN EXCLUDED.line_id<>'' THEN EXCLUDED.line_id ELSE cases.line_id END,
  folder_ref=CASE WHEN EXCLUDED.folder_ref<>'' THEN EXCLUDED.folder_ref ELSE cases.folder_ref END,
  status=CASE WHEN EXCLUDED.status<>'' THEN EXCLUDED.status ELSE cases.status END,
  last_activity=EXCLUDED.last_activity
`, row.LineID, row.UserKey, row.CaseID, row.CaseKey, row.FolderRef, row.Status, row.LastActivity.UTC())
	return err
}

func (s *Postgres) SetCaseFolder(ctx context.Context, caseKey, folderRef string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE cases SET folder_ref=$2, last_activity=now() WHERE case_key=$1
`, caseKey, folderRef)
	return err
}

func (s *Postgres) GetContactByEmail(ctx context.Context, email string) (ContactRow, error) {
	var row ContactRow
	err := s.DB.QueryRow(ctx, `
SELECT line_id,email,email_hash,user_key,active_case_id
FROM contacts
WHERE lower(email)=lower($1)
ORDER BY updated_at DESC
LIMIT 1
`, strings.TrimSpace(email)).Scan(&row.LineID, &row.Email, &row.EmailHash, &row.UserKey, &row.ActiveCaseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ContactRow{}, ErrNotFound
	}
	return row, err
}

func (s *Postgres) GetContactByLineID(ctx context.Context, lineID string) (ContactRow, error) {
	var row ContactRow
	err := s.DB.QueryRow(ctx, `
SELECT line_id,email,email_hash,user_key,active_case_id
FROM contacts
WHERE line_id=$1
`, lineID).Scan(&row.LineID, &row.Email, &row.EmailHash, &row.UserKey, &row.ActiveCaseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ContactRow{}, ErrNotFound
	}
	return row, err
}

func (s *Postgres) UpsertContact(ctx context.Context, row ContactRow) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO contacts(line_id,email,email_hash,user_key,active_case_id,updated_at)
VALUES($1,$2,$3,$4,$5,now())
ON CONFLICT (line_id) DO UPDATE SET
  email=CASE WHEN EXCLUDED.email<>'' THEN EXCLUDED.email ELSE contacts.email END,
  email_hash=CASE WHEN EXCLUDED.email_hash<>'' THEN EXCLUDED.email_hash ELSE contacts.email_hash END,
  user_key=CASE WHEN EXCLUDED.user_key<>'' THEN EXCLUDED.user_key ELSE contacts.user_key END,
  active_case_id=CASE WHEN EXCLUDED.active_case_id<>'' THEN EXCLUDED.active_case_id ELSE contacts.active_case_id END,
  updated_at=now()
`, row.LineID, row.Email, row.EmailHash, row.UserKey, row.ActiveCaseID)
	return err
}

func (s *Postgres) LastSeq(ctx context.Context, caseID, formKey string) (int, error) {
	var last int
	err := s.DB.QueryRow(ctx, `
SELECT COALESCE(MAX(seq),0) FROM submissions WHERE case_id=$1 AND form_key=$2 AND status<>'void'
`, caseID, formKey).Scan(&last)
	return last, err
}

const submissionColumns = `case_id,form_key,submission_id,seq,supersedes_seq,status,submitted_at,case_key,user_key,line_id,locked_reason,can_edit,reopened_at,reopen_until,reopened_by`

func scanSubmission(row pgx.Row) (SubmissionRow, error) {
	var r SubmissionRow
	err := row.Scan(&r.CaseID, &r.FormKey, &r.SubmissionID, &r.Seq, &r.SupersedesSeq, &r.Status, &r.SubmittedAt,
		&r.CaseKey, &r.UserKey, &r.LineID, &r.LockedReason, &r.CanEdit, &r.ReopenedAt, &r.ReopenUntil, &r.ReopenedBy)
	return r, err
}

func (s *Postgres) GetSubmission(ctx context.Context, caseID, formKey, submissionID string) (SubmissionRow, error) {
	r, err := scanSubmission(s.DB.QueryRow(ctx, `
SELECT `+submissionColumns+`
FROM submissions
WHERE case_id=$1 AND form_key=$2 AND submission_id=$3
`, caseID, formKey, submissionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return SubmissionRow{}, ErrNotFound
	}
	return r, err
}

func (s *Postgres) InsertSubmission(ctx context.Context, row SubmissionRow) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO submissions(`+submissionColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (case_id,form_key,submission_id) DO NOTHING
`, row.CaseID, row.FormKey, row.SubmissionID, row.Seq, row.SupersedesSeq, row.Status, row.SubmittedAt.UTC(),
		row.CaseKey, row.UserKey, row.LineID, row.LockedReason, row.CanEdit, row.ReopenedAt, row.ReopenUntil, row.ReopenedBy)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ListSubmissions(ctx context.Context, caseID string) ([]SubmissionRow, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+submissionColumns+`
FROM submissions
WHERE case_id=$1 AND status<>'void'
ORDER BY form_key ASC, seq ASC
`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubmissionRow
	for rows.Next() {
		r, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) VoidSubmission(ctx context.Context, caseID, formKey string, seq int, reason string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE submissions SET status='void', locked_reason=$4
WHERE case_id=$1 AND form_key=$2 AND seq=$3
`, caseID, formKey, seq, reason)
	return err
}

func (s *Postgres) InsertAck(ctx context.Context, caseID, formKey, kind string, at time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO acknowledgements(case_id,form_key,kind,acked_at)
VALUES($1,$2,$3,$4)
ON CONFLICT (case_id,form_key,kind) DO NOTHING
`, caseID, formKey, kind, at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// WithCaseLock serializes on a transaction-scoped advisory lock keyed by the
// case key, so two concurrent inbound artifacts cannot allocate two folders
// or race the same seq for one logical case.
func (s *Postgres) WithCaseLock(ctx context.Context, caseKey string, fn func(context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.LockWait)
	defer cancel()

	tx, err := s.DB.Begin(lockCtx)
	if err != nil {
		return err
	}
	defer tx.Rollback(lockCtx)

	if _, err := tx.Exec(lockCtx, `SELECT pg_advisory_xact_lock(hashtext($1))`, caseKey); err != nil {
		return err
	}
	if err := fn(lockCtx); err != nil {
		return err
	}
	return tx.Commit(lockCtx)
}
