// Package ledger is the authoritative, append-only record of what was
// received, when, for which case and form, in what order. Rows carry
// monotonic per-(case, form) sequence numbers and a reopen/close lifecycle;
// historical rows are never rewritten.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Hynak-jp/Avance-basystem-sub000/internal/logger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/store"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/caseid"
)

var (
	ErrBadInput = errors.New("bad ledger input")
	ErrNoRows   = errors.New("no ledger rows for form")
)

// FormStatus is the per-form aggregate the status API reports. Reopen expiry
// is computed lazily at read time; no background timer exists.
type FormStatus struct {
	FormKey     string     `json:"form_key"`
	Status      string     `json:"status"`
	CanEdit     bool       `json:"can_edit"`
	ReopenedAt  *time.Time `json:"reopened_at,omitempty"`
	ReopenUntil *time.Time `json:"reopen_until,omitempty"`
	LastSeq     int        `json:"last_seq"`
}

type Ledger struct {
	Store store.Store
	Log   *logger.Logger
	Now   func() time.Time
	// OnMutate is invoked after every successful mutation for a case, so the
	// status read cache can be invalidated eagerly. Optional.
	OnMutate func(caseID string)
}

func New(st store.Store, log *logger.Logger) *Ledger {
	return &Ledger{Store: st, Log: log, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *Ledger) mutated(caseID string) {
	if l.OnMutate != nil {
		l.OnMutate(caseID)
	}
}

// Record appends a received row for (caseID, formKey, submissionID). A
// duplicate submission id is a successful no-op returning accepted=false and
// the seq of the existing row: retries are always safe.
func (l *Ledger) Record(ctx context.Context, id caseid.Identity, formKey, submissionID string) (accepted bool, seq int, err error) {
	formKey = strings.TrimSpace(formKey)
	submissionID = strings.TrimSpace(submissionID)
	if id.CaseID == "" || formKey == "" || submissionID == "" {
		return false, 0, fmt.Errorf("%w: case id, form key and submission id are required", ErrBadInput)
	}

	err = l.Store.WithCaseLock(ctx, lockKey(id), func(ctx context.Context) error {
		if existing, err := l.Store.GetSubmission(ctx, id.CaseID, formKey, submissionID); err == nil {
			seq = existing.Seq
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		last, err := l.Store.LastSeq(ctx, id.CaseID, formKey)
		if err != nil {
			return err
		}
		row := store.SubmissionRow{
			CaseID:        id.CaseID,
			FormKey:       formKey,
			SubmissionID:  submissionID,
			Seq:           last + 1,
			SupersedesSeq: last,
			Status:        store.StatusReceived,
			SubmittedAt:   l.now(),
			CaseKey:       id.CaseKey,
			UserKey:       id.UserKey,
			LineID:        id.LineID,
		}
		inserted, err := l.Store.InsertSubmission(ctx, row)
		if err != nil {
			return err
		}
		if !inserted {
			// Lost a race outside our lock scope; surface the winner's seq.
			existing, err := l.Store.GetSubmission(ctx, id.CaseID, formKey, submissionID)
			if err != nil {
				return err
			}
			seq = existing.Seq
			return nil
		}
		accepted, seq = true, row.Seq
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	if accepted {
		l.Log.Info("submission recorded",
			"case_id", id.CaseID, "form_key", formKey, "seq", seq, "supersedes", seq-1)
		l.mutated(id.CaseID)
	}
	return accepted, seq, nil
}

// Reopen appends a reopened row for an already-submitted form. The form
// closes again either by a subsequent Record (the applicant resubmits) or by
// reopenUntil passing, as observed lazily by readers.
func (l *Ledger) Reopen(ctx context.Context, id caseid.Identity, formKey string, until *time.Time, reason, by string) (seq int, err error) {
	formKey = strings.TrimSpace(formKey)
	if id.CaseID == "" || formKey == "" {
		return 0, fmt.Errorf("%w: case id and form key are required", ErrBadInput)
	}

	err = l.Store.WithCaseLock(ctx, lockKey(id), func(ctx context.Context) error {
		last, err := l.Store.LastSeq(ctx, id.CaseID, formKey)
		if err != nil {
			return err
		}
		if last == 0 {
			return fmt.Errorf("%w: %s/%s", ErrNoRows, id.CaseID, formKey)
		}
		now := l.now()
		row := store.SubmissionRow{
			CaseID:        id.CaseID,
			FormKey:       formKey,
			SubmissionID:  "reopen_" + ulid.Make().String(),
			Seq:           last + 1,
			SupersedesSeq: last,
			Status:        store.StatusReopened,
			SubmittedAt:   now,
			CaseKey:       id.CaseKey,
			UserKey:       id.UserKey,
			LineID:        id.LineID,
			CanEdit:       true,
			ReopenedAt:    &now,
			ReopenUntil:   until,
			ReopenedBy:    by,
			LockedReason:  reason,
		}
		inserted, err := l.Store.InsertSubmission(ctx, row)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("reopen row collision for %s/%s", id.CaseID, formKey)
		}
		seq = row.Seq
		return nil
	})
	if err != nil {
		return 0, err
	}
	l.Log.Info("form reopened", "case_id", id.CaseID, "form_key", formKey, "seq", seq, "by", by)
	l.mutated(id.CaseID)
	return seq, nil
}

// Status aggregates the latest row per form for a case, applying lazy reopen
// expiry at read time.
func (l *Ledger) Status(ctx context.Context, caseID string) ([]FormStatus, error) {
	rows, err := l.Store.ListSubmissions(ctx, caseID)
	if err != nil {
		return nil, err
	}
	now := l.now()

	latest := map[string]store.SubmissionRow{}
	order := []string{}
	for _, row := range rows {
		cur, ok := latest[row.FormKey]
		if !ok {
			order = append(order, row.FormKey)
		}
		if !ok || row.Seq > cur.Seq {
			latest[row.FormKey] = row
		}
	}

	out := make([]FormStatus, 0, len(order))
	for _, formKey := range order {
		row := latest[formKey]
		fs := FormStatus{
			FormKey:     formKey,
			Status:      row.Status,
			CanEdit:     row.CanEdit,
			ReopenedAt:  row.ReopenedAt,
			ReopenUntil: row.ReopenUntil,
			LastSeq:     row.Seq,
		}
		if row.Status == store.StatusReopened && row.ReopenUntil != nil && now.After(*row.ReopenUntil) {
			fs.Status = store.StatusClosed
			fs.CanEdit = false
		}
		out = append(out, fs)
	}
	return out, nil
}

// Sweep voids a ledger row administratively. The row stays physically
// present but no longer participates in seq or status computation.
func (l *Ledger) Sweep(ctx context.Context, caseID, formKey string, seq int, reason string) error {
	if err := l.Store.VoidSubmission(ctx, caseID, formKey, seq, reason); err != nil {
		return err
	}
	l.Log.Warn("ledger row voided", "case_id", caseID, "form_key", formKey, "seq", seq, "reason", reason)
	l.mutated(caseID)
	return nil
}

func lockKey(id caseid.Identity) string {
	if id.CaseKey != "" {
		return id.CaseKey
	}
	return "case:" + id.CaseID
}
