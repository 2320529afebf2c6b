// Package store persists the shared mutable state of the service: the case
// registry, the contacts table and the submission ledger. PostgreSQL in
// production, an in-memory implementation for dev mode and tests.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Submission statuses. Rows are appended, never rewritten; "void" marks rows
// removed by the administrative sweep.
const (
	StatusReceived = "received"
	StatusReopened = "reopened"
	StatusClosed   = "closed"
	StatusVoid     = "void"
)

// CaseRow is one case registry row. Never deleted, only updated.
type CaseRow struct {
	LineID       string
	UserKey      string
	CaseID       string
	CaseKey      string
	FolderRef    string
	Status       string
	LastActivity time.Time
}

// ContactRow maps an end user's email to their stable identity. Used as a
// fallback identity source; mutated whenever a submission reveals a new
// mapping.
type ContactRow struct {
	LineID       string
	Email        string
	EmailHash    string
	UserKey      string
	ActiveCaseID string
}

// SubmissionRow is one append-only ledger row.
type SubmissionRow struct {
	CaseID        string
	FormKey       string
	SubmissionID  string
	Seq           int
	SupersedesSeq int
	Status        string
	SubmittedAt   time.Time
	CaseKey       string
	UserKey       string
	LineID        string
	LockedReason  string
	CanEdit       bool
	ReopenedAt    *time.Time
	ReopenUntil   *time.Time
	ReopenedBy    string
}

// Store is the row-oriented persistence contract. Lookups are fresh on each
// call; nothing is cached across invocations.
type Store interface {
	GetCaseByKey(ctx context.Context, caseKey string) (CaseRow, error)
	GetCaseByID(ctx context.Context, caseID string) (CaseRow, error)
	GetCaseByLineID(ctx context.Context, lineID string) (CaseRow, error)
	UpsertCase(ctx context.Context, row CaseRow) error
	SetCaseFolder(ctx context.Context, caseKey, folderRef string) error

	GetContactByEmail(ctx context.Context, email string) (ContactRow, error)
	GetContactByLineID(ctx context.Context, lineID string) (ContactRow, error)
	UpsertContact(ctx context.Context, row ContactRow) error

	LastSeq(ctx context.Context, caseID, formKey string) (int, error)
	GetSubmission(ctx context.Context, caseID, formKey, submissionID string) (SubmissionRow, error)
	// InsertSubmission is compare-and-append: it reports false without error
	// when (caseID, formKey, submissionID) already exists.
	InsertSubmission(ctx context.Context, row SubmissionRow) (bool, error)
	ListSubmissions(ctx context.Context, caseID string) ([]SubmissionRow, error)
	VoidSubmission(ctx context.Context, caseID, formKey string, seq int, reason string) error

	InsertAck(ctx context.Context, caseID, formKey, kind string, at time.Time) (bool, error)

	// WithCaseLock serializes mutating work for one logical case. The wait is
	// bounded by the context deadline the implementation applies.
	WithCaseLock(ctx context.Context, caseKey string, fn func(context.Context) error) error

	Ping(ctx context.Context) error
}
