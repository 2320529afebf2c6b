package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Hynak-jp/Avance-basystem-sub000/internal/logger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/store"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/caseid"
)

var testIdentity = caseid.Identity{
	LineID:  "U123",
	UserKey: "uc13df",
	CaseID:  "0001",
	CaseKey: "uc13df-0001",
}

func newLedger(t *testing.T) (*Ledger, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(store.NewMemory(), logger.Nop())
	l.Now = func() time.Time { return now }
	return l, &now
}

func TestRecordIdempotent(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	accepted, seq, err := l.Record(ctx, testIdentity, "s2002", "sub_001")
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, 1, seq)

	accepted, seq, err = l.Record(ctx, testIdentity, "s2002", "sub_001")
	require.NoError(t, err)
	require.False(t, accepted, "duplicate submission id must be a no-op")
	require.Equal(t, 1, seq, "no-op must return the original seq")

	forms, err := l.Status(ctx, "0001")
	require.NoError(t, err)
	require.Len(t, forms, 1)
	require.Equal(t, 1, forms[0].LastSeq, "only one ledger row may exist")
}

func TestSeqMonotonicNoGaps(t *testing.T) {
	l, now := newLedger(t)
	ctx := context.Background()

	_, seq1, err := l.Record(ctx, testIdentity, "s2002", "sub_001")
	require.NoError(t, err)

	// A second submission for the same form six months later supersedes the
	// first.
	*now = now.AddDate(0, 6, 0)
	accepted, seq2, err := l.Record(ctx, testIdentity, "s2002", "sub_002")
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, seq1+1, seq2)

	row, err := l.Store.GetSubmission(ctx, "0001", "s2002", "sub_002")
	require.NoError(t, err)
	require.Equal(t, 1, row.SupersedesSeq)
	require.Equal(t, store.StatusReceived, row.Status)

	// An unrelated form has its own sequence.
	_, seqOther, err := l.Record(ctx, testIdentity, "s2013", "sub_003")
	require.NoError(t, err)
	require.Equal(t, 1, seqOther)
}

func TestReopenLifecycle(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, _, err := l.Record(ctx, testIdentity, "s2002", "sub_001")
	require.NoError(t, err)

	until := l.Now().Add(48 * time.Hour)
	seq, err := l.Reopen(ctx, testIdentity, "s2002", &until, "missing attachment", "staff_01")
	require.NoError(t, err)
	require.Equal(t, 2, seq)

	forms, err := l.Status(ctx, "0001")
	require.NoError(t, err)
	require.Equal(t, store.StatusReopened, forms[0].Status)
	require.True(t, forms[0].CanEdit)
	require.NotNil(t, forms[0].ReopenUntil)

	// Resubmission closes the reopen window with a fresh received row.
	accepted, seq, err := l.Record(ctx, testIdentity, "s2002", "sub_002")
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, 3, seq)

	forms, err = l.Status(ctx, "0001")
	require.NoError(t, err)
	require.Equal(t, store.StatusReceived, forms[0].Status)
	require.False(t, forms[0].CanEdit)
}

func TestReopenLazyExpiry(t *testing.T) {
	l, now := newLedger(t)
	ctx := context.Background()

	_, _, err := l.Record(ctx, testIdentity, "s2002", "sub_001")
	require.NoError(t, err)

	until := now.Add(time.Hour)
	_, err = l.Reopen(ctx, testIdentity, "s2002", &until, "", "staff_01")
	require.NoError(t, err)

	forms, _ := l.Status(ctx, "0001")
	require.True(t, forms[0].CanEdit)

	// No background timer: readers observe expiry by comparing reopen_until
	// to current time.
	*now = now.Add(2 * time.Hour)
	forms, _ = l.Status(ctx, "0001")
	require.Equal(t, store.StatusClosed, forms[0].Status)
	require.False(t, forms[0].CanEdit)
}

func TestReopenRequiresPriorSubmission(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Reopen(context.Background(), testIdentity, "s2002", nil, "", "staff_01")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNoRows))
}

func TestSweepVoidsRow(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, _, err := l.Record(ctx, testIdentity, "s2002", "sub_001")
	require.NoError(t, err)
	require.NoError(t, l.Sweep(ctx, "0001", "s2002", 1, "invalid row"))

	forms, err := l.Status(ctx, "0001")
	require.NoError(t, err)
	require.Empty(t, forms)

	// Seq restarts only because the voided row left no live rows; the sweep
	// is administrative, not part of the lifecycle.
	_, seq, err := l.Record(ctx, testIdentity, "s2002", "sub_002")
	require.NoError(t, err)
	require.Equal(t, 1, seq)
}

func TestMutationHookFires(t *testing.T) {
	l, _ := newLedger(t)
	var invalidated []string
	l.OnMutate = func(caseID string) { invalidated = append(invalidated, caseID) }

	_, _, err := l.Record(context.Background(), testIdentity, "s2002", "sub_001")
	require.NoError(t, err)
	require.Equal(t, []string{"0001"}, invalidated)

	// The duplicate no-op must not invalidate.
	_, _, err = l.Record(context.Background(), testIdentity, "s2002", "sub_001")
	require.NoError(t, err)
	require.Len(t, invalidated, 1)
}
