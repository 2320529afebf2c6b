package staging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Hynak-jp/Avance-basystem-sub000/internal/blob"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/folders"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/ledger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/logger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/store"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/caseid"
)

var knownIdentity = caseid.Identity{
	LineID:  "U123",
	UserKey: "uc13df",
	CaseID:  "0001",
	CaseKey: "uc13df-0001",
}

type fixture struct {
	rec   *Reconciler
	store *store.Memory
	blobs *blob.Memory
	led   *ledger.Ledger
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	blobs := blob.NewMemory()
	log := logger.Nop()
	fr := folders.New(st, blobs, log)
	led := ledger.New(st, log)
	rec := NewReconciler(st, blobs, fr, led, log)
	f := &fixture{rec: rec, store: st, blobs: blobs, led: led, now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	rec.Now = func() time.Time { return f.now }
	led.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) caseObjects(t *testing.T) []blob.ObjectInfo {
	t.Helper()
	ctx := context.Background()
	fs, err := f.blobs.FindFolders(ctx, "cases", "uc13df-0001")
	require.NoError(t, err)
	require.Len(t, fs, 1)
	objs, err := f.blobs.ListObjects(ctx, fs[0].Ref)
	require.NoError(t, err)
	return objs
}

func (f *fixture) stagedCount(t *testing.T) int {
	t.Helper()
	items, err := f.rec.listStaged(context.Background())
	require.NoError(t, err)
	return len(items)
}

func TestStageThenReconcileMigratesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.rec.Stage(ctx, Artifact{
		Name:         "intake.json",
		Body:         []byte(`{"form":"s2002"}`),
		Fragments:    caseid.Fragments{CaseKey: "UC13DF-1"},
		FormKey:      "s2002",
		SubmissionID: "sub_001",
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.stagedCount(t))

	migrated, err := f.rec.Reconcile(ctx, knownIdentity)
	require.NoError(t, err)
	require.Equal(t, 1, migrated)
	require.Zero(t, f.stagedCount(t), "staged copy must be removed on migration")

	objs := f.caseObjects(t)
	require.Len(t, objs, 1)

	row, err := f.store.GetSubmission(ctx, "0001", "s2002", "sub_001")
	require.NoError(t, err)
	require.Equal(t, 1, row.Seq)

	// Re-running the pass is a no-op.
	migrated, err = f.rec.Reconcile(ctx, knownIdentity)
	require.NoError(t, err)
	require.Zero(t, migrated)
}

func TestReconcileDeduplicatesByContentHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := []byte(`{"form":"s2002","answers":[1,2,3]}`)

	for _, name := range []string{"first.json", "second.json"} {
		require.NoError(t, f.rec.Stage(ctx, Artifact{
			Name:         name,
			Body:         body,
			Fragments:    caseid.Fragments{CaseKey: "uc13df-0001"},
			FormKey:      "s2002",
			SubmissionID: "sub_001",
		}))
	}

	migrated, err := f.rec.Reconcile(ctx, knownIdentity)
	require.NoError(t, err)
	require.Equal(t, 2, migrated)
	require.Zero(t, f.stagedCount(t))

	// Two byte-identical artifacts reconcile to exactly one stored file.
	require.Len(t, f.caseObjects(t), 1)
}

func TestUnmatchedArtifactStaysStaged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Stage(ctx, Artifact{
		Name:      "orphan.json",
		Body:      []byte(`{}`),
		Fragments: caseid.Fragments{Email: "a@x.com"},
		FormKey:   "s2002",
	}))

	migrated, err := f.rec.Reconcile(ctx, knownIdentity)
	require.NoError(t, err)
	require.Zero(t, migrated, "artifact without corroborated identity must not migrate")
	require.Equal(t, 1, f.stagedCount(t), "artifact must stay staged, never silently dropped")
}

func TestEmailOnlyArtifactMigratesAfterContactLearned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Stage(ctx, Artifact{
		Name:         "mail.json",
		Body:         []byte(`{"via":"email"}`),
		Fragments:    caseid.Fragments{Email: "a@x.com"},
		FormKey:      "s2002",
		SubmissionID: "sub_009",
	}))

	// A later submission reveals the email→line mapping.
	require.NoError(t, f.store.UpsertContact(ctx, store.ContactRow{
		LineID: "U123", Email: "a@x.com", UserKey: "uc13df", ActiveCaseID: "0001",
	}))

	migrated, err := f.rec.Reconcile(ctx, knownIdentity)
	require.NoError(t, err)
	require.Equal(t, 1, migrated)

	rows, err := f.store.ListSubmissions(ctx, "0001")
	require.NoError(t, err)
	require.Len(t, rows, 1, "ledger gains exactly one row")
}

func TestRescueRequiresOptIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Stage(ctx, Artifact{
		Name:         "fresh.json",
		Body:         []byte(`{}`),
		FormKey:      "s2002",
		SubmissionID: "sub_010",
	}))

	migrated, err := f.rec.Reconcile(ctx, knownIdentity)
	require.NoError(t, err)
	require.Zero(t, migrated, "rescue must be gated by the policy flag")

	f.rec.RescueEnabled = true
	migrated, err = f.rec.Reconcile(ctx, knownIdentity)
	require.NoError(t, err)
	require.Equal(t, 1, migrated, "sole fresh artifact qualifies for rescue")
}

func TestRescueIgnoresStaleArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rec.RescueEnabled = true

	require.NoError(t, f.rec.Stage(ctx, Artifact{
		Name:         "old.json",
		Body:         []byte(`{}`),
		ReceivedAt:   f.now.Add(-time.Hour),
		FormKey:      "s2002",
		SubmissionID: "sub_011",
	}))

	migrated, err := f.rec.Reconcile(ctx, knownIdentity)
	require.NoError(t, err)
	require.Zero(t, migrated, "artifact outside the freshness window must not be rescued")
	require.Equal(t, 1, f.stagedCount(t))
}

// flakyStore fails submission inserts a set number of times before passing
// through.
type flakyStore struct {
	store.Store
	failures int
}

func (s *flakyStore) InsertSubmission(ctx context.Context, row store.SubmissionRow) (bool, error) {
	if s.failures > 0 {
		s.failures--
		return false, errors.New("transient store error")
	}
	return s.Store.InsertSubmission(ctx, row)
}

func TestLedgerFailureKeepsStagedCopy(t *testing.T) {
	st := store.NewMemory()
	flaky := &flakyStore{Store: st, failures: 1}
	blobs := blob.NewMemory()
	log := logger.Nop()
	fr := folders.New(flaky, blobs, log)
	led := ledger.New(flaky, log)
	rec := NewReconciler(flaky, blobs, fr, led, log)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	rec.Now = func() time.Time { return now }
	led.Now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, rec.Stage(ctx, Artifact{
		Name:         "intake.json",
		Body:         []byte(`{"form":"s2002"}`),
		Fragments:    caseid.Fragments{CaseKey: "uc13df-0001"},
		FormKey:      "s2002",
		SubmissionID: "sub_001",
	}))

	// The ledger append fails once; the staged copy must survive for a retry.
	migrated, err := rec.Reconcile(ctx, knownIdentity)
	require.NoError(t, err)
	require.Zero(t, migrated)
	items, err := rec.listStaged(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	_, err = st.GetSubmission(ctx, "0001", "s2002", "sub_001")
	require.ErrorIs(t, err, store.ErrNotFound)

	// The retry completes the migration exactly once.
	migrated, err = rec.Reconcile(ctx, knownIdentity)
	require.NoError(t, err)
	require.Equal(t, 1, migrated)
	items, err = rec.listStaged(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
	row, err := st.GetSubmission(ctx, "0001", "s2002", "sub_001")
	require.NoError(t, err)
	require.Equal(t, 1, row.Seq)
}

func TestRejectRemovesArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Stage(ctx, Artifact{ID: "01HXREJECT", Name: "bad.json", Body: []byte(`{}`)}))
	require.Equal(t, 1, f.stagedCount(t))

	require.NoError(t, f.rec.Reject(ctx, "01HXREJECT", "spam"))
	require.Zero(t, f.stagedCount(t))

	require.ErrorIs(t, f.rec.Reject(ctx, "01HXREJECT", "again"), ErrArtifactNotFound)
}
