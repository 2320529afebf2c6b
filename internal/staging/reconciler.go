// Package staging holds submissions whose case identity could not yet be
// confirmed, and migrates them into the authoritative case folder exactly
// once when identity facts become available.
package staging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Hynak-jp/Avance-basystem-sub000/internal/blob"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/folders"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/ledger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/logger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/store"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/caseid"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/contenthash"
)

var ErrArtifactNotFound = errors.New("staged artifact not found")

// Metadata keys attached to staged objects.
const (
	metaArtifactID   = "artifact-id"
	metaCaseKey      = "case-key"
	metaCaseID       = "case-id"
	metaLineID       = "line-id"
	metaEmail        = "email"
	metaFormKey      = "form-key"
	metaSubmissionID = "submission-id"
	metaReceivedAt   = "received-at"
	metaUserKey      = "user-key"
)

// Artifact is a submission payload with whatever identity fragments arrived
// with it.
type Artifact struct {
	ID           string
	Name         string
	Body         []byte
	ReceivedAt   time.Time
	Fragments    caseid.Fragments
	FormKey      string
	SubmissionID string
}

type Reconciler struct {
	Store   store.Store
	Blobs   blob.Store
	Folders *folders.Resolver
	Ledger  *ledger.Ledger
	Log     *logger.Logger
	Root    string // staging area parent folder

	// RescueEnabled gates the bounded fail-safe in Reconcile: when ordinary
	// matching migrates nothing, the single most recent artifact within
	// RescueWindow may be migrated if a corroborating signal exists.
	RescueEnabled bool
	RescueWindow  time.Duration

	Now func() time.Time
}

func NewReconciler(st store.Store, blobs blob.Store, fr *folders.Resolver, lg *ledger.Ledger, log *logger.Logger) *Reconciler {
	return &Reconciler{
		Store:        st,
		Blobs:        blobs,
		Folders:      fr,
		Ledger:       lg,
		Log:          log,
		Root:         "staging",
		RescueWindow: 5 * time.Minute,
		Now:          time.Now,
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Stage persists an artifact into the holding area, bucketed by arrival
// date. The artifact stays put until it is migrated or explicitly rejected;
// it is never silently dropped.
func (r *Reconciler) Stage(ctx context.Context, art Artifact) error {
	if art.ID == "" {
		art.ID = ulid.Make().String()
	}
	if art.ReceivedAt.IsZero() {
		art.ReceivedAt = r.now()
	}
	bucket, err := r.bucketFor(ctx, art.ReceivedAt)
	if err != nil {
		return err
	}

	f := art.Fragments.Normalize()
	meta := map[string]string{
		metaArtifactID:       art.ID,
		metaCaseKey:          f.CaseKey,
		metaCaseID:           f.CaseID,
		metaLineID:           f.LineID,
		metaEmail:            f.Email,
		metaFormKey:          strings.TrimSpace(art.FormKey),
		metaSubmissionID:     strings.TrimSpace(art.SubmissionID),
		metaReceivedAt:       art.ReceivedAt.UTC().Format(time.RFC3339),
		blob.MetaContentHash: contenthash.SumBytes(art.Body),
	}
	name := art.ID
	if art.Name != "" {
		name = art.ID + "_" + art.Name
	}
	if err := r.Blobs.WriteObject(ctx, bucket, name, art.Body, meta); err != nil {
		return fmt.Errorf("stage artifact: %w", err)
	}
	r.Log.Info("artifact staged", "artifact_id", art.ID, "bucket", bucket,
		"has_case_key", f.CaseKey != "", "has_email", f.Email != "")
	return nil
}

type staged struct {
	folderRef string
	name      string
	meta      map[string]string
	body      []byte
	received  time.Time
}

// Reconcile scans the staging area, matches each artifact against the known
// identity using the resolver's priority logic, and migrates every match:
// metadata rewritten with the confirmed identity, artifact written into the
// authoritative folder (skipped when a content-hash duplicate already exists
// there), staged copy removed, ledger row appended if absent.
func (r *Reconciler) Reconcile(ctx context.Context, known caseid.Identity) (migrated int, err error) {
	items, err := r.listStaged(ctx)
	if err != nil {
		return 0, err
	}

	sources := []caseid.Source{{Name: "registry", Identity: known}}
	// The contacts row for the known identity lets an email-only artifact
	// match once the email→lineId mapping has been learned.
	if known.LineID != "" {
		if contact, err := r.Store.GetContactByLineID(ctx, known.LineID); err == nil && contact.Email != "" {
			sources = append(sources, caseid.Source{Name: "contacts", Identity: known, Email: contact.Email})
		}
	}
	var unmatched []staged
	for _, it := range items {
		frags := fragmentsFromMeta(it.meta)
		res := caseid.Resolve(frags, sources)
		if res.MatchedBy == caseid.MatchNone {
			unmatched = append(unmatched, it)
			continue
		}
		// Folder creation is allowed only on a case-key match or when the
		// known identity pins both halves of the pair; a bare heuristic match
		// must not allocate storage.
		create := res.MatchedBy == caseid.MatchCaseKey ||
			(known.CaseID != "" && known.LineID != "")
		if err := r.migrate(ctx, it, res.Identity, create, false); err != nil {
			r.Log.Warn("staged artifact left in place", "name", it.name, "error", err.Error())
			continue
		}
		migrated++
	}

	if migrated == 0 && r.RescueEnabled {
		if r.rescue(ctx, known, unmatched) {
			migrated++
		}
	}
	return migrated, nil
}

// Reject removes a staged artifact explicitly, satisfying the invariant that
// staged artifacts leave the holding area only by migration or rejection.
func (r *Reconciler) Reject(ctx context.Context, artifactID, reason string) error {
	items, err := r.listStaged(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.meta[metaArtifactID] != artifactID {
			continue
		}
		if err := r.Blobs.DeleteObject(ctx, it.folderRef, it.name); err != nil {
			return err
		}
		r.Log.Warn("staged artifact rejected", "artifact_id", artifactID, "reason", reason)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactID)
}

// rescue is the policy-gated fail-safe for the race where identity
// confirmation lands moments before the artifact's own metadata would have
// matched. It touches only the most recent artifact inside the freshness
// window, and only with a corroborating signal: the artifact's email maps to
// the known identity via contacts, or the artifact is the sole staged item.
func (r *Reconciler) rescue(ctx context.Context, known caseid.Identity, items []staged) bool {
	if len(items) == 0 || known.CaseKey == "" {
		return false
	}
	newest := items[0]
	for _, it := range items[1:] {
		if it.received.After(newest.received) {
			newest = it
		}
	}
	if r.now().Sub(newest.received) > r.RescueWindow {
		return false
	}

	corroborated := len(items) == 1
	if !corroborated {
		if email := newest.meta[metaEmail]; email != "" {
			if contact, err := r.Store.GetContactByEmail(ctx, email); err == nil && contact.LineID == known.LineID {
				corroborated = true
			}
		}
	}
	if !corroborated {
		return false
	}

	if err := r.migrate(ctx, newest, known, known.Complete(), true); err != nil {
		r.Log.Warn("rescue migration failed", "name", newest.name, "error", err.Error())
		return false
	}
	return true
}

func (r *Reconciler) migrate(ctx context.Context, it staged, id caseid.Identity, createIfMissing, rescued bool) error {
	ref, err := r.Folders.Resolve(ctx, id, createIfMissing)
	if err != nil {
		return err
	}

	hash := it.meta[blob.MetaContentHash]
	if hash == "" {
		hash = contenthash.SumBytes(it.body)
	}
	duplicate := false
	objs, err := r.Blobs.ListObjects(ctx, ref)
	if err != nil {
		return err
	}
	for _, o := range objs {
		if o.ContentHash == hash {
			duplicate = true
			break
		}
	}

	if !duplicate {
		meta := map[string]string{}
		for k, v := range it.meta {
			meta[k] = v
		}
		meta[metaCaseKey] = id.CaseKey
		meta[metaCaseID] = id.CaseID
		meta[metaLineID] = id.LineID
		meta[metaUserKey] = id.UserKey
		if err := r.Blobs.WriteObject(ctx, ref, destName(it), it.body, meta); err != nil {
			return err
		}
	}
	// The ledger append comes before the staged copy is removed: Record is
	// idempotent, so a failure here leaves the artifact staged for a retry,
	// while the reverse order would lose the append with nothing to retry.
	formKey := it.meta[metaFormKey]
	submissionID := it.meta[metaSubmissionID]
	if submissionID == "" {
		submissionID = it.meta[metaArtifactID]
	}
	if formKey != "" && id.CaseID != "" {
		if _, _, err := r.Ledger.Record(ctx, id, formKey, submissionID); err != nil {
			return err
		}
	}

	if err := r.Blobs.DeleteObject(ctx, it.folderRef, it.name); err != nil {
		return err
	}

	r.Log.Info("staged artifact migrated",
		"artifact_id", it.meta[metaArtifactID], "case_key", id.CaseKey,
		"duplicate", duplicate, "rescued", rescued)
	return nil
}

func destName(it staged) string {
	name := it.meta[metaSubmissionID]
	if name == "" {
		name = it.meta[metaArtifactID]
	}
	if !strings.HasPrefix(name, folders.SubmissionPrefix) {
		name = folders.SubmissionPrefix + name
	}
	if i := strings.Index(it.name, "_"); i > 0 && i < len(it.name)-1 {
		name += "_" + it.name[i+1:]
	}
	return name
}

func (r *Reconciler) listStaged(ctx context.Context) ([]staged, error) {
	buckets, err := r.Blobs.FindFolders(ctx, r.Root, "")
	if err != nil {
		return nil, err
	}
	var out []staged
	for _, b := range buckets {
		objs, err := r.Blobs.ListObjects(ctx, b.Ref)
		if err != nil {
			return nil, err
		}
		for _, o := range objs {
			body, meta, err := r.Blobs.ReadObject(ctx, b.Ref, o.Name)
			if err != nil {
				return nil, err
			}
			received := o.Updated
			if ts, err := time.Parse(time.RFC3339, meta[metaReceivedAt]); err == nil {
				received = ts
			}
			out = append(out, staged{folderRef: b.Ref, name: o.Name, meta: meta, body: body, received: received})
		}
	}
	return out, nil
}

func (r *Reconciler) bucketFor(ctx context.Context, at time.Time) (string, error) {
	name := at.UTC().Format("2006-01-02")
	found, err := r.Blobs.FindFolders(ctx, r.Root, name)
	if err != nil {
		return "", err
	}
	if len(found) > 0 {
		return found[0].Ref, nil
	}
	return r.Blobs.CreateFolder(ctx, r.Root, name)
}

func fragmentsFromMeta(meta map[string]string) caseid.Fragments {
	return caseid.Fragments{
		CaseKey: meta[metaCaseKey],
		CaseID:  meta[metaCaseID],
		LineID:  meta[metaLineID],
		Email:   meta[metaEmail],
	}
}
