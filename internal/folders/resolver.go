// Package folders maps a canonical case key to exactly one authoritative
// storage folder, choosing among duplicate candidates by a content-based
// score and recording the winner back into the case registry.
package folders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Hynak-jp/Avance-basystem-sub000/internal/blob"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/config"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/logger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/store"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/caseid"
)

var (
	ErrNotFound         = errors.New("case folder not found")
	ErrCaseKeyMalformed = errors.New("case key malformed")
)

// SubmissionPrefix names the stored submission artifacts inside a case
// folder; its presence is one of the scoring signals.
const SubmissionPrefix = "sub_"

// DefaultMarker is the canonical marker file written alongside the dominant
// intake form.
const DefaultMarker = "s2002_intake.json"

var substructure = []struct {
	name   string
	weight func(config.Weights) int
}{
	{"drafts", func(w config.Weights) int { return w.Drafts }},
	{"attachments", func(w config.Weights) int { return w.Attachments }},
	{"staff", func(w config.Weights) int { return w.Staff }},
}

type Resolver struct {
	Store   store.Store
	Blobs   blob.Store
	Root    string // parent folder of all case folders
	Marker  string
	Weights config.Weights
	Log     *logger.Logger
}

func New(st store.Store, blobs blob.Store, log *logger.Logger) *Resolver {
	return &Resolver{
		Store:   st,
		Blobs:   blobs,
		Root:    "cases",
		Marker:  DefaultMarker,
		Weights: config.DefaultWeights,
		Log:     log,
	}
}

// Resolve returns the authoritative folder ref for the identity.
//
// With createIfMissing=false it only consults the case registry and never
// allocates storage: read paths must not have allocation side effects. With
// createIfMissing=true it scans for physical candidates, scores duplicates,
// creates a folder when none exists, and writes the chosen ref back to the
// registry so later resolutions are a single lookup.
func (r *Resolver) Resolve(ctx context.Context, id caseid.Identity, createIfMissing bool) (string, error) {
	if !id.Complete() {
		return "", fmt.Errorf("%w: %q", ErrCaseKeyMalformed, id.CaseKey)
	}
	caseKey := id.CaseKey

	row, err := r.Store.GetCaseByKey(ctx, caseKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if row.FolderRef != "" {
		return row.FolderRef, nil
	}
	if !createIfMissing {
		return "", ErrNotFound
	}

	var ref string
	err = r.Store.WithCaseLock(ctx, caseKey, func(ctx context.Context) error {
		// Re-read under the lock: a concurrent writer may have resolved first.
		row, err := r.Store.GetCaseByKey(ctx, caseKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if row.FolderRef != "" {
			ref = row.FolderRef
			return nil
		}

		candidates, err := r.Blobs.FindFolders(ctx, r.Root, caseKey)
		if err != nil {
			return err
		}
		switch len(candidates) {
		case 0:
			ref, err = r.Blobs.CreateFolder(ctx, r.Root, caseKey)
			if err != nil {
				return err
			}
			r.Log.Info("case folder created", "case_key", caseKey, "folder_ref", ref)
		case 1:
			ref = candidates[0].Ref
		default:
			ref = r.pickBest(ctx, candidates)
			r.Log.Warn("duplicate case folders scored", "case_key", caseKey, "candidates", len(candidates), "chosen", ref)
		}

		up := row
		up.CaseKey = caseKey
		up.UserKey, up.CaseID = id.UserKey, id.CaseID
		if up.LineID == "" {
			up.LineID = id.LineID
		}
		if up.Status == "" {
			up.Status = "intake"
		}
		up.FolderRef = ref
		return r.Store.UpsertCase(ctx, up)
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

// pickBest scores every candidate and returns the highest. A registry-recorded
// ref never reaches here: Resolve short-circuits on it before scanning. Ties go
// to the earliest candidate in listing order, keeping repeated resolutions
// deterministic.
func (r *Resolver) pickBest(ctx context.Context, candidates []blob.FolderInfo) string {
	bestRef, bestScore := "", -1
	for _, c := range candidates {
		score := r.score(ctx, c.Ref)
		if score > bestScore {
			bestRef, bestScore = c.Ref, score
		}
	}
	return bestRef
}

func (r *Resolver) score(ctx context.Context, ref string) int {
	w := r.Weights
	total := 0

	objs, err := r.Blobs.ListObjects(ctx, ref)
	if err == nil {
		hasMarker, hasSubmission := false, false
		for _, o := range objs {
			if o.Name == r.Marker {
				hasMarker = true
			}
			if strings.HasPrefix(o.Name, SubmissionPrefix) {
				hasSubmission = true
			}
		}
		if hasMarker {
			total += w.Marker
		}
		if hasSubmission {
			total += w.Submission
		}
	}

	for _, sub := range substructure {
		found, err := r.Blobs.FindFolders(ctx, ref, sub.name)
		if err == nil && len(found) > 0 {
			total += sub.weight(w)
		}
	}
	return total
}
