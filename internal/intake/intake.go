// Package intake turns an inbound artifact (a structured form email or a
// signed HTTP call) into either a ledger entry in the authoritative case
// folder or a staged artifact awaiting identity confirmation.
package intake

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Hynak-jp/Avance-basystem-sub000/internal/blob"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/folders"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/ledger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/logger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/staging"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/store"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/caseid"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/contenthash"
)

// Message is the inbound artifact contract: the core only requires that
// identity fragments can be extracted from a structured metadata block
// within the body.
type Message struct {
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// Result reports what happened to one inbound message.
type Result struct {
	Staged       bool   `json:"staged"`
	Accepted     bool   `json:"accepted"`
	Seq          int    `json:"seq,omitempty"`
	CaseKey      string `json:"case_key,omitempty"`
	FormKey      string `json:"form_key,omitempty"`
	SubmissionID string `json:"submission_id,omitempty"`
}

// metaKeys are the fields recognized in the metadata block.
var metaKeys = map[string]bool{
	"case_key": true, "case_id": true, "line_id": true, "email": true,
	"form_key": true, "submission_id": true,
}

// ExtractFragments pulls identity fragments and form fields from the
// metadata block of a message body. Two layouts are accepted: "key: value"
// lines, and a JSON object carrying the same keys (fenced blocks included).
func ExtractFragments(body string) (caseid.Fragments, map[string]string) {
	fields := map[string]string{}

	var obj map[string]any
	trimmed := strings.TrimSpace(body)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &obj); err == nil {
				for k, v := range obj {
					k = strings.ToLower(strings.TrimSpace(k))
					if s, ok := v.(string); ok && metaKeys[k] {
						fields[k] = strings.TrimSpace(s)
					}
				}
			}
		}
	}

	for _, line := range strings.Split(body, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if !metaKeys[k] {
			continue
		}
		if _, seen := fields[k]; !seen {
			fields[k] = strings.TrimSpace(v)
		}
	}

	frags := caseid.Fragments{
		CaseKey: fields["case_key"],
		CaseID:  fields["case_id"],
		LineID:  fields["line_id"],
		Email:   fields["email"],
	}
	return frags, fields
}

type Service struct {
	Store      store.Store
	Blobs      blob.Store
	Folders    *folders.Resolver
	Ledger     *ledger.Ledger
	Reconciler *staging.Reconciler
	Log        *logger.Logger
	Now        func() time.Time
}

func NewService(st store.Store, blobs blob.Store, fr *folders.Resolver, lg *ledger.Ledger, rec *staging.Reconciler, log *logger.Logger) *Service {
	return &Service{Store: st, Blobs: blobs, Folders: fr, Ledger: lg, Reconciler: rec, Log: log, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Ingest resolves the message's identity fragments against the registry and
// contacts. A confirmed, complete identity goes straight into the case
// folder and ledger; anything weaker is parked in staging for a later
// reconciliation pass. Malformed or unresolved identity never rejects the
// artifact.
func (s *Service) Ingest(ctx context.Context, msg Message) (Result, error) {
	frags, fields := ExtractFragments(msg.Body)
	formKey := fields["form_key"]
	submissionID := fields["submission_id"]
	if submissionID == "" {
		submissionID = ulid.Make().String()
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}

	res := caseid.Resolve(frags, s.sources(ctx, frags))
	if !res.Confirmed || !res.Identity.Complete() {
		err := s.Reconciler.Stage(ctx, staging.Artifact{
			Name:         artifactName(msg.Subject),
			Body:         []byte(msg.Body),
			ReceivedAt:   receivedAt,
			Fragments:    frags,
			FormKey:      formKey,
			SubmissionID: submissionID,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{Staged: true, FormKey: formKey, SubmissionID: submissionID}, nil
	}
	id := res.Identity

	ref, err := s.Folders.Resolve(ctx, id, true)
	if err != nil {
		return Result{}, err
	}
	if err := s.writeDeduped(ctx, ref, submissionID, msg); err != nil {
		return Result{}, err
	}

	accepted, seq, err := s.Ledger.Record(ctx, id, formKey, submissionID)
	if err != nil {
		return Result{}, err
	}
	s.learnContact(ctx, id, frags.Normalize().Email)

	// A confirmed identity is exactly the fact earlier parked artifacts may
	// have been waiting for.
	if s.Reconciler != nil {
		if n, err := s.Reconciler.Reconcile(ctx, id); err != nil {
			s.Log.Warn("reconciliation pass failed", "case_key", id.CaseKey, "error", err.Error())
		} else if n > 0 {
			s.Log.Info("reconciliation pass migrated", "case_key", id.CaseKey, "count", n)
		}
	}

	return Result{
		Accepted:     accepted,
		Seq:          seq,
		CaseKey:      id.CaseKey,
		FormKey:      formKey,
		SubmissionID: submissionID,
	}, nil
}

// sources gathers the known-identity candidates for one resolution attempt,
// looked up fresh on every call.
func (s *Service) sources(ctx context.Context, frags caseid.Fragments) []caseid.Source {
	f := frags.Normalize()
	var out []caseid.Source

	appendCase := func(row store.CaseRow, err error) {
		if err != nil {
			return
		}
		out = append(out, caseid.Source{Name: "registry", Identity: caseid.Identity{
			LineID: row.LineID, UserKey: row.UserKey, CaseID: row.CaseID, CaseKey: row.CaseKey,
		}})
	}
	if f.CaseKey != "" {
		appendCase(s.Store.GetCaseByKey(ctx, f.CaseKey))
	}
	if f.CaseID != "" {
		appendCase(s.Store.GetCaseByID(ctx, f.CaseID))
	}
	if f.LineID != "" {
		appendCase(s.Store.GetCaseByLineID(ctx, f.LineID))
	}
	if f.Email != "" {
		if contact, err := s.Store.GetContactByEmail(ctx, f.Email); err == nil {
			out = append(out, caseid.Source{
				Name:  "contacts",
				Email: contact.Email,
				Identity: caseid.Identity{
					LineID:  contact.LineID,
					UserKey: contact.UserKey,
					CaseID:  contact.ActiveCaseID,
					CaseKey: caseid.JoinCaseKey(contact.UserKey, contact.ActiveCaseID),
				},
			})
		}
	}
	return out
}

// learnContact records a newly revealed email→identity mapping.
func (s *Service) learnContact(ctx context.Context, id caseid.Identity, email string) {
	if email == "" || id.LineID == "" {
		return
	}
	err := s.Store.UpsertContact(ctx, store.ContactRow{
		LineID:       id.LineID,
		Email:        email,
		EmailHash:    contenthash.SumBytes([]byte(strings.ToLower(email))),
		UserKey:      id.UserKey,
		ActiveCaseID: id.CaseID,
	})
	if err != nil {
		s.Log.Warn("contact upsert failed", "line_id", id.LineID, "error", err.Error())
	}
}

func (s *Service) writeDeduped(ctx context.Context, folderRef, submissionID string, msg Message) error {
	body := []byte(msg.Body)
	hash := contenthash.SumBytes(body)
	objs, err := s.Blobs.ListObjects(ctx, folderRef)
	if err != nil {
		return err
	}
	for _, o := range objs {
		if o.ContentHash == hash {
			return nil
		}
	}
	name := submissionID
	if !strings.HasPrefix(name, folders.SubmissionPrefix) {
		name = folders.SubmissionPrefix + name
	}
	if an := artifactName(msg.Subject); an != "" {
		name += "_" + an
	}
	return s.Blobs.WriteObject(ctx, folderRef, name, body, map[string]string{
		blob.MetaContentHash: hash,
	})
}

func artifactName(subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if len(name) > 64 {
		name = name[:64]
	}
	if name == "" {
		return ""
	}
	return name + ".eml"
}
