package caseid

import "strings"

// MatchReason records which fragment a resolution matched on.
type MatchReason string

const (
	MatchCaseKey MatchReason = "case_key"
	MatchCaseID  MatchReason = "case_id"
	MatchLineID  MatchReason = "line_id"
	MatchNone    MatchReason = "none"
)

// Fragments are the raw identity hints attached to an inbound submission.
// Any subset may be present; all may be absent.
type Fragments struct {
	CaseKey string
	CaseID  string
	LineID  string
	Email   string
}

// Normalize returns the fragments in canonical form. Idempotent.
func (f Fragments) Normalize() Fragments {
	return Fragments{
		CaseKey: NormalizeCaseKey(f.CaseKey),
		CaseID:  NormalizeCaseID(f.CaseID),
		LineID:  NormalizeLineID(f.LineID),
		Email:   strings.ToLower(strings.TrimSpace(f.Email)),
	}
}

// Source is one known-identity candidate offered to Resolve: a case registry
// row, a contact row, or identity metadata carried inline in the message.
type Source struct {
	Name     string // "registry", "contacts", "inline"
	Identity Identity
	Email    string // set on contact-backed sources
}

// Result is the outcome of a resolution attempt. Confirmed is false when the
// identity was derived purely from the fragments without a matching source.
type Result struct {
	Identity  Identity
	MatchedBy MatchReason
	Source    string
	Confirmed bool
}

// priorityChecks is the fixed match order. Callers must not reorder it: the
// first satisfied priority wins even if a lower-priority source would also
// match.
var priorityChecks = []struct {
	reason MatchReason
	match  func(f Fragments, s Source) bool
}{
	{MatchCaseKey, func(f Fragments, s Source) bool {
		return f.CaseKey != "" && s.Identity.CaseKey != "" && f.CaseKey == NormalizeCaseKey(s.Identity.CaseKey)
	}},
	{MatchCaseID, func(f Fragments, s Source) bool {
		return f.CaseID != "" && s.Identity.CaseID != "" && f.CaseID == NormalizeCaseID(s.Identity.CaseID)
	}},
	{MatchLineID, func(f Fragments, s Source) bool {
		return f.LineID != "" && s.Identity.LineID != "" && f.LineID == NormalizeLineID(s.Identity.LineID)
	}},
}

// Resolve normalizes the fragments and tests each source against them in
// priority order: explicit case key, then case id, then line id. An email
// fragment is consulted only when no stronger fragment is present, since an
// email maps to many identities over time and must never override a direct
// match. When nothing matches, the identity is derived from the fragments
// alone and flagged unconfirmed.
func Resolve(frags Fragments, sources []Source) Result {
	f := frags.Normalize()

	for _, c := range priorityChecks {
		for _, s := range sources {
			if c.match(f, s) {
				return Result{
					Identity:  merge(s.Identity, f),
					MatchedBy: c.reason,
					Source:    s.Name,
					Confirmed: true,
				}
			}
		}
	}

	if f.Email != "" && f.CaseKey == "" && f.CaseID == "" && f.LineID == "" {
		for _, s := range sources {
			if s.Email != "" && strings.EqualFold(s.Email, f.Email) {
				return Result{
					Identity:  merge(s.Identity, f),
					MatchedBy: MatchLineID,
					Source:    s.Name,
					Confirmed: true,
				}
			}
		}
	}

	return Result{Identity: derive(f), MatchedBy: MatchNone, Confirmed: false}
}

// merge takes the source identity as authoritative and fills gaps from the
// fragments.
func merge(src Identity, f Fragments) Identity {
	out := Identity{
		LineID:  NormalizeLineID(src.LineID),
		UserKey: strings.ToLower(strings.TrimSpace(src.UserKey)),
		CaseID:  NormalizeCaseID(src.CaseID),
		CaseKey: NormalizeCaseKey(src.CaseKey),
	}
	if out.LineID == "" {
		out.LineID = f.LineID
	}
	if out.CaseID == "" {
		out.CaseID = f.CaseID
	}
	if out.CaseKey == "" {
		if f.CaseKey != "" {
			out.CaseKey = f.CaseKey
		} else {
			out.CaseKey = JoinCaseKey(out.UserKey, out.CaseID)
		}
	}
	if out.UserKey == "" || out.CaseID == "" {
		if uk, cid, ok := SplitCaseKey(out.CaseKey); ok {
			if out.UserKey == "" {
				out.UserKey = uk
			}
			if out.CaseID == "" {
				out.CaseID = cid
			}
		}
	}
	return out
}

// derive builds a best-effort identity from fragments only.
func derive(f Fragments) Identity {
	out := Identity{LineID: f.LineID, CaseID: f.CaseID, CaseKey: f.CaseKey}
	if uk, cid, ok := SplitCaseKey(f.CaseKey); ok {
		out.UserKey = uk
		if out.CaseID == "" {
			out.CaseID = cid
		}
	}
	return out
}
