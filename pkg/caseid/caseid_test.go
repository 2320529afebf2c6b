package caseid

import "testing"

func TestNormalizeCaseID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1", "0001"},
		{"0013", "0013"},
		{" no. 42 ", "0042"},
		{"12345", "12345"},
		{"", ""},
		{"abc", ""},
		{"0", ""},
		{"000", ""},
	}
	for _, c := range cases {
		if got := NormalizeCaseID(c.in); got != c.want {
			t.Fatalf("NormalizeCaseID(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeCaseKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"UC13DF-1", "uc13df-0001"},
		{"  uc13df-0001 ", "uc13df-0001"},
		{"uc13df", "uc13df"},
		{"uc13df-", "uc13df-"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeCaseKey(c.in); got != c.want {
			t.Fatalf("NormalizeCaseKey(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"UC13DF-1", "no. 42", "  U123  ", "zz-9999", ""}
	for _, in := range inputs {
		once := NormalizeCaseKey(in)
		if twice := NormalizeCaseKey(once); twice != once {
			t.Fatalf("NormalizeCaseKey not idempotent for %q: %q then %q", in, once, twice)
		}
		onceID := NormalizeCaseID(in)
		if twiceID := NormalizeCaseID(onceID); twiceID != onceID {
			t.Fatalf("NormalizeCaseID not idempotent for %q", in)
		}
	}
}

func TestSplitJoinCaseKey(t *testing.T) {
	uk, cid, ok := SplitCaseKey("uc13df-0001")
	if !ok || uk != "uc13df" || cid != "0001" {
		t.Fatalf("SplitCaseKey: got %q %q %v", uk, cid, ok)
	}
	if _, _, ok := SplitCaseKey("toolongkey-0001"); ok {
		t.Fatalf("expected split failure for over-long user key")
	}
	if got := JoinCaseKey("UC13DF", "1"); got != "uc13df-0001" {
		t.Fatalf("JoinCaseKey: got %q", got)
	}
	if got := JoinCaseKey("", "1"); got != "" {
		t.Fatalf("JoinCaseKey with empty user key: got %q", got)
	}
}

func TestResolvePriorityCaseKeyWins(t *testing.T) {
	// A valid case key must win even when a lower-priority source would match
	// the (conflicting) line id.
	frags := Fragments{CaseKey: "UC13DF-1", LineID: "U_other"}
	sources := []Source{
		{Name: "registry", Identity: Identity{LineID: "U_other", UserKey: "zz99aa", CaseID: "0007", CaseKey: "zz99aa-0007"}},
		{Name: "registry", Identity: Identity{LineID: "U123", UserKey: "uc13df", CaseID: "0001", CaseKey: "uc13df-0001"}},
	}
	res := Resolve(frags, sources)
	if res.MatchedBy != MatchCaseKey {
		t.Fatalf("matched by %q, want case_key", res.MatchedBy)
	}
	if res.Identity.CaseKey != "uc13df-0001" || res.Identity.LineID != "U123" {
		t.Fatalf("unexpected identity: %+v", res.Identity)
	}
	if !res.Confirmed {
		t.Fatalf("expected confirmed resolution")
	}
}

func TestResolveCaseIDBeforeLineID(t *testing.T) {
	frags := Fragments{CaseID: "13", LineID: "U999"}
	sources := []Source{
		{Name: "registry", Identity: Identity{LineID: "U999", CaseID: "0044", CaseKey: "ab12cd-0044", UserKey: "ab12cd"}},
		{Name: "registry", Identity: Identity{LineID: "U123", CaseID: "0013", CaseKey: "uc13df-0013", UserKey: "uc13df"}},
	}
	res := Resolve(frags, sources)
	if res.MatchedBy != MatchCaseID {
		t.Fatalf("matched by %q, want case_id", res.MatchedBy)
	}
	if res.Identity.CaseID != "0013" {
		t.Fatalf("unexpected case id: %q", res.Identity.CaseID)
	}
}

func TestResolveEmailFallbackOnlyWithoutStrongerFragment(t *testing.T) {
	contact := Source{Name: "contacts", Email: "a@x.com", Identity: Identity{LineID: "U123", UserKey: "uc13df"}}

	res := Resolve(Fragments{Email: "A@X.com"}, []Source{contact})
	if res.MatchedBy != MatchLineID || res.Source != "contacts" {
		t.Fatalf("email fallback: matched by %q via %q", res.MatchedBy, res.Source)
	}
	if res.Identity.LineID != "U123" {
		t.Fatalf("email fallback identity: %+v", res.Identity)
	}

	// A line id fragment that matches nothing must not fall through to the
	// email mapping.
	res = Resolve(Fragments{Email: "a@x.com", LineID: "U_unknown"}, []Source{contact})
	if res.MatchedBy != MatchNone || res.Confirmed {
		t.Fatalf("expected unconfirmed result, got %+v", res)
	}
}

func TestResolveUnconfirmedDerivation(t *testing.T) {
	res := Resolve(Fragments{CaseKey: "uc13df-0001"}, nil)
	if res.Confirmed || res.MatchedBy != MatchNone {
		t.Fatalf("expected unconfirmed fallback, got %+v", res)
	}
	if res.Identity.UserKey != "uc13df" || res.Identity.CaseID != "0001" {
		t.Fatalf("derived identity incomplete: %+v", res.Identity)
	}
	if !res.Identity.Complete() {
		t.Fatalf("derived identity should carry a well-formed case key")
	}
}
