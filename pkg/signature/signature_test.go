package signature

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memNonces) PutIfAbsent(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func fixedNow(ts int64) func() time.Time {
	return func() time.Time { return time.Unix(ts, 0).UTC() }
}

func TestVerifyV2(t *testing.T) {
	const secret = "topsecret"
	now := int64(1_700_000_000)
	sig, p := SignV2(secret, "U123", "0001", now)

	v := &Verifier{Secret: secret, Now: fixedNow(now + 30)}

	if err := v.Verify(Params{LineID: "U123", CaseID: "0001", Timestamp: "1700000000", Sig: sig}); err != nil {
		t.Fatalf("explicit fields: %v", err)
	}
	if err := v.Verify(Params{Sig: sig, P: p}); err != nil {
		t.Fatalf("p blob: %v", err)
	}
}

func TestVerifyLegacy(t *testing.T) {
	const secret = "topsecret"
	now := int64(1_700_000_000)
	sig := SignLegacy(secret, "U123", "0001", now)
	p := Params{LineID: "U123", CaseID: "0001", Timestamp: "1700000000", Sig: sig}

	v := &Verifier{Secret: secret, AcceptLegacy: true, Now: fixedNow(now)}
	if err := v.Verify(p); err != nil {
		t.Fatalf("legacy accepted mode: %v", err)
	}

	strict := &Verifier{Secret: secret, Now: fixedNow(now)}
	if err := strict.Verify(p); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("legacy rejected without opt-in, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	const secret = "topsecret"
	now := int64(1_700_000_000)
	// Correct signature, but issued outside the window.
	sig, _ := SignV2(secret, "U123", "0001", now-700)

	v := &Verifier{Secret: secret, Now: fixedNow(now)}
	err := v.Verify(Params{LineID: "U123", CaseID: "0001", Timestamp: "1699999300", Sig: sig})
	if !errors.Is(err, ErrTimestampSkew) {
		t.Fatalf("want ErrTimestampSkew, got %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	const secret = "topsecret"
	now := int64(1_700_000_000)
	sig, _ := SignV2(secret, "U123", "0001", now)

	v := &Verifier{Secret: secret, Now: fixedNow(now)}
	err := v.Verify(Params{LineID: "U999", CaseID: "0001", Timestamp: "1700000000", Sig: sig})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("want ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyOnceRejectsReplay(t *testing.T) {
	const secret = "topsecret"
	now := int64(1_700_000_000)
	sig, _ := SignV2(secret, "U123", "0001", now)
	params := Params{LineID: "U123", CaseID: "0001", Timestamp: "1700000000", Sig: sig}

	v := &Verifier{Secret: secret, Now: fixedNow(now), Nonces: &memNonces{}}
	ctx := context.Background()
	if err := v.VerifyOnce(ctx, params); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := v.VerifyOnce(ctx, params); !errors.Is(err, ErrReplayed) {
		t.Fatalf("want ErrReplayed on exact repeat, got %v", err)
	}
	// A different timestamp is a different nonce.
	sig2, _ := SignV2(secret, "U123", "0001", now+1)
	if err := v.VerifyOnce(ctx, Params{LineID: "U123", CaseID: "0001", Timestamp: "1700000001", Sig: sig2}); err != nil {
		t.Fatalf("fresh nonce: %v", err)
	}
}

func TestVerifyMissingParams(t *testing.T) {
	v := &Verifier{Secret: "s", Now: fixedNow(0)}
	if err := v.Verify(Params{}); !errors.Is(err, ErrBadParams) {
		t.Fatalf("want ErrBadParams, got %v", err)
	}
	if err := v.Verify(Params{LineID: "U1", Timestamp: "notanumber", Sig: "x"}); !errors.Is(err, ErrBadParams) {
		t.Fatalf("want ErrBadParams for bad timestamp, got %v", err)
	}
}

func TestDecodePBlob(t *testing.T) {
	_, p := SignV2("s", "U123", "0001", 1700000000)
	lineID, caseID, ts, err := DecodePBlob(p)
	if err != nil {
		t.Fatalf("DecodePBlob: %v", err)
	}
	if lineID != "U123" || caseID != "0001" || ts != "1700000000" {
		t.Fatalf("unexpected triple: %q %q %q", lineID, caseID, ts)
	}
	if _, _, _, err := DecodePBlob("!!notb64!!"); err == nil {
		t.Fatalf("expected decode failure")
	}
}

func TestBodyHMAC(t *testing.T) {
	body := []byte(`{"form_key":"s2002"}`)
	h := SignBody("secret", body)
	if !VerifyBody("secret", body, h) {
		t.Fatalf("body signature should verify")
	}
	if VerifyBody("secret", []byte("tampered"), h) {
		t.Fatalf("tampered body must not verify")
	}
	if VerifyBody("", body, h) {
		t.Fatalf("empty secret must not verify")
	}
}
