// Package signature verifies that a status request actually originates from a
// trusted caller and has not been replayed. Two HMAC encodings are accepted:
// the legacy hex form over "ts.lineId.caseId" and the v2 base64url form over
// "lineId|caseId|ts", where the triple may additionally travel inside an
// opaque base64url "p" blob for transport robustness.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadParams        = errors.New("missing or malformed signature params")
	ErrTimestampSkew    = errors.New("timestamp outside accepted window")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrReplayed         = errors.New("request replayed")
)

// DefaultWindow is the accepted clock skew for signed requests.
const DefaultWindow = 600 * time.Second

// Params are the signature-bearing fields of a request. Sig carries either
// encoding; P, when present, carries the base64url "lineId|caseId|ts" blob
// and takes precedence over the individual fields.
type Params struct {
	LineID    string
	CaseID    string
	Timestamp string // unix seconds
	Sig       string
	P         string
}

// NonceStore remembers recently seen signatures so that an exact repeat
// inside the skew window can be rejected. PutIfAbsent returns false when the
// key was already present.
type NonceStore interface {
	PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Verifier checks request signatures against a shared secret.
type Verifier struct {
	Secret       string
	Window       time.Duration
	AcceptLegacy bool // hex encoding over "ts.lineId.caseId"
	Nonces       NonceStore
	Now          func() time.Time
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Verifier) window() time.Duration {
	if v.Window > 0 {
		return v.Window
	}
	return DefaultWindow
}

// Verify checks freshness and signature validity. It does not consume a
// nonce and is safe for idempotent read paths.
func (v *Verifier) Verify(p Params) error {
	_, err := v.check(p)
	return err
}

// VerifyOnce checks the signature and additionally registers the
// (lineId, timestamp, signature) nonce, rejecting exact repeats within the
// window. Mutating endpoints must use this form.
func (v *Verifier) VerifyOnce(ctx context.Context, p Params) error {
	filled, err := v.check(p)
	if err != nil {
		return err
	}
	if v.Nonces == nil {
		return nil
	}
	key := "sig:" + filled.LineID + ":" + filled.Timestamp + ":" + filled.Sig
	fresh, err := v.Nonces.PutIfAbsent(ctx, key, v.window()*2)
	if err != nil {
		return fmt.Errorf("nonce store: %w", err)
	}
	if !fresh {
		return ErrReplayed
	}
	return nil
}

func (v *Verifier) check(p Params) (Params, error) {
	if strings.TrimSpace(v.Secret) == "" {
		return p, fmt.Errorf("%w: verifier secret is empty", ErrBadParams)
	}
	if blob := strings.TrimSpace(p.P); blob != "" {
		lineID, caseID, ts, err := DecodePBlob(blob)
		if err != nil {
			return p, err
		}
		p.LineID, p.CaseID, p.Timestamp = lineID, caseID, ts
	}
	p.LineID = strings.TrimSpace(p.LineID)
	p.CaseID = strings.TrimSpace(p.CaseID)
	p.Timestamp = strings.TrimSpace(p.Timestamp)
	p.Sig = strings.TrimSpace(p.Sig)
	if p.LineID == "" || p.Timestamp == "" || p.Sig == "" {
		return p, ErrBadParams
	}

	ts, err := strconv.ParseInt(p.Timestamp, 10, 64)
	if err != nil || ts <= 0 {
		return p, ErrBadParams
	}
	skew := v.now().UTC().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > v.window() {
		return p, ErrTimestampSkew
	}

	if v.matchesV2(p) {
		return p, nil
	}
	if v.AcceptLegacy && v.matchesLegacy(p) {
		return p, nil
	}
	return p, ErrInvalidSignature
}

func (v *Verifier) matchesV2(p Params) bool {
	got, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(p.Sig, "="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(v.Secret))
	_, _ = mac.Write([]byte(p.LineID + "|" + p.CaseID + "|" + p.Timestamp))
	return hmac.Equal(got, mac.Sum(nil))
}

func (v *Verifier) matchesLegacy(p Params) bool {
	got, err := hex.DecodeString(strings.ToLower(p.Sig))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(v.Secret))
	_, _ = mac.Write([]byte(p.Timestamp + "." + p.LineID + "." + p.CaseID))
	return hmac.Equal(got, mac.Sum(nil))
}

// SignV2 produces the base64url signature and matching p blob for the triple.
func SignV2(secret, lineID, caseID string, ts int64) (sig, p string) {
	t := strconv.FormatInt(ts, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(lineID + "|" + caseID + "|" + t))
	sig = base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	p = base64.RawURLEncoding.EncodeToString([]byte(lineID + "|" + caseID + "|" + t))
	return sig, p
}

// SignLegacy produces the hex signature over "ts.lineId.caseId".
func SignLegacy(secret, lineID, caseID string, ts int64) string {
	t := strconv.FormatInt(ts, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(t + "." + lineID + "." + caseID))
	return hex.EncodeToString(mac.Sum(nil))
}

// DecodePBlob unpacks the base64url, pipe-delimited identity triple.
func DecodePBlob(p string) (lineID, caseID, ts string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(p), "="))
	if err != nil {
		return "", "", "", fmt.Errorf("%w: p blob not base64url", ErrBadParams)
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: p blob field count", ErrBadParams)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2]), nil
}
