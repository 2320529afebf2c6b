// Package caseid canonicalizes the identity fragments a submission may carry
// (LINE user id, case sequence number, composite case key, email) and resolves
// them against known-identity sources in a fixed priority order.
package caseid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CaseKeyRe is the shape of a well-formed case key: a short lowercase
// alphanumeric user key joined to a 4-digit case number.
var CaseKeyRe = regexp.MustCompile(`^[a-z0-9]{2,6}-\d{4}$`)

// Identity is the canonical identity of a case. It is derived on every
// resolution attempt and never stored as its own entity.
type Identity struct {
	LineID  string `json:"line_id"`
	UserKey string `json:"user_key"`
	CaseID  string `json:"case_id"`
	CaseKey string `json:"case_key"`
}

// Complete reports whether the identity carries a well-formed case key.
// A complete identity is strong enough to allocate storage for the case.
func (id Identity) Complete() bool {
	return id.CaseKey != "" && CaseKeyRe.MatchString(id.CaseKey)
}

// NormalizeCaseID strips non-digits, parses the remainder as a positive
// integer and zero-pads to 4 digits. Empty, non-numeric or non-positive
// input yields "".
func NormalizeCaseID(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	n, err := strconv.Atoi(digits.String())
	if err != nil || n <= 0 {
		return ""
	}
	return fmt.Sprintf("%04d", n)
}

// NormalizeCaseKey lowercases, trims, and re-pads the numeric suffix via
// NormalizeCaseID. Input without a usable numeric suffix is returned
// lowercased and trimmed as-is.
func NormalizeCaseKey(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	i := strings.LastIndex(s, "-")
	if i <= 0 || i == len(s)-1 {
		return s
	}
	num := NormalizeCaseID(s[i+1:])
	if num == "" {
		return s
	}
	return s[:i] + "-" + num
}

func NormalizeLineID(raw string) string { return strings.TrimSpace(raw) }

// JoinCaseKey builds a case key from its parts, or "" when either part is
// missing.
func JoinCaseKey(userKey, caseID string) string {
	userKey = strings.ToLower(strings.TrimSpace(userKey))
	caseID = NormalizeCaseID(caseID)
	if userKey == "" || caseID == "" {
		return ""
	}
	return userKey + "-" + caseID
}

// SplitCaseKey splits a well-formed case key into user key and case id.
func SplitCaseKey(caseKey string) (userKey, caseID string, ok bool) {
	k := NormalizeCaseKey(caseKey)
	if !CaseKeyRe.MatchString(k) {
		return "", "", false
	}
	i := strings.LastIndex(k, "-")
	return k[:i], k[i+1:], true
}
