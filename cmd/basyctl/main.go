package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/caseid"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/signature"
)

const usage = "usage: basyctl sig make --secret <s> --line-id <id> [--case-id <id>] [--ts <unix>] [--legacy] | basyctl sig verify --secret <s> --ts <unix> --sig <sig> [--line-id <id>] [--case-id <id>] [--p <blob>] [--legacy] [--window <seconds>] | basyctl pblob decode --p <blob> | basyctl reconcile --url <base> --secret <s> --case-key <key> --line-id <id> [--case-id <id>]"

func main() {
	if len(os.Args) < 2 {
		failSummary("", "", usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "sig":
		runSig(os.Args[2:])
	case "pblob":
		runPBlob(os.Args[2:])
	case "reconcile":
		runReconcile(os.Args[2:])
	default:
		failSummary("", "", "unknown command")
		os.Exit(2)
	}
}

func runSig(args []string) {
	if len(args) < 1 {
		failSummary("", "", usage)
		os.Exit(2)
	}
	switch args[0] {
	case "make":
		runSigMake(args[1:])
	case "verify":
		runSigVerify(args[1:])
	default:
		failSummary("", "", usage)
		os.Exit(2)
	}
}

func runSigMake(args []string) {
	fs := flag.NewFlagSet("sig make", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	secret := fs.String("secret", "", "shared HMAC secret")
	lineID := fs.String("line-id", "", "line id")
	caseID := fs.String("case-id", "", "case id")
	ts := fs.Int64("ts", 0, "unix seconds (default: now)")
	legacy := fs.Bool("legacy", false, "emit the legacy hex encoding")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*secret) == "" || strings.TrimSpace(*lineID) == "" {
		failSummary(*lineID, *caseID, "--secret and --line-id are required")
		os.Exit(2)
	}
	at := *ts
	if at == 0 {
		at = time.Now().Unix()
	}

	if *legacy {
		sig := signature.SignLegacy(*secret, *lineID, *caseID, at)
		passSummary(*lineID, *caseID, map[string]any{"encoding": "legacy", "ts": at, "sig": sig})
		return
	}
	sig, p := signature.SignV2(*secret, *lineID, *caseID, at)
	passSummary(*lineID, *caseID, map[string]any{"encoding": "v2", "ts": at, "sig": sig, "p": p})
}

func runSigVerify(args []string) {
	fs := flag.NewFlagSet("sig verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	secret := fs.String("secret", "", "shared HMAC secret")
	lineID := fs.String("line-id", "", "line id")
	caseID := fs.String("case-id", "", "case id")
	ts := fs.String("ts", "", "unix seconds")
	sig := fs.String("sig", "", "presented signature")
	p := fs.String("p", "", "base64url identity blob")
	legacy := fs.Bool("legacy", false, "accept the legacy hex encoding")
	window := fs.Int("window", 600, "accepted skew in seconds")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*secret) == "" {
		failSummary(*lineID, *caseID, "--secret is required")
		os.Exit(2)
	}

	v := signature.Verifier{
		Secret:       *secret,
		Window:       time.Duration(*window) * time.Second,
		AcceptLegacy: *legacy,
	}
	err := v.Verify(signature.Params{
		LineID: *lineID, CaseID: *caseID, Timestamp: *ts, Sig: *sig, P: *p,
	})
	if err != nil {
		failSummary(*lineID, *caseID, err.Error())
		os.Exit(1)
	}
	passSummary(*lineID, *caseID, nil)
}

func runPBlob(args []string) {
	if len(args) < 1 || args[0] != "decode" {
		failSummary("", "", usage)
		os.Exit(2)
	}
	fs := flag.NewFlagSet("pblob decode", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	p := fs.String("p", "", "base64url identity blob")
	if err := fs.Parse(args[1:]); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	lineID, caseID, ts, err := signature.DecodePBlob(*p)
	if err != nil {
		failSummary("", "", err.Error())
		os.Exit(1)
	}
	passSummary(lineID, caseID, map[string]any{"ts": ts})
}

func runReconcile(args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	baseURL := fs.String("url", "http://localhost:8080", "server base url")
	secret := fs.String("secret", "", "shared HMAC secret")
	caseKey := fs.String("case-key", "", "canonical case key")
	lineID := fs.String("line-id", "", "line id bound to the case")
	caseID := fs.String("case-id", "", "case id bound to the case")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*secret) == "" || strings.TrimSpace(*caseKey) == "" || strings.TrimSpace(*lineID) == "" {
		failSummary(*lineID, *caseID, "--secret, --case-key and --line-id are required")
		os.Exit(2)
	}
	// The server rebuilds the signed params from the registry row, so the
	// signature must carry the case id bound to the key.
	key, id, err := reconcileTarget(*caseKey, *caseID)
	if err != nil {
		failSummary(*lineID, *caseID, err.Error())
		os.Exit(2)
	}

	ts := time.Now().Unix()
	sig, p := signature.SignV2(*secret, *lineID, id, ts)
	body, _ := json.Marshal(map[string]any{
		"case_key": key,
		"ts":       fmt.Sprintf("%d", ts),
		"sig":      sig,
		"p":        p,
	})

	resp, err := http.Post(strings.TrimRight(*baseURL, "/")+"/admin/reconcile", "application/json", bytes.NewReader(body))
	if err != nil {
		failSummary(*lineID, id, err.Error())
		os.Exit(1)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		failSummary(*lineID, id, fmt.Sprintf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(out))))
		os.Exit(1)
	}
	var result map[string]any
	_ = json.Unmarshal(out, &result)
	passSummary(*lineID, id, map[string]any{"case_key": key, "migrated": result["migrated"]})
}

// reconcileTarget normalizes the case key and settles the case id the
// signature must carry: the explicit flag when given, otherwise the numeric
// suffix of the key.
func reconcileTarget(rawKey, rawID string) (caseKey, caseID string, err error) {
	caseKey = caseid.NormalizeCaseKey(rawKey)
	if !caseid.CaseKeyRe.MatchString(caseKey) {
		return "", "", fmt.Errorf("case key %q is malformed", rawKey)
	}
	caseID = caseid.NormalizeCaseID(rawID)
	if caseID == "" {
		_, caseID, _ = caseid.SplitCaseKey(caseKey)
	}
	return caseKey, caseID, nil
}

func passSummary(lineID, caseID string, extra map[string]any) {
	printSummary("PASS", lineID, caseID, "", extra)
}

func failSummary(lineID, caseID, reason string) {
	printSummary("FAIL", lineID, caseID, reason, nil)
}

func printSummary(status, lineID, caseID, reason string, extra map[string]any) {
	out := map[string]any{
		"status":        status,
		"line_id":       lineID,
		"case_id":       caseID,
		"timestamp_utc": time.Now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		out["reason"] = reason
	}
	for k, v := range extra {
		out[k] = v
	}
	b, _ := json.Marshal(out)
	fmt.Println(string(b))
}
