package main

import "testing"

func TestReconcileTarget(t *testing.T) {
	cases := []struct {
		name     string
		rawKey   string
		rawID    string
		wantKey  string
		wantID   string
		wantFail bool
	}{
		{name: "id derived from key", rawKey: "UC13DF-1", wantKey: "uc13df-0001", wantID: "0001"},
		{name: "explicit id wins", rawKey: "uc13df-0001", rawID: "7", wantKey: "uc13df-0001", wantID: "0007"},
		{name: "malformed key", rawKey: "not a key", wantFail: true},
		{name: "empty key", rawKey: "", wantFail: true},
	}
	for _, tc := range cases {
		key, id, err := reconcileTarget(tc.rawKey, tc.rawID)
		if tc.wantFail {
			if err == nil {
				t.Fatalf("%s: expected error, got key=%q id=%q", tc.name, key, id)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if key != tc.wantKey || id != tc.wantID {
			t.Fatalf("%s: got key=%q id=%q, want key=%q id=%q", tc.name, key, id, tc.wantKey, tc.wantID)
		}
	}
}
