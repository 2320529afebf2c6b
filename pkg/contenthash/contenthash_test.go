package contenthash

import "testing"

func TestSumBytesStable(t *testing.T) {
	a := SumBytes([]byte("hello"))
	b := SumBytes([]byte("hello"))
	if a != b {
		t.Fatalf("hash not stable: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("unexpected hash length %d", len(a))
	}
	if a == SumBytes([]byte("hello!")) {
		t.Fatalf("distinct content must not collide on trivial input")
	}
}

func TestSumObject(t *testing.T) {
	h1, raw, err := SumObject(map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("SumObject: %v", err)
	}
	if string(raw) != `{"k":"v"}` {
		t.Fatalf("unexpected canonical bytes: %s", raw)
	}
	if h1 != SumBytes(raw) {
		t.Fatalf("object hash must equal hash of canonical bytes")
	}
}
