package keys

import (
	"regexp"
	"strings"
	"testing"
)

func TestGeometryKey_Deterministic(t *testing.T) {
	k1 := GeometryKey("spatial", "25/29/29801113/13210757")
	k2 := GeometryKey("spatial", "25/29/29801113/13210757")
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
	if k1 != "spatial:geom:25/29/29801113/13210757" {
		t.Fatalf("k=%s", k1)
	}
}

func TestGeometryKey_NamespaceNormalized(t *testing.T) {
	if got := GeometryKey(" my  app ", "A"); got != "my_app:geom:A" {
		t.Fatalf("got %s", got)
	}
	if got := GeometryKey("", "A"); got != "spatial:geom:A" {
		t.Fatalf("got %s", got)
	}
}

func TestGeometryKey_LongIDsHashed(t *testing.T) {
	base := strings.Repeat("a", 200)
	k1 := GeometryKey("spatial", base+"1")
	k2 := GeometryKey("spatial", base+"2")
	if k1 == k2 {
		t.Fatalf("long ids with different tails must differ")
	}
	if !regexp.MustCompile(`~[0-9a-f]{16}$`).MatchString(k1) {
		t.Fatalf("missing hash suffix: %s", k1)
	}
	if len(k1) > 160 {
		t.Fatalf("key too long: %d", len(k1))
	}
}

func TestGeometryKey_UnexpectedBytesDoNotCollide(t *testing.T) {
	k1 := GeometryKey("spatial", "a b")
	k2 := GeometryKey("spatial", "a-b")
	if k1 == k2 {
		t.Fatalf("sanitized id collided with a real id: %s", k1)
	}
	if strings.ContainsAny(k1, " \t\n") {
		t.Fatalf("whitespace leaked into key: %q", k1)
	}
}

func TestETag(t *testing.T) {
	a := ETag([]byte(`{"a":1}`))
	if a != ETag([]byte(`{"a":1}`)) {
		t.Fatal("etag not deterministic")
	}
	if a == ETag([]byte(`{"a":2}`)) {
		t.Fatal("different bodies share an etag")
	}
	if !regexp.MustCompile(`^"[0-9a-f]{16}"$`).MatchString(a) {
		t.Fatalf("etag format: %s", a)
	}
}

func TestMatchesETag(t *testing.T) {
	tag := `"00000000000000ff"`
	cases := []struct {
		header string
		want   bool
	}{
		{"", false},
		{"*", true},
		{tag, true},
		{`W/` + tag, true},
		{`"x", ` + tag, true},
		{`"x"`, false},
	}
	for _, tc := range cases {
		if got := MatchesETag(tc.header, tag); got != tc.want {
			t.Fatalf("MatchesETag(%q)=%v want %v", tc.header, got, tc.want)
		}
	}
}
