package identity

import (
	"regexp"
	"strings"
	"testing"
)

func TestDeriveUID_Deterministic(t *testing.T) {
	a := DeriveUID("platform", "ada")
	b := DeriveUID("platform", "ada")
	if a != b {
		t.Errorf("DeriveUID not deterministic: %q != %q", a, b)
	}
}

func TestDeriveUID_Length(t *testing.T) {
	uid := DeriveUID("platform", "ada")
	if len(uid) != 24 {
		t.Errorf("UID length = %d, want 24", len(uid))
	}
	if !regexp.MustCompile(`^[0-9a-f]{24}$`).MatchString(string(uid)) {
		t.Errorf("UID %q is not 24 hex chars", uid)
	}
}

func TestDeriveUID_DistinctInputs(t *testing.T) {
	if DeriveUID("platform", "ada") == DeriveUID("platform", "grace") {
		t.Error("different handles produced the same UID")
	}
	if DeriveUID("platform", "ada") == DeriveUID("research", "ada") {
		t.Error("different teams produced the same UID")
	}
	// The NUL separator keeps (ab, c) and (a, bc) apart.
	if DeriveUID("ab", "c") == DeriveUID("a", "bc") {
		t.Error("separator ambiguity: (ab,c) collided with (a,bc)")
	}
}

func TestNewSlug(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := NewSlug("wi")
		if !strings.HasPrefix(s, "wi-") {
			t.Fatalf("slug %q missing prefix", s)
		}
		body := strings.TrimPrefix(s, "wi-")
		if len(body) != 5 {
			t.Fatalf("slug body %q length = %d, want 5", body, len(body))
		}
		for _, c := range body {
			if !strings.ContainsRune(slugAlphabet, c) {
				t.Fatalf("slug %q contains %q outside alphabet", s, c)
			}
		}
		seen[s] = true
	}
	if len(seen) < 90 {
		t.Errorf("only %d distinct slugs in 100 draws", len(seen))
	}
}
