package version

import "testing"

func TestCompareBasic(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.1", -1},
		{"1.1", "1.0", 1},
		{"1.0.1", "1.0", 1},
		{"1.0", "1.0.0", 0},
		{"2!1.0", "1.0", 1},
		{"1.0dev1", "1.0", -1},
		{"1.0", "1.0post1", -1},
		{"1.0a1", "1.0", 1},
		{"1.0a1", "1.0a2", -1},
		{"1.0.0", "1.0.0post0", -1},
	}
	for _, c := range cases {
		a, err := Parse(c.a)
		if err != nil {
			t.Fatalf("parse %q: %v", c.a, err)
		}
		b, err := Parse(c.b)
		if err != nil {
			t.Fatalf("parse %q: %v", c.b, err)
		}
		if got := a.Compare(b); got != c.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{"1.0.3", "2!1.2.3", "1.0a1", "1.0.0post1", "1.2.3-r1"} {
		v, err := Parse(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if got := v.String(); got != s {
			t.Errorf("String() = %q, want %q", got, s)
		}
	}
}

func TestEpochOrdering(t *testing.T) {
	v1 := MustParse("1!1.0")
	v2 := MustParse("2!0.1")
	if !v1.Less(v2) {
		t.Fatal("expected epoch 1 < epoch 2 regardless of trailing segments")
	}
}

func TestParseEmptyError(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty version")
	}
}

func TestEqual(t *testing.T) {
	a := MustParse("1.0")
	b := MustParse("1.0")
	if !a.Equal(b) {
		t.Fatal("expected equal versions to compare equal")
	}
}
