package msgset

import "testing"

func TestParseContains(t *testing.T) {
	ms, err := Parse("1:5,7,10:*")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cases := []struct {
		n, last uint32
		want    bool
	}{
		{4, 20, true},
		{6, 20, false},
		{15, 20, true},
		{15, 9, false},
	}
	for _, c := range cases {
		if got := ms.Contains(c.n, c.last); got != c.want {
			t.Errorf("Contains(%d, %d) = %v, want %v", c.n, c.last, got, c.want)
		}
	}
}

func TestStringNormalizes(t *testing.T) {
	ms, err := Parse("10:1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := ms.String(); got != "1:10" {
		t.Errorf("String() = %q, want %q", got, "1:10")
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{"", "0", "-1", "abc", "1,,2", "1:", ":5"}
	for _, s := range bad {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestWildcardLast(t *testing.T) {
	ms, err := Parse("*")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !ms.Contains(42, 42) {
		t.Errorf("wildcard set should contain last")
	}
	if ms.Contains(41, 42) {
		t.Errorf("wildcard set should not contain non-last values")
	}
}

func TestToIMAPSeqSet(t *testing.T) {
	ms, err := Parse("1:5,7")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	seq := ms.ToIMAPSeqSet()
	if !seq.Contains(3) || !seq.Contains(7) || seq.Contains(6) {
		t.Errorf("ToIMAPSeqSet() produced unexpected set: %v", seq)
	}
}
