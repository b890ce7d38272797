package namecodec

import "testing"

func TestEncode(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Données/été", "Donn=C3=A9es=2F=C3=A9t=C3=A9"},
		{"Reports:2025", "Reports=3A2025"},
		{"plain", "plain"},
		{"a=b", "a=3Db"},
	}
	for _, c := range cases {
		if got := Encode(c.in); got != c.want {
			t.Errorf("Encode(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDecode(t *testing.T) {
	if got := Decode("Donn=C3=A9es=2F=C3=A9t=C3=A9"); got != "Données/été" {
		t.Errorf("Decode() = %q", got)
	}
}

func TestIsValidEncoded(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"abc=2", false},
		{"abc=GG", false},
		{"abc", true},
		{"abc=2F", true},
		{"abc=", false},
	}
	for _, c := range cases {
		if got := IsValidEncoded(c.in); got != c.want {
			t.Errorf("IsValidEncoded(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	names := []string{"INBOX", "Données/été", "a.b.c", "weird\x01byte", "=already=encoded"}
	for _, n := range names {
		enc := Encode(n)
		if !IsValidEncoded(enc) {
			t.Fatalf("Encode(%q) = %q is not valid encoded form", n, enc)
		}
		if got := Decode(enc); got != n {
			t.Errorf("round trip failed for %q: got %q via %q", n, got, enc)
		}
	}
}

func TestEncodeDecodeFixedPoint(t *testing.T) {
	encoded := []string{"plain", "a.b-c_d", "x=2Fy", "x=3Dy"}
	for _, e := range encoded {
		if !IsValidEncoded(e) {
			t.Fatalf("fixture %q should be valid", e)
		}
		if got := Encode(Decode(e)); got != e {
			t.Errorf("Encode(Decode(%q)) = %q, want %q", e, got, e)
		}
	}
}
