package phone

import "testing"

func TestNormalizeAcceptedFormats(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+919876543210", "+919876543210"},
		{"919876543210", "+919876543210"},
		{"9876543210", "+919876543210"},
		{"98765 43210", "+919876543210"},
		{"(+91) 98765-43210", "+919876543210"},
		{"+1 415 555 0100", "+14155550100"},
		{"", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"+919876543210", "919876543210", "9876543210", "98 76-54.32,10", "+44 20 7946 0958"}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}

func TestEqualAcrossFormats(t *testing.T) {
	if !Equal("+919876543210", "98765 43210") {
		t.Fatalf("expected formats to compare equal")
	}
	if Equal("+919876543210", "9876543211") {
		t.Fatalf("distinct numbers must not compare equal")
	}
}
