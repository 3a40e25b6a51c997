package version

import "testing"

func TestForTestingRestores(t *testing.T) {
	restore := ForTesting("1.2.3")
	if String() != "1.2.3" {
		t.Fatalf("String() = %q, want 1.2.3", String())
	}
	restore()
	if String() != "dev" {
		t.Fatalf("String() = %q after restore, want dev", String())
	}
}

func TestFormatVersion(t *testing.T) {
	cases := map[string]string{
		"":       "",
		"dev":    "dev",
		"0.3.0":  "v0.3.0",
		"v0.3.0": "v0.3.0",
	}
	for in, want := range cases {
		if got := FormatVersion(in); got != want {
			t.Errorf("FormatVersion(%q) = %q, want %q", in, got, want)
		}
	}
}
