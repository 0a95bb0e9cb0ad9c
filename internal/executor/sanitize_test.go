package executor

import "testing"

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  status  ", "status"},
		{"a\x00b", "ab"},
		{"a;b", "'a;b'"},
		{"it's $x", `'it'\''s $x'`},
		{"plain-arg_1.txt", "plain-arg_1.txt"},
		{"", ""},
	}
	for _, tc := range cases {
		got := Sanitize([]string{tc.in})
		if len(got) != 1 || got[0] != tc.want {
			t.Fatalf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitize_KeepsPositions(t *testing.T) {
	got := Sanitize([]string{"apply", " ", "-f"})
	if len(got) != 3 || got[1] != "" {
		t.Fatalf("unexpected %q", got)
	}
}
