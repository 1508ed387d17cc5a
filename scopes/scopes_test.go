package scopes

import "testing"

func strp(s string) *string { return &s }

func TestParse(t *testing.T) {
	got := Parse("foo bar")
	want := []string{"foo", "bar"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Parse(%q) = %v, want %v", "foo bar", got, want)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name       string
		requested  *string
		authorized []string
		want       []string
	}{
		{"narrow to subset", strp("foo bar"), []string{"foo"}, []string{"foo"}},
		{"narrow to nothing", strp("bar"), []string{"foo"}, []string{}},
		{"nil requested returns authorized", nil, []string{"foo"}, []string{"foo"}},
		{"nil authorized returns nil", strp("foo"), nil, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Validate(c.requested, c.authorized)
			if len(got) != len(c.want) {
				t.Fatalf("Validate(%v, %v) = %v, want %v", c.requested, c.authorized, got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("Validate(%v, %v) = %v, want %v", c.requested, c.authorized, got, c.want)
				}
			}
		})
	}
}
