package swarm

import "testing"

func TestKebabID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Research Assistant", "research-assistant"},
		{"  Foo  Bar  ", "foo-bar"},
		{"already-kebab", "already-kebab"},
		{"CamelCase99", "camelcase99"},
		{"weird__chars!!here", "weird-chars-here"},
		{"--trim--", "trim"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := KebabID(tt.in); got != tt.want {
			t.Errorf("KebabID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAllocateIDCollisionSuffixes(t *testing.T) {
	existing := map[string]bool{}
	taken := func(id string) bool { return existing[id] }

	for i, want := range []string{"foo", "foo-2", "foo-3"} {
		got := AllocateID("Foo", taken)
		if got != want {
			t.Fatalf("allocation %d = %q, want %q", i+1, got, want)
		}
		existing[got] = true
	}
}

func TestAllocateIDEmptyName(t *testing.T) {
	if got := AllocateID("!!!", func(string) bool { return false }); got != "agent" {
		t.Errorf("AllocateID fallback = %q, want %q", got, "agent")
	}
}
