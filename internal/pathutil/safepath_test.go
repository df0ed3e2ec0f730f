package pathutil

import (
	"strings"
	"testing"
)

func TestHasDotSegments(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/normal/path", false},
		{"/path/./here", true},
		{"/path/../up", true},
		{".", true},
		{"..", true},
		{"/...", false},
		{"/.hidden", false},
		{"a.jar", false},
	}
	for _, tt := range tests {
		if got := HasDotSegments(tt.path); got != tt.want {
			t.Errorf("HasDotSegments(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestCleanFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"sodium-0.5.3+mc1.20.1.jar", "sodium-0.5.3+mc1.20.1.jar"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\mod.jar`, "mod.jar"},
		{"my cool mod.jar", "my_cool_mod.jar"},
		{".hidden.jar", "hidden.jar"},
		{"__init.jar", "init.jar"},
		{"mod\x00.jar", "mod.jar"},
		{"modé.jar", "mod.jar"},
		{"..", ""},
		{"/", ""},
		{"", ""},
		{"???", ""},
	}
	for _, tt := range tests {
		if got := CleanFileName(tt.in); got != tt.want {
			t.Errorf("CleanFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func FuzzCleanFileName(f *testing.F) {
	f.Add("mod.jar")
	f.Add("../x.jar")
	f.Add(`a\b/c.jar`)
	f.Fuzz(func(t *testing.T, in string) {
		out := CleanFileName(in)
		if strings.ContainsAny(out, `/\`) {
			t.Fatalf("CleanFileName(%q) = %q contains a separator", in, out)
		}
		if out == "." || out == ".." || strings.HasPrefix(out, ".") {
			t.Fatalf("CleanFileName(%q) = %q is a dot name", in, out)
		}
	})
}
