package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPassesIncludeExclude(t *testing.T) {
	r := New()
	if err := r.AddInclusionGlob("**/*.log"); err != nil {
		t.Fatalf("add inclusion: %v", err)
	}
	if err := r.AddExclusionGlob("**/*.debug.log"); err != nil {
		t.Fatalf("add exclusion: %v", err)
	}

	cases := []struct {
		path string
		want Result
	}{
		{"/d/x.log", Ok},
		{"/d/y.debug.log", Excluded},
		{"/d/z.txt", NotIncluded},
	}
	for _, c := range cases {
		if got := r.Passes(c.path); got != c.want {
			t.Errorf("Passes(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

func TestPassesEmptyIncludeMatchesAll(t *testing.T) {
	r := New()
	if got := r.Passes("/anything"); got != Ok {
		t.Errorf("empty include should match-all, got %v", got)
	}
}

func TestAddInclusionGlobMalformed(t *testing.T) {
	r := New()
	if err := r.AddInclusionGlob("[unterminated"); err == nil {
		t.Fatal("expected RuleParse error for malformed glob")
	}
}

func TestAddInclusionRegex(t *testing.T) {
	r := New()
	if err := r.AddInclusionRegex(`\.log$`); err != nil {
		t.Fatalf("add regex inclusion: %v", err)
	}
	if r.Passes("/d/x.log") != Ok {
		t.Error("expected regex inclusion to match")
	}
	if r.Passes("/d/x.txt") != NotIncluded {
		t.Error("expected regex inclusion to not match")
	}
}

func TestAddInclusionRegexMalformed(t *testing.T) {
	r := New()
	if err := r.AddInclusionRegex("("); err == nil {
		t.Fatal("expected RuleParse error for malformed regex")
	}
}

func TestAddIgnoreFileMissingIsNotAnError(t *testing.T) {
	r := New()
	if err := r.AddIgnoreFile(filepath.Join(t.TempDir(), "nonexistent")); err != nil {
		t.Fatalf("missing ignore file should be ignored, got %v", err)
	}
}

func TestAddIgnoreFileExcludes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".logdnaignore")
	if err := os.WriteFile(path, []byte("*.debug.log\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New()
	if err := r.AddIgnoreFile(path); err != nil {
		t.Fatalf("add ignore file: %v", err)
	}
	if r.Passes("y.debug.log") != Excluded {
		t.Error("expected ignore-file pattern to exclude y.debug.log")
	}
	if r.Passes("x.log") != Ok {
		t.Error("expected x.log to still pass")
	}
}
