package packages

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := New(t.TempDir(), "jar")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func put(t *testing.T, r *Repository, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(r.Dir(), name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNew_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "mods")
	r, err := New(dir, ".JAR")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		t.Fatalf("dir not created: %v", err)
	}
	if r.Extension() != "jar" {
		t.Fatalf("Extension = %q", r.Extension())
	}
	if _, err := New(dir, ""); err == nil {
		t.Fatal("empty extension should be rejected")
	}
}

func TestAccepts(t *testing.T) {
	r := newRepo(t)
	tests := map[string]bool{
		"a.jar":         true,
		"A.JAR":         true,
		"x.y.Jar":       true,
		"manifest.json": false,
		"jar":           false,
		"a.jar.tmp":     false,
		"a.":            false,
		"":              false,
	}
	for name, want := range tests {
		if got := r.Accepts(name); got != want {
			t.Errorf("Accepts(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestList_FiltersAndSorts(t *testing.T) {
	r := newRepo(t)
	put(t, r, "zeta.jar", "zz")
	put(t, r, "alpha.jar", "a")
	put(t, r, "manifest.json", "{}")
	put(t, r, "readme.txt", "hi")
	put(t, r, ".upload-123-456", "partial")
	if err := os.Mkdir(filepath.Join(r.Dir(), "dir.jar"), 0o755); err != nil {
		t.Fatal(err)
	}

	files, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("List = %+v, want 2 files", files)
	}
	if files[0].Name != "alpha.jar" || files[1].Name != "zeta.jar" {
		t.Fatalf("order = %s, %s", files[0].Name, files[1].Name)
	}
	if files[0].Size != 1 || files[1].Size != 2 {
		t.Fatalf("sizes = %d, %d", files[0].Size, files[1].Size)
	}
}

func TestList_MissingDir(t *testing.T) {
	r := newRepo(t)
	if err := os.RemoveAll(r.Dir()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.List(context.Background()); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestList_CancelledContext(t *testing.T) {
	r := newRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.List(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestSafeName(t *testing.T) {
	r := newRepo(t)
	tests := []struct {
		name string
		err  error
	}{
		{"mod.jar", nil},
		{"mod-1.0+mc1.20.jar", nil},
		{"../mod.jar", ErrInvalidName},
		{"sub/mod.jar", ErrInvalidName},
		{`sub\mod.jar`, ErrInvalidName},
		{".hidden.jar", ErrInvalidName},
		{"my mod.jar", nil},
		{"nul\x00.jar", ErrInvalidName},
		{"", ErrInvalidName},
		{"manifest.json", ErrNotAccepted},
	}
	for _, tt := range tests {
		_, err := r.SafeName(tt.name)
		if !errors.Is(err, tt.err) && !(err == nil && tt.err == nil) {
			t.Errorf("SafeName(%q) err = %v, want %v", tt.name, err, tt.err)
		}
	}
}

func TestSave(t *testing.T) {
	r := newRepo(t)
	f, err := r.Save(context.Background(), "../../My Mod.jar", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if f.Name != "My_Mod.jar" || f.Size != 7 {
		t.Fatalf("Save = %+v", f)
	}
	got, err := os.ReadFile(filepath.Join(r.Dir(), "My_Mod.jar"))
	if err != nil || string(got) != "payload" {
		t.Fatalf("content = %q, %v", got, err)
	}
	ents, _ := os.ReadDir(r.Dir())
	if len(ents) != 1 {
		t.Fatalf("temp file left behind: %v", ents)
	}
}

func TestSave_Overwrites(t *testing.T) {
	r := newRepo(t)
	put(t, r, "a.jar", "old")
	if _, err := r.Save(context.Background(), "a.jar", strings.NewReader("new!")); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(filepath.Join(r.Dir(), "a.jar"))
	if string(got) != "new!" {
		t.Fatalf("content = %q", got)
	}
}

func TestSave_Rejects(t *testing.T) {
	r := newRepo(t)
	if _, err := r.Save(context.Background(), "notes.txt", strings.NewReader("x")); !errors.Is(err, ErrNotAccepted) {
		t.Fatalf("err = %v, want ErrNotAccepted", err)
	}
	if _, err := r.Save(context.Background(), "???", strings.NewReader("x")); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("err = %v, want ErrInvalidName", err)
	}
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestSave_ReadFailureLeavesNothing(t *testing.T) {
	r := newRepo(t)
	if _, err := r.Save(context.Background(), "a.jar", brokenReader{}); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v", err)
	}
	ents, _ := os.ReadDir(r.Dir())
	if len(ents) != 0 {
		t.Fatalf("dir should be empty, got %v", ents)
	}
}

func TestRemove(t *testing.T) {
	r := newRepo(t)
	put(t, r, "a.jar", "x")
	put(t, r, "keep.txt", "x")

	if err := r.Remove("a.jar"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(r.Dir(), "a.jar")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("file still present")
	}
	for _, name := range []string{"a.jar", "keep.txt", "../a.jar", ""} {
		if err := r.Remove(name); !errors.Is(err, ErrNotFound) {
			t.Errorf("Remove(%q) = %v, want ErrNotFound", name, err)
		}
	}
}

func TestOpenFile(t *testing.T) {
	r := newRepo(t)
	put(t, r, "a.jar", "hello")

	f, info, err := r.OpenFile("a.jar")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()
	if info.Size() != 5 {
		t.Fatalf("size = %d", info.Size())
	}

	if _, _, err := r.OpenFile("missing.jar"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("missing: %v", err)
	}
	if _, err := r.Open("manifest.json"); !errors.Is(err, ErrNotAccepted) {
		t.Fatalf("non-accepted: %v", err)
	}
}

func TestStats(t *testing.T) {
	r := newRepo(t)
	s, err := r.Stats(context.Background())
	if err != nil || s.Count != 0 || !s.LastModified.IsZero() {
		t.Fatalf("empty stats = %+v, %v", s, err)
	}

	put(t, r, "a.jar", "12345")
	put(t, r, "b.jar", "123")
	newest := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := os.Chtimes(filepath.Join(r.Dir(), "b.jar"), newest, newest); err != nil {
		t.Fatal(err)
	}

	s, err = r.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Count != 2 || s.TotalSize != 8 {
		t.Fatalf("stats = %+v", s)
	}
	if !s.LastModified.Equal(newest) {
		t.Fatalf("LastModified = %v, want %v", s.LastModified, newest)
	}
}
