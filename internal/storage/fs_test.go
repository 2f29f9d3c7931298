package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func tempWorkspace(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir, Ignore{Patterns: []string{"*.swp"}, Dirs: []string{".custodian", ".git"}})
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempWorkspace(t)
	content := []byte("hello\nworld\n")
	if err := s.Write("/note.txt", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("/note.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempWorkspace(t)
	if err := s.Write("a/b/c.txt", []byte("deep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("/a/b/c.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestNormalize(t *testing.T) {
	s := tempWorkspace(t)
	cases := map[string]string{
		"a.txt":                               "/a.txt",
		"/a.txt":                              "/a.txt",
		"./x/../y/b.txt":                      "/y/b.txt",
		filepath.Join(s.Root(), "sub", "c.go"): "/sub/c.go",
	}
	for in, want := range cases {
		got, err := s.Normalize(in)
		if err != nil {
			t.Errorf("Normalize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempWorkspace(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.txt",
		"a/../../b.txt",
		s.Root(),
	}
	for _, p := range cases {
		if _, err := s.Normalize(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestDeleteAndExists(t *testing.T) {
	s := tempWorkspace(t)
	_ = s.Write("/del.txt", []byte("bye"))
	if ok, _ := s.Exists("/del.txt"); !ok {
		t.Fatal("expected file to exist")
	}
	if err := s.Delete("/del.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := s.Exists("/del.txt"); ok {
		t.Error("file still exists after delete")
	}
}

func TestMove(t *testing.T) {
	s := tempWorkspace(t)
	_ = s.Write("/old.txt", []byte("data"))
	if err := s.Move("/old.txt", "/sub/new.txt"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, err := s.Read("/sub/new.txt")
	if err != nil {
		t.Fatalf("Read after move: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("content = %q", got)
	}
	if _, err := s.Read("/old.txt"); err == nil {
		t.Error("old path should not exist")
	}
}

func TestListHonoursIgnoreRules(t *testing.T) {
	s := tempWorkspace(t)
	_ = s.Write("/a.txt", []byte("a"))
	_ = s.Write("/sub/b.txt", []byte("b"))
	_ = s.Write("/sub/.b.txt.swp", []byte("swap"))
	_ = s.Write("/.custodian/registry.json", []byte("{}"))
	_ = s.Write("/.git/HEAD", []byte("ref"))

	items, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(items), items)
	}
	for _, it := range items {
		if it.Digest == "" {
			t.Errorf("%s: empty digest", it.Path)
		}
	}
}

func TestIgnoreMatch(t *testing.T) {
	ig := Ignore{Patterns: []string{"*.tmp", "build/*"}, Dirs: []string{"node_modules"}}
	cases := []struct {
		key   string
		isDir bool
		want  bool
	}{
		{"/x.tmp", false, true},
		{"/build/out.bin", false, true},
		{"/src/node_modules/a.js", false, true},
		{"/node_modules", true, true},
		{"/src/main.go", false, false},
		{"/" + TempPrefix + "123", false, true},
	}
	for _, c := range cases {
		if got := ig.Match(c.key, c.isDir); got != c.want {
			t.Errorf("Match(%q, %v) = %v, want %v", c.key, c.isDir, got, c.want)
		}
	}
}

func TestAtomicWriteNoLeftovers(t *testing.T) {
	s := tempWorkspace(t)
	_ = s.Write("/atomic.txt", []byte("original content"))
	if err := s.Write("/atomic.txt", []byte("updated content")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("/atomic.txt")
	if string(got) != "updated content" {
		t.Errorf("expected updated content, got %q", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.Root(), TempPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	if _, err := NewFS("/tmp/custodian-does-not-exist-"+t.Name(), Ignore{}); err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "custodian-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	if _, err := NewFS(f.Name(), Ignore{}); err == nil {
		t.Error("expected error when root is a file")
	}
}
