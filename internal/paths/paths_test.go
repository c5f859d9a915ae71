package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBaseDirDefault(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	got := BaseDir()
	want := filepath.Join(home, ".setu")
	if got != want {
		t.Errorf("BaseDir() = %q, want %q", got, want)
	}
}

func TestBaseDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(HomeEnv, dir)
	if got := BaseDir(); got != dir {
		t.Errorf("BaseDir() = %q, want %q", got, dir)
	}
	if got := DBPath(); got != filepath.Join(dir, "contacts.db") {
		t.Errorf("DBPath() = %q", got)
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath()
	if !strings.HasSuffix(got, "setud.sock") {
		t.Errorf("SocketPath() = %q, want suffix setud.sock", got)
	}
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	t.Setenv(HomeEnv, dir)

	if err := EnsureDir(); err != nil {
		t.Fatal(err)
	}

	for _, d := range []string{dir, LogDir()} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permissions = %o, want 0700", d, perm)
		}
	}
}
