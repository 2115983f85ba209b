package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/websoft9/termsub/internal/fileutil"
)

func TestResolveSafePath(t *testing.T) {
	root := t.TempDir()
	_ = os.MkdirAll(filepath.Join(root, "home", "alice"), 0o755)

	tests := []struct {
		name    string
		rel     string
		wantErr bool
	}{
		{name: "simple file", rel: "notes.txt", wantErr: false},
		{name: "nested dir", rel: "home/alice/config.yml", wantErr: false},
		{name: "leading slash stripped", rel: "/etc/passwd", wantErr: false},

		{name: "dotdot escape", rel: "../../../etc/passwd", wantErr: true},
		{name: "dotdot at start", rel: "../sibling", wantErr: true},
		{name: "dotdot only", rel: "..", wantErr: true},
		{name: "empty", rel: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fileutil.ResolveSafePath(root, tt.rel)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ResolveSafePath(%q) = %q, want error", tt.rel, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveSafePath(%q) error = %v", tt.rel, err)
			}
			if !filepath.IsAbs(got) {
				t.Errorf("ResolveSafePath(%q) = %q, want an absolute path", tt.rel, got)
			}
		})
	}
}

func TestResolveSafePath_RejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlinks not supported on this filesystem: %v", err)
	}

	_, err := fileutil.ResolveSafePath(root, "escape/outside-file")
	if err == nil {
		t.Error("ResolveSafePath() = nil error, want rejection of symlink escape")
	}
}

func TestCopyFile_CreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "nested", "dst.txt")

	content := []byte("hello fileutil")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fileutil.CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile(dst): %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
}
