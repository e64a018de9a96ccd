package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	tool := NewReadFileTool()
	out, err := tool.Execute(context.Background(), map[string]any{"path": path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello world" {
		t.Errorf("got %q", out)
	}

	out, err = tool.Execute(context.Background(), map[string]any{"path": filepath.Join(dir, "missing")})
	if err != nil {
		t.Fatalf("missing file should not be a Go error: %v", err)
	}
	if !strings.Contains(out, "file not found") {
		t.Errorf("got %q, want file-not-found message", out)
	}
}

func TestWriteFileTool(t *testing.T) {
	dir := t.TempDir()
	tool := NewWriteFileTool(func() string { return dir })

	path := filepath.Join(dir, "sub", "out.txt")
	out, err := tool.Execute(context.Background(), map[string]any{
		"path":    path,
		"content": "data",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Successfully wrote 4 bytes") {
		t.Errorf("got %q", out)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "data" {
		t.Errorf("file content = %q", data)
	}
}

func TestWriteFileToolOutsideWorkspace(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	tool := NewWriteFileTool(func() string { return dir })

	out, err := tool.Execute(context.Background(), map[string]any{
		"path":    filepath.Join(other, "escape.txt"),
		"content": "nope",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "outside workspace") {
		t.Errorf("got %q, want workspace rejection", out)
	}
	if _, err := os.Stat(filepath.Join(other, "escape.txt")); !os.IsNotExist(err) {
		t.Error("file should not have been written")
	}
}

func TestEditFileTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("the quick brown fox"), 0644); err != nil {
		t.Fatal(err)
	}

	tool := NewEditFileTool(func() string { return dir })
	out, err := tool.Execute(context.Background(), map[string]any{
		"path":     path,
		"old_text": "quick",
		"new_text": "slow",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Successfully edited") {
		t.Errorf("got %q", out)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "the slow brown fox" {
		t.Errorf("file content = %q", data)
	}

	// Absent fragment is reported, not silently ignored.
	out, _ = tool.Execute(context.Background(), map[string]any{
		"path":     path,
		"old_text": "zebra",
		"new_text": "x",
	})
	if !strings.Contains(out, "text not found") {
		t.Errorf("got %q, want text-not-found message", out)
	}
}

func TestListDirTool(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}

	tool := NewListDirTool()
	out, err := tool.Execute(context.Background(), map[string]any{"path": dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "[FILE] a.txt") {
		t.Errorf("missing file entry: %q", out)
	}
	if !strings.Contains(out, "[DIR]  sub/") {
		t.Errorf("missing dir entry: %q", out)
	}
}

func TestIsWithin(t *testing.T) {
	cases := []struct {
		root, path string
		want       bool
	}{
		{"/ws", "/ws/file", true},
		{"/ws", "/ws", true},
		{"/ws", "/ws/a/b/c", true},
		{"/ws", "/etc/passwd", false},
		{"/ws", "/ws/../etc", false},
		{"", "/anywhere", true},
	}
	for _, c := range cases {
		if got := isWithin(c.root, filepath.Clean(c.path)); got != c.want {
			t.Errorf("isWithin(%q, %q) = %v, want %v", c.root, c.path, got, c.want)
		}
	}
}
