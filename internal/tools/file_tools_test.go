package tools

import (
	"context"
	"strings"
	"testing"
)

func newTestFileTools(t *testing.T) (*FileTools, *Registry) {
	t.Helper()
	ft, err := NewFileTools(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileTools: %v", err)
	}
	r := NewRegistry(nil)
	ft.RegisterAll(r)
	return ft, r
}

func TestFileWriteReadList(t *testing.T) {
	_, r := newTestFileTools(t)
	ctx := context.Background()

	out := r.Execute(ctx, "write_file", `{"path":"notes/todo.md","content":"- buy milk\n"}`)
	if !strings.Contains(out, "notes/todo.md") {
		t.Errorf("write_file = %q", out)
	}

	out = r.Execute(ctx, "read_file", `{"path":"notes/todo.md"}`)
	if out != "- buy milk\n" {
		t.Errorf("read_file = %q", out)
	}

	out = r.Execute(ctx, "list_files", `{"path":"notes"}`)
	if out != "todo.md" {
		t.Errorf("list_files = %q", out)
	}

	out = r.Execute(ctx, "list_files", `{}`)
	if out != "notes/" {
		t.Errorf("list_files root = %q", out)
	}
}

func TestFileReadMissing(t *testing.T) {
	_, r := newTestFileTools(t)
	out := r.Execute(context.Background(), "read_file", `{"path":"nope.txt"}`)
	if !strings.HasPrefix(out, "Error executing tool 'read_file': execution failed: ") {
		t.Errorf("read_file = %q", out)
	}
}

func TestFilePathEscapeRejected(t *testing.T) {
	ft, r := newTestFileTools(t)
	ctx := context.Background()

	// Clean("/"+rel) pins traversal inside the root.
	out := r.Execute(ctx, "read_file", `{"path":"../../etc/passwd"}`)
	if strings.Contains(out, "root:") {
		t.Fatalf("traversal escaped the workspace: %q", out)
	}

	abs, err := ft.resolve("../../etc/passwd")
	if err != nil {
		return // rejection is also acceptable
	}
	if !strings.HasPrefix(abs, ft.root) {
		t.Errorf("resolved outside root: %q", abs)
	}
}

func TestFileWriteRequiresContent(t *testing.T) {
	_, r := newTestFileTools(t)
	out := r.Execute(context.Background(), "write_file", `{"path":"x.txt"}`)
	if !strings.Contains(out, "content is required") {
		t.Errorf("write_file = %q", out)
	}
}
