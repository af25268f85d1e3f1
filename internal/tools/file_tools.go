package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxFileReadBytes = 256 * 1024

// FileTools provides workspace-scoped file access. All paths are
// resolved relative to the workspace root; escapes are rejected.
type FileTools struct {
	root string
}

// NewFileTools creates file tools rooted at the given workspace
// directory, creating it if needed.
func NewFileTools(root string) (*FileTools, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &FileTools{root: abs}, nil
}

// RegisterAll adds the file tools to the registry.
func (f *FileTools) RegisterAll(r *Registry) {
	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read a text file from the workspace. Paths are relative to the workspace root.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative file path (e.g., notes/todo.md)",
				},
			},
			"required": []string{"path"},
		},
		Handler: f.handleRead,
	})

	r.Register(&Tool{
		Name:        "write_file",
		Description: "Write a text file in the workspace, creating parent directories as needed. Overwrites existing content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative file path",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "The full file content to write",
				},
			},
			"required": []string{"path", "content"},
		},
		Handler: f.handleWrite,
	})

	r.Register(&Tool{
		Name:        "list_files",
		Description: "List files and directories in a workspace directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Workspace-relative directory (default: workspace root)",
				},
			},
		},
		Handler: f.handleList,
	})
}

// resolve maps a workspace-relative path to an absolute path, refusing
// anything that would land outside the root.
func (f *FileTools) resolve(rel string) (string, error) {
	abs := filepath.Join(f.root, filepath.Clean("/"+rel))
	if abs != f.root && !strings.HasPrefix(abs, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return abs, nil
}

func (f *FileTools) handleRead(_ context.Context, args map[string]any) (string, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	abs, err := f.resolve(rel)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.Size() > maxFileReadBytes {
		return "", fmt.Errorf("file too large (%d bytes, limit %d)", info.Size(), maxFileReadBytes)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *FileTools) handleWrite(_ context.Context, args map[string]any) (string, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, ok := args["content"].(string)
	if !ok {
		return "", fmt.Errorf("content is required")
	}

	abs, err := f.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), rel), nil
}

func (f *FileTools) handleList(_ context.Context, args map[string]any) (string, error) {
	rel, _ := args["path"].(string)
	if rel == "" {
		rel = "."
	}
	abs, err := f.resolve(rel)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}
