// Package soul builds PAW's system prompt from the operator-authored
// personality file plus a snapshot of the markdown memory directory.
package soul

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// defaultSoul is used when no soul file exists on disk.
const defaultSoul = `You are PAW, a personal AI assistant. You are helpful, direct, and concise.
You have tools available; use them when they help you answer accurately.`

const maxDailyLogs = 3

// Soul holds the personality and memory paths and renders the system
// prompt on demand. Files are re-read on every build so edits take
// effect without a restart.
type Soul struct {
	soulPath  string
	memoryDir string
	now       func() time.Time
}

// New creates a Soul. soulPath and memoryDir may be empty, in which
// case the corresponding sections are skipped.
func New(soulPath, memoryDir string) *Soul {
	return &Soul{
		soulPath:  soulPath,
		memoryDir: memoryDir,
		now:       time.Now,
	}
}

// SystemPrompt assembles the full system prompt: personality, current
// time, the memory index, and recent daily logs.
func (s *Soul) SystemPrompt() string {
	var b strings.Builder

	b.WriteString(s.personality())

	fmt.Fprintf(&b, "\n\nCurrent time: %s\n", s.now().Format("Monday, 2006-01-02 15:04 MST"))

	if snapshot := s.memorySnapshot(); snapshot != "" {
		b.WriteString("\n## Memory\n\n")
		b.WriteString(snapshot)
	}

	return strings.TrimRight(b.String(), "\n")
}

func (s *Soul) personality() string {
	if s.soulPath == "" {
		return defaultSoul
	}
	data, err := os.ReadFile(s.soulPath)
	if err != nil {
		return defaultSoul
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return defaultSoul
	}
	return text
}

// memorySnapshot returns MEMORY.md plus the newest daily logs from the
// memory directory, most recent last.
func (s *Soul) memorySnapshot() string {
	if s.memoryDir == "" {
		return ""
	}

	var sections []string

	if data, err := os.ReadFile(filepath.Join(s.memoryDir, "MEMORY.md")); err == nil {
		if text := strings.TrimSpace(string(data)); text != "" {
			sections = append(sections, text)
		}
	}

	for _, name := range s.recentDailyLogs() {
		data, err := os.ReadFile(filepath.Join(s.memoryDir, name))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		sections = append(sections, fmt.Sprintf("### %s\n\n%s", strings.TrimSuffix(name, ".md"), text))
	}

	return strings.Join(sections, "\n\n")
}

// recentDailyLogs returns up to maxDailyLogs date-named log files
// (YYYY-MM-DD.md), oldest first.
func (s *Soul) recentDailyLogs() []string {
	entries, err := os.ReadDir(s.memoryDir)
	if err != nil {
		return nil
	}

	var logs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		if _, err := time.Parse("2006-01-02", strings.TrimSuffix(name, ".md")); err != nil {
			continue
		}
		logs = append(logs, name)
	}

	sort.Strings(logs)
	if len(logs) > maxDailyLogs {
		logs = logs[len(logs)-maxDailyLogs:]
	}
	return logs
}

// AppendDailyLog appends a timestamped entry to today's daily log file,
// creating the memory directory as needed.
func (s *Soul) AppendDailyLog(entry string) error {
	if s.memoryDir == "" {
		return fmt.Errorf("memory directory not configured")
	}
	if err := os.MkdirAll(s.memoryDir, 0o755); err != nil {
		return err
	}

	now := s.now()
	path := filepath.Join(s.memoryDir, now.Format("2006-01-02")+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "- %s %s\n", now.Format("15:04"), strings.TrimSpace(entry))
	return err
}
