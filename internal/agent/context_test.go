package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/ushercli/usher/internal/session"
)

func TestBuildSystemPrompt_IncludesBootstrapFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("Prefer tabs."), 0644); err != nil {
		t.Fatalf("write bootstrap file: %v", err)
	}

	c := NewContextBuilder(dir)
	prompt := c.BuildSystemPrompt()

	if !strings.Contains(prompt, "You are Usher") {
		t.Fatalf("expected core identity, got %q", prompt)
	}
	if !strings.Contains(prompt, "## AGENTS\nPrefer tabs.") {
		t.Fatalf("expected AGENTS section, got %q", prompt)
	}
}

func TestBuildSystemPrompt_CacheInvalidation(t *testing.T) {
	dir := t.TempDir()
	c := NewContextBuilder(dir)

	first := c.BuildSystemPrompt()
	if strings.Contains(first, "## USER") {
		t.Fatalf("expected no USER section yet, got %q", first)
	}

	if err := os.WriteFile(filepath.Join(dir, "USER.md"), []byte("Call me Sam."), 0644); err != nil {
		t.Fatalf("write bootstrap file: %v", err)
	}

	// Cached prompt must not pick up the new file until invalidated.
	if got := c.BuildSystemPrompt(); strings.Contains(got, "Call me Sam.") {
		t.Fatal("expected cached prompt without new file")
	}

	c.InvalidateCache()
	if got := c.BuildSystemPrompt(); !strings.Contains(got, "Call me Sam.") {
		t.Fatalf("expected refreshed prompt, got %q", got)
	}
}

func TestBuildMessages(t *testing.T) {
	c := NewContextBuilder(t.TempDir())
	history := []*session.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}

	messages := c.BuildMessages(history, "current question", nil)
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	if messages[0].Role != schema.System {
		t.Fatalf("expected system message first, got %s", messages[0].Role)
	}
	if messages[2].Role != schema.Assistant || messages[2].Content != "earlier answer" {
		t.Fatalf("unexpected history mapping: %+v", messages[2])
	}
	if messages[3].Role != schema.User || messages[3].Content != "current question" {
		t.Fatalf("unexpected current message: %+v", messages[3])
	}
}

func TestBuildMessages_AttachesMedia(t *testing.T) {
	c := NewContextBuilder(t.TempDir())

	messages := c.BuildMessages(nil, "look at this", []string{"/tmp/shot.png", " "})
	last := messages[len(messages)-1]
	if !strings.Contains(last.Content, "Attached media:\n- /tmp/shot.png") {
		t.Fatalf("expected media section, got %q", last.Content)
	}
}
