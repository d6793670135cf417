package agent

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/ushercli/usher/internal/session"
)

// ContextBuilder builds LLM context. The system prompt is cached until a
// file-mutating tool invalidates it, since bootstrap files rarely change
// mid-session.
type ContextBuilder struct {
	workspacePath string

	mu     sync.Mutex
	cached string
}

// NewContextBuilder creates a context builder
func NewContextBuilder(workspacePath string) *ContextBuilder {
	return &ContextBuilder{workspacePath: workspacePath}
}

// BuildSystemPrompt assembles the system prompt
func (c *ContextBuilder) BuildSystemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != "" {
		return c.cached
	}

	var parts []string
	parts = append(parts, c.coreIdentity())

	bootstrapFiles := []string{"USER.md", "TOOLS.md", "AGENTS.md"}
	for _, name := range bootstrapFiles {
		if content := c.readWorkspaceFile(name); content != "" {
			parts = append(parts, "## "+strings.TrimSuffix(name, ".md")+"\n"+content)
		}
	}

	c.cached = strings.Join(parts, "\n\n")
	return c.cached
}

// InvalidateCache forces the next BuildSystemPrompt to re-read bootstrap
// files. Called after tools that may have edited them.
func (c *ContextBuilder) InvalidateCache() {
	c.mu.Lock()
	c.cached = ""
	c.mu.Unlock()
}

func (c *ContextBuilder) coreIdentity() string {
	return `You are Usher, a coding assistant that works inside a single workspace.
You have access to tools for file operations, shell commands, and web fetches.
Tool calls may require user approval before they run; a denied call is not an
error in your reasoning, adjust and continue. Be concise and direct.`
}

func (c *ContextBuilder) readWorkspaceFile(name string) string {
	path := filepath.Join(c.workspacePath, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// BuildMessages constructs the full message list
func (c *ContextBuilder) BuildMessages(history []*session.Message, current string, media []string) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+2)

	messages = append(messages, &schema.Message{
		Role:    schema.System,
		Content: c.BuildSystemPrompt(),
	})

	for _, h := range history {
		role := schema.User
		if h.Role == "assistant" {
			role = schema.Assistant
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: h.Content,
		})
	}

	content := strings.TrimSpace(current)
	if len(media) > 0 {
		var mb strings.Builder
		for _, item := range media {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			mb.WriteString("- " + item + "\n")
		}
		if mb.Len() > 0 {
			if content != "" {
				content += "\n\n"
			}
			content += "Attached media:\n" + strings.TrimRight(mb.String(), "\n")
		}
	}

	messages = append(messages, &schema.Message{
		Role:    schema.User,
		Content: content,
	})

	return messages
}
