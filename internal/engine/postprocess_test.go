package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
	"github.com/ChamsBouzaiene/conduit/internal/cache"
)

func newTestPostProcessor(t *testing.T) (*PostProcessor, *cache.Cache) {
	t.Helper()
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return NewPostProcessor(c), c
}

func TestProcessPassthrough(t *testing.T) {
	p, _ := newTestPostProcessor(t)
	in := adapter.TextResult("plain result")

	out := p.Process(context.Background(), "some_tool", nil, in)
	if out.Text != in.Text {
		t.Errorf("unknown tool result changed: %q", out.Text)
	}

	out = p.Process(context.Background(), "display_email", nil, adapter.TextResult("[EMAIL] raw"))
	if out.Text != "[EMAIL] raw" {
		t.Errorf("display_email result changed: %q", out.Text)
	}

	// Short conversions stay inline.
	out = p.Process(context.Background(), "convert_to_markdown", nil, adapter.TextResult("# Title\nshort"))
	if out.Text != "# Title\nshort" {
		t.Errorf("short markdown rewritten: %q", out.Text)
	}
}

func TestProcessMarkdownCachesLongOutput(t *testing.T) {
	p, c := newTestPostProcessor(t)

	code := strings.Repeat("line of code\n", 15)
	body := "# Report\n\nintro\n\n```go\n" + code + "```\n\n" + strings.Repeat("prose\n", 10)
	out := p.Process(context.Background(), "convert_to_markdown", nil, adapter.TextResult(body))

	if !strings.Contains(out.Text, "[preview-file:Markdown](") {
		t.Errorf("missing markdown preview link:\n%s", out.Text)
	}
	if !strings.Contains(out.Text, "[preview-file:code-1.go](") {
		t.Errorf("missing extracted code block link:\n%s", out.Text)
	}
	if !strings.Contains(out.Text, "Excerpt:") {
		t.Errorf("missing excerpt:\n%s", out.Text)
	}

	// The cached markdown has the code block replaced by its link.
	mdID := extractLink(t, out.Text, "[preview-file:Markdown](")
	data, _, err := c.Read(mdID)
	if err != nil {
		t.Fatalf("read cached markdown: %v", err)
	}
	if strings.Contains(string(data), "line of code") {
		t.Error("long code block left inline in cached markdown")
	}
	if !strings.Contains(string(data), "[preview-file:code-1.go](") {
		t.Error("cached markdown lost the code block link")
	}
}

func TestProcessMarkdownUnwrapsJSON(t *testing.T) {
	p, _ := newTestPostProcessor(t)

	md := "# Doc\n" + strings.Repeat("content line\n", 12)
	wrapped, _ := json.Marshal(map[string]string{"markdown": md})
	out := p.Process(context.Background(), "convert_to_markdown", nil, adapter.TextResult(string(wrapped)))

	if !strings.Contains(out.Text, "# Doc") {
		t.Errorf("wrapper not unwrapped:\n%s", out.Text)
	}
}

func TestProcessGmailMessage(t *testing.T) {
	p, c := newTestPostProcessor(t)

	payload, _ := json.Marshal(map[string]any{
		"id":      "18c2f5a",
		"subject": "Quarterly numbers",
		"from":    "cfo@example.com",
		"to":      []string{"me@example.com"},
		"date":    "2026-08-20",
		"body":    "The quarter closed well.",
		"snippet": "The quarter closed well.",
	})
	in := adapter.TextResult(string(payload))
	in.Accounts = []string{"me@example.com"}

	out := p.Process(context.Background(), "get_message", nil, in)
	if !strings.HasPrefix(out.Text, "[GMAIL_CACHE_ID: gmail_email_18c2f5a]") {
		t.Errorf("missing cache marker: %q", out.Text)
	}
	if !strings.Contains(out.Text, "Quarterly numbers") {
		t.Errorf("summary missing subject: %q", out.Text)
	}
	if len(out.Accounts) != 1 {
		t.Error("accounts annotation dropped")
	}

	data, _, err := c.Read("gmail_email_18c2f5a")
	if err != nil {
		t.Fatalf("read cached email: %v", err)
	}
	var email gmailEmail
	if err := json.Unmarshal(data, &email); err != nil {
		t.Fatalf("cached email not canonical JSON: %v", err)
	}
	if email.Subject != "Quarterly numbers" || email.From != "cfo@example.com" {
		t.Errorf("canonical form = %+v", email)
	}
}

func TestProcessGmailThread(t *testing.T) {
	p, c := newTestPostProcessor(t)

	payload, _ := json.Marshal(map[string]any{
		"id": "thr1",
		"messages": []map[string]any{
			{"id": "m1", "subject": "Plan", "from": "a@example.com", "body": "first"},
			{"id": "m2", "subject": "Re: Plan", "from": "b@example.com", "body": "second"},
		},
	})
	out := p.Process(context.Background(), "get_thread", nil, adapter.TextResult(string(payload)))

	if !strings.HasPrefix(out.Text, "[GMAIL_CACHE_ID: gmail_email_thread_thr1]") {
		t.Errorf("missing thread cache marker: %q", out.Text)
	}
	if !strings.Contains(out.Text, "2 messages") {
		t.Errorf("summary = %q", out.Text)
	}
	if _, _, err := c.Read("gmail_email_thread_thr1"); err != nil {
		t.Fatalf("thread not cached: %v", err)
	}
}

func TestProcessGmailMalformedPassthrough(t *testing.T) {
	p, _ := newTestPostProcessor(t)
	in := adapter.TextResult("not json at all")
	out := p.Process(context.Background(), "get_message", nil, in)
	if out.Text != in.Text {
		t.Errorf("malformed payload rewritten: %q", out.Text)
	}
}

// extractLink pulls the cache id out of the first link with the given prefix.
func extractLink(t *testing.T, text, prefix string) string {
	t.Helper()
	i := strings.Index(text, prefix)
	if i < 0 {
		t.Fatalf("link %q not found in:\n%s", prefix, text)
	}
	rest := text[i+len(prefix):]
	j := strings.Index(rest, ")")
	if j < 0 {
		t.Fatalf("unterminated link in:\n%s", text)
	}
	return rest[:j]
}
