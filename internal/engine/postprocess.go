package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
	"github.com/ChamsBouzaiene/conduit/internal/cache"
)

const (
	markdownSplitThreshold = 10  // lines before convert_to_markdown output is cached
	markdownExcerptLen     = 500 // characters of inline excerpt
)

// PostProcessor rewrites selected tool results before they rejoin the
// conversation: large markdown conversions become cached preview links, Gmail
// payloads become canonical cached documents.
type PostProcessor struct {
	cache *cache.Cache
}

func NewPostProcessor(c *cache.Cache) *PostProcessor {
	return &PostProcessor{cache: c}
}

// Process dispatches on tool name. Unknown tools pass through unchanged.
func (p *PostProcessor) Process(ctx context.Context, toolName string, args map[string]any, result adapter.ToolResult) adapter.ToolResult {
	if result.IsError() {
		return result
	}
	switch toolName {
	case "display_email":
		// The client detects the display marker in the raw text.
		return result
	case "convert_to_markdown":
		if body := unwrapMarkdown(result.Text); strings.Count(body, "\n")+1 > markdownSplitThreshold {
			return p.processMarkdown(args, body, result)
		}
		return result
	case "get_message", "gmail_get_message":
		return p.processGmail(result, false)
	case "get_thread", "gmail_get_thread":
		return p.processGmail(result, true)
	default:
		return result
	}
}

var fencedBlockPattern = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\n(.*?)```")

// processMarkdown caches a long conversion result and answers with preview
// links plus a short excerpt. Embedded fenced code blocks longer than the
// threshold are split into their own cache files.
func (p *PostProcessor) processMarkdown(args map[string]any, body string, result adapter.ToolResult) adapter.ToolResult {
	sourceLink := ""
	if id := sourceCacheID(args); id != "" {
		if _, err := p.cache.PathFor(id); err == nil {
			sourceLink = fmt.Sprintf("[preview-file:Original](%s)", id)
		}
	}

	blockNum := 0
	var blockLinks []string
	body = fencedBlockPattern.ReplaceAllStringFunc(body, func(block string) string {
		m := fencedBlockPattern.FindStringSubmatch(block)
		lang, code := m[1], m[2]
		if strings.Count(code, "\n") <= markdownSplitThreshold {
			return block
		}
		blockNum++
		id := p.cache.NewID()
		if _, err := p.cache.Put(id, extForLang(lang), []byte(code)); err != nil {
			log.Printf("engine: cache code block: %v", err)
			return block
		}
		name := fmt.Sprintf("code-%d.%s", blockNum, extForLang(lang))
		link := fmt.Sprintf("[preview-file:%s](%s)", name, id)
		blockLinks = append(blockLinks, link)
		return link
	})

	mdID := p.cache.NewID()
	if _, err := p.cache.Put(mdID, "md", []byte(body)); err != nil {
		log.Printf("engine: cache markdown: %v", err)
		return result
	}

	// Original source first, then the markdown version, then the split-out
	// code blocks.
	var links []string
	if sourceLink != "" {
		links = append(links, sourceLink)
	}
	links = append(links, fmt.Sprintf("[preview-file:Markdown](%s)", mdID))
	links = append(links, blockLinks...)

	excerpt := body
	if len(excerpt) > markdownExcerptLen {
		excerpt = excerpt[:markdownExcerptLen] + "..."
	}

	var b strings.Builder
	b.WriteString("Converted to markdown. Preview files:\n")
	for _, link := range links {
		b.WriteString("- " + link + "\n")
	}
	b.WriteString("\nExcerpt:\n" + excerpt)
	return adapter.TextResult(b.String())
}

// unwrapMarkdown peels a JSON wrapper off a conversion result, if present.
func unwrapMarkdown(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return text
	}
	var wrapper map[string]any
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
		return text
	}
	for _, key := range []string{"markdown", "content", "text"} {
		if s, ok := wrapper[key].(string); ok && s != "" {
			return s
		}
	}
	return text
}

// sourceCacheID finds a cache id for the conversion's input document among
// the argument values.
func sourceCacheID(args map[string]any) string {
	for _, key := range []string{"cache_id", "source", "file", "path", "uri"} {
		s, ok := args[key].(string)
		if !ok {
			continue
		}
		s = strings.TrimPrefix(s, "cache://")
		if cache.ValidID(s) {
			return s
		}
	}
	return ""
}

func extForLang(lang string) string {
	switch strings.ToLower(lang) {
	case "go", "golang":
		return "go"
	case "python", "py":
		return "py"
	case "javascript", "js":
		return "js"
	case "typescript", "ts":
		return "ts"
	case "json":
		return "json"
	case "sql":
		return "sql"
	case "bash", "sh", "shell":
		return "sh"
	case "html":
		return "html"
	case "css":
		return "css"
	default:
		return "txt"
	}
}

// gmailEmail is the canonical cached form of one message.
type gmailEmail struct {
	ID       string   `json:"id"`
	Subject  string   `json:"subject"`
	From     string   `json:"from"`
	FromName string   `json:"fromName"`
	To       []string `json:"to"`
	Cc       []string `json:"cc,omitempty"`
	Date     string   `json:"date"`
	Body     string   `json:"body"`
	IsHTML   bool     `json:"isHtml"`
	Snippet  string   `json:"snippet"`
}

// processGmail normalizes a provider payload, caches it under a stable id,
// and replaces the raw payload with a cache marker plus a short summary.
func (p *PostProcessor) processGmail(result adapter.ToolResult, thread bool) adapter.ToolResult {
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Text), &payload); err != nil {
		return result
	}
	id, _ := payload["id"].(string)
	if id == "" || !cache.ValidID(id) {
		return result
	}

	cacheID := "gmail_email_" + id
	summary := ""
	var doc any
	if thread {
		cacheID = "gmail_email_thread_" + id
		msgs, _ := payload["messages"].([]any)
		emails := make([]gmailEmail, 0, len(msgs))
		for _, raw := range msgs {
			if m, ok := raw.(map[string]any); ok {
				emails = append(emails, normalizeGmail(m))
			}
		}
		subject, _ := payload["subject"].(string)
		if subject == "" && len(emails) > 0 {
			subject = emails[0].Subject
		}
		doc = map[string]any{"id": id, "subject": subject, "messages": emails}
		summary = fmt.Sprintf("Thread %q with %d messages.", subject, len(emails))
	} else {
		email := normalizeGmail(payload)
		doc = email
		summary = fmt.Sprintf("From %s: %q (%s)", displayName(email), email.Subject, email.Date)
		if email.Snippet != "" {
			summary += "\n" + email.Snippet
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return result
	}
	if _, err := p.cache.Put(cacheID, "json", data); err != nil {
		log.Printf("engine: cache gmail payload: %v", err)
		return result
	}

	out := adapter.TextResult(fmt.Sprintf("[GMAIL_CACHE_ID: %s]\n%s", cacheID, summary))
	out.Metadata = result.Metadata
	out.Accounts = result.Accounts
	return out
}

func normalizeGmail(m map[string]any) gmailEmail {
	e := gmailEmail{
		ID:       str(m, "id"),
		Subject:  str(m, "subject"),
		From:     str(m, "from"),
		FromName: str(m, "fromName", "from_name"),
		Date:     str(m, "date"),
		Body:     str(m, "body", "bodyText", "text"),
		Snippet:  str(m, "snippet"),
		To:       strList(m, "to"),
		Cc:       strList(m, "cc"),
	}
	if v, ok := m["isHtml"].(bool); ok {
		e.IsHTML = v
	} else if v, ok := m["is_html"].(bool); ok {
		e.IsHTML = v
	}
	return e
}

func displayName(e gmailEmail) string {
	if e.FromName != "" {
		return e.FromName
	}
	return e.From
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func strList(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ", ")
	default:
		return nil
	}
}
