// Package prompts assembles the synthetic system message that precedes every
// chat turn.
package prompts

import (
	"fmt"
	"strings"
	"time"
)

// ViewerFile is the document currently open in the caller's viewer.
type ViewerFile struct {
	CacheID  string
	Filename string
	Type     string
}

// Params carries everything the system prompt is built from.
type Params struct {
	Now      time.Time
	Timezone string
	Locale   string

	RoleName   string
	RoleJob    string
	RolePrompt string

	Accounts []string
	Viewer   *ViewerFile
}

const conductPolicy = `Be honest about uncertainty: say "I don't know" or hedge rather than invent facts, ids, or file contents.
Never use emoji in your responses.
When a user request contains multiple items, process them one at a time, completing each before moving to the next.`

const previewPolicy = `Cached files are presented to the user as preview links of the form [preview-file:Name](cache-id).
Always use that exact link form when referring to a cached file; never print raw file paths.`

const memoryPolicy = `You have memory tools backed by a per-role knowledge graph.
Use memory_search_nodes or memory_open_nodes when the user refers to people, projects, or preferences you may have seen before; use memory_read_graph only when you need the full picture.
When searching files or email, prefer recent items unless the user asks otherwise.`

const discoveryPolicy = `Most tools are not listed up front. To act on the user's request, first call search_tool with a plain-language description of what you want to do; the matching tools then become directly callable.
Refine the query and search again if the first results do not fit.`

const schedulingPolicy = `To switch roles or schedule future work, use the role and scheduling tools rather than promising the user you will act later.
A scheduled job replays its description as a fresh conversation at the scheduled time.`

// Build renders the system prompt.
func Build(p Params) string {
	var b strings.Builder

	loc := time.UTC
	if p.Timezone != "" {
		if l, err := time.LoadLocation(p.Timezone); err == nil {
			loc = l
		}
	}
	fmt.Fprintf(&b, "Current date and time: %s.\n", p.Now.In(loc).Format("Monday, January 2, 2006 at 15:04 MST"))
	fmt.Fprintf(&b, "Use %s units.\n\n", unitSystem(p.Locale))

	b.WriteString(conductPolicy + "\n\n")
	b.WriteString(previewPolicy + "\n\n")

	if p.RoleName != "" {
		fmt.Fprintf(&b, "You are acting as the role %q.", p.RoleName)
		if p.RoleJob != "" {
			fmt.Fprintf(&b, " Job description: %s", p.RoleJob)
		}
		b.WriteString("\n")
		if p.RolePrompt != "" {
			b.WriteString(p.RolePrompt + "\n")
		}
		b.WriteString("\n")
	}

	if len(p.Accounts) > 0 {
		fmt.Fprintf(&b, "Connected accounts: %s.\n\n", strings.Join(p.Accounts, ", "))
	}

	b.WriteString(memoryPolicy + "\n\n")
	b.WriteString(discoveryPolicy + "\n\n")
	b.WriteString(schedulingPolicy)

	if p.Viewer != nil {
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "Document context: the user is currently viewing %q (%s), cached under id %s.\n",
			p.Viewer.Filename, p.Viewer.Type, p.Viewer.CacheID)
		b.WriteString("Treat questions without an explicit subject as being about this document. Never mention the cache id in your output.")
	}

	return b.String()
}

// unitSystem derives measurement units from the locale. The US, Liberia, and
// Myanmar are the imperial holdouts.
func unitSystem(locale string) string {
	region := locale
	if i := strings.IndexAny(locale, "-_"); i >= 0 {
		region = locale[i+1:]
	}
	switch strings.ToUpper(region) {
	case "US", "LR", "MM":
		return "imperial"
	default:
		return "metric"
	}
}
