package browsertools

import (
	"fmt"
	"strings"
)

// formatPageSummary renders a browser_read result as Markdown.
func formatPageSummary(r *BrowserToolResult) string {
	var b strings.Builder

	title := r.Title
	if title == "" {
		title = "Untitled page"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if r.URL != "" {
		fmt.Fprintf(&b, "**URL:** %s\n", r.URL)
	}
	if r.Viewport != nil {
		fmt.Fprintf(&b, "**Viewport:** %dx%d\n", r.Viewport.Width, r.Viewport.Height)
	}
	if r.Selection != "" {
		fmt.Fprintf(&b, "**Selection:** %s\n", r.Selection)
	}
	if r.Content != "" {
		fmt.Fprintf(&b, "\n---\n\n%s", r.Content)
	}
	return b.String()
}

// formatExecuteValue renders a browser_execute result: the returned value,
// JSON-encoded as the UI sent it.
func formatExecuteValue(r *BrowserToolResult) string {
	if len(r.Result) == 0 {
		return "undefined"
	}
	return string(r.Result)
}

// formatTabs renders a browser_tabs result.
func formatTabs(r *BrowserToolResult) string {
	if len(r.Tabs) == 0 {
		return "[]"
	}
	return string(r.Tabs)
}
