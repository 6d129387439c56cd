package jira

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// adfToMarkdown renders an Atlassian Document Format tree as markdown.
// Unknown node types produce a visible placeholder rather than silently
// dropping content.
func adfToMarkdown(doc *models.CommentNodeScheme) string {
	if doc == nil {
		return ""
	}
	var r mdRenderer
	r.blocks(doc.Content, "")
	return strings.TrimRight(r.b.String(), "\n")
}

type mdRenderer struct {
	b strings.Builder
}

// blocks renders a block sequence; indent prefixes every emitted line,
// which is how nested list and quote content stays aligned.
func (r *mdRenderer) blocks(nodes []*models.CommentNodeScheme, indent string) {
	for _, n := range nodes {
		r.block(n, indent)
	}
}

func (r *mdRenderer) block(n *models.CommentNodeScheme, indent string) {
	if n == nil {
		return
	}
	switch n.Type {
	case "paragraph":
		r.b.WriteString(indent)
		r.inlines(n.Content)
		r.b.WriteString("\n\n")

	case "heading":
		level := intAttr(n.Attrs, "level", 1)
		if level < 1 {
			level = 1
		}
		if level > 6 {
			level = 6
		}
		r.b.WriteString(indent)
		r.b.WriteString(strings.Repeat("#", level))
		r.b.WriteByte(' ')
		r.inlines(n.Content)
		r.b.WriteString("\n\n")

	case "codeBlock":
		lang := strAttr(n.Attrs, "language", "")
		r.b.WriteString(indent + "```" + lang + "\n")
		r.inlines(n.Content)
		r.b.WriteString("\n" + indent + "```\n\n")

	case "bulletList":
		for _, item := range n.Content {
			r.listItem(item, indent+"- ", indent+"  ")
		}
		r.b.WriteString("\n")

	case "orderedList":
		for i, item := range n.Content {
			marker := strconv.Itoa(i+1) + ". "
			r.listItem(item, indent+marker, indent+strings.Repeat(" ", len(marker)))
		}
		r.b.WriteString("\n")

	case "blockquote":
		var inner mdRenderer
		inner.blocks(n.Content, "")
		for _, line := range strings.Split(strings.TrimRight(inner.b.String(), "\n"), "\n") {
			r.b.WriteString(indent + "> " + line + "\n")
		}
		r.b.WriteString("\n")

	case "rule":
		r.b.WriteString(indent + "---\n\n")

	case "table":
		r.table(n, indent)

	case "mediaSingle", "mediaGroup":
		r.b.WriteString(indent + "[attachment]\n\n")

	case "text", "hardBreak", "mention", "emoji", "inlineCard":
		r.inline(n)

	default:
		// Unknown container (panel, expand, ...): flag it, keep content.
		fmt.Fprintf(&r.b, "%s[unsupported: %s]\n", indent, n.Type)
		r.blocks(n.Content, indent)
	}
}

// listItem puts the item's first paragraph on the marker line and aligns
// any remaining blocks under it.
func (r *mdRenderer) listItem(item *models.CommentNodeScheme, marker, cont string) {
	if item == nil {
		return
	}
	r.b.WriteString(marker)
	rest := item.Content
	if len(rest) > 0 && rest[0] != nil && rest[0].Type == "paragraph" {
		r.inlines(rest[0].Content)
		rest = rest[1:]
	}
	r.b.WriteString("\n")
	r.blocks(rest, cont)
}

func (r *mdRenderer) table(n *models.CommentNodeScheme, indent string) {
	var rows [][]string
	for _, row := range n.Content {
		if row == nil || row.Type != "tableRow" {
			continue
		}
		var cells []string
		for _, cell := range row.Content {
			if cell == nil {
				continue
			}
			var inner mdRenderer
			inner.blocks(cell.Content, "")
			cells = append(cells, strings.TrimSpace(inner.b.String()))
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return
	}

	r.b.WriteString(indent + "| " + strings.Join(rows[0], " | ") + " |\n")
	r.b.WriteString(indent + "|")
	for range rows[0] {
		r.b.WriteString(" --- |")
	}
	r.b.WriteString("\n")
	for _, row := range rows[1:] {
		r.b.WriteString(indent + "| " + strings.Join(row, " | ") + " |\n")
	}
	r.b.WriteString("\n")
}

func (r *mdRenderer) inlines(nodes []*models.CommentNodeScheme) {
	for _, n := range nodes {
		r.inline(n)
	}
}

func (r *mdRenderer) inline(n *models.CommentNodeScheme) {
	if n == nil {
		return
	}
	switch n.Type {
	case "text":
		r.b.WriteString(markedText(n.Text, n.Marks))
	case "hardBreak":
		r.b.WriteString("  \n")
	case "mention":
		r.b.WriteString(strAttr(n.Attrs, "text", "@mention"))
	case "emoji":
		r.b.WriteString(strAttr(n.Attrs, "shortName", ""))
	case "inlineCard":
		r.b.WriteString(strAttr(n.Attrs, "url", ""))
	default:
		fmt.Fprintf(&r.b, "[unsupported: %s]", n.Type)
		r.inlines(n.Content)
	}
}

// markedText wraps text in the markdown for each ADF mark, innermost
// first in mark order.
func markedText(text string, marks []*models.MarkScheme) string {
	for _, m := range marks {
		if m == nil {
			continue
		}
		switch m.Type {
		case "strong":
			text = "**" + text + "**"
		case "em":
			text = "*" + text + "*"
		case "code":
			text = "`" + text + "`"
		case "strike":
			text = "~~" + text + "~~"
		case "underline":
			// No markdown underline; emphasis is the usual stand-in.
			text = "_" + text + "_"
		case "link":
			if href, ok := m.Attrs["href"].(string); ok && href != "" {
				text = "[" + text + "](" + href + ")"
			}
		}
	}
	return text
}

func strAttr(attrs map[string]interface{}, key, fallback string) string {
	if v, ok := attrs[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intAttr(attrs map[string]interface{}, key string, fallback int) int {
	switch v := attrs[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
