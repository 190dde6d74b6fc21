// internal/render/markdown.go

// Package render turns report markdown into styled terminal text or HTML.
package render

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

// Options controls terminal rendering
type Options struct {
	// Width wraps paragraphs and caps tables; 0 means 100 columns
	Width int
	// Color enables ANSI styling
	Color bool
}

var (
	headingColor = lipgloss.Color("39")
	faintColor   = lipgloss.Color("245")
	passColor    = lipgloss.Color("42")
	warnColor    = lipgloss.Color("214")
)

// Terminal renders markdown for display in a terminal
func Terminal(input string, opts Options) string {
	if input == "" {
		return ""
	}
	if opts.Width <= 0 {
		opts.Width = 100
	}
	profile := termenv.Ascii
	if opts.Color {
		profile = termenv.ANSI256
	}
	lr := lipgloss.NewRenderer(io.Discard, termenv.WithProfile(profile))
	lr.SetColorProfile(profile)

	source := []byte(input)
	doc := parser().Parser().Parse(text.NewReader(source))
	t := &terminal{source: source, width: opts.Width, lr: lr}
	ast.Walk(doc, t.walk)
	return strings.TrimRight(t.out.String(), "\n") + "\n"
}

// terminal walks the goldmark AST directly; inline content collects in a
// buffer and is wrapped when its block closes
type terminal struct {
	source []byte
	width  int
	lr     *lipgloss.Renderer

	out    strings.Builder
	inline strings.Builder
	bold   int
	items  []int // ordered list counters, -1 for bullets
}

func (t *terminal) style() lipgloss.Style {
	return t.lr.NewStyle()
}

func (t *terminal) blank() {
	s := t.out.String()
	if s == "" || strings.HasSuffix(s, "\n\n") {
		return
	}
	if strings.HasSuffix(s, "\n") {
		t.out.WriteString("\n")
		return
	}
	t.out.WriteString("\n\n")
}

func (t *terminal) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Heading:
		if entering {
			t.inline.Reset()
			return ast.WalkContinue, nil
		}
		content := ansi.Strip(t.inline.String())
		t.inline.Reset()
		style := t.style().Bold(true)
		if n.Level <= 2 {
			style = style.Foreground(headingColor).Underline(true)
		}
		t.blank()
		t.out.WriteString(style.Render(content) + "\n\n")

	case *ast.Paragraph, *ast.TextBlock:
		if entering {
			t.inline.Reset()
			return ast.WalkContinue, nil
		}
		content := ansi.Wrap(t.inline.String(), t.width-2*len(t.items), " ,.;-+|")
		t.inline.Reset()
		if len(t.items) > 0 {
			t.out.WriteString(strings.ReplaceAll(content, "\n", "\n"+strings.Repeat("  ", len(t.items))) + "\n")
			return ast.WalkContinue, nil
		}
		t.out.WriteString(content + "\n")
		t.blank()

	case *ast.List:
		if entering {
			start := -1
			if n.IsOrdered() {
				start = n.Start
			}
			t.items = append(t.items, start)
			return ast.WalkContinue, nil
		}
		t.items = t.items[:len(t.items)-1]
		if len(t.items) == 0 {
			t.blank()
		}

	case *ast.ListItem:
		if !entering {
			return ast.WalkContinue, nil
		}
		depth := len(t.items)
		bullet := "• "
		if c := t.items[depth-1]; c >= 0 {
			bullet = fmt.Sprintf("%d. ", c)
			t.items[depth-1]++
		}
		t.out.WriteString(strings.Repeat("  ", depth-1) + t.style().Foreground(faintColor).Render(bullet))

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			var code strings.Builder
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				code.Write(seg.Value(t.source))
			}
			faint := t.style().Foreground(faintColor)
			for _, line := range strings.Split(strings.TrimRight(code.String(), "\n"), "\n") {
				t.out.WriteString("    " + faint.Render(line) + "\n")
			}
			t.blank()
			return ast.WalkSkipChildren, nil
		}

	case *ast.Text:
		if entering {
			segment := n.Segment.Value(t.source)
			t.inline.WriteString(t.inlineText(string(segment)))
			if n.SoftLineBreak() {
				t.inline.WriteString(" ")
			} else if n.HardLineBreak() {
				t.inline.WriteString("\n")
			}
		}

	case *ast.String:
		if entering {
			t.inline.WriteString(t.inlineText(string(n.Value)))
		}

	case *ast.Emphasis:
		if entering {
			t.bold++
		} else {
			t.bold--
		}

	case *ast.CodeSpan:
		if entering {
			var code strings.Builder
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if tx, ok := c.(*ast.Text); ok {
					code.Write(tx.Segment.Value(t.source))
				}
			}
			t.inline.WriteString(t.style().Foreground(faintColor).Render(code.String()))
			return ast.WalkSkipChildren, nil
		}

	case *extast.Table:
		if entering {
			t.table(n)
			return ast.WalkSkipChildren, nil
		}
	}
	return ast.WalkContinue, nil
}

func (t *terminal) inlineText(s string) string {
	if t.bold > 0 {
		return t.style().Bold(true).Render(s)
	}
	return s
}

// cellText renders the inline content of one table cell
func (t *terminal) cellText(node ast.Node) string {
	saved := t.inline.String()
	t.inline.Reset()
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		ast.Walk(c, t.walk)
	}
	out := t.inline.String()
	t.inline.Reset()
	t.inline.WriteString(saved)
	return out
}

func (t *terminal) table(node *extast.Table) {
	var rows [][]string
	for row := node.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for c := row.FirstChild(); c != nil; c = c.NextSibling() {
			cells = append(cells, t.cellText(c))
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return
	}

	cols := len(rows[0])
	widths := make([]int, cols)
	for _, row := range rows {
		for i := 0; i < cols && i < len(row); i++ {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}
	// the last column absorbs any overflow
	used := 0
	for _, w := range widths[:cols-1] {
		used += w + 2
	}
	if room := t.width - used; widths[cols-1] > room && room > 8 {
		widths[cols-1] = room
	}

	header := t.style().Bold(true)
	for r, row := range rows {
		var line strings.Builder
		for i := 0; i < cols; i++ {
			var c string
			if i < len(row) {
				c = ansi.Truncate(row[i], widths[i], "…")
			}
			c = t.status(c)
			if r == 0 {
				c = header.Render(c)
			}
			line.WriteString(c)
			if i < cols-1 {
				line.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
			}
		}
		t.out.WriteString(strings.TrimRight(line.String(), " ") + "\n")
		if r == 0 {
			total := used + widths[cols-1]
			t.out.WriteString(t.style().Foreground(faintColor).Render(strings.Repeat("─", total)) + "\n")
		}
	}
	t.blank()
}

// status colors check grades in table cells
func (t *terminal) status(c string) string {
	switch c {
	case "pass", "okay":
		return t.style().Foreground(passColor).Render(c)
	case "warn", "disabled":
		return t.style().Foreground(warnColor).Render(c)
	}
	return c
}

// HTML converts markdown to an HTML fragment
func HTML(input string) (string, error) {
	var buf bytes.Buffer
	if err := parser().Convert([]byte(input), &buf); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

const pageStyle = `body{font-family:system-ui,sans-serif;max-width:60rem;margin:2rem auto;padding:0 1rem}
table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.25rem .5rem;text-align:left}
code{background:#f4f4f4;padding:0 .2rem}`

// HTMLPage wraps the converted markdown in a standalone document
func HTMLPage(title, input string) (string, error) {
	body, err := HTML(input)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\">\n")
	fmt.Fprintf(&sb, "<title>%s</title>\n<style>%s</style>\n</head><body>\n", htmlEscaper.Replace(title), pageStyle)
	sb.WriteString(body)
	sb.WriteString("</body></html>\n")
	return sb.String(), nil
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
