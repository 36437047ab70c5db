package channels

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// telegramMarkdown parses model answers. Tests may swap it out.
var telegramMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
)

// formatTelegram converts Markdown to the HTML subset Telegram accepts. It
// reports false when the text must be sent as plain text instead.
func formatTelegram(input string) (string, bool) {
	out, err := renderTelegram(input, telegramMarkdown)
	if err != nil || strings.TrimSpace(out) == "" {
		return input, false
	}
	return out, true
}

func renderTelegram(input string, md goldmark.Markdown) (string, error) {
	if md == nil {
		return "", errors.New("markdown parser is not configured")
	}
	source := []byte(input)
	doc := md.Parser().Parse(text.NewReader(source))

	r := &telegramRenderer{source: source}
	if err := ast.Walk(doc, r.walk); err != nil {
		return "", err
	}
	return strings.TrimSpace(r.out.String()), nil
}

// telegramRenderer walks a goldmark AST emitting Telegram HTML. Raw HTML and
// images are dropped.
type telegramRenderer struct {
	source []byte
	out    strings.Builder
	depth  int
}

func (r *telegramRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Document:
	case *ast.Heading:
		if entering {
			r.out.WriteString("<b>")
		} else {
			r.out.WriteString("</b>\n\n")
		}
	case *ast.Paragraph:
		if !entering {
			if _, inItem := n.Parent().(*ast.ListItem); inItem {
				r.out.WriteString("\n")
			} else {
				r.out.WriteString("\n\n")
			}
		}
	case *ast.TextBlock:
		if !entering {
			r.out.WriteString("\n")
		}
	case *ast.List:
		if entering {
			r.depth++
		} else {
			r.depth--
			if r.depth == 0 {
				r.out.WriteString("\n")
			}
		}
	case *ast.ListItem:
		if entering {
			r.out.WriteString(strings.Repeat("  ", r.depth-1))
			r.out.WriteString(listMarker(n))
		}
	case *ast.Blockquote:
		if entering {
			r.out.WriteString("<blockquote>")
		} else {
			trimmed := strings.TrimRight(r.out.String(), "\n")
			r.out.Reset()
			r.out.WriteString(trimmed)
			r.out.WriteString("</blockquote>\n\n")
		}
	case *ast.ThematicBreak:
		if entering {
			r.out.WriteString("----------\n\n")
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			r.out.WriteString("<pre><code>")
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				r.out.WriteString(html.EscapeString(string(seg.Value(r.source))))
			}
			r.out.WriteString("</code></pre>\n\n")
		}
		return ast.WalkSkipChildren, nil
	case *ast.HTMLBlock, *ast.RawHTML, *ast.Image:
		return ast.WalkSkipChildren, nil
	case *ast.Text:
		if entering {
			r.out.WriteString(html.EscapeString(string(n.Segment.Value(r.source))))
			if n.SoftLineBreak() || n.HardLineBreak() {
				r.out.WriteString("\n")
			}
		}
	case *ast.String:
		if entering {
			r.out.WriteString(html.EscapeString(string(n.Value)))
		}
	case *ast.Emphasis:
		tag := "i"
		if n.Level >= 2 {
			tag = "b"
		}
		r.tag(tag, entering)
	case *extast.Strikethrough:
		r.tag("s", entering)
	case *ast.CodeSpan:
		if entering {
			r.out.WriteString("<code>")
			r.out.WriteString(html.EscapeString(r.childText(n)))
			r.out.WriteString("</code>")
		}
		return ast.WalkSkipChildren, nil
	case *ast.Link:
		if entering {
			fmt.Fprintf(&r.out, `<a href="%s">`, html.EscapeString(string(n.Destination)))
		} else {
			r.out.WriteString("</a>")
		}
	case *ast.AutoLink:
		if entering {
			url := html.EscapeString(string(n.URL(r.source)))
			fmt.Fprintf(&r.out, `<a href="%s">%s</a>`, url, html.EscapeString(string(n.Label(r.source))))
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) tag(name string, entering bool) {
	if entering {
		r.out.WriteString("<" + name + ">")
		return
	}
	r.out.WriteString("</" + name + ">")
}

func (r *telegramRenderer) childText(node ast.Node) string {
	var b strings.Builder
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(r.source))
		case *ast.String:
			b.Write(t.Value)
		}
	}
	return b.String()
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "- "
	}
	index := list.Start
	for sib := item.PreviousSibling(); sib != nil; sib = sib.PreviousSibling() {
		index++
	}
	return fmt.Sprintf("%d. ", index)
}
