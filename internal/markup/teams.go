// Package markup translates message bodies between the two systems:
// Teams message HTML into Jira wiki markup, and Jira comment bodies into
// HTML suitable for a Teams reply.
package markup

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// teamsPolicy keeps only the markup the wiki translation understands.
// Teams message HTML is rendered client content, so everything else is
// stripped before parsing.
var teamsPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.AllowElements(
		"p", "div", "br", "span",
		"b", "strong", "i", "em", "s", "del", "u",
		"ul", "ol", "li",
		"pre", "code", "blockquote",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"at", "table", "tr", "td", "th",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src").OnElements("img")
	p.AllowAttrs("id").OnElements("at")
	return p
}()

// TeamsHTMLToWiki converts Teams message HTML into Jira wiki markup using
// a document-tree walk. images maps hosted content URLs to the attachment
// names their img tags are rewritten to; img tags with unknown sources
// are dropped.
func TeamsHTMLToWiki(source string, images map[string]string) (string, error) {
	clean := teamsPolicy.Sanitize(source)

	doc, err := html.Parse(strings.NewReader(clean))
	if err != nil {
		return "", err
	}

	w := &wikiWriter{images: images}
	w.walk(doc)
	return w.text(), nil
}

type wikiWriter struct {
	sb     strings.Builder
	images map[string]string
	// listStack tracks nesting of ul/ol for bullet prefixes.
	listStack []byte
}

func (w *wikiWriter) text() string {
	out := w.sb.String()
	// Collapse runs of blank lines left by nested block elements.
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}

func (w *wikiWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.sb.WriteString(strings.ReplaceAll(n.Data, " ", " "))
		return
	case html.ElementNode:
		w.element(n)
		return
	}
	w.children(n)
}

func (w *wikiWriter) children(n *html.Node) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		w.walk(child)
	}
}

func (w *wikiWriter) element(n *html.Node) {
	switch n.DataAtom {
	case atom.Br:
		w.sb.WriteString("\n")
	case atom.P, atom.Div:
		w.children(n)
		w.sb.WriteString("\n\n")
	case atom.B, atom.Strong:
		w.wrap(n, "*")
	case atom.I, atom.Em:
		w.wrap(n, "_")
	case atom.S, atom.Del:
		w.wrap(n, "-")
	case atom.U:
		w.wrap(n, "+")
	case atom.Code:
		if n.Parent != nil && n.Parent.DataAtom == atom.Pre {
			w.children(n)
			return
		}
		w.sb.WriteString("{{")
		w.children(n)
		w.sb.WriteString("}}")
	case atom.Pre:
		w.sb.WriteString("{code}\n")
		w.children(n)
		w.sb.WriteString("\n{code}\n\n")
	case atom.Blockquote:
		w.sb.WriteString("bq. ")
		w.children(n)
		w.sb.WriteString("\n\n")
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		w.sb.WriteString("h" + n.Data[1:] + ". ")
		w.children(n)
		w.sb.WriteString("\n\n")
	case atom.A:
		w.anchor(n)
	case atom.Img:
		if name, ok := w.images[attr(n, "src")]; ok {
			w.sb.WriteString("\n\n!" + name + "!\n\n")
		}
	case atom.Ul:
		w.list(n, '*')
	case atom.Ol:
		w.list(n, '#')
	case atom.Li:
		w.sb.WriteString(string(w.listStack) + " ")
		w.children(n)
		w.sb.WriteString("\n")
	default:
		if n.Data == "at" {
			// Teams mention: emit as a plain @name reference.
			w.sb.WriteString("@")
			w.children(n)
			return
		}
		w.children(n)
	}
}

func (w *wikiWriter) wrap(n *html.Node, mark string) {
	w.sb.WriteString(mark)
	w.children(n)
	w.sb.WriteString(mark)
}

func (w *wikiWriter) anchor(n *html.Node) {
	href := attr(n, "href")
	var label strings.Builder
	collectText(n, &label)
	text := strings.TrimSpace(label.String())

	switch {
	case href == "":
		w.sb.WriteString(text)
	case text == "" || text == href:
		w.sb.WriteString("[" + href + "]")
	default:
		w.sb.WriteString("[" + text + "|" + href + "]")
	}
}

func (w *wikiWriter) list(n *html.Node, marker byte) {
	if len(w.listStack) > 0 {
		// A list nested inside a li starts on its own line.
		w.sb.WriteString("\n")
	}
	w.listStack = append(w.listStack, marker)
	w.children(n)
	w.listStack = w.listStack[:len(w.listStack)-1]
	if len(w.listStack) == 0 {
		w.sb.WriteString("\n")
	}
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collectText(child, sb)
	}
}
