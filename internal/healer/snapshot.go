package healer

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/polzovatel/ai-agent-for-job-boards/internal/browser"
)

const truncationMarker = "\n<!-- [truncated] -->"

const outerHTMLScript = `(container) => {
	let root = null;
	if (container) {
		try { root = document.querySelector(container); } catch (e) { root = null; }
	}
	if (!root) root = document.body;
	return root ? root.outerHTML : "";
}`

// captureDOM returns the sanitized markup of container (or body).
func captureDOM(ctx context.Context, page browser.Page, container string, maxLen int) (string, error) {
	val, err := page.Evaluate(ctx, outerHTMLScript, container)
	if err != nil {
		return "", fmt.Errorf("evaluate outerHTML: %w", err)
	}
	raw, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("outerHTML: unexpected %T", val)
	}
	return SanitizeDOM(raw, maxLen), nil
}

// SanitizeDOM drops scripts, styles, comments, inline style attributes, event
// handlers and data: URIs, collapses whitespace and caps the result at maxLen.
func SanitizeDOM(raw string, maxLen int) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return ""
	}
	strip(doc)

	root := findElement(doc, atom.Body)
	if root == nil {
		root = doc
	}
	var b strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return ""
		}
	}
	out := strings.TrimSpace(b.String())
	if maxLen > 0 && len(out) > maxLen {
		out = strings.ToValidUTF8(out[:maxLen], "") + truncationMarker
	}
	return out
}

func strip(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.CommentNode:
			n.RemoveChild(c)
		case c.Type == html.ElementNode && isNoise(c.DataAtom):
			n.RemoveChild(c)
		case c.Type == html.TextNode:
			text := strings.Join(strings.Fields(c.Data), " ")
			if text == "" {
				n.RemoveChild(c)
			} else {
				c.Data = text
			}
		default:
			if c.Type == html.ElementNode {
				c.Attr = cleanAttrs(c.Attr)
			}
			strip(c)
		}
		c = next
	}
}

func isNoise(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg, atom.Link, atom.Meta:
		return true
	}
	return false
}

func cleanAttrs(attrs []html.Attribute) []html.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if key == "style" || strings.HasPrefix(key, "on") {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(strings.ToLower(a.Val)), "data:") {
			continue
		}
		out = append(out, a)
	}
	return out
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}
