package fetch

import (
	"bytes"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

var dropTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true,
	"object": true, "embed": true, "form": true, "input": true, "button": true,
	"nav": true, "header": true, "footer": true, "aside": true,
	"svg": true, "template": true,
}

// Converter reduces an HTML page to markdown of its main content.
type Converter struct {
	md *md.Converter
}

func NewConverter() *Converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return &Converter{md: c}
}

func (c *Converter) Convert(page []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return "", err
	}

	root := doc
	for _, tag := range []string{"main", "article"} {
		if n := findElement(doc, tag); n != nil {
			root = n
			break
		}
	}
	if root == doc {
		if body := findElement(doc, "body"); body != nil {
			root = body
		}
	}
	removeElements(root)

	var sb strings.Builder
	if err := html.Render(&sb, root); err != nil {
		return "", err
	}
	out, err := c.md.ConvertString(sb.String())
	if err != nil {
		return "", err
	}
	return cleanMarkdown(out), nil
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if found := findElement(ch, tag); found != nil {
			return found
		}
	}
	return nil
}

func removeElements(n *html.Node) {
	var drop []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.CommentNode || (node.Type == html.ElementNode && dropTags[node.Data]) {
			drop = append(drop, node)
			return
		}
		for ch := node.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	for _, node := range drop {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

func cleanMarkdown(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = excessiveLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
