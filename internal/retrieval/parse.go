package retrieval

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/ashureev/keysearch/internal/domain"
	"golang.org/x/net/html"
)

// maxBodyBytes bounds how much of a result page is parsed.
const maxBodyBytes = 1 << 20

// parseResults extracts up to maxResults results from DuckDuckGo HTML.
func parseResults(r io.Reader, maxResults int) ([]domain.SearchResult, error) {
	doc, err := html.Parse(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	results := []domain.SearchResult{}

	// Each hit is a div whose class list contains both "result" and "results_links".
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" {
			class := attr(n, "class")
			if hasClass(class, "result") && strings.Contains(class, "results_links") && !hasClass(class, "result--ad") {
				if res := extractResult(n); res.URL != "" && res.Title != "" {
					results = append(results, res)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return results, nil
}

func extractResult(n *html.Node) domain.SearchResult {
	var res domain.SearchResult

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			class := attr(n, "class")
			switch {
			case n.Data == "a" && hasClass(class, "result__a"):
				res.URL = cleanURL(attr(n, "href"))
				res.Title = textContent(n)
			case hasClass(class, "result__snippet"):
				res.Snippet = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	return res
}

// cleanURL unwraps DuckDuckGo redirect links of the form //duckduckgo.com/l/?uddg=<target>.
func cleanURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") && strings.HasPrefix(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(classList, name string) bool {
	for _, c := range strings.Fields(classList) {
		if c == name {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
