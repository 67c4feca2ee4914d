// Package version identifies the current published snapshot of the register:
// it finds the download link on the landing page and derives the snapshot id
// from the date token embedded in that link.
package version

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
)

// Locate returns the href of the first anchor inside the first element whose
// class list contains containerClass. ok is false when the container or the
// anchor is missing; that is an expected outcome, not an error, since the
// page layout is owned upstream.
func Locate(markup []byte, containerClass string) (string, bool) {
	doc, err := html.Parse(bytes.NewReader(markup))
	if err != nil {
		return "", false
	}

	container := findFirst(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && hasClass(n, containerClass)
	})
	if container == nil {
		return "", false
	}

	anchor := findFirst(container, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "a" {
			return false
		}
		href, ok := attr(n, "href")
		return ok && strings.TrimSpace(href) != ""
	})
	if anchor == nil {
		return "", false
	}

	href, _ := attr(anchor, "href")
	return strings.TrimSpace(href), true
}

// ResolveReference resolves a possibly relative href against the landing page URL.
func ResolveReference(pageURL, href string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", eris.Wrapf(err, "version: parse page url %q", pageURL)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", eris.Wrapf(err, "version: parse href %q", href)
	}
	return base.ResolveReference(ref).String(), nil
}

// findFirst walks the tree depth-first in document order.
func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(n *html.Node, class string) bool {
	v, ok := attr(n, "class")
	if !ok {
		return false
	}
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}
