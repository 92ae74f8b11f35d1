package distill

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

const (
	readabilityMinText = 200
	readabilityMinHTML = 2048
)

// DefaultFluffPatterns strip common boilerplate when an industry config
// supplies none.
var DefaultFluffPatterns = []string{
	`(?i)(copyright\s*)?(©|\(c\))\s*(\d{4}\s*[-–]\s*)?\d{4}[^\n]*`,
	`(?i)copyright\s+\d{4}[^\n]*`,
	`(?i)all rights reserved\.?`,
	`(?i)(we|this (web)?site) uses? cookies[^.\n]*\.?`,
	`(?i)accept (all )?cookies`,
	`(?i)\b(privacy policy|terms of (service|use)|cookie policy)\b`,
	`(?i)\b(skip to (main )?content|back to top|toggle navigation)\b`,
}

var whitespace = regexp.MustCompile(`\s+`)

const blockElements = "br, p, div, li, tr, td, th, h1, h2, h3, h4, h5, h6, " +
	"section, article, header, footer, nav, aside, blockquote, pre"

func looksLikeHTML(contentType, body string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	head := strings.TrimSpace(body)
	if len(head) > 512 {
		head = head[:512]
	}
	head = strings.ToLower(head)
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") ||
		strings.Contains(head, "<body")
}

// extractText turns an HTML document into visible text. Non-HTML input is
// returned unchanged.
func extractText(body, contentType, pageURL string) string {
	if !looksLikeHTML(contentType, body) {
		return body
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body
	}
	doc.Find("script, style, noscript, template, svg, iframe").Remove()
	sel := doc.Find("body")
	if sel.Length() == 0 {
		sel = doc.Selection
	}
	sel.Find(blockElements).AfterHtml("\n")
	text := strings.TrimSpace(sel.Text())
	if len(text) < readabilityMinText && len(body) > readabilityMinHTML {
		if fallback := readabilityText(body, pageURL); len(fallback) > len(text) {
			return fallback
		}
	}
	return text
}

func readabilityText(body, pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || pageURL == "" {
		u = &url.URL{Scheme: "https", Host: "localhost"}
	}
	article, err := readability.FromReader(strings.NewReader(body), u)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(article.TextContent)
}

// clean applies fluff patterns in order and collapses whitespace.
func clean(text string, fluff []*regexp.Regexp) string {
	for _, re := range fluff {
		text = re.ReplaceAllString(text, " ")
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// foldCase lower-cases s rune by rune, keeping any rune whose lower-case
// form has a different UTF-8 length so byte offsets line up with s. Invalid
// bytes are copied through unchanged for the same reason.
func foldCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteByte(s[i])
			i++
			continue
		}
		if lr := unicode.ToLower(r); utf8.RuneLen(lr) == size {
			r = lr
		}
		b.WriteRune(r)
		i += size
	}
	return b.String()
}

// window returns s[start:end] widened by radius runes on each side, clamped
// to s. start and end must be rune boundaries.
func window(s string, start, end, radius int) string {
	for n := 0; n < radius && start > 0; n++ {
		_, size := utf8.DecodeLastRuneInString(s[:start])
		start -= size
	}
	for n := 0; n < radius && end < len(s); n++ {
		_, size := utf8.DecodeRuneInString(s[end:])
		end += size
	}
	return strings.TrimSpace(s[start:end])
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
