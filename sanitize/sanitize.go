// Package sanitize turns untrusted feed HTML into markup that is safe to
// display, and into plain text.
package sanitize

import (
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Revision identifies the rules HTML applies. Articles record the revision
// that produced their derived content so they can be reprocessed when it
// changes.
const Revision = 1

// SnippetLength is the maximum length of an article snippet, in runes.
const SnippetLength = 500

var allowedAttrs = map[string][]string{
	"a":          {"href", "title"},
	"abbr":       {"title"},
	"b":          nil,
	"blockquote": {"cite"},
	"br":         nil,
	"code":       nil,
	"dd":         nil,
	"del":        nil,
	"dl":         nil,
	"dt":         nil,
	"em":         nil,
	"figcaption": nil,
	"figure":     nil,
	"h1":         nil,
	"h2":         nil,
	"h3":         nil,
	"h4":         nil,
	"h5":         nil,
	"h6":         nil,
	"hr":         nil,
	"i":          nil,
	"img":        {"src", "alt", "title", "width", "height"},
	"ins":        nil,
	"li":         nil,
	"ol":         nil,
	"p":          nil,
	"pre":        nil,
	"q":          {"cite"},
	"s":          nil,
	"small":      nil,
	"strong":     nil,
	"sub":        nil,
	"sup":        nil,
	"table":      nil,
	"tbody":      nil,
	"td":         {"colspan", "rowspan"},
	"th":         {"colspan", "rowspan"},
	"thead":      nil,
	"tr":         nil,
	"u":          nil,
	"ul":         nil,
}

// Elements whose content is dropped along with the tag.
var droppedContent = map[string]bool{
	"script":   true,
	"style":    true,
	"template": true,
	"iframe":   true,
	"object":   true,
	"noscript": true,
}

var voidElements = map[string]bool{
	"br":  true,
	"hr":  true,
	"img": true,
}

var urlAttrs = map[string]bool{
	"href": true,
	"src":  true,
	"cite": true,
}

// HTML returns raw with every element and attribute outside the allowlist
// removed. Unclosed elements are closed at the end.
func HTML(raw string) string {
	z := html.NewTokenizer(strings.NewReader(raw))
	var b strings.Builder
	var open []string
	skip := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			for i := len(open) - 1; i >= 0; i-- {
				b.WriteString("</" + open[i] + ">")
			}
			return b.String()

		case html.TextToken:
			if skip == 0 {
				b.WriteString(html.EscapeString(string(z.Text())))
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if droppedContent[tok.Data] {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			attrs, ok := allowedAttrs[tok.Data]
			if skip > 0 || !ok {
				continue
			}
			writeStartTag(&b, tok, attrs)
			if tt == html.StartTagToken && !voidElements[tok.Data] {
				open = append(open, tok.Data)
			}

		case html.EndTagToken:
			tok := z.Token()
			if droppedContent[tok.Data] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if skip > 0 {
				continue
			}
			for i := len(open) - 1; i >= 0; i-- {
				if open[i] != tok.Data {
					continue
				}
				for j := len(open) - 1; j >= i; j-- {
					b.WriteString("</" + open[j] + ">")
				}
				open = open[:i]
				break
			}
		}
	}
}

func writeStartTag(b *strings.Builder, tok html.Token, allowed []string) {
	b.WriteString("<" + tok.Data)
	for _, attr := range tok.Attr {
		if attr.Namespace != "" || !contains(allowed, attr.Key) {
			continue
		}
		if urlAttrs[attr.Key] && !safeURL(attr.Val) {
			continue
		}
		b.WriteString(" " + attr.Key + `="` + html.EscapeString(attr.Val) + `"`)
	}
	if tok.Data == "a" {
		b.WriteString(` rel="noopener noreferrer"`)
	}
	b.WriteString(">")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// safeURL accepts relative references and http, https and mailto URLs.
func safeURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "", "http", "https", "mailto":
		return true
	}
	return false
}

// Text returns the text content of an HTML fragment with whitespace runs
// collapsed to single spaces.
func Text(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc.Find("script, style, template, noscript").Remove()
	doc.Find(blockElements).BeforeHtml(" ").AfterHtml(" ")
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// blockElements separate words in extracted text.
const blockElements = "address, article, aside, blockquote, br, dd, div, dl, dt, figcaption, figure, " +
	"footer, h1, h2, h3, h4, h5, h6, header, hr, li, ol, p, pre, section, table, td, th, tr, ul"

// Snippet returns a plain-text preview of sanitized content. A leading copy
// of the title is removed when it ends at a word boundary.
func Snippet(title, content string) string {
	text := Text(content)
	if title != "" && strings.HasPrefix(text, title) {
		rest := text[len(title):]
		if r, _ := utf8.DecodeRuneInString(rest); rest == "" || !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			text = strings.TrimSpace(rest)
		}
	}
	if utf8.RuneCountInString(text) <= SnippetLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:SnippetLength])
}
