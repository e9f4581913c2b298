package feed

import (
	"bytes"
	"encoding/xml"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html/charset"
)

// TitleKind says whether an entry title is plain text or markup.
type TitleKind int

const (
	// TitlePlain titles are text and are stored as written.
	TitlePlain TitleKind = iota
	// TitleRich titles carry HTML and are reduced to text.
	TitleRich
)

// Entry is one item extracted from a feed document.
type Entry struct {
	Author    string
	Title     string
	TitleKind TitleKind
	Link      string
	Updated   *time.Time
	Published *time.Time
	ID        string
	Content   []string
	Summary   string
}

// ParseResult is what the parser could make of a feed document. Malformed
// means no feed structure was recognized; Err then says why.
type ParseResult struct {
	Malformed bool
	Title     string
	Link      string
	Entries   []Entry
	Err       string
}

// Parser adapts gofeed to the ParseResult contract.
type Parser struct {
	parser *gofeed.Parser
}

// NewParser creates a new Parser.
func NewParser() *Parser {
	return &Parser{
		parser: gofeed.NewParser(),
	}
}

// Parse parses a raw feed document. The response headers supply the
// character set when the document does not declare its own.
func (p *Parser) Parse(body []byte, header http.Header) ParseResult {
	if label := headerCharset(header); label != "" && !declaresEncoding(body) {
		if cr, err := charset.NewReaderLabel(label, bytes.NewReader(body)); err == nil {
			if decoded, err := io.ReadAll(cr); err == nil {
				body = decoded
			}
		}
	}

	parsed, err := p.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return ParseResult{Malformed: true, Err: err.Error()}
	}

	var declared []TitleKind
	if parsed.FeedType == "atom" {
		declared = atomTitleKinds(body)
		if len(declared) != len(parsed.Items) {
			declared = nil
		}
	}

	result := ParseResult{
		Title: parsed.Title,
		Link:  parsed.Link,
	}
	for i, item := range parsed.Items {
		e := convertItem(item)
		if declared != nil {
			e.TitleKind = declared[i]
		}
		result.Entries = append(result.Entries, e)
	}
	return result
}

// convertItem converts a gofeed.Item to an Entry.
func convertItem(item *gofeed.Item) Entry {
	e := Entry{
		Title:     item.Title,
		TitleKind: titleKind(item.Title),
		Link:      item.Link,
		Updated:   item.UpdatedParsed,
		Published: item.PublishedParsed,
		ID:        item.GUID,
		Summary:   item.Description,
	}

	if item.Author != nil && item.Author.Name != "" {
		e.Author = item.Author.Name
	} else {
		for _, a := range item.Authors {
			if a != nil && a.Name != "" {
				e.Author = a.Name
				break
			}
		}
	}

	if item.Content != "" {
		e.Content = []string{item.Content}
	}
	return e
}

var markupPattern = regexp.MustCompile(`<[a-zA-Z/!]|&(#[0-9]+|#[xX][0-9a-fA-F]+|[a-zA-Z][a-zA-Z0-9]*);`)

// titleKind classifies a title that has no declared type. Markup is
// recognized by its tags and entities.
func titleKind(title string) TitleKind {
	if markupPattern.MatchString(title) {
		return TitleRich
	}
	return TitlePlain
}

// atomTitleKinds returns the declared title type of each entry in an Atom
// document, in document order. gofeed decodes titles without reporting the
// type attribute. A nil result means the document could not be scanned.
func atomTitleKinds(body []byte) []TitleKind {
	d := xml.NewDecoder(bytes.NewReader(body))
	d.Strict = false
	d.CharsetReader = charset.NewReaderLabel

	kinds := []TitleKind{}
	var stack []string
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return kinds
		}
		if err != nil {
			return nil
		}
		switch t := tok.(type) {
		case xml.StartElement:
			parent := ""
			if len(stack) > 0 {
				parent = stack[len(stack)-1]
			}
			switch {
			case t.Name.Local == "entry":
				kinds = append(kinds, TitlePlain)
			case t.Name.Local == "title" && parent == "entry":
				kinds[len(kinds)-1] = atomTypeKind(t.Attr)
			}
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
}

// atomTypeKind maps an Atom text construct's type attribute. A missing type
// means text.
func atomTypeKind(attrs []xml.Attr) TitleKind {
	for _, a := range attrs {
		if a.Name.Local == "type" && strings.Contains(strings.ToLower(a.Value), "html") {
			return TitleRich
		}
	}
	return TitlePlain
}

func headerCharset(header http.Header) string {
	if header == nil {
		return ""
	}
	_, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	label := strings.ToLower(params["charset"])
	if label == "utf-8" || label == "utf8" {
		return ""
	}
	return label
}

func declaresEncoding(body []byte) bool {
	head := body
	if len(head) > 200 {
		head = head[:200]
	}
	return bytes.HasPrefix(bytes.TrimSpace(head), []byte("<?xml")) && bytes.Contains(head, []byte("encoding="))
}
