// Package opml imports and exports feed subscriptions as OPML.
package opml

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/robertmeta/feedd/model"
	"golang.org/x/net/html/charset"
)

// OPML represents the root OPML structure.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains metadata about the OPML document.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outline elements (feeds).
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a feed or category in OPML.
type Outline struct {
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLUrl   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLUrl  string    `xml:"htmlUrl,attr,omitempty"`
	Category string    `xml:"category,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Subscription is one feed listed in an OPML document.
type Subscription struct {
	URL      string
	SiteURL  string
	Title    string
	Category string
}

// Parse reads an OPML file and extracts its subscriptions.
func Parse(r io.Reader) ([]Subscription, error) {
	var opml OPML
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charset.NewReaderLabel
	if err := decoder.Decode(&opml); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}

	return extractSubscriptions(opml.Body.Outlines, ""), nil
}

// extractSubscriptions recursively walks outlines. Outlines without their
// own category inherit the text of the folder they are nested in.
func extractSubscriptions(outlines []Outline, parentCategory string) []Subscription {
	var subs []Subscription

	for _, outline := range outlines {
		if outline.XMLUrl != "" {
			sub := Subscription{
				URL:      outline.XMLUrl,
				SiteURL:  outline.HTMLUrl,
				Title:    outline.Title,
				Category: outline.Category,
			}
			if sub.Category == "" {
				sub.Category = parentCategory
			}
			if sub.Title == "" {
				sub.Title = outline.Text
			}
			subs = append(subs, sub)
		}

		if len(outline.Outlines) > 0 {
			categoryForChildren := outline.Text
			if categoryForChildren == "" {
				categoryForChildren = parentCategory
			}
			subs = append(subs, extractSubscriptions(outline.Outlines, categoryForChildren)...)
		}
	}

	return subs
}

// Generate writes an OPML document listing subs, grouped by category.
func Generate(w io.Writer, subs []Subscription, created time.Time) error {
	categories := make(map[string][]Subscription)
	var uncategorized []Subscription

	for _, sub := range subs {
		if sub.Category == "" {
			uncategorized = append(uncategorized, sub)
		} else {
			categories[sub.Category] = append(categories[sub.Category], sub)
		}
	}

	opml := OPML{
		Version: "2.0",
		Head: Head{
			Title:       "feedd Subscriptions",
			DateCreated: created.Format(time.RFC1123),
		},
		Body: Body{
			Outlines: []Outline{},
		},
	}

	for _, category := range slices.Sorted(maps.Keys(categories)) {
		categoryOutline := Outline{
			Text:     category,
			Title:    category,
			Outlines: []Outline{},
		}
		for _, sub := range categories[category] {
			categoryOutline.Outlines = append(categoryOutline.Outlines, outlineFor(sub))
		}
		opml.Body.Outlines = append(opml.Body.Outlines, categoryOutline)
	}

	for _, sub := range uncategorized {
		opml.Body.Outlines = append(opml.Body.Outlines, outlineFor(sub))
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}
	if err := encoder.Encode(opml); err != nil {
		return fmt.Errorf("failed to encode OPML: %w", err)
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write final newline: %w", err)
	}

	return nil
}

func outlineFor(sub Subscription) Outline {
	return Outline{
		Type:     "rss",
		Text:     sub.Title,
		Title:    sub.Title,
		XMLUrl:   sub.URL,
		HTMLUrl:  sub.SiteURL,
		Category: sub.Category,
	}
}

// Store is the feed storage import and export work against.
// *store.Store implements it.
type Store interface {
	GetAllFeeds(ctx context.Context) ([]*model.Feed, error)
	CreateFeed(ctx context.Context, f *model.Feed) error
	AddLabel(ctx context.Context, feedID int64, text string) (*model.Label, error)
	FeedLabels(ctx context.Context, feedID int64) ([]model.Label, error)
}

// ImportResult counts what an import did.
type ImportResult struct {
	Added   int
	Skipped int
}

// Import subscribes userID to every feed in the document it has not
// subscribed to yet. New feeds are due immediately and carry their OPML
// category as a label.
func Import(ctx context.Context, s Store, r io.Reader, userID int64, now time.Time) (ImportResult, error) {
	var res ImportResult

	subs, err := Parse(r)
	if err != nil {
		return res, err
	}

	existing, err := s.GetAllFeeds(ctx)
	if err != nil {
		return res, err
	}
	subscribed := make(map[string]bool, len(existing))
	for _, f := range existing {
		if f.UserID == userID {
			subscribed[f.URL] = true
		}
	}

	for _, sub := range subs {
		if subscribed[sub.URL] {
			res.Skipped++
			continue
		}
		f := &model.Feed{
			UserID:    userID,
			URL:       sub.URL,
			SiteURL:   sub.SiteURL,
			UserTitle: sub.Title,
			NextCheck: &now,
		}
		if err := s.CreateFeed(ctx, f); err != nil {
			return res, fmt.Errorf("failed to import %s: %w", sub.URL, err)
		}
		if sub.Category != "" {
			if _, err := s.AddLabel(ctx, f.ID, sub.Category); err != nil {
				return res, fmt.Errorf("failed to label %s: %w", sub.URL, err)
			}
		}
		subscribed[sub.URL] = true
		res.Added++
	}
	return res, nil
}

// Export writes userID's subscriptions as OPML. A feed's first label becomes
// its category.
func Export(ctx context.Context, s Store, w io.Writer, userID int64, now time.Time) error {
	feeds, err := s.GetAllFeeds(ctx)
	if err != nil {
		return err
	}

	var subs []Subscription
	for _, f := range feeds {
		if f.UserID != userID {
			continue
		}
		labels, err := s.FeedLabels(ctx, f.ID)
		if err != nil {
			return err
		}
		sub := Subscription{
			URL:     f.URL,
			SiteURL: f.SiteURL,
			Title:   f.DisplayTitle(),
		}
		if len(labels) > 0 {
			sub.Category = labels[0].Text
		}
		subs = append(subs, sub)
	}
	return Generate(w, subs, now)
}
