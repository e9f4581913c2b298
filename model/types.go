// Package model defines the core data structures for feedd.
package model

import (
	"errors"
	"time"
)

// Feed represents a subscribed RSS/Atom feed source.
//
// NextCheck is nil when polling is disabled for the feed. The counters are
// maintained by the database and are never written by the poller.
type Feed struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	URL          string     `json:"url"`
	SiteURL      string     `json:"site_url,omitempty"`
	FeedTitle    string     `json:"feed_title,omitempty"`
	UserTitle    string     `json:"user_title,omitempty"`
	NextCheck    *time.Time `json:"next_check,omitempty"`
	LastChecked  *time.Time `json:"last_checked,omitempty"`
	LastChanged  *time.Time `json:"last_changed,omitempty"`
	Error        string     `json:"error,omitempty"`
	ETag         string     `json:"etag,omitempty"`
	LastModified string     `json:"last_modified,omitempty"`
	Digest       []byte     `json:"-"`
	AllCount     int64      `json:"all_count"`
	UnreadCount  int64      `json:"unread_count"`
	FaveCount    int64      `json:"fave_count"`
}

// Validate checks if the feed has required fields.
func (f *Feed) Validate() error {
	if f.URL == "" {
		return errors.New("feed URL is required")
	}
	return nil
}

// DisplayTitle returns the user's title override, the title from the feed
// content, or the URL, whichever is first non-empty.
func (f *Feed) DisplayTitle() string {
	if f.UserTitle != "" {
		return f.UserTitle
	}
	if f.FeedTitle != "" {
		return f.FeedTitle
	}
	return f.URL
}

// Enabled reports whether the feed is scheduled for polling.
func (f *Feed) Enabled() bool {
	return f.NextCheck != nil
}

// Feed columns the poller may write. Counters are deliberately absent.
const (
	FieldSiteURL      = "site_url"
	FieldFeedTitle    = "feed_title"
	FieldNextCheck    = "next_check"
	FieldLastChecked  = "last_checked"
	FieldLastChanged  = "last_changed"
	FieldError        = "error"
	FieldETag         = "etag"
	FieldLastModified = "last_modified"
	FieldDigest       = "digest"
)

// Article represents a single entry belonging to a feed.
type Article struct {
	ID             int64     `json:"id"`
	FeedID         int64     `json:"feed_id"`
	Read           bool      `json:"read"`
	Fave           bool      `json:"fave"`
	Author         string    `json:"author,omitempty"`
	URL            string    `json:"url,omitempty"`
	GUID           string    `json:"guid,omitempty"`
	Date           time.Time `json:"date"`
	RawTitle       string    `json:"-"`
	RawContent     string    `json:"-"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	ContentSnippet string    `json:"content_snippet"`
	ContentRev     int       `json:"content_rev"`
}

// IsUnread returns true if the article hasn't been read.
func (a *Article) IsUnread() bool {
	return !a.Read
}

// ArticleUpsert is an entry extracted from fetched feed content. It is matched
// against stored articles and never persisted directly.
type ArticleUpsert struct {
	Author     string
	RawTitle   string
	URL        string
	Date       *time.Time
	GUID       string
	RawContent string
}

// Label is a user-scoped name grouping feeds.
type Label struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
}
