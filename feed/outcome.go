package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/robertmeta/feedd/model"
)

// Tx is the storage a poll outcome persists itself through. store.Tx
// implements it.
type Tx interface {
	UpdateFeed(ctx context.Context, f *model.Feed, fields ...string) error
	ArticleByGUID(ctx context.Context, feedID int64, guid string) (*model.Article, error)
	ArticleByURL(ctx context.Context, feedID int64, url string) (*model.Article, error)
	InsertArticle(ctx context.Context, a *model.Article) error
	UpdateArticle(ctx context.Context, a *model.Article) error
	RecentArticleDates(ctx context.Context, feedID int64, since time.Time, limit int) ([]time.Time, error)
}

// Outcome is the result of one fetch attempt. Each variant owns how the
// feed's stored state changes in response to it.
type Outcome interface {
	// Persist applies the outcome to f, a freshly loaded feed, and writes
	// the changed fields through tx.
	Persist(ctx context.Context, tx Tx, f *model.Feed, now time.Time) error
	fmt.Stringer
}

var (
	_ Outcome = Unchanged{}
	_ Outcome = BadStatus{}
	_ Outcome = Gone{}
	_ Outcome = EmptyBody{}
	_ Outcome = BozoError{}
	_ Outcome = NetworkError{}
	_ Outcome = MaybeUpdated{}
	_ Outcome = PollError{}
)

// recordCheck stamps a completed check with its error text (empty when
// healthy) and reschedules the feed.
func recordCheck(ctx context.Context, tx Tx, f *model.Feed, now time.Time, errText string) error {
	f.LastChecked = &now
	f.Error = errText
	if err := Schedule(ctx, tx, f, now); err != nil {
		return err
	}
	return tx.UpdateFeed(ctx, f, model.FieldLastChecked, model.FieldError, model.FieldNextCheck)
}

// Unchanged means the feed content is known not to have changed, because of
// a 304 response to a conditional request or an identical body digest.
type Unchanged struct {
	Reason string // "etag", "last-modified" or "digest"
}

// Persist records the check and reschedules; content is left alone.
func (o Unchanged) Persist(ctx context.Context, tx Tx, f *model.Feed, now time.Time) error {
	return recordCheck(ctx, tx, f, now, "")
}

// String names the validator that matched.
func (o Unchanged) String() string { return "unchanged (" + o.Reason + ")" }

// BadStatus is a response status other than 200, 304 and 410.
type BadStatus struct {
	Code int
}

// Persist records the status as the feed error and reschedules.
func (o BadStatus) Persist(ctx context.Context, tx Tx, f *model.Feed, now time.Time) error {
	return recordCheck(ctx, tx, f, now, o.String())
}

// String is the error text stored on the feed.
func (o BadStatus) String() string { return fmt.Sprintf("HTTP %d", o.Code) }

// Gone is a 410 response. Polling stops until someone re-enables the feed.
type Gone struct{}

const goneMessage = "Feed is no longer available (HTTP 410 Gone); polling disabled"

// Persist records the check and disables polling.
func (o Gone) Persist(ctx context.Context, tx Tx, f *model.Feed, now time.Time) error {
	f.LastChecked = &now
	f.NextCheck = nil
	f.Error = goneMessage
	return tx.UpdateFeed(ctx, f, model.FieldLastChecked, model.FieldNextCheck, model.FieldError)
}

func (o Gone) String() string { return "gone" }

// EmptyBody is a 200 response with no content.
type EmptyBody struct {
	Code        int
	ContentType string
}

// Persist records the empty response as the feed error and reschedules.
func (o EmptyBody) Persist(ctx context.Context, tx Tx, f *model.Feed, now time.Time) error {
	return recordCheck(ctx, tx, f, now, o.String())
}

// String is the error text stored on the feed.
func (o EmptyBody) String() string {
	return fmt.Sprintf("Empty response body (HTTP %d, Content-Type %s)", o.Code, o.ContentType)
}

// BozoError means the body could not be parsed as a feed.
type BozoError struct {
	Code        int
	ContentType string
	Err         string
}

// Persist records the parse failure as the feed error and reschedules.
func (o BozoError) Persist(ctx context.Context, tx Tx, f *model.Feed, now time.Time) error {
	return recordCheck(ctx, tx, f, now, o.String())
}

// String is the error text stored on the feed.
func (o BozoError) String() string {
	return fmt.Sprintf("Unable to parse feed (HTTP %d, Content-Type %s): %s", o.Code, o.ContentType, o.Err)
}

// NetworkError is a connection-level failure or timeout.
type NetworkError struct {
	Message string
}

// Persist records the message as the feed error and reschedules.
func (o NetworkError) Persist(ctx context.Context, tx Tx, f *model.Feed, now time.Time) error {
	return recordCheck(ctx, tx, f, now, o.Message)
}

func (o NetworkError) String() string { return o.Message }

// PollError is an unexpected internal failure while fetching. Err carries
// the error and, for panics, the stack.
type PollError struct {
	Err string
}

// Persist records the failure as the feed error and reschedules.
func (o PollError) Persist(ctx context.Context, tx Tx, f *model.Feed, now time.Time) error {
	return recordCheck(ctx, tx, f, now, o.String())
}

// String is the error text stored on the feed.
func (o PollError) String() string { return "Internal error: " + o.Err }

// MaybeUpdated carries freshly parsed feed content. Whether anything actually
// changed is decided when its articles are reconciled.
type MaybeUpdated struct {
	FeedTitle    string
	SiteURL      string
	ETag         string
	LastModified string
	Digest       []byte
	Articles     []model.ArticleUpsert
}

// Persist stores the new feed metadata, reconciles the articles and
// reschedules. last_changed moves only when an article was inserted or
// updated.
func (o MaybeUpdated) Persist(ctx context.Context, tx Tx, f *model.Feed, now time.Time) error {
	f.LastChecked = &now
	f.Error = ""
	f.FeedTitle = o.FeedTitle
	f.SiteURL = o.SiteURL
	f.ETag = o.ETag
	f.LastModified = o.LastModified
	f.Digest = o.Digest

	res, err := Reconcile(ctx, tx, f.ID, o.Articles, now)
	if err != nil {
		return err
	}

	fields := []string{
		model.FieldLastChecked, model.FieldError, model.FieldFeedTitle, model.FieldSiteURL,
		model.FieldETag, model.FieldLastModified, model.FieldDigest, model.FieldNextCheck,
	}
	if res.Changed() {
		f.LastChanged = &now
		fields = append(fields, model.FieldLastChanged)
	}

	if err := Schedule(ctx, tx, f, now); err != nil {
		return err
	}
	return tx.UpdateFeed(ctx, f, fields...)
}

// String reports how many entries the document held.
func (o MaybeUpdated) String() string {
	return fmt.Sprintf("fetched %d entries", len(o.Articles))
}
