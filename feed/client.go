// Package feed fetches feeds over HTTP, classifies each fetch into an
// Outcome, and reconciles fetched entries with stored articles.
package feed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/robertmeta/feedd/model"
	"github.com/robertmeta/feedd/sanitize"
)

const (
	// UserAgent identifies feedd to the sites it polls.
	UserAgent = "feedd/0.1 (+https://github.com/robertmeta/feedd)"

	acceptHeader = "application/atom+xml, application/rss+xml;q=0.9, application/rdf+xml;q=0.8, " +
		"application/xml;q=0.7, text/xml;q=0.6, */*;q=0.1"

	// DefaultTimeout bounds both the request (up to response headers) and
	// reading the response body.
	DefaultTimeout = 30 * time.Second

	// Conditional request tokens longer than these are not stored.
	MaxETagLength         = 1024
	MaxLastModifiedLength = 45

	// MaxBodySize is the largest feed document that will be read.
	MaxBodySize = 32 << 20
)

var (
	errRequestTimeout = errors.New("request timed out")
	errBodyTimeout    = errors.New("reading response body timed out")
)

// Client fetches feeds. A fetch is a single attempt; retries happen through
// the feed's regular schedule.
type Client struct {
	HTTP           *http.Client
	Parser         *Parser
	RequestTimeout time.Duration
	BodyTimeout    time.Duration
}

// NewClient creates a Client with the default timeouts.
func NewClient() *Client {
	return &Client{
		HTTP:           &http.Client{},
		Parser:         NewParser(),
		RequestTimeout: DefaultTimeout,
		BodyTimeout:    DefaultTimeout,
	}
}

// Fetch performs a conditional GET of the feed and classifies the result.
// Every failure is reported as an Outcome.
func (c *Client) Fetch(ctx context.Context, f *model.Feed) Outcome {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return NetworkError{Message: fmt.Sprintf("Invalid feed URL: %v", err)}
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", acceptHeader)

	var notModified Outcome = BadStatus{Code: http.StatusNotModified}
	if f.ETag != "" {
		req.Header.Set("If-None-Match", f.ETag)
		notModified = Unchanged{Reason: "etag"}
	} else if f.LastModified != "" {
		req.Header.Set("If-Modified-Since", f.LastModified)
		notModified = Unchanged{Reason: "last-modified"}
	}

	timer := time.AfterFunc(c.RequestTimeout, func() { cancel(errRequestTimeout) })
	resp, err := c.HTTP.Do(req)
	timer.Stop()
	if err != nil {
		if context.Cause(ctx) == errRequestTimeout {
			return NetworkError{Message: "Request timed out after " + formatSeconds(c.RequestTimeout)}
		}
		return NetworkError{Message: describeNetworkError(err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		return Gone{}
	case resp.StatusCode == http.StatusNotModified:
		return notModified
	case resp.StatusCode != http.StatusOK:
		return BadStatus{Code: resp.StatusCode}
	}

	timer = time.AfterFunc(c.BodyTimeout, func() { cancel(errBodyTimeout) })
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	timer.Stop()
	if err != nil {
		switch context.Cause(ctx) {
		case errBodyTimeout:
			return NetworkError{Message: "Timed out reading response body after " + formatSeconds(c.BodyTimeout)}
		case errRequestTimeout:
			return NetworkError{Message: "Request timed out after " + formatSeconds(c.RequestTimeout)}
		}
		return NetworkError{Message: fmt.Sprintf("Error reading response body: %v", err)}
	}
	if len(body) > MaxBodySize {
		return NetworkError{Message: fmt.Sprintf("Response body exceeds %d bytes", MaxBodySize)}
	}

	contentType := resp.Header.Get("Content-Type")
	if len(body) == 0 {
		return EmptyBody{Code: resp.StatusCode, ContentType: contentType}
	}

	digest := sha256.Sum256(body)
	if bytes.Equal(digest[:], f.Digest) {
		return Unchanged{Reason: "digest"}
	}

	parsed := c.Parser.Parse(body, resp.Header)
	if parsed.Malformed && len(parsed.Entries) == 0 {
		return BozoError{Code: resp.StatusCode, ContentType: contentType, Err: parsed.Err}
	}

	title := sanitize.Text(html.EscapeString(parsed.Title))
	if title == "" {
		title = f.URL
	}

	etag := resp.Header.Get("ETag")
	if len(etag) > MaxETagLength {
		etag = ""
	}
	lastModified := resp.Header.Get("Last-Modified")
	if len(lastModified) > MaxLastModifiedLength {
		lastModified = ""
	}

	articles := make([]model.ArticleUpsert, 0, len(parsed.Entries))
	for _, e := range parsed.Entries {
		articles = append(articles, upsertFromEntry(e))
	}

	return MaybeUpdated{
		FeedTitle:    title,
		SiteURL:      parsed.Link,
		ETag:         etag,
		LastModified: lastModified,
		Digest:       digest[:],
		Articles:     articles,
	}
}

func upsertFromEntry(e Entry) model.ArticleUpsert {
	u := model.ArticleUpsert{
		Author:     e.Author,
		RawTitle:   e.Title,
		URL:        e.Link,
		GUID:       e.ID,
		RawContent: e.Summary,
	}
	if e.TitleKind == TitlePlain {
		u.RawTitle = html.EscapeString(e.Title)
	}

	switch {
	case e.Updated != nil:
		u.Date = e.Updated
	case e.Published != nil:
		u.Date = e.Published
	}

	for _, c := range e.Content {
		if c != "" {
			u.RawContent = c
			break
		}
	}
	return u
}

func describeNetworkError(err error) string {
	var (
		dnsErr      *net.DNSError
		certErr     *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		hostErr     x509.HostnameError
		authorityEr x509.UnknownAuthorityError
	)
	switch {
	case errors.As(err, &dnsErr):
		return "DNS lookup failed: " + dnsErr.Error()
	case errors.Is(err, syscall.ECONNREFUSED):
		return "Connection refused: " + err.Error()
	case errors.Is(err, syscall.ECONNRESET):
		return "Connection reset: " + err.Error()
	case errors.As(err, &certErr), errors.As(err, &recordErr),
		errors.As(err, &hostErr), errors.As(err, &authorityEr):
		return "TLS error: " + err.Error()
	default:
		return "Network error: " + err.Error()
	}
}

func formatSeconds(d time.Duration) string {
	if d >= time.Second && d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}
