package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robertmeta/feedd/clock"
	"github.com/robertmeta/feedd/feed"
	"github.com/robertmeta/feedd/model"
	"github.com/robertmeta/feedd/opml"
	"github.com/robertmeta/feedd/poll"
	"github.com/robertmeta/feedd/server"
	"github.com/robertmeta/feedd/store"
	"github.com/urfave/cli/v2"
)

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitDataError    = 3
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitGeneralError)
	}
}

func newApp() *cli.App {
	maxFetchFlag := &cli.IntFlag{
		Name:    "max-fetch",
		Aliases: []string{"n"},
		Value:   poll.DefaultMaxFetch,
		Usage:   "Maximum number of feeds fetched per polling cycle",
		EnvVars: []string{"FEEDD_MAX_FETCH"},
	}

	app := &cli.App{
		Name:    "feedd",
		Usage:   "A feed polling daemon with a scriptable CLI",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Value:   getDefaultDBPath(),
				Usage:   "Database file path, or connection string for postgres",
				EnvVars: []string{"FEEDD_DB"},
			},
			&cli.StringFlag{
				Name:    "driver",
				Value:   store.DriverSQLite,
				Usage:   "Database driver (sqlite or postgres)",
				EnvVars: []string{"FEEDD_DRIVER"},
			},
			&cli.Int64Flag{
				Name:    "user",
				Value:   1,
				Usage:   "ID of the user whose subscriptions are managed",
				EnvVars: []string{"FEEDD_USER"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"FEEDD_LOG_LEVEL"},
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Poll feeds continuously and serve the control API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "addr",
						Aliases: []string{"a"},
						Value:   "127.0.0.1:8080",
						Usage:   "Address to listen on",
						EnvVars: []string{"FEEDD_ADDR"},
					},
					maxFetchFlag,
				},
				Action: serve,
			},
			{
				Name:   "poll",
				Usage:  "Run a single polling cycle over due feeds",
				Flags:  []cli.Flag{maxFetchFlag},
				Action: pollOnce,
			},
			{
				Name:      "add",
				Usage:     "Add a new feed",
				ArgsUsage: "<url>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "title",
						Aliases: []string{"t"},
						Usage:   "Title overriding the one from the feed",
					},
					&cli.StringSliceFlag{
						Name:    "label",
						Aliases: []string{"l"},
						Usage:   "Label to attach (repeatable)",
					},
					&cli.BoolFlag{
						Name:  "check",
						Usage: "Fetch the feed right away",
					},
				},
				Action: addFeed,
			},
			{
				Name:   "feeds",
				Usage:  "List all feeds",
				Action: listFeeds,
			},
			{
				Name:  "articles",
				Usage: "List articles",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:    "feed-id",
						Aliases: []string{"f"},
						Usage:   "Only articles of this feed",
					},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"l"},
						Value:   50,
						Usage:   "Maximum number of articles to return",
					},
					&cli.IntFlag{
						Name:    "offset",
						Aliases: []string{"o"},
						Value:   0,
						Usage:   "Offset for pagination",
					},
					&cli.BoolFlag{
						Name:    "unread",
						Aliases: []string{"u"},
						Usage:   "Show only unread articles",
					},
					&cli.BoolFlag{
						Name:  "fave",
						Usage: "Show only favorite articles",
					},
					&cli.StringFlag{
						Name:    "since",
						Aliases: []string{"s"},
						Usage:   "Show articles since duration (e.g., 12h, 7d, 2w, 3m, 1y)",
					},
				},
				Action: listArticles,
			},
			{
				Name:      "mark-read",
				Usage:     "Mark articles as read",
				ArgsUsage: "<article-id>...",
				Action:    markRead,
			},
			{
				Name:      "remove",
				Usage:     "Remove a feed and its articles",
				ArgsUsage: "<feed-id>",
				Action:    removeFeed,
			},
			{
				Name:      "recheck",
				Usage:     "Check a feed now, re-enabling it if polling was disabled",
				ArgsUsage: "<feed-id>",
				Action:    recheckFeed,
			},
			{
				Name:      "import",
				Usage:     "Import feeds from OPML file",
				ArgsUsage: "<opml-file>",
				Action:    importOPML,
			},
			{
				Name:  "export",
				Usage: "Export feeds to OPML file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file (default: stdout)",
					},
				},
				Action: exportOPML,
			},
		},
	}
	return app
}

func setupLogging(c *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return cli.Exit(fmt.Sprintf("Invalid log level: %v", err), ExitUsageError)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func getDefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "feedd.db"
	}
	return filepath.Join(home, ".config", "feedd", "feedd.db")
}

func getStore(c *cli.Context) (*store.Store, error) {
	driver := c.String("driver")
	dsn := c.String("db")

	if driver == store.DriverSQLite && dsn != ":memory:" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	s, err := store.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return s, nil
}

func outputJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func parseID(c *cli.Context, usage string) (int64, error) {
	if c.NArg() < 1 {
		return 0, cli.Exit(usage, ExitUsageError)
	}
	id, err := strconv.ParseInt(c.Args().Get(0), 10, 64)
	if err != nil {
		return 0, cli.Exit("Invalid ID", ExitUsageError)
	}
	return id, nil
}

// maxFetch reads the batch size flag. A batch must hold at least one feed.
func maxFetch(c *cli.Context) (int, error) {
	n := c.Int("max-fetch")
	if n < 1 {
		return 0, cli.Exit(fmt.Sprintf("Invalid --max-fetch %d: must be at least 1", n), ExitUsageError)
	}
	return n, nil
}

func serve(c *cli.Context) error {
	n, err := maxFetch(c)
	if err != nil {
		return err
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	slog.Info("database opened", "type", s.DatabaseType())

	poller := poll.NewPoller(s, feed.NewClient())
	poller.MaxFetch = n

	loop := poll.NewLoop(poller.Cycle, clock.Real{})
	srv := server.New(s, loop.Poke, c.Int64("user"))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shutdown goes through Stop; an in-flight cycle is not cancelled.
	loop.Start(context.WithoutCancel(ctx))

	err = srv.ListenAndServe(ctx, c.String("addr"))

	slog.Info("shutting down; waiting for the current poll cycle")
	loop.Stop()
	<-loop.Done()
	if loopErr := loop.Err(); loopErr != nil {
		slog.Error("poll loop failed", "err", loopErr)
	}

	if err != nil {
		return cli.Exit(fmt.Sprintf("Server error: %v", err), ExitGeneralError)
	}
	return nil
}

func pollOnce(c *cli.Context) error {
	n, err := maxFetch(c)
	if err != nil {
		return err
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	poller := poll.NewPoller(s, feed.NewClient())
	delay, err := poller.Poll(c.Context, n)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Poll failed: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"success":      true,
		"next_poll_in": delay.Round(time.Second).String(),
	})
}

func addFeed(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedd add <url>", ExitUsageError)
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	now := time.Now()
	newFeed := &model.Feed{
		UserID:    c.Int64("user"),
		URL:       c.Args().Get(0),
		UserTitle: c.String("title"),
		NextCheck: &now,
	}

	if err := newFeed.Validate(); err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}
	if err := s.CreateFeed(c.Context, newFeed); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to save feed: %v", err), ExitDataError)
	}
	for _, label := range c.StringSlice("label") {
		if _, err := s.AddLabel(c.Context, newFeed.ID, label); err != nil {
			return cli.Exit(fmt.Sprintf("Failed to add label: %v", err), ExitDataError)
		}
	}

	result := map[string]interface{}{
		"success": true,
	}
	if c.Bool("check") {
		out, err := poll.NewPoller(s, feed.NewClient()).Check(c.Context, newFeed.ID)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to check feed: %v", err), ExitDataError)
		}
		result["check"] = out.String()
		if newFeed, err = s.GetFeed(c.Context, newFeed.ID); err != nil {
			return cli.Exit(fmt.Sprintf("Failed to get feed: %v", err), ExitDataError)
		}
	}
	result["feed"] = newFeed

	return outputJSON(result)
}

// feedView adds human-readable times to a feed listing.
type feedView struct {
	*model.Feed
	Title          string   `json:"title"`
	Labels         []string `json:"labels,omitempty"`
	LastCheckedAgo string   `json:"last_checked_ago,omitempty"`
	NextCheckIn    string   `json:"next_check_in,omitempty"`
}

func listFeeds(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	feeds, err := s.GetAllFeeds(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get feeds: %v", err), ExitDataError)
	}

	user := c.Int64("user")
	views := []feedView{}
	for _, f := range feeds {
		if f.UserID != user {
			continue
		}
		v := feedView{Feed: f, Title: f.DisplayTitle()}
		labels, err := s.FeedLabels(c.Context, f.ID)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to get labels: %v", err), ExitDataError)
		}
		for _, l := range labels {
			v.Labels = append(v.Labels, l.Text)
		}
		if f.LastChecked != nil {
			v.LastCheckedAgo = humanize.Time(*f.LastChecked)
		}
		if f.Enabled() {
			v.NextCheckIn = humanize.Time(*f.NextCheck)
		} else {
			v.NextCheckIn = "disabled"
		}
		views = append(views, v)
	}

	return outputJSON(views)
}

func listArticles(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	q, err := store.BuildArticleQuery(
		c.Int64("feed-id"),
		c.Int("limit"),
		c.Int("offset"),
		c.Bool("unread"),
		c.Bool("fave"),
		c.String("since"),
		time.Now(),
	)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid query options: %v", err), ExitUsageError)
	}

	articles, err := s.Articles(c.Context, q)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get articles: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"count":    len(articles),
		"limit":    q.Limit,
		"offset":   q.Offset,
		"articles": articles,
	})
}

func markRead(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedd mark-read <article-id>...", ExitUsageError)
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	marked := 0
	for _, arg := range c.Args().Slice() {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			continue
		}
		a, err := s.GetArticle(c.Context, id)
		if err != nil || !a.IsUnread() {
			continue
		}
		if err := s.SetArticleFlags(c.Context, id, true, a.Fave); err != nil {
			continue
		}
		marked++
	}

	return outputJSON(map[string]interface{}{
		"marked_read": marked,
	})
}

func removeFeed(c *cli.Context) error {
	feedID, err := parseID(c, "Usage: feedd remove <feed-id>")
	if err != nil {
		return err
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	if err := s.DeleteFeed(c.Context, feedID); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to delete feed: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"feed_id": feedID,
	})
}

func recheckFeed(c *cli.Context) error {
	feedID, err := parseID(c, "Usage: feedd recheck <feed-id>")
	if err != nil {
		return err
	}

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	now := time.Now()
	if err := s.SetNextCheck(c.Context, feedID, &now); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to schedule feed: %v", err), ExitDataError)
	}
	out, err := poll.NewPoller(s, feed.NewClient()).Check(c.Context, feedID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to check feed: %v", err), ExitDataError)
	}
	f, err := s.GetFeed(c.Context, feedID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get feed: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"outcome": out.String(),
		"feed":    f,
	})
}

func importOPML(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedd import <opml-file>", ExitUsageError)
	}

	file, err := os.Open(c.Args().Get(0))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to open OPML file: %v", err), ExitDataError)
	}
	defer file.Close()

	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	res, err := opml.Import(c.Context, s, file, c.Int64("user"), time.Now())
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to import OPML: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"success":  true,
		"imported": res.Added,
		"skipped":  res.Skipped,
		"total":    res.Added + res.Skipped,
	})
}

func exportOPML(c *cli.Context) error {
	s, err := getStore(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer s.Close()

	outputPath := c.String("output")
	var writer io.Writer

	if outputPath == "" {
		writer = os.Stdout
	} else {
		file, err := os.Create(outputPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to create output file: %v", err), ExitDataError)
		}
		defer file.Close()
		writer = file
	}

	if err := opml.Export(c.Context, s, writer, c.Int64("user"), time.Now()); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to generate OPML: %v", err), ExitDataError)
	}

	if outputPath != "" {
		return outputJSON(map[string]interface{}{
			"success": true,
			"file":    outputPath,
		})
	}

	return nil
}
