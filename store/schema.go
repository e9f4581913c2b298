package store

// Timestamps are Unix seconds. The article counters on feeds are owned by the
// triggers below; application code never writes them.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS feeds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL DEFAULT 1,
	url TEXT NOT NULL,
	site_url TEXT NOT NULL DEFAULT '',
	feed_title TEXT NOT NULL DEFAULT '',
	user_title TEXT NOT NULL DEFAULT '',
	next_check INTEGER,
	last_checked INTEGER,
	last_changed INTEGER,
	error TEXT NOT NULL DEFAULT '',
	etag TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	digest BLOB,
	all_count INTEGER NOT NULL DEFAULT 0 CHECK (all_count >= 0),
	unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
	fave_count INTEGER NOT NULL DEFAULT 0 CHECK (fave_count >= 0),
	UNIQUE(user_id, url)
);

CREATE TABLE IF NOT EXISTS articles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
	read INTEGER NOT NULL DEFAULT 0,
	fave INTEGER NOT NULL DEFAULT 0,
	author TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	guid TEXT NOT NULL DEFAULT '',
	date INTEGER NOT NULL,
	raw_title TEXT NOT NULL DEFAULT '',
	raw_content TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	content_snippet TEXT NOT NULL DEFAULT '',
	content_rev INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS labels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	text TEXT NOT NULL,
	UNIQUE(user_id, text)
);

CREATE TABLE IF NOT EXISTS feed_labels (
	feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
	label_id INTEGER NOT NULL REFERENCES labels(id) ON DELETE CASCADE,
	PRIMARY KEY (feed_id, label_id)
);

CREATE INDEX IF NOT EXISTS idx_feeds_next_check ON feeds(next_check);
CREATE INDEX IF NOT EXISTS idx_articles_feed_guid ON articles(feed_id, guid);
CREATE INDEX IF NOT EXISTS idx_articles_feed_url ON articles(feed_id, url);
CREATE INDEX IF NOT EXISTS idx_articles_feed_date ON articles(feed_id, date DESC);

CREATE TRIGGER IF NOT EXISTS articles_counts_insert AFTER INSERT ON articles
BEGIN
	UPDATE feeds SET
		all_count = all_count + 1,
		unread_count = unread_count + (1 - NEW.read),
		fave_count = fave_count + NEW.fave
	WHERE id = NEW.feed_id;
END;

CREATE TRIGGER IF NOT EXISTS articles_counts_delete AFTER DELETE ON articles
BEGIN
	UPDATE feeds SET
		all_count = all_count - 1,
		unread_count = unread_count - (1 - OLD.read),
		fave_count = fave_count - OLD.fave
	WHERE id = OLD.feed_id;
END;

CREATE TRIGGER IF NOT EXISTS articles_counts_update AFTER UPDATE OF read, fave ON articles
BEGIN
	UPDATE feeds SET
		unread_count = unread_count + OLD.read - NEW.read,
		fave_count = fave_count + NEW.fave - OLD.fave
	WHERE id = NEW.feed_id;
END;
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS feeds (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL DEFAULT 1,
	url TEXT NOT NULL,
	site_url TEXT NOT NULL DEFAULT '',
	feed_title TEXT NOT NULL DEFAULT '',
	user_title TEXT NOT NULL DEFAULT '',
	next_check BIGINT,
	last_checked BIGINT,
	last_changed BIGINT,
	error TEXT NOT NULL DEFAULT '',
	etag TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	digest BYTEA,
	all_count BIGINT NOT NULL DEFAULT 0 CHECK (all_count >= 0),
	unread_count BIGINT NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
	fave_count BIGINT NOT NULL DEFAULT 0 CHECK (fave_count >= 0),
	UNIQUE(user_id, url)
);

CREATE TABLE IF NOT EXISTS articles (
	id BIGSERIAL PRIMARY KEY,
	feed_id BIGINT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
	read BOOLEAN NOT NULL DEFAULT FALSE,
	fave BOOLEAN NOT NULL DEFAULT FALSE,
	author TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	guid TEXT NOT NULL DEFAULT '',
	date BIGINT NOT NULL,
	raw_title TEXT NOT NULL DEFAULT '',
	raw_content TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	content_snippet TEXT NOT NULL DEFAULT '',
	content_rev INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS labels (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	text TEXT NOT NULL,
	UNIQUE(user_id, text)
);

CREATE TABLE IF NOT EXISTS feed_labels (
	feed_id BIGINT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
	label_id BIGINT NOT NULL REFERENCES labels(id) ON DELETE CASCADE,
	PRIMARY KEY (feed_id, label_id)
);

CREATE INDEX IF NOT EXISTS idx_feeds_next_check ON feeds(next_check);
CREATE INDEX IF NOT EXISTS idx_articles_feed_guid ON articles(feed_id, guid);
CREATE INDEX IF NOT EXISTS idx_articles_feed_url ON articles(feed_id, url);
CREATE INDEX IF NOT EXISTS idx_articles_feed_date ON articles(feed_id, date DESC);

CREATE OR REPLACE FUNCTION feedd_article_counts() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'INSERT' THEN
		UPDATE feeds SET
			all_count = all_count + 1,
			unread_count = unread_count + CASE WHEN NEW.read THEN 0 ELSE 1 END,
			fave_count = fave_count + CASE WHEN NEW.fave THEN 1 ELSE 0 END
		WHERE id = NEW.feed_id;
	ELSIF TG_OP = 'DELETE' THEN
		UPDATE feeds SET
			all_count = all_count - 1,
			unread_count = unread_count - CASE WHEN OLD.read THEN 0 ELSE 1 END,
			fave_count = fave_count - CASE WHEN OLD.fave THEN 1 ELSE 0 END
		WHERE id = OLD.feed_id;
	ELSE
		UPDATE feeds SET
			unread_count = unread_count
				+ CASE WHEN OLD.read THEN 1 ELSE 0 END
				- CASE WHEN NEW.read THEN 1 ELSE 0 END,
			fave_count = fave_count
				+ CASE WHEN NEW.fave THEN 1 ELSE 0 END
				- CASE WHEN OLD.fave THEN 1 ELSE 0 END
		WHERE id = NEW.feed_id;
	END IF;
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS articles_counts ON articles;
CREATE TRIGGER articles_counts
	AFTER INSERT OR DELETE OR UPDATE OF read, fave ON articles
	FOR EACH ROW EXECUTE FUNCTION feedd_article_counts();
`
