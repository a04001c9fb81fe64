package store

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id                          INTEGER PRIMARY KEY AUTOINCREMENT,
    email                       TEXT NOT NULL UNIQUE,
    password_hash               TEXT NOT NULL DEFAULT '',
    reddit_client_id            TEXT NOT NULL DEFAULT '',
    reddit_client_secret        TEXT NOT NULL DEFAULT '',
    twitter_api_key             TEXT NOT NULL DEFAULT '',
    twitter_api_secret          TEXT NOT NULL DEFAULT '',
    twitter_access_token        TEXT NOT NULL DEFAULT '',
    twitter_access_token_secret TEXT NOT NULL DEFAULT '',
    anthropic_api_key           TEXT NOT NULL DEFAULT '',
    telegram_chat_id            INTEGER NOT NULL DEFAULT 0,
    topics                      TEXT NOT NULL DEFAULT '[]',
    active                      INTEGER NOT NULL DEFAULT 1,
    created_at                  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tenants_active ON tenants(active);
CREATE INDEX IF NOT EXISTS idx_tenants_chat ON tenants(telegram_chat_id);

CREATE TABLE IF NOT EXISTS source_items (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id      TEXT NOT NULL UNIQUE,
    community        TEXT NOT NULL,
    author           TEXT NOT NULL DEFAULT '',
    title            TEXT NOT NULL,
    body             TEXT NOT NULL DEFAULT '',
    score            INTEGER NOT NULL DEFAULT 0,
    comments         INTEGER NOT NULL DEFAULT 0,
    upvote_ratio     REAL NOT NULL DEFAULT 0,
    url              TEXT NOT NULL DEFAULT '',
    top_replies      TEXT NOT NULL DEFAULT '[]',
    engagement_score REAL NOT NULL DEFAULT 0,
    topic            TEXT NOT NULL,
    captured_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_topic ON source_items(topic);
CREATE INDEX IF NOT EXISTS idx_items_engagement ON source_items(engagement_score DESC);

CREATE TABLE IF NOT EXISTS artifacts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id       INTEGER NOT NULL REFERENCES tenants(id),
    topic           TEXT NOT NULL,
    content         TEXT NOT NULL,
    inspiration_ids TEXT NOT NULL DEFAULT '[]',
    status          TEXT NOT NULL DEFAULT 'pending',
    message_handle  TEXT NOT NULL DEFAULT '',
    created_at      DATETIME NOT NULL,
    approved_at     DATETIME,
    posted_at       DATETIME,
    posted_post_id  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifacts(status);
CREATE INDEX IF NOT EXISTS idx_artifacts_tenant ON artifacts(tenant_id);

CREATE TABLE IF NOT EXISTS run_log (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    run_type            TEXT NOT NULL,
    status              TEXT NOT NULL,
    topics_processed    INTEGER NOT NULL DEFAULT 0,
    items_scraped       INTEGER NOT NULL DEFAULT 0,
    artifacts_generated INTEGER NOT NULL DEFAULT 0,
    posts_published     INTEGER NOT NULL DEFAULT 0,
    error_text          TEXT NOT NULL DEFAULT '',
    started_at          DATETIME NOT NULL,
    finished_at         DATETIME NOT NULL
);
`
