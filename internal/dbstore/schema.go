package dbstore

// schemaDDL is the canonical relational schema from spec §6, kept here for
// reference and for test bootstrapping; schema installation itself is an
// out-of-scope collaborator (spec §1), so gitgres never runs this DDL as
// part of normal operation — only test setup (newTestDriver in refs_test.go,
// and Driver.Bootstrap) applies it against an ephemeral database.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS repositories (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT UNIQUE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS objects (
	repo_id BIGINT NOT NULL REFERENCES repositories(id),
	oid     BYTEA NOT NULL,
	type    SMALLINT NOT NULL CHECK (type BETWEEN 1 AND 4),
	size    INTEGER NOT NULL,
	content BYTEA NOT NULL,
	PRIMARY KEY (repo_id, oid)
);
CREATE INDEX IF NOT EXISTS objects_oid_idx ON objects (oid);

CREATE TABLE IF NOT EXISTS refs (
	repo_id  BIGINT NOT NULL REFERENCES repositories(id),
	name     TEXT NOT NULL,
	oid      BYTEA,
	symbolic TEXT,
	PRIMARY KEY (repo_id, name),
	CHECK ((oid IS NULL) <> (symbolic IS NULL))
);

CREATE TABLE IF NOT EXISTS reflog (
	id          BIGSERIAL PRIMARY KEY,
	repo_id     BIGINT NOT NULL REFERENCES repositories(id),
	ref_name    TEXT NOT NULL,
	old_oid     BYTEA,
	new_oid     BYTEA,
	committer   TEXT NOT NULL,
	timestamp_s BIGINT NOT NULL,
	tz_offset   TEXT NOT NULL,
	message     TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS reflog_repo_ref_id_idx ON reflog (repo_id, ref_name, id);
`
