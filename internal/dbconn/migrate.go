package dbconn

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the DDL for the four tables the storage engine issues SQL
// against. It is the source of truth for what QueryGenerateGid,
// QueryAddEdge, and the rest of the statements in queries.go expect to
// exist, applied by the edgestored CLI's migrate subcommand.
const Schema = `
CREATE TABLE IF NOT EXISTS colo (
	colo    INT UNSIGNED NOT NULL,
	counter BIGINT NOT NULL,
	PRIMARY KEY (colo)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS edgemeta (
	edgetype INT NOT NULL,
	gid1     BIGINT UNSIGNED NOT NULL,
	revision BIGINT NOT NULL,
	count    BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (edgetype, gid1)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS edgedata (
	edgetype INT NOT NULL,
	gid1     BIGINT UNSIGNED NOT NULL,
	gid2     BIGINT UNSIGNED NOT NULL,
	revision BIGINT NOT NULL,
	encoding INT NOT NULL,
	data     MEDIUMBLOB,
	PRIMARY KEY (edgetype, gid1, gid2)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS edgeindex (
	indextype  INT NOT NULL,
	indexvalue VARBINARY(255) NOT NULL,
	gid1       BIGINT UNSIGNED NOT NULL,
	revision   BIGINT NOT NULL,
	KEY idx_value (indextype, indexvalue),
	KEY idx_revision (indextype, gid1, revision)
) ENGINE=InnoDB;
`

// Migrate applies Schema to the database at host/dbname, using a bare
// database/sql connection rather than going through Opener: the schema
// only needs to exist once, before any Shard is constructed against it, so
// it doesn't participate in the per-shard connection cache router.Router
// maintains.
func Migrate(ctx context.Context, host, dbname string) error {
	dsn := fmt.Sprintf("%s/%s?parseTime=true&interpolateParams=true&multiStatements=true", host, dbname)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("dbconn: migrate: open %s: %w", host, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("dbconn: migrate: %s: %w", host, err)
	}
	return nil
}
