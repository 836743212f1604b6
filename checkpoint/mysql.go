package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"github.com/ripel-io/ripel/cdc"
)

var dialect = goqu.Dialect("mysql")

// MySQLStore keeps checkpoints in a metadata table on a MySQL server, one
// row per reader.
type MySQLStore struct {
	db       *sql.DB
	table    string
	readerID string
	owned    bool
}

// OpenMySQLStore connects to dsn and creates the metadata table if needed
func OpenMySQLStore(ctx context.Context, dsn, table, readerID string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	s := NewMySQLStore(db, table, readerID)
	s.owned = true
	if err := s.EnsureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLStore uses an existing connection pool
func NewMySQLStore(db *sql.DB, table, readerID string) *MySQLStore {
	return &MySQLStore{db: db, table: table, readerID: readerID}
}

// EnsureTable creates the metadata table
func (s *MySQLStore) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.createTableSQL()); err != nil {
		return fmt.Errorf("failed to create checkpoint table %s: %w", s.table, err)
	}
	log.Debug().Str("table", s.table).Msg("Checkpoint table ready")
	return nil
}

func (s *MySQLStore) createTableSQL() string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
		"`reader_id` VARCHAR(191) NOT NULL PRIMARY KEY, "+
		"`file` VARCHAR(255) NOT NULL, "+
		"`offset` INT UNSIGNED NOT NULL, "+
		"`gtid_set` TEXT NULL, "+
		"`saved_at` DATETIME(6) NOT NULL"+
		") ENGINE=InnoDB", s.table)
}

func (s *MySQLStore) loadSQL() (string, []any, error) {
	return dialect.From(s.table).
		Select("file", "offset", "gtid_set").
		Where(goqu.Ex{"reader_id": s.readerID}).
		Prepared(true).
		ToSQL()
}

func (s *MySQLStore) saveSQL(pos cdc.Position, now time.Time) (string, []any, error) {
	row := goqu.Record{
		"file":     pos.File,
		"offset":   pos.Offset,
		"gtid_set": pos.GTIDSet,
		"saved_at": now,
	}
	insert := goqu.Record{"reader_id": s.readerID}
	for k, v := range row {
		insert[k] = v
	}
	return dialect.Insert(s.table).
		Rows(insert).
		OnConflict(goqu.DoUpdate("reader_id", row)).
		Prepared(true).
		ToSQL()
}

func (s *MySQLStore) Load(ctx context.Context) (cdc.Position, bool, error) {
	query, args, err := s.loadSQL()
	if err != nil {
		return cdc.Position{}, false, err
	}

	var pos cdc.Position
	var gtid sql.NullString
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&pos.File, &pos.Offset, &gtid)
	if errors.Is(err, sql.ErrNoRows) {
		return cdc.Position{}, false, nil
	}
	if err != nil {
		return cdc.Position{}, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	pos.GTIDSet = gtid.String
	return pos, true, nil
}

func (s *MySQLStore) Save(ctx context.Context, pos cdc.Position) error {
	if pos.IsZero() {
		return fmt.Errorf("refusing to save empty position")
	}
	query, args, err := s.saveSQL(pos, time.Now().UTC())
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *MySQLStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
