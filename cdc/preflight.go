package cdc

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"

	"github.com/ripel-io/ripel/resilience"
)

// ServerInfo is what preflight learned about the source
type ServerInfo struct {
	Version      string
	MariaDB      bool
	LogBin       bool
	BinlogFormat string
	RowImage     string
	GTIDMode     string
}

// Preflight verifies that the source can serve row-based replication and
// resolves where to start.
type Preflight struct {
	db *sql.DB
}

// NewPreflight creates a checker over an open connection pool
func NewPreflight(db *sql.DB) *Preflight {
	return &Preflight{db: db}
}

// Check reads server variables and rejects configurations the reader cannot
// consume. Rejections are fatal; connection problems are transient.
func (p *Preflight) Check(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo

	query, _, err := mysqlDialect.Select(
		goqu.L("@@GLOBAL.version"),
		goqu.L("@@GLOBAL.log_bin"),
		goqu.L("@@GLOBAL.binlog_format"),
		goqu.L("@@GLOBAL.binlog_row_image"),
	).ToSQL()
	if err != nil {
		return info, err
	}

	var logBin string
	if err := p.db.QueryRowContext(ctx, query).Scan(&info.Version, &logBin, &info.BinlogFormat, &info.RowImage); err != nil {
		return info, classifyError("preflight", err)
	}
	info.LogBin = logBin == "1" || strings.EqualFold(logBin, "ON")
	info.MariaDB = strings.Contains(strings.ToLower(info.Version), "mariadb")

	// gtid_mode does not exist on MariaDB or before 5.6
	var gtidMode sql.NullString
	if err := p.db.QueryRowContext(ctx, "SELECT @@GLOBAL.gtid_mode").Scan(&gtidMode); err == nil {
		info.GTIDMode = gtidMode.String
	}

	if err := info.validate(); err != nil {
		return info, resilience.NewFatal("preflight", err)
	}

	log.Info().
		Str("version", info.Version).
		Str("binlog_format", info.BinlogFormat).
		Str("row_image", info.RowImage).
		Str("gtid_mode", info.GTIDMode).
		Msg("Source preflight passed")
	return info, nil
}

func (i ServerInfo) validate() error {
	if !i.LogBin {
		return fmt.Errorf("%w: binary logging is disabled", ErrUnsupportedSource)
	}
	if !strings.EqualFold(i.BinlogFormat, "ROW") {
		return fmt.Errorf("%w: binlog_format is %s, ROW is required", ErrUnsupportedSource, i.BinlogFormat)
	}
	major, minor, err := parseVersion(i.Version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}
	if i.MariaDB {
		if major < 10 {
			return fmt.Errorf("%w: MariaDB %s is older than 10.0", ErrUnsupportedSource, i.Version)
		}
		return nil
	}
	if major < 5 || (major == 5 && minor < 7) {
		return fmt.Errorf("%w: MySQL %s is older than 5.7", ErrUnsupportedSource, i.Version)
	}
	if i.RowImage != "" && !strings.EqualFold(i.RowImage, "FULL") {
		log.Warn().Str("binlog_row_image", i.RowImage).Msg("Row images are not FULL, before and after images will be partial")
	}
	return nil
}

func parseVersion(v string) (int, int, error) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unparseable server version %q", v)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("unparseable server version %q", v)
	}
	minorDigits := strings.TrimRightFunc(parts[1], func(r rune) bool { return r < '0' || r > '9' })
	minor, err := strconv.Atoi(minorDigits)
	if err != nil {
		return 0, 0, fmt.Errorf("unparseable server version %q", v)
	}
	return major, minor, nil
}

// CurrentPosition returns the source's current binlog coordinates
func (p *Preflight) CurrentPosition(ctx context.Context) (Position, error) {
	pos, err := p.queryStatus(ctx, "SHOW BINARY LOG STATUS")
	if err == nil {
		return pos, nil
	}
	// Servers before 8.2 only know the old statement
	return p.queryStatus(ctx, "SHOW MASTER STATUS")
}

func (p *Preflight) queryStatus(ctx context.Context, stmt string) (Position, error) {
	rows, err := p.db.QueryContext(ctx, stmt)
	if err != nil {
		return Position{}, classifyError("binlog status", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Position{}, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Position{}, classifyError("binlog status", err)
		}
		return Position{}, resilience.NewFatal("binlog status", fmt.Errorf("%w: binary logging is disabled", ErrUnsupportedSource))
	}

	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return Position{}, err
	}

	var pos Position
	for i, c := range cols {
		switch strings.ToLower(c) {
		case "file":
			pos.File = values[i].String
		case "position":
			off, err := strconv.ParseUint(values[i].String, 10, 32)
			if err != nil {
				return Position{}, fmt.Errorf("invalid binlog position %q: %w", values[i].String, err)
			}
			pos.Offset = uint32(off)
		case "executed_gtid_set":
			pos.GTIDSet = strings.ReplaceAll(values[i].String, "\n", "")
		}
	}
	return pos, nil
}

// VerifyRetention fails fatally when the position's binlog file has been
// purged from the source.
func (p *Preflight) VerifyRetention(ctx context.Context, pos Position) error {
	if pos.File == "" {
		return nil
	}
	rows, err := p.db.QueryContext(ctx, "SHOW BINARY LOGS")
	if err != nil {
		return classifyError("list binary logs", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	var files []string
	for rows.Next() {
		dest := make([]any, len(cols))
		var name string
		dest[0] = &name
		for i := 1; i < len(cols); i++ {
			dest[i] = new(sql.RawBytes)
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		files = append(files, name)
	}
	if err := rows.Err(); err != nil {
		return classifyError("list binary logs", err)
	}

	for _, f := range files {
		if f == pos.File {
			return nil
		}
	}
	return resilience.NewFatal("verify retention",
		fmt.Errorf("%w: %s is not among %d retained binary logs", ErrPositionUnavailable, pos.File, len(files)))
}
