package cdc

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Stream yields decoded records in binlog order
type Stream interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Source opens replication streams at a position
type Source interface {
	Open(ctx context.Context, from Position) (Stream, error)
}

// BinlogConfig describes how to register as a replica
type BinlogConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Flavor          string
	ServerID        uint32
	HeartbeatPeriod time.Duration
	ReadTimeout     time.Duration

	// Columns names row values when the source does not log column metadata
	Columns ColumnResolver
	// Skip short-circuits decoding for tables that will be filtered anyway
	Skip func(database, table string) bool
}

// BinlogSource streams row-based binlog events from a MySQL or MariaDB server
type BinlogSource struct {
	cfg BinlogConfig
}

// NewBinlogSource creates a source for cfg
func NewBinlogSource(cfg BinlogConfig) *BinlogSource {
	if cfg.Flavor == "" {
		cfg.Flavor = gomysql.MySQLFlavor
	}
	return &BinlogSource{cfg: cfg}
}

// Open registers as a replica and starts streaming from the position. A GTID
// set takes precedence over the file position.
func (s *BinlogSource) Open(ctx context.Context, from Position) (Stream, error) {
	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:         s.cfg.ServerID,
		Flavor:           s.cfg.Flavor,
		Host:             s.cfg.Host,
		Port:             uint16(s.cfg.Port),
		User:             s.cfg.User,
		Password:         s.cfg.Password,
		HeartbeatPeriod:  s.cfg.HeartbeatPeriod,
		ReadTimeout:      s.cfg.ReadTimeout,
		DisableRetrySync: true,
	})

	var (
		streamer *replication.BinlogStreamer
		err      error
	)
	if from.GTIDSet != "" {
		gset, perr := gomysql.ParseGTIDSet(s.cfg.Flavor, from.GTIDSet)
		if perr != nil {
			syncer.Close()
			return nil, &FatalError{Err: fmt.Errorf("invalid gtid set %q: %w", from.GTIDSet, perr), LastCheckpoint: from}
		}
		streamer, err = syncer.StartSyncGTID(gset)
	} else {
		streamer, err = syncer.StartSync(gomysql.Position{Name: from.File, Pos: from.Offset})
	}
	if err != nil {
		syncer.Close()
		return nil, classifyError("start replication", err)
	}

	log.Info().
		Str("host", s.cfg.Host).
		Uint32("server_id", s.cfg.ServerID).
		Str("position", from.String()).
		Msg("Replication stream opened")

	return &binlogStream{
		cfg:      s.cfg,
		syncer:   syncer,
		streamer: streamer,
		file:     from.File,
		gtidSet:  from.GTIDSet,
	}, nil
}

// MariaDB GTID event flags. A standalone event is not followed by a
// transaction body (DDL); the XA flags mark the prepare and completion
// groups of an XA transaction, which are delimited by XA statements.
const (
	mariadbStandalone  = 0x01
	mariadbPreparedXA  = 0x40
	mariadbCompletedXA = 0x80
	mariadbXA          = mariadbPreparedXA | mariadbCompletedXA
)

type binlogStream struct {
	cfg      BinlogConfig
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer

	file     string
	gtidSet  string
	nextGTID string
	txID     string
	queue    []Record
}

func (s *binlogStream) Next(ctx context.Context) (Record, error) {
	for len(s.queue) == 0 {
		ev, err := s.streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Record{}, ctx.Err()
			}
			return Record{}, classifyError("read binlog", err)
		}
		s.translate(ctx, ev)
	}
	rec := s.queue[0]
	s.queue[0] = Record{}
	s.queue = s.queue[1:]
	return rec, nil
}

func (s *binlogStream) Close() error {
	s.syncer.Close()
	return nil
}

func (s *binlogStream) position(h *replication.EventHeader) Position {
	return Position{File: s.file, Offset: h.LogPos, GTIDSet: s.gtidSet}
}

func (s *binlogStream) push(r Record) {
	s.queue = append(s.queue, r)
}

func (s *binlogStream) translate(ctx context.Context, ev *replication.BinlogEvent) {
	h := ev.Header
	ts := time.Unix(int64(h.Timestamp), 0)

	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		s.file = string(e.NextLogName)
		s.push(Record{Kind: Rotate, Position: Position{File: s.file, Offset: uint32(e.Position), GTIDSet: s.gtidSet}, Timestamp: ts})

	case *replication.GTIDEvent:
		if sid, err := uuid.FromBytes(e.SID); err == nil {
			s.nextGTID = fmt.Sprintf("%s:%d", sid, e.GNO)
		}

	case *replication.MariadbGTIDEvent:
		s.nextGTID = e.GTID.String()
		if e.Flags&(mariadbStandalone|mariadbXA) == 0 {
			s.begin(h, ts)
		}

	case *replication.QueryEvent:
		class, refs := classifyQuery(string(e.Schema), string(e.Query))
		switch class {
		case queryBegin:
			if s.txID == "" {
				s.begin(h, ts)
			}
		case queryCommit:
			s.updateGTID(e.GSet)
			s.commit(h, ts)
		case queryRollback:
			s.push(Record{Kind: TxRollback, TxID: s.txID, Position: s.position(h), Timestamp: ts})
			s.txID = ""
		case queryDDL:
			s.updateGTID(e.GSet)
			s.push(Record{
				Kind:      DDL,
				TxID:      s.takeGTID(),
				Database:  string(e.Schema),
				Position:  s.position(h),
				Timestamp: ts,
				Query:     string(e.Query),
				Tables:    refs,
			})
			s.txID = ""
		case queryXA:
			s.updateGTID(e.GSet)
			s.xa(h, ts, string(e.Query))
		}

	case *replication.XIDEvent:
		s.updateGTID(e.GSet)
		s.commit(h, ts)

	case *replication.RowsEvent:
		s.rows(ctx, h, ts, e)

	default:
		switch h.EventType {
		case replication.HEARTBEAT_EVENT, replication.HEARTBEAT_LOG_EVENT_V2:
			s.push(Record{Kind: Heartbeat, Position: s.position(h), Timestamp: ts})
		case replication.XA_PREPARE_LOG_EVENT:
			s.xaPrepared(h, ts, ev.Event)
		}
	}
}

// xaTxID keys the rows of an XA branch so the later XA COMMIT or XA ROLLBACK
// finds them after other transactions have interleaved.
func xaTxID(xid string) string {
	return "xa:" + xid
}

// xa handles XA statements. A branch is buffered from XA START until its
// prepare and emitted only on XA COMMIT; XA ROLLBACK discards it.
func (s *binlogStream) xa(h *replication.EventHeader, ts time.Time, query string) {
	verb, xid := parseXA(query)
	switch verb {
	case xaStart:
		s.takeGTID()
		s.txID = xaTxID(xid)
		s.push(Record{Kind: TxBegin, TxID: s.txID, Position: s.position(h), Timestamp: ts})
	case xaPrepare:
		s.txID = ""
	case xaCommit:
		s.takeGTID()
		s.txID = xaTxID(xid)
		s.commit(h, ts)
	case xaRollback:
		s.takeGTID()
		s.push(Record{Kind: TxRollback, TxID: xaTxID(xid), Position: s.position(h), Timestamp: ts})
		s.txID = ""
	}
}

// xaPrepared closes the current XA branch at an XA_PREPARE_LOG_EVENT. The
// first payload byte is the one-phase flag; a one-phase prepare is the commit.
func (s *binlogStream) xaPrepared(h *replication.EventHeader, ts time.Time, e replication.Event) {
	if g, ok := e.(*replication.GenericEvent); ok && len(g.Data) > 0 && g.Data[0] != 0 {
		s.commit(h, ts)
		return
	}
	s.txID = ""
}

func (s *binlogStream) begin(h *replication.EventHeader, ts time.Time) {
	s.txID = s.takeGTID()
	if s.txID == "" {
		s.txID = fmt.Sprintf("%s:%d", s.file, h.LogPos-h.EventSize)
	}
	s.push(Record{Kind: TxBegin, TxID: s.txID, Position: s.position(h), Timestamp: ts})
}

func (s *binlogStream) commit(h *replication.EventHeader, ts time.Time) {
	s.push(Record{Kind: TxCommit, TxID: s.txID, Position: s.position(h), Timestamp: ts})
	s.txID = ""
}

func (s *binlogStream) takeGTID() string {
	g := s.nextGTID
	s.nextGTID = ""
	return g
}

func (s *binlogStream) updateGTID(gset gomysql.GTIDSet) {
	if gset != nil {
		s.gtidSet = gset.String()
	}
}

func (s *binlogStream) rows(ctx context.Context, h *replication.EventHeader, ts time.Time, e *replication.RowsEvent) {
	if e.Table == nil {
		return
	}
	db, table := string(e.Table.Schema), string(e.Table.Table)
	if s.cfg.Skip != nil && s.cfg.Skip(db, table) {
		return
	}

	var kind RecordKind
	switch h.EventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2,
		replication.MARIADB_WRITE_ROWS_COMPRESSED_EVENT_V1:
		kind = RowInsert
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2,
		replication.MARIADB_UPDATE_ROWS_COMPRESSED_EVENT_V1:
		kind = RowUpdate
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2,
		replication.MARIADB_DELETE_ROWS_COMPRESSED_EVENT_V1:
		kind = RowDelete
	default:
		return
	}

	columns := s.columns(ctx, e, db, table)
	pos := s.position(h)

	if kind == RowUpdate {
		for i := 0; i+1 < len(e.Rows); i += 2 {
			s.push(Record{
				Kind: kind, TxID: s.txID, Database: db, Table: table, Columns: columns,
				Before: normalizeRow(e.Rows[i]), After: normalizeRow(e.Rows[i+1]),
				Position: pos, Timestamp: ts,
			})
		}
		return
	}
	for _, row := range e.Rows {
		rec := Record{Kind: kind, TxID: s.txID, Database: db, Table: table, Columns: columns, Position: pos, Timestamp: ts}
		if kind == RowInsert {
			rec.After = normalizeRow(row)
		} else {
			rec.Before = normalizeRow(row)
		}
		s.push(rec)
	}
}

func (s *binlogStream) columns(ctx context.Context, e *replication.RowsEvent, db, table string) []string {
	if names := e.Table.ColumnNameString(); len(names) > 0 {
		return names
	}
	if s.cfg.Columns == nil {
		return nil
	}
	names, err := s.cfg.Columns.Columns(ctx, db, table)
	if err != nil {
		log.Warn().Err(err).Str("database", db).Str("table", table).Msg("Failed to resolve column names")
		return nil
	}
	if int(e.Table.ColumnCount) != len(names) {
		log.Warn().
			Str("database", db).
			Str("table", table).
			Uint64("logged", e.Table.ColumnCount).
			Int("resolved", len(names)).
			Msg("Column count mismatch between binlog and schema")
	}
	return names
}

// normalizeRow converts text values delivered as bytes into strings
func normalizeRow(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		if b, ok := v.([]byte); ok && utf8.Valid(b) {
			out[i] = string(b)
			continue
		}
		out[i] = v
	}
	return out
}
