package cdc

import (
	"strings"

	"vitess.io/vitess/go/vt/sqlparser"
)

// queryClass is what a QUERY_EVENT means for transaction assembly
type queryClass uint8

const (
	queryOther queryClass = iota
	queryBegin
	queryCommit
	queryRollback
	queryDDL
	queryXA
)

// xaVerb is the statement carried by an XA query event
type xaVerb uint8

const (
	xaOther xaVerb = iota
	xaStart
	xaEnd
	xaPrepare
	xaCommit
	xaRollback
)

var ddlParser *sqlparser.Parser

func init() {
	var err error
	ddlParser, err = sqlparser.New(sqlparser.Options{})
	if err != nil {
		panic("failed to initialize SQL parser: " + err.Error())
	}
}

// classifyQuery inspects a statement logged in a QUERY_EVENT. For DDL it
// returns the affected tables; an empty table name invalidates the whole
// database.
func classifyQuery(defaultDB, query string) (queryClass, []TableRef) {
	head := leadingKeyword(query)
	switch head {
	case "BEGIN":
		return queryBegin, nil
	case "XA":
		return queryXA, nil
	case "COMMIT":
		return queryCommit, nil
	case "ROLLBACK":
		return queryRollback, nil
	case "CREATE", "ALTER", "DROP", "RENAME", "TRUNCATE":
	default:
		return queryOther, nil
	}

	stmt, err := ddlParser.Parse(query)
	if err != nil {
		// Statements the parser does not know about still end the transaction
		// and may change any table in the schema.
		return queryDDL, []TableRef{{Database: defaultDB}}
	}

	switch s := stmt.(type) {
	case sqlparser.DDLStatement:
		var refs []TableRef
		for _, t := range s.AffectedTables() {
			db := t.Qualifier.String()
			if db == "" {
				db = defaultDB
			}
			refs = append(refs, TableRef{Database: db, Table: t.Name.String()})
		}
		if len(refs) == 0 {
			refs = []TableRef{{Database: defaultDB}}
		}
		return queryDDL, refs
	case *sqlparser.CreateDatabase:
		return queryDDL, []TableRef{{Database: s.DBName.String()}}
	case *sqlparser.DropDatabase:
		return queryDDL, []TableRef{{Database: s.DBName.String()}}
	case *sqlparser.AlterDatabase:
		return queryDDL, []TableRef{{Database: s.DBName.String()}}
	}
	return queryDDL, []TableRef{{Database: defaultDB}}
}

// xaTrailing are the option keywords that may follow the xid
var xaTrailing = map[string]bool{
	"ONE": true, "PHASE": true, "JOIN": true, "RESUME": true,
	"SUSPEND": true, "FOR": true, "MIGRATE": true,
}

// parseXA returns the verb of an XA statement and its xid with whitespace
// removed, so START and COMMIT of one branch yield the same xid.
func parseXA(query string) (xaVerb, string) {
	fields := strings.Fields(strings.TrimSpace(query))
	if len(fields) < 2 || !strings.EqualFold(fields[0], "XA") {
		return xaOther, ""
	}

	args := fields[2:]
	for len(args) > 0 && xaTrailing[strings.ToUpper(args[len(args)-1])] {
		args = args[:len(args)-1]
	}
	xid := strings.Join(args, "")

	switch strings.ToUpper(fields[1]) {
	case "START", "BEGIN":
		return xaStart, xid
	case "END":
		return xaEnd, xid
	case "PREPARE":
		return xaPrepare, xid
	case "COMMIT":
		return xaCommit, xid
	case "ROLLBACK":
		return xaRollback, xid
	}
	return xaOther, xid
}

// leadingKeyword returns the first keyword of a statement, skipping
// comments and whitespace
func leadingKeyword(query string) string {
	q := strings.TrimSpace(query)
	for {
		switch {
		case strings.HasPrefix(q, "/*"):
			end := strings.Index(q, "*/")
			if end < 0 {
				return ""
			}
			q = strings.TrimSpace(q[end+2:])
		case strings.HasPrefix(q, "--"), strings.HasPrefix(q, "#"):
			end := strings.IndexByte(q, '\n')
			if end < 0 {
				return ""
			}
			q = strings.TrimSpace(q[end+1:])
		default:
			end := strings.IndexFunc(q, func(r rune) bool {
				return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ';' || r == '('
			})
			if end < 0 {
				end = len(q)
			}
			return strings.ToUpper(q[:end])
		}
	}
}
