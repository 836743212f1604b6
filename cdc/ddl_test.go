package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTransactionControl(t *testing.T) {
	c, _ := classifyQuery("shop", "BEGIN")
	assert.Equal(t, queryBegin, c)
	c, _ = classifyQuery("shop", "COMMIT")
	assert.Equal(t, queryCommit, c)
	c, _ = classifyQuery("shop", "ROLLBACK")
	assert.Equal(t, queryRollback, c)
	c, _ = classifyQuery("shop", "XA START 'x1'")
	assert.Equal(t, queryXA, c)
	c, _ = classifyQuery("shop", "SAVEPOINT sp1")
	assert.Equal(t, queryOther, c)
}

func TestParseXA(t *testing.T) {
	tests := []struct {
		query string
		verb  xaVerb
		xid   string
	}{
		{"XA START X'7831',X'',1", xaStart, "X'7831',X'',1"},
		{"XA BEGIN 'x1'", xaStart, "'x1'"},
		{"XA END X'7831',X'',1", xaEnd, "X'7831',X'',1"},
		{"XA PREPARE X'7831',X'',1", xaPrepare, "X'7831',X'',1"},
		{"xa commit X'7831', X'', 1", xaCommit, "X'7831',X'',1"},
		{"XA COMMIT 'x1' ONE PHASE", xaCommit, "'x1'"},
		{"XA ROLLBACK X'7831',X'',1", xaRollback, "X'7831',X'',1"},
		{"XA RECOVER", xaOther, ""},
		{"XA", xaOther, ""},
		{"BEGIN", xaOther, ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			verb, xid := parseXA(tt.query)
			assert.Equal(t, tt.verb, verb)
			assert.Equal(t, tt.xid, xid)
		})
	}
}

func TestClassifyDDL(t *testing.T) {
	c, refs := classifyQuery("shop", "ALTER TABLE orders ADD COLUMN note varchar(20)")
	assert.Equal(t, queryDDL, c)
	assert.Equal(t, []TableRef{{Database: "shop", Table: "orders"}}, refs)

	c, refs = classifyQuery("shop", "/* migration 42 */ DROP TABLE billing.invoices")
	assert.Equal(t, queryDDL, c)
	assert.Equal(t, []TableRef{{Database: "billing", Table: "invoices"}}, refs)

	c, refs = classifyQuery("", "CREATE DATABASE analytics")
	assert.Equal(t, queryDDL, c)
	assert.Equal(t, []TableRef{{Database: "analytics"}}, refs)

	c, refs = classifyQuery("shop", "CREATE TABLE orders_v2 (id int primary key) SOME_UNKNOWN_OPTION=1")
	assert.Equal(t, queryDDL, c)
	assert.NotEmpty(t, refs)
	assert.Equal(t, "shop", refs[0].Database)
}

func TestClassifyOtherStatements(t *testing.T) {
	c, refs := classifyQuery("shop", "INSERT INTO orders VALUES (1)")
	assert.Equal(t, queryOther, c)
	assert.Nil(t, refs)
	c, _ = classifyQuery("shop", "# comment only")
	assert.Equal(t, queryOther, c)
}

func TestLeadingKeyword(t *testing.T) {
	assert.Equal(t, "ALTER", leadingKeyword("  -- note\n alter table x"))
	assert.Equal(t, "BEGIN", leadingKeyword("BEGIN;"))
	assert.Equal(t, "", leadingKeyword("/* unterminated"))
}
