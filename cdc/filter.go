package cdc

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/ripel-io/ripel/cfg"
	"github.com/ripel-io/ripel/event"
)

// Filter decides which row changes are captured and how their images are
// projected. Exclusions always win over inclusions; empty include lists match
// everything.
type Filter struct {
	includeDatabases []glob.Glob
	excludeDatabases []glob.Glob
	includeTables    []tablePattern
	excludeTables    []tablePattern

	operations    map[event.Operation]bool
	captureBefore bool
	rules         map[string]*tableRule
}

// tablePattern matches bare table names, or db.table when the pattern is
// qualified.
type tablePattern struct {
	glob      glob.Glob
	qualified bool
}

type tableRule struct {
	include       map[string]bool
	exclude       map[string]bool
	eventType     string
	captureBefore bool
}

// NewFilter compiles the filter configuration
func NewFilter(c cfg.FilterConfiguration) (*Filter, error) {
	f := &Filter{
		operations:    make(map[event.Operation]bool),
		captureBefore: c.CaptureBefore,
		rules:         make(map[string]*tableRule),
	}

	var err error
	if f.includeDatabases, err = compileGlobs("database", c.IncludeDatabases); err != nil {
		return nil, err
	}
	excludeDatabases := c.ExcludeDatabases
	if !c.IncludeSystemDatabases {
		excludeDatabases = append(append([]string(nil), cfg.SystemDatabases...), excludeDatabases...)
	}
	if f.excludeDatabases, err = compileGlobs("database", excludeDatabases); err != nil {
		return nil, err
	}
	if f.includeTables, err = compileTablePatterns(c.IncludeTables); err != nil {
		return nil, err
	}
	if f.excludeTables, err = compileTablePatterns(c.ExcludeTables); err != nil {
		return nil, err
	}

	ops := c.Operations
	if len(ops) == 0 {
		ops = []string{string(event.OpInsert), string(event.OpUpdate), string(event.OpDelete)}
	}
	for _, op := range ops {
		switch o := event.Operation(strings.ToLower(op)); o {
		case event.OpInsert, event.OpUpdate, event.OpDelete:
			f.operations[o] = true
		default:
			return nil, fmt.Errorf("invalid operation %q", op)
		}
	}

	for _, t := range c.Tables {
		if len(t.IncludeColumns) > 0 && len(t.ExcludeColumns) > 0 {
			return nil, fmt.Errorf("table %s: include and exclude columns are exclusive", t.Name)
		}
		r := &tableRule{
			include:       toSet(t.IncludeColumns),
			exclude:       toSet(t.ExcludeColumns),
			eventType:     t.EventType,
			captureBefore: c.CaptureBefore,
		}
		if t.CaptureBefore != nil {
			r.captureBefore = *t.CaptureBefore
		}
		f.rules[ruleKey(t.Database, t.Name)] = r
	}

	return f, nil
}

// MatchTable reports whether changes to database.table are captured at all
func (f *Filter) MatchTable(database, table string) bool {
	if matchAny(f.excludeDatabases, database) {
		return false
	}
	if len(f.includeDatabases) > 0 && !matchAny(f.includeDatabases, database) {
		return false
	}
	if matchTables(f.excludeTables, database, table) {
		return false
	}
	if len(f.includeTables) > 0 && !matchTables(f.includeTables, database, table) {
		return false
	}
	return true
}

// MatchDatabase reports whether any table in the database could be captured
func (f *Filter) MatchDatabase(database string) bool {
	if matchAny(f.excludeDatabases, database) {
		return false
	}
	return len(f.includeDatabases) == 0 || matchAny(f.includeDatabases, database)
}

// Match reports whether a row change of the given kind is captured
func (f *Filter) Match(database, table string, op event.Operation) bool {
	return f.operations[op] && f.MatchTable(database, table)
}

// Project turns positional row values into a column map, applying the
// table's column projection. Values without a column name are keyed
// col_<n>.
func (f *Filter) Project(database, table string, columns []string, values []any) map[string]any {
	if values == nil {
		return nil
	}
	rule := f.rule(database, table)
	out := make(map[string]any, len(values))
	for i, v := range values {
		name := fmt.Sprintf("col_%d", i)
		if i < len(columns) && columns[i] != "" {
			name = columns[i]
		}
		if rule != nil {
			if len(rule.include) > 0 && !rule.include[name] {
				continue
			}
			if rule.exclude[name] {
				continue
			}
		}
		out[name] = v
	}
	return out
}

// CaptureBefore reports whether before images are kept for the table
func (f *Filter) CaptureBefore(database, table string) bool {
	if r := f.rule(database, table); r != nil {
		return r.captureBefore
	}
	return f.captureBefore
}

// EventType returns the configured event type override for the table, if any
func (f *Filter) EventType(database, table string) string {
	if r := f.rule(database, table); r != nil {
		return r.eventType
	}
	return ""
}

func (f *Filter) rule(database, table string) *tableRule {
	if r, ok := f.rules[ruleKey(database, table)]; ok {
		return r
	}
	return f.rules[ruleKey("", table)]
}

func ruleKey(database, table string) string {
	if database == "" {
		database = "*"
	}
	return database + "." + table
}

func compileGlobs(kind string, patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func compileTablePatterns(patterns []string) ([]tablePattern, error) {
	out := make([]tablePattern, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", p, err)
		}
		out = append(out, tablePattern{glob: g, qualified: strings.Contains(p, ".")})
	}
	return out, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

func matchTables(patterns []tablePattern, database, table string) bool {
	for _, p := range patterns {
		subject := table
		if p.qualified {
			subject = database + "." + table
		}
		if p.glob.Match(subject) {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]bool, len(items))
	for _, it := range items {
		s[it] = true
	}
	return s
}
