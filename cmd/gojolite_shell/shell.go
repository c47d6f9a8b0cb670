package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/engine"
)

// errExit ends the interactive loop.
var errExit = errors.New("exit")

// session is the part of the engine API shared by engines and explicit
// transactions.
type session interface {
	Insert(ctx context.Context, coll string, docs []document.Document, autoID engine.AutoID) (int, error)
	Update(ctx context.Context, coll string, docs []document.Document) (int, error)
	Upsert(ctx context.Context, coll string, docs []document.Document, autoID engine.AutoID) (int, error)
	Delete(ctx context.Context, coll string, ids []any) (int, error)
	Query(ctx context.Context, coll string, q engine.Query) (*engine.Cursor, error)
	EnsureIndex(ctx context.Context, coll, name, expression string, unique bool) (bool, error)
	DropIndex(ctx context.Context, coll, name string) (bool, error)
	DropCollection(ctx context.Context, name string) (bool, error)
	RenameCollection(ctx context.Context, name, newName string) (bool, error)
}

// Shell runs text commands against one engine. Between begin and
// commit/rollback every command goes through the open transaction.
type Shell struct {
	e   *engine.Engine
	out io.Writer
	txn *engine.Transaction
}

func NewShell(e *engine.Engine, out io.Writer) *Shell {
	return &Shell{e: e, out: out}
}

func (s *Shell) session() session {
	if s.txn != nil {
		return s.txn
	}
	return s.e
}

// Close rolls back a transaction left open.
func (s *Shell) Close() error {
	if s.txn == nil {
		return nil
	}
	err := s.txn.Rollback()
	s.txn = nil
	return err
}

// Exec runs a single command line.
func (s *Shell) Exec(ctx context.Context, line string) error {
	cmd, rest := cut(line)
	if cmd == "" {
		return nil
	}
	switch strings.ToLower(cmd) {
	case "help":
		s.help()
		return nil
	case "exit", "quit":
		return errExit
	case "insert", "upsert":
		return s.write(ctx, strings.ToLower(cmd), rest)
	case "update":
		coll, text := cut(rest)
		d, err := document.ParseJSON([]byte(text))
		if err != nil {
			return err
		}
		n, err := s.session().Update(ctx, coll, []document.Document{d})
		return s.count(n, err, "updated")
	case "delete":
		coll, text := cut(rest)
		id, err := parseValue(text)
		if err != nil {
			return err
		}
		n, err := s.session().Delete(ctx, coll, []any{id})
		return s.count(n, err, "deleted")
	case "find":
		return s.find(ctx, rest)
	case "collections":
		names, err := s.e.Collections()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(s.out, name)
		}
		return nil
	case "indexes":
		indexes, err := s.e.Indexes(strings.TrimSpace(rest))
		if err != nil {
			return err
		}
		for _, idx := range indexes {
			fmt.Fprintf(s.out, "%s %s unique=%t keys=%d distinct=%d\n", idx.Name, idx.Expression, idx.Unique, idx.Keys, idx.DistinctKeys)
		}
		return nil
	case "ensureindex":
		args := strings.Fields(rest)
		if len(args) < 3 {
			return usage("ensureindex <collection> <name> <expression> [unique]")
		}
		unique := len(args) > 3 && strings.EqualFold(args[3], "unique")
		ok, err := s.session().EnsureIndex(ctx, args[0], args[1], args[2], unique)
		return s.flag(ok, err)
	case "dropindex":
		args := strings.Fields(rest)
		if len(args) != 2 {
			return usage("dropindex <collection> <name>")
		}
		ok, err := s.session().DropIndex(ctx, args[0], args[1])
		return s.flag(ok, err)
	case "drop":
		ok, err := s.session().DropCollection(ctx, strings.TrimSpace(rest))
		return s.flag(ok, err)
	case "rename":
		args := strings.Fields(rest)
		if len(args) != 2 {
			return usage("rename <collection> <new name>")
		}
		ok, err := s.session().RenameCollection(ctx, args[0], args[1])
		return s.flag(ok, err)
	case "begin":
		if s.txn != nil {
			return errors.New("a transaction is already open")
		}
		t, err := s.e.BeginTrans(ctx)
		if err != nil {
			return err
		}
		s.txn = t
		fmt.Fprintf(s.out, "transaction %d\n", t.ID())
		return nil
	case "commit", "rollback":
		if s.txn == nil {
			return errors.New("no open transaction")
		}
		t := s.txn
		s.txn = nil
		if strings.EqualFold(cmd, "commit") {
			return t.Commit()
		}
		return t.Rollback()
	case "checkpoint":
		n, err := s.e.Checkpoint(ctx)
		return s.count(n, err, "pages")
	case "shrink":
		n, err := s.e.Shrink(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%d bytes reclaimed\n", n)
		return nil
	case "vacuum":
		n, err := s.e.Vacuum(ctx)
		return s.count(n, err, "pages")
	case "analyze":
		n, err := s.e.Analyze(ctx, strings.Fields(rest))
		return s.count(n, err, "collections")
	case "pragma":
		return s.pragma(ctx, rest)
	}
	return fmt.Errorf("unknown command %q, try help", cmd)
}

func (s *Shell) write(ctx context.Context, cmd, rest string) error {
	coll, text := cut(rest)
	autoID := engine.AutoIDInt
	if name, json := cut(text); !strings.HasPrefix(name, "{") {
		switch strings.ToLower(name) {
		case "int":
		case "guid":
			autoID = engine.AutoIDGUID
		case "none":
			autoID = engine.AutoIDNone
		default:
			return usage(cmd + " <collection> [int|guid|none] <json>")
		}
		text = json
	}
	d, err := document.ParseJSON([]byte(text))
	if err != nil {
		return err
	}
	var n int
	if cmd == "insert" {
		n, err = s.session().Insert(ctx, coll, []document.Document{d}, autoID)
	} else {
		n, err = s.session().Upsert(ctx, coll, []document.Document{d}, autoID)
	}
	if err != nil {
		return err
	}
	if id, ok := d.ID(); ok && n > 0 {
		fmt.Fprintf(s.out, "inserted %v\n", id)
		return nil
	}
	return s.count(n, nil, "inserted")
}

// find <collection> [desc] [skip N] [limit N] [<index> <op> <value> [<value>]]
func (s *Shell) find(ctx context.Context, rest string) error {
	coll, rest := cut(rest)
	if coll == "" {
		return usage("find <collection> [desc] [skip N] [limit N] [<index> =|<|<=|>|>=|between <value> [<value>]]")
	}
	var q engine.Query
	for {
		word, tail := cut(rest)
		switch strings.ToLower(word) {
		case "desc":
			q.Descending = true
			rest = tail
			continue
		case "skip", "limit":
			num, after := cut(tail)
			n, err := strconv.Atoi(num)
			if err != nil {
				return fmt.Errorf("%s: %w", word, err)
			}
			if strings.EqualFold(word, "skip") {
				q.Skip = n
			} else {
				q.Limit = n
			}
			rest = after
			continue
		}
		break
	}
	if rest != "" {
		index, tail := cut(rest)
		op, values := cut(tail)
		r, err := keyRange(op, values)
		if err != nil {
			return err
		}
		q.Index, q.Range = index, r
	}

	cur, err := s.session().Query(ctx, coll, q)
	if err != nil {
		return err
	}
	defer cur.Close()
	n := 0
	for cur.Next() {
		text, err := document.FormatJSON(cur.Document())
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, text)
		n++
	}
	if err := cur.Err(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d documents\n", n)
	return nil
}

func keyRange(op, values string) (engine.KeyRange, error) {
	if strings.EqualFold(op, "between") {
		lo, hi := cut(values)
		a, err := parseValue(lo)
		if err != nil {
			return engine.KeyRange{}, err
		}
		b, err := parseValue(hi)
		if err != nil {
			return engine.KeyRange{}, err
		}
		return engine.Between(a, b), nil
	}
	v, err := parseValue(values)
	if err != nil {
		return engine.KeyRange{}, err
	}
	switch op {
	case "=", "==":
		return engine.EQ(v), nil
	case ">":
		return engine.GT(v), nil
	case ">=":
		return engine.GTE(v), nil
	case "<":
		return engine.LT(v), nil
	case "<=":
		return engine.LTE(v), nil
	}
	return engine.KeyRange{}, fmt.Errorf("unknown operator %q", op)
}

func (s *Shell) pragma(ctx context.Context, rest string) error {
	name, text := cut(rest)
	if name == "" {
		return usage("pragma <name> [value]")
	}
	if text != "" {
		v, err := parseValue(text)
		if err != nil {
			return err
		}
		changed, err := s.e.SetDbParam(ctx, name, v)
		return s.flag(changed, err)
	}
	v, err := s.e.DbParam(name)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s = %v\n", strings.ToUpper(name), v)
	return nil
}

func (s *Shell) count(n int, err error, what string) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d %s\n", n, what)
	return nil
}

func (s *Shell) flag(ok bool, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, ok)
	return nil
}

func (s *Shell) help() {
	fmt.Fprint(s.out, `Commands:
  insert <collection> [int|guid|none] <json>
  upsert <collection> [int|guid|none] <json>
  update <collection> <json>
  delete <collection> <id>
  find <collection> [desc] [skip N] [limit N] [<index> <op> <value> [<value>]]
  collections | indexes <collection>
  ensureindex <collection> <name> <expression> [unique]
  dropindex <collection> <name>
  drop <collection> | rename <collection> <new name>
  begin | commit | rollback
  checkpoint | shrink | vacuum | analyze [collection...]
  pragma <name> [value]
  help | exit
`)
}

// cut splits off the first word of s.
func cut(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

// parseValue reads one JSON value. Bare words are taken as strings.
func parseValue(text string) (any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("missing value")
	}
	d, err := document.ParseJSON([]byte(`{"v":` + text + `}`))
	if err != nil {
		return text, nil
	}
	return d["v"], nil
}

func usage(s string) error {
	return fmt.Errorf("usage: %s", s)
}
