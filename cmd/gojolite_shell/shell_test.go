package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/engine"
	"github.com/sushant-115/gojolite/pkg/telemetry"
	"go.uber.org/zap"
)

func setupShell(t *testing.T, s engine.Settings) (*Shell, *bytes.Buffer) {
	t.Helper()
	s.Filename = ":memory:"
	s.Logger = zap.NewNop()
	e, err := engine.Open(context.Background(), s)
	require.NoError(t, err)
	var out bytes.Buffer
	sh := NewShell(e, &out)
	t.Cleanup(func() {
		require.NoError(t, sh.Close())
		require.NoError(t, e.Close())
	})
	return sh, &out
}

func execLine(t *testing.T, sh *Shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.NoError(t, sh.Exec(context.Background(), line))
	return out.String()
}

func TestShell_InsertFindDelete(t *testing.T) {
	sh, out := setupShell(t, engine.Settings{})

	require.Equal(t, "inserted 1\n", execLine(t, sh, out, `insert people {"name": "ada", "age": 36}`))
	require.Equal(t, "inserted 2\n", execLine(t, sh, out, `insert people {"name": "alan", "age": 41}`))
	require.Equal(t, "inserted x\n", execLine(t, sh, out, `insert people none {"_id": "x", "name": "grace", "age": 85}`))
	require.Equal(t, "true\n", execLine(t, sh, out, "ensureindex people age $.age"))

	got := execLine(t, sh, out, "find people age > 40")
	require.Contains(t, got, `"alan"`)
	require.Contains(t, got, `"grace"`)
	require.NotContains(t, got, `"ada"`)
	require.True(t, strings.HasSuffix(got, "2 documents\n"))

	got = execLine(t, sh, out, "find people desc limit 1 age between 30 50")
	require.Contains(t, got, `"alan"`)
	require.True(t, strings.HasSuffix(got, "1 documents\n"))

	require.Equal(t, "1 updated\n", execLine(t, sh, out, `update people {"_id": 1, "name": "ada", "age": 37}`))
	require.Equal(t, "1 deleted\n", execLine(t, sh, out, "delete people x"))
	require.Equal(t, "1 deleted\n", execLine(t, sh, out, "delete people 2"))
	got = execLine(t, sh, out, "find people")
	require.Contains(t, got, "37")
	require.True(t, strings.HasSuffix(got, "1 documents\n"))

	require.Equal(t, "people\n", execLine(t, sh, out, "collections"))
	got = execLine(t, sh, out, "indexes people")
	require.Contains(t, got, "_id $._id unique=true")
	require.Contains(t, got, "age $.age unique=false")
}

func TestShell_Transactions(t *testing.T) {
	sh, out := setupShell(t, engine.Settings{})
	ctx := context.Background()

	execLine(t, sh, out, `insert c {"v": 0}`)
	require.Contains(t, execLine(t, sh, out, "begin"), "transaction ")
	require.ErrorContains(t, sh.Exec(ctx, "begin"), "already open")
	execLine(t, sh, out, `insert c {"v": 1}`)
	execLine(t, sh, out, "rollback")
	require.Contains(t, execLine(t, sh, out, "find c"), "1 documents")

	execLine(t, sh, out, "begin")
	execLine(t, sh, out, `insert c {"v": 2}`)
	execLine(t, sh, out, "commit")
	require.Contains(t, execLine(t, sh, out, "find c"), "2 documents")
	require.ErrorContains(t, sh.Exec(ctx, "commit"), "no open transaction")
}

func TestShell_AdminAndPragmas(t *testing.T) {
	sh, out := setupShell(t, engine.Settings{})
	ctx := context.Background()

	execLine(t, sh, out, `insert a {"v": 1}`)
	execLine(t, sh, out, `insert b {"v": 1}`)
	require.Equal(t, "true\n", execLine(t, sh, out, "rename b c"))
	require.Equal(t, "true\n", execLine(t, sh, out, "drop c"))
	require.Equal(t, "1 collections\n", execLine(t, sh, out, "analyze"))
	require.Contains(t, execLine(t, sh, out, "vacuum"), "pages")
	require.Contains(t, execLine(t, sh, out, "shrink"), "bytes reclaimed")
	require.Contains(t, execLine(t, sh, out, "checkpoint"), "pages")

	require.Equal(t, "true\n", execLine(t, sh, out, "pragma user_version 3"))
	require.Equal(t, "USER_VERSION = 3\n", execLine(t, sh, out, "pragma USER_VERSION"))
	require.ErrorIs(t, sh.Exec(ctx, "pragma timeout -1"), dberror.ErrInvalidArgument)
}

func TestShell_Errors(t *testing.T) {
	sh, _ := setupShell(t, engine.Settings{})
	ctx := context.Background()

	require.ErrorIs(t, sh.Exec(ctx, "exit"), errExit)
	require.ErrorContains(t, sh.Exec(ctx, "frobnicate"), "unknown command")
	require.ErrorContains(t, sh.Exec(ctx, "insert c bogus {}"), "usage")
	require.ErrorIs(t, sh.Exec(ctx, "insert c {not json"), dberror.ErrInvalidArgument)
	require.ErrorIs(t, sh.Exec(ctx, "find missing"), dberror.ErrNotFound)
	require.ErrorContains(t, sh.Exec(ctx, "find c _id ~ 1"), "unknown operator")
	require.NoError(t, sh.Exec(ctx, "   "))
}

func TestShell_MetricsEndpoint(t *testing.T) {
	sh, out := setupShell(t, engine.Settings{Telemetry: telemetry.Config{Enabled: true}})
	execLine(t, sh, out, `insert c {"v": 1}`)

	srv := httptest.NewServer(metricsMux(sh.e))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}
