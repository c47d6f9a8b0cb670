package diskmanager

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/dberror"
)

func TestLogFilename(t *testing.T) {
	require.Equal(t, "/data/app-log.db", LogFilename("/data/app.db"))
	require.Equal(t, "plain-log", LogFilename("plain"))
}

func TestMemoryBackend_ReadWriteGrow(t *testing.T) {
	m := NewMemoryBackend("mem")

	// 1. Writing past the end grows the medium with zero fill.
	_, err := m.WriteAt([]byte("abc"), 10)
	require.NoError(t, err)
	n, err := m.Length()
	require.NoError(t, err)
	require.Equal(t, int64(13), n)

	buf := make([]byte, 13)
	_, err = m.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, append(make([]byte, 10), 'a', 'b', 'c'), buf)

	// 2. Short reads report io.EOF.
	read, err := m.ReadAt(make([]byte, 8), 10)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 3, read)

	// 3. Truncate then grow again must not resurrect old bytes.
	require.NoError(t, m.SetLength(11))
	require.NoError(t, m.SetLength(13))
	_, err = m.ReadAt(buf[:3], 10)
	require.NoError(t, err)
	require.Equal(t, []byte{'a', 0, 0}, buf[:3])
}

func TestFileBackend_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")

	f, err := OpenFile(path, false)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("hello"), 4096)
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	ro, err := OpenFile(path, true)
	require.NoError(t, err)
	defer ro.Close()

	buf := make([]byte, 5)
	_, err = ro.ReadAt(buf, 4096)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	_, err = ro.WriteAt([]byte("x"), 0)
	require.ErrorIs(t, err, dberror.ErrReadOnlyViolation)
}

func TestFileBackend_ReadOnlyMissingFile(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing.db"), true)
	require.ErrorIs(t, err, dberror.ErrNotFound)
}

func TestTempBackend_SpillsToFile(t *testing.T) {
	tb := NewTempBackend(64)

	_, err := tb.WriteAt(bytes.Repeat([]byte{1}, 32), 0)
	require.NoError(t, err)
	require.False(t, tb.Spilled())

	_, err = tb.WriteAt(bytes.Repeat([]byte{2}, 64), 32)
	require.NoError(t, err)
	require.True(t, tb.Spilled())

	buf := make([]byte, 96)
	_, err = tb.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, append(bytes.Repeat([]byte{1}, 32), bytes.Repeat([]byte{2}, 64)...), buf)
	require.NoError(t, tb.Close())
}

func TestThrottle_PacesWrites(t *testing.T) {
	ctx := context.Background()
	var unpaced *Throttle
	require.Nil(t, NewThrottle(0, 4096))
	require.NoError(t, unpaced.Wait(ctx, 1<<30))

	th := NewThrottle(64*1024, 4096)
	start := time.Now()
	require.NoError(t, th.Wait(ctx, 4096)) // the bucket starts full
	require.NoError(t, th.Wait(ctx, 16*1024))
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, th.Wait(cancelled, 4096), context.Canceled)
	require.ErrorIs(t, unpaced.Wait(cancelled, 1), context.Canceled)
}

func TestOpen_Sentinels(t *testing.T) {
	b, err := Open(MemoryFilename, false)
	require.NoError(t, err)
	require.IsType(t, &MemoryBackend{}, b)

	b, err = Open(TempFilename, false)
	require.NoError(t, err)
	require.IsType(t, &TempBackend{}, b)
	require.NoError(t, b.Close())

	_, err = Open("", false)
	require.ErrorIs(t, err, dberror.ErrInvalidArgument)
}

func TestOpenLog_PairsWithData(t *testing.T) {
	b, err := OpenLog(MemoryFilename, false)
	require.NoError(t, err)
	require.IsType(t, &MemoryBackend{}, b)
	require.Equal(t, ":memory:-log", b.Name())

	b, err = OpenLog(TempFilename, false)
	require.NoError(t, err)
	require.IsType(t, &TempBackend{}, b)
	require.NoError(t, b.Close())

	path := filepath.Join(t.TempDir(), "app.db")
	b, err = OpenLog(path, false)
	require.NoError(t, err)
	require.Equal(t, LogFilename(path), b.Name())
	require.NoError(t, b.Close())

	_, err = OpenLog("", false)
	require.ErrorIs(t, err, dberror.ErrInvalidArgument)
}
