package engine

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojolite/core/document"
	"go.uber.org/zap"
)

func TestEngine_ConcurrentWritersAndReaders(t *testing.T) {
	e := setupEngine(t, nil)
	ctx := context.Background()
	_, err := e.EnsureIndex(ctx, "kv", "key", "$.key", true)
	require.NoError(t, err)

	var wg sync.WaitGroup
	sem := make(chan struct{}, 20)
	errs := make(chan error, 2000)
	for i := 9000; i < 11000; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d := document.Document{"_id": i, "key": "key-" + strconv.Itoa(i), "value": "value-" + strconv.Itoa(i)}
			if _, err := e.Insert(ctx, "kv", []document.Document{d}, AutoIDNone); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sem = make(chan struct{}, 10)
	mismatches := make(chan string, 2000)
	for i := 9000; i < 11000; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			key := "key-" + strconv.Itoa(i)
			cur, err := e.Query(ctx, "kv", Query{Index: "key", Range: EQ(key)})
			if err != nil {
				mismatches <- err.Error()
				return
			}
			docs, err := cur.All()
			if err != nil || len(docs) != 1 || docs[0]["value"] != "value-"+strconv.Itoa(i) {
				mismatches <- key
			}
		}()
	}
	wg.Wait()
	close(mismatches)
	for m := range mismatches {
		t.Errorf("lookup failed: %s", m)
	}
	require.Len(t, queryAll(t, e, "kv", Query{}), 2000)
}

func BenchmarkEngine_Insert(b *testing.B) {
	e, err := Open(context.Background(), Settings{
		Filename: filepath.Join(b.TempDir(), "bench.db"),
		Logger:   zap.NewNop(),
	})
	require.NoError(b, err)
	defer e.Close()
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d := document.Document{"key": "key-" + strconv.Itoa(i), "value": i}
		if _, err := e.Insert(ctx, "kv", []document.Document{d}, AutoIDInt); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEngine_PointRead(b *testing.B) {
	e, err := Open(context.Background(), Settings{Filename: ":memory:", Logger: zap.NewNop()})
	require.NoError(b, err)
	defer e.Close()
	ctx := context.Background()

	const n = 10000
	docs := make([]document.Document, n)
	for i := range docs {
		docs[i] = document.Document{"value": "value-" + strconv.Itoa(i)}
	}
	_, err = e.Insert(ctx, "kv", docs, AutoIDInt)
	require.NoError(b, err)

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			i++
			cur, err := e.Query(ctx, "kv", Query{Range: EQ(int64(i%n + 1))})
			if err != nil {
				b.Error(err)
				return
			}
			if !cur.Next() {
				b.Errorf("document %d not found: %v", i%n+1, cur.Err())
			}
			cur.Close()
		}
	})
}
