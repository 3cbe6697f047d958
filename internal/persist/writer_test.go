package persist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAppender struct {
	mu      sync.Mutex
	batches [][]Entry
	fail    bool
	reject  string // event id the database refuses
	calls   int
}

func (f *fakeAppender) Append(_ context.Context, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("db down")
	}
	for _, e := range entries {
		if f.reject != "" && e.EventID == f.reject {
			return errors.New("value too long for column")
		}
	}
	f.batches = append(f.batches, append([]Entry(nil), entries...))
	return nil
}

func (f *fakeAppender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func entries(ids ...string) []Entry {
	out := make([]Entry, len(ids))
	for i, id := range ids {
		out[i] = Entry{Kind: KindPayload, EventID: id}
	}
	return out
}

func TestWriterFlushesFullBatch(t *testing.T) {
	repo := &fakeAppender{}
	w := NewWriter(repo, time.Hour, 3, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.True(t, w.Enqueue(entries("a", "b")))
	require.True(t, w.Enqueue(entries("c")))
	assert.Eventually(t, func() bool { return repo.total() == 3 }, time.Second, 5*time.Millisecond)
}

func TestWriterFlushesOnInterval(t *testing.T) {
	repo := &fakeAppender{}
	w := NewWriter(repo, 10*time.Millisecond, 100, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue(entries("a"))
	assert.Eventually(t, func() bool { return repo.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriterFlushesOnShutdown(t *testing.T) {
	repo := &fakeAppender{}
	w := NewWriter(repo, time.Hour, 100, zap.NewNop())
	w.Enqueue(entries("a", "b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	assert.Equal(t, 2, repo.total())
}

func TestWriterKeepsEntriesAfterFailure(t *testing.T) {
	repo := &fakeAppender{fail: true}
	w := NewWriter(repo, time.Hour, 100, zap.NewNop())
	w.pending = entries("a")
	w.flush(context.Background())
	assert.Len(t, w.pending, 1)

	repo.fail = false
	w.flush(context.Background())
	assert.Empty(t, w.pending)
	assert.Equal(t, 1, repo.total())
}

func TestEnqueueDropsWhenBackedUp(t *testing.T) {
	w := NewWriter(&fakeAppender{}, time.Hour, 100, zap.NewNop())
	for i := 0; i < cap(w.in); i++ {
		require.True(t, w.Enqueue(entries("x")))
	}
	assert.False(t, w.Enqueue(entries("y")))
	assert.True(t, w.Enqueue(nil))
}

func TestWriterDropsOnlyRejectedRow(t *testing.T) {
	repo := &fakeAppender{reject: "bad"}
	w := NewWriter(repo, time.Hour, 100, zap.NewNop())
	w.pending = entries("a", "bad", "c")

	w.flush(context.Background())

	assert.Empty(t, w.pending)
	var got []string
	for _, b := range repo.batches {
		for _, e := range b {
			got = append(got, e.EventID)
		}
	}
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestWriterTreatsUniformFailureAsOutage(t *testing.T) {
	repo := &fakeAppender{fail: true}
	w := NewWriter(repo, time.Hour, 100, zap.NewNop())
	w.pending = entries("a", "b", "c", "d", "e", "f")

	w.flush(context.Background())

	assert.Len(t, w.pending, 6)
	assert.Equal(t, 1+outageThreshold, repo.calls, "stops retrying row by row once the first few all fail")
}

func TestEntryCleanBoundsLabels(t *testing.T) {
	long := strings.Repeat("é", maxLabel) // two bytes per rune
	e := Entry{Source: "http:op\x00erator", EventID: long}.Clean()

	assert.Equal(t, "http:operator", e.Source)
	assert.LessOrEqual(t, len(e.EventID), maxLabel)
	assert.True(t, utf8.ValidString(e.EventID))
	assert.True(t, strings.HasPrefix(long, e.EventID))
}
