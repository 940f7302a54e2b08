package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChamsBouzaiene/pdn/internal/engine"
	"github.com/ChamsBouzaiene/pdn/internal/metrics"
	"github.com/ChamsBouzaiene/pdn/internal/stages"
)

func sampleSession(t0 time.Time) Session {
	return Session{
		ID:           "sess-1",
		User:         "dana",
		CurrentStage: stages.Personality,
		CreatedAt:    t0,
		Facts:        map[string]string{"orientation": "AP", StageCompleteKey(stages.APvsET): "true"},
		History: []Turn{
			{Role: engine.RoleSystem, Content: "stage one prompt", StageTag: stages.APvsET, Timestamp: t0},
			{Role: engine.RoleUser, Content: "yes", Timestamp: t0.Add(time.Second)},
			{Role: engine.RoleAssistant, Content: "great", Timestamp: t0.Add(2 * time.Second)},
			{Role: engine.RoleSystem, Content: "stage two prompt", StageTag: stages.Personality, Timestamp: t0.Add(3 * time.Second)},
			{Role: engine.RoleAssistant, Content: "first question", Timestamp: t0.Add(4 * time.Second)},
		},
	}
}

func TestSnapshotKey(t *testing.T) {
	assert.Equal(t, "assessment_abc-123.json", SnapshotKey("abc-123"))
	assert.Equal(t, "assessment____x_y.json", SnapshotKey("../x/y"))

	t0 := time.Unix(1700000000, 5).UTC()
	assert.Equal(t, "assessment_abc-123.1700000000000000005.json", ArchiveKey("abc-123", t0))
	assert.NotEqual(t, SnapshotKey("a.1"), ArchiveKey("a", time.Unix(0, 1)))
}

func TestPersisterRoundTrip(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := NewPersister(NewMemoryBlobStore(), stages.Default(), WithPersisterClock(func() time.Time { return t0.Add(time.Minute) }))
	defer p.Close()

	sess := sampleSession(t0)
	require.NoError(t, p.Save(context.Background(), sess))

	snap, err := p.Load(context.Background(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Equal(t, sess.Facts, snap.AssessmentData)
	assert.Equal(t, "dana", snap.User.Username)
	assert.Equal(t, "personality", snap.CurrentStage.ID)
	assert.Equal(t, "Personality Types", snap.CurrentStage.Name)
	assert.Equal(t, "energy", snap.CurrentStage.Next)
	assert.True(t, snap.StartedAt.Equal(t0))

	one := snap.Stages["apvset"]
	require.NotNil(t, one)
	require.Len(t, one.Messages, 2)
	assert.Equal(t, "user", one.Messages[0].Role)
	assert.Equal(t, "great", one.Messages[1].Content)
	require.NotNil(t, one.CompletedAt)

	two := snap.Stages["personality"]
	require.NotNil(t, two)
	require.Len(t, two.Messages, 1)
	assert.Nil(t, two.CompletedAt)
}

func TestPersisterLoadMissing(t *testing.T) {
	p := NewPersister(NewMemoryBlobStore(), stages.Default())
	defer p.Close()

	snap, err := p.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestPersisterMergesFacts(t *testing.T) {
	blobs := NewMemoryBlobStore()
	p := NewPersister(blobs, stages.Default())
	defer p.Close()
	ctx := context.Background()

	first := Session{ID: "s", CurrentStage: stages.APvsET, Facts: map[string]string{"a": "1", "b": "1"}}
	require.NoError(t, p.Save(ctx, first))

	// The live session no longer holds "a" but the run is the same; the snapshot keeps it.
	second := Session{ID: "s", CurrentStage: stages.APvsET, Facts: map[string]string{"b": "2", "c": "3"}}
	require.NoError(t, p.Save(ctx, second))

	snap, err := p.Load(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, snap.AssessmentData)
}

func TestPersisterKeepsEarliestStageStart(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := NewPersister(NewMemoryBlobStore(), stages.Default())
	defer p.Close()
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, Session{ID: "s", CurrentStage: stages.APvsET, History: []Turn{
		{Role: engine.RoleSystem, StageTag: stages.APvsET, Timestamp: t0},
	}}))
	require.NoError(t, p.Save(ctx, Session{ID: "s", CurrentStage: stages.APvsET, History: []Turn{
		{Role: engine.RoleSystem, StageTag: stages.APvsET, Timestamp: t0.Add(time.Hour)},
		{Role: engine.RoleUser, Content: "hi", Timestamp: t0.Add(time.Hour)},
	}}))

	snap, err := p.Load(ctx, "s")
	require.NoError(t, err)
	rec := snap.Stages["apvset"]
	require.NotNil(t, rec.StartedAt)
	assert.True(t, rec.StartedAt.Equal(t0))
	assert.Len(t, rec.Messages, 1)
}

func TestPersisterReplacesCorruptSnapshot(t *testing.T) {
	blobs := NewMemoryBlobStore()
	require.NoError(t, blobs.Write(context.Background(), SnapshotKey("s"), []byte(`{"not":"a snapshot"}`)))

	p := NewPersister(blobs, stages.Default())
	defer p.Close()

	_, err := p.Load(context.Background(), "s")
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "load", pe.Op)

	require.NoError(t, p.Save(context.Background(), Session{ID: "s", CurrentStage: stages.APvsET, Facts: map[string]string{"k": "v"}}))
	snap, err := p.Load(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "v", snap.AssessmentData["k"])
}

type failingBlobs struct {
	*MemoryBlobStore
	writes atomic.Int32
}

func (f *failingBlobs) Write(ctx context.Context, key string, data []byte) error {
	f.writes.Add(1)
	return errors.New("disk full")
}

func TestPersisterSaveReportsPersistenceError(t *testing.T) {
	blobs := &failingBlobs{MemoryBlobStore: NewMemoryBlobStore()}
	p := NewPersister(blobs, stages.Default())
	defer p.Close()

	err := p.Save(context.Background(), Session{ID: "s", CurrentStage: stages.APvsET})
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "save", pe.Op)

	// enqueued failures are absorbed
	p.Enqueue(Session{ID: "s", CurrentStage: stages.APvsET})
	p.Flush()
	assert.Equal(t, int32(2), blobs.writes.Load())
}

func TestEnqueuePreservesPerSessionOrder(t *testing.T) {
	blobs := NewMemoryBlobStore()
	p := NewPersister(blobs, stages.Default(), WithWorkers(3))
	defer p.Close()

	for i := 0; i < 50; i++ {
		p.Enqueue(Session{
			ID:           "ordered",
			CurrentStage: stages.APvsET,
			Facts:        map[string]string{"counter": fmt.Sprint(i)},
		})
	}
	p.Flush()

	snap, err := p.Load(context.Background(), "ordered")
	require.NoError(t, err)
	assert.Equal(t, "49", snap.AssessmentData["counter"])
}

func TestPersisterArchivesRunOnRestart(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	blobs := NewMemoryBlobStore()
	p := NewPersister(blobs, stages.Default())
	defer p.Close()
	ctx := context.Background()

	done := Session{
		ID:           "s",
		CurrentStage: stages.Final,
		CreatedAt:    t0,
		Completed:    true,
		FinalReport:  "REPORT",
		Facts:        map[string]string{"orientation": "AP", StageCompleteKey(stages.Reinforcement): "true", "final_report": "REPORT"},
		History: []Turn{
			{Role: engine.RoleSystem, StageTag: stages.Reinforcement, Timestamp: t0},
			{Role: engine.RoleUser, Content: "my story", Timestamp: t0.Add(time.Second)},
		},
	}
	require.NoError(t, p.Save(ctx, done))

	restarted := Session{
		ID:           "s",
		CurrentStage: stages.APvsET,
		CreatedAt:    t0.Add(time.Hour),
		History: []Turn{
			{Role: engine.RoleSystem, StageTag: stages.APvsET, Timestamp: t0.Add(time.Hour)},
			{Role: engine.RoleUser, Content: "hello again", Timestamp: t0.Add(time.Hour + time.Second)},
		},
	}
	require.NoError(t, p.Save(ctx, restarted))

	snap, err := p.Load(ctx, "s")
	require.NoError(t, err)
	assert.False(t, snap.Completed)
	assert.Empty(t, snap.FinalReport)
	assert.Empty(t, snap.AssessmentData)
	assert.True(t, snap.StartedAt.Equal(t0.Add(time.Hour)))
	assert.Equal(t, "apvset", snap.CurrentStage.ID)
	assert.NotContains(t, snap.Stages, "reinforcement")
	require.Contains(t, snap.Stages, "apvset")
	assert.Nil(t, snap.Stages["apvset"].CompletedAt)

	data, ok, err := blobs.Read(ctx, ArchiveKey("s", t0))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ValidateSnapshot(data))
	var archived Snapshot
	require.NoError(t, json.Unmarshal(data, &archived))
	assert.True(t, archived.Completed)
	assert.Equal(t, "REPORT", archived.AssessmentData["final_report"])

	keys, err := p.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{SnapshotKey("s"), ArchiveKey("s", t0)}, keys)
}

func TestStoreResetStartsNewSnapshot(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	blobs := NewMemoryBlobStore()
	p := NewPersister(blobs, stages.Default())
	defer p.Close()
	s := NewStore(stages.Default(), WithPersister(p), WithClock(clock.Now))

	s.GetOrCreate("s1")
	_, err := s.AppendTurn("s1", Turn{Role: engine.RoleSystem, Content: "p", StageTag: stages.APvsET})
	require.NoError(t, err)
	require.NoError(t, s.StoreFact("s1", StageCompleteKey(stages.APvsET), "true"))
	require.NoError(t, s.StoreFact("s1", "final_report", "REPORT"))
	require.NoError(t, s.MarkCompleted("s1", "REPORT"))
	p.Flush()

	clock.Advance(time.Minute)
	require.NoError(t, s.Reset("s1"))
	_, err = s.AppendTurn("s1", Turn{Role: engine.RoleSystem, Content: "p", StageTag: stages.APvsET})
	require.NoError(t, err)
	_, err = s.AppendTurn("s1", Turn{Role: engine.RoleUser, Content: "hello again"})
	require.NoError(t, err)
	p.Flush()

	snap, err := p.Load(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, snap.Completed)
	assert.NotContains(t, snap.AssessmentData, StageCompleteKey(stages.APvsET))
	assert.NotContains(t, snap.AssessmentData, "final_report")
	require.Contains(t, snap.Stages, "apvset")
	assert.Nil(t, snap.Stages["apvset"].CompletedAt)
	assert.Len(t, snap.Stages["apvset"].Messages, 1)

	keys, err := blobs.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

type stalledBlobs struct {
	*MemoryBlobStore
	entered chan struct{}
	release chan struct{}
}

func (b *stalledBlobs) Write(ctx context.Context, key string, data []byte) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.MemoryBlobStore.Write(ctx, key, data)
}

type failureCounter struct {
	metrics.Nop
	failures atomic.Int32
}

func (f *failureCounter) IncPersistenceFailure(string) { f.failures.Add(1) }

func TestEnqueueDropsWhenQueueIsFull(t *testing.T) {
	blobs := &stalledBlobs{
		MemoryBlobStore: NewMemoryBlobStore(),
		entered:         make(chan struct{}, 1),
		release:         make(chan struct{}),
	}
	rec := &failureCounter{}
	p := NewPersister(blobs, stages.Default(), WithWorkers(1), WithQueueDepth(1), WithPersisterRecorder(rec))
	sess := Session{ID: "s", CurrentStage: stages.APvsET}

	p.Enqueue(sess)
	<-blobs.entered // the worker is stuck in Write
	p.Enqueue(sess) // fills the queue

	returned := make(chan struct{})
	go func() {
		p.Enqueue(sess)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	assert.Equal(t, int32(1), rec.failures.Load())

	close(blobs.release)
	p.Flush()
	require.NoError(t, p.Close())
	assert.Equal(t, int32(1), rec.failures.Load())
}

func TestStoreWithPersisterWritesSnapshots(t *testing.T) {
	dir := t.TempDir()
	p := NewPersister(NewFileBlobStore(dir), stages.Default())
	s := NewStore(stages.Default(), WithPersister(p))

	s.GetOrCreate("web-1")
	_, err := s.AppendTurn("web-1", Turn{Role: engine.RoleSystem, Content: "p", StageTag: stages.APvsET})
	require.NoError(t, err)
	require.NoError(t, s.StoreFact("web-1", StageCompleteKey(stages.APvsET), "true"))
	require.NoError(t, p.Close())

	data, err := os.ReadFile(filepath.Join(dir, "assessment_web-1.json"))
	require.NoError(t, err)
	require.NoError(t, ValidateSnapshot(data))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "web-1", raw["session_id"])
	assert.Contains(t, raw["assessment_data"], "apvset_complete")

	// writes after close are dropped, not panics
	require.NoError(t, s.StoreFact("web-1", "late", "x"))
}

func TestFileBlobStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	f := NewFileBlobStore(dir)
	ctx := context.Background()

	_, ok, err := f.Read(ctx, "a.json")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.Write(ctx, "a.json", []byte("one")))
	require.NoError(t, f.Write(ctx, "a.json", []byte("two")))
	data, ok, err := f.Read(ctx, "a.json")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, f.Write(ctx, "b.json", []byte("three")))
	keys, err := f.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, keys)

	keys, err = NewFileBlobStore(filepath.Join(dir, "absent")).Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.Error(t, f.Write(ctx, "../escape.json", nil))
}

func TestSQLiteBlobStore(t *testing.T) {
	ctx := context.Background()
	db, err := NewSQLiteBlobStore(ctx, filepath.Join(t.TempDir(), "data", "pdn.db"))
	require.NoError(t, err)
	defer db.Close()

	_, ok, err := db.Read(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.Write(ctx, "k", []byte("v1")))
	require.NoError(t, db.Write(ctx, "k", []byte("v2")))
	data, ok, err := db.Read(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", string(data))

	keys, err := db.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	var mode string
	require.NoError(t, db.db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
	var timeout int
	require.NoError(t, db.db.QueryRowContext(ctx, `PRAGMA busy_timeout`).Scan(&timeout))
	assert.Equal(t, 5000, timeout)

	p := NewPersister(db, stages.Default(), WithBackendName("sqlite"))
	defer p.Close()
	require.NoError(t, p.Save(ctx, Session{ID: "s", CurrentStage: stages.Energy, Facts: map[string]string{"energy": "2"}}))
	snap, err := p.Load(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "2", snap.AssessmentData["energy"])
}

func TestPersisterCloseStopsWorkers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := NewPersister(NewMemoryBlobStore(), stages.Default(), WithWorkers(3))
	p.Enqueue(sampleSession(time.Now()))
	p.Flush()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
