package session

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/pdn/internal/engine"
	"github.com/ChamsBouzaiene/pdn/internal/metrics"
	"github.com/ChamsBouzaiene/pdn/internal/stages"
)

const (
	DefaultPersistWorkers = 4
	defaultQueueDepth     = 64
	defaultSaveTimeout    = 10 * time.Second
)

// StageCompleteKey is the fact recorded when a stage finishes.
func StageCompleteKey(id stages.ID) string { return string(id) + "_complete" }

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

const (
	snapshotPrefix = "assessment_"
	snapshotExt    = ".json"
)

// SnapshotKey returns the blob key for a session id.
func SnapshotKey(sessionID string) string {
	return snapshotPrefix + unsafeKeyChars.ReplaceAllString(sessionID, "_") + snapshotExt
}

// ArchiveKey returns the blob key a finished run is moved to when its session
// starts over. The dot cannot appear in a sanitized session id.
func ArchiveKey(sessionID string, startedAt time.Time) string {
	return snapshotPrefix + unsafeKeyChars.ReplaceAllString(sessionID, "_") + "." +
		strconv.FormatInt(startedAt.UTC().UnixNano(), 10) + snapshotExt
}

type persistJob struct {
	sess    Session
	barrier chan struct{}
}

// Persister writes merged snapshots to a BlobStore. Enqueued writes run on a
// fixed pool of workers; a session id always maps to the same worker, so
// writes for one session are applied in the order they were enqueued.
type Persister struct {
	blobs    BlobStore
	registry *stages.Registry
	backend  string
	logger   *zap.Logger
	recorder metrics.Recorder
	now      func() time.Time

	mu         sync.RWMutex
	closed     bool
	queueDepth int
	queues     []chan persistJob
	wg         sync.WaitGroup
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithWorkers sets the number of write workers.
func WithWorkers(n int) PersisterOption {
	return func(p *Persister) {
		if n > 0 {
			p.queues = make([]chan persistJob, n)
		}
	}
}

// WithQueueDepth sets how many writes each worker buffers before Enqueue
// starts dropping.
func WithQueueDepth(n int) PersisterOption {
	return func(p *Persister) {
		if n > 0 {
			p.queueDepth = n
		}
	}
}

// WithBackendName labels persistence failure metrics.
func WithBackendName(name string) PersisterOption {
	return func(p *Persister) { p.backend = name }
}

// WithPersisterLogger sets the logger.
func WithPersisterLogger(l *zap.Logger) PersisterOption {
	return func(p *Persister) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPersisterRecorder sets the metrics recorder.
func WithPersisterRecorder(r metrics.Recorder) PersisterOption {
	return func(p *Persister) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithPersisterClock overrides time.Now.
func WithPersisterClock(now func() time.Time) PersisterOption {
	return func(p *Persister) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPersister starts a persister writing to blobs.
func NewPersister(blobs BlobStore, registry *stages.Registry, opts ...PersisterOption) *Persister {
	p := &Persister{
		blobs:      blobs,
		registry:   registry,
		backend:    "blob",
		logger:     zap.NewNop(),
		recorder:   metrics.Nop{},
		now:        time.Now,
		queueDepth: defaultQueueDepth,
		queues:     make([]chan persistJob, DefaultPersistWorkers),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("persister")

	for i := range p.queues {
		p.queues[i] = make(chan persistJob, p.queueDepth)
		p.wg.Add(1)
		go p.worker(p.queues[i])
	}
	return p
}

func (p *Persister) worker(q chan persistJob) {
	defer p.wg.Done()
	for job := range q {
		if job.barrier != nil {
			close(job.barrier)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultSaveTimeout)
		if err := p.Save(ctx, job.sess); err != nil {
			p.recorder.IncPersistenceFailure(p.backend)
			p.logger.Error("snapshot write failed", zap.String("session_id", job.sess.ID), zap.Error(err))
		}
		cancel()
	}
}

func (p *Persister) queueFor(sessionID string) chan persistJob {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// Enqueue schedules a snapshot write for sess. It never blocks and never
// reports failure: when the worker's queue is full the write is dropped, and
// both drops and write errors are logged and counted. A later write for the
// same session carries the full state again.
func (p *Persister) Enqueue(sess Session) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Warn("persister closed; dropping snapshot write", zap.String("session_id", sess.ID))
		return
	}
	select {
	case p.queueFor(sess.ID) <- persistJob{sess: sess}:
	default:
		p.recorder.IncPersistenceFailure(p.backend)
		p.logger.Warn("persist queue full; dropping snapshot write", zap.String("session_id", sess.ID))
	}
}

// Flush blocks until every write enqueued before the call has been attempted.
func (p *Persister) Flush() {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return
	}
	barriers := make([]chan struct{}, len(p.queues))
	for i, q := range p.queues {
		barriers[i] = make(chan struct{})
		q <- persistJob{barrier: barriers[i]}
	}
	p.mu.RUnlock()

	for _, b := range barriers {
		<-b
	}
}

// Close drains pending writes and stops the workers.
func (p *Persister) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// Load returns the stored snapshot for sessionID, or nil if none exists.
func (p *Persister) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	data, ok, err := p.blobs.Read(ctx, SnapshotKey(sessionID))
	if err != nil {
		return nil, &PersistenceError{SessionID: sessionID, Op: "load", Err: err}
	}
	if !ok {
		return nil, nil
	}
	if err := ValidateSnapshot(data); err != nil {
		return nil, &PersistenceError{SessionID: sessionID, Op: "load", Err: err}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &PersistenceError{SessionID: sessionID, Op: "load", Err: err}
	}
	if snap.AssessmentData == nil {
		snap.AssessmentData = make(map[string]string)
	}
	if snap.Stages == nil {
		snap.Stages = make(map[string]*StageRecord)
	}
	return &snap, nil
}

// List returns the blob keys of stored snapshots, archived runs included.
func (p *Persister) List(ctx context.Context) ([]string, error) {
	keys, err := p.blobs.Keys(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, snapshotPrefix) && strings.HasSuffix(k, snapshotExt) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Save merges sess into the stored snapshot and writes it back. A session
// created after the stored run started has been reset: the stored run is
// moved to its ArchiveKey and the snapshot starts over.
func (p *Persister) Save(ctx context.Context, sess Session) error {
	existing, err := p.Load(ctx, sess.ID)
	if err != nil {
		// An unreadable snapshot is replaced rather than blocking every later write.
		p.logger.Warn("existing snapshot unreadable; starting fresh", zap.String("session_id", sess.ID), zap.Error(err))
		existing = nil
	}
	if existing != nil && sess.CreatedAt.After(existing.StartedAt) {
		if err := p.archive(ctx, existing); err != nil {
			return &PersistenceError{SessionID: sess.ID, Op: "save", Err: err}
		}
		existing = nil
	}

	snap := p.merge(existing, sess)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &PersistenceError{SessionID: sess.ID, Op: "save", Err: fmt.Errorf("failed to marshal snapshot: %w", err)}
	}
	if err := ValidateSnapshot(data); err != nil {
		return &PersistenceError{SessionID: sess.ID, Op: "save", Err: err}
	}
	if err := p.blobs.Write(ctx, SnapshotKey(sess.ID), data); err != nil {
		return &PersistenceError{SessionID: sess.ID, Op: "save", Err: err}
	}
	return nil
}

func (p *Persister) archive(ctx context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal archived snapshot: %w", err)
	}
	key := ArchiveKey(snap.SessionID, snap.StartedAt)
	if err := p.blobs.Write(ctx, key, data); err != nil {
		return fmt.Errorf("failed to archive previous run: %w", err)
	}
	p.logger.Info("archived previous run", zap.String("session_id", snap.SessionID), zap.String("key", key))
	return nil
}

func (p *Persister) merge(existing *Snapshot, sess Session) *Snapshot {
	now := p.now()
	snap := existing
	if snap == nil {
		started := sess.CreatedAt
		if started.IsZero() {
			started = now
		}
		snap = &Snapshot{
			SessionID:      sess.ID,
			StartedAt:      started,
			AssessmentData: make(map[string]string),
			Stages:         make(map[string]*StageRecord),
		}
	}

	if sess.User != "" {
		snap.User.Username = sess.User
	}
	snap.LastUpdated = now
	snap.CurrentStage = p.describe(sess.CurrentStage)
	snap.Completed = sess.Completed
	snap.FinalReport = sess.FinalReport
	snap.Language = string(sess.Language)

	for k, v := range sess.Facts {
		snap.AssessmentData[k] = v
	}

	for id, rec := range segments(sess) {
		prev, ok := snap.Stages[string(id)]
		if ok && prev.StartedAt != nil && rec.StartedAt != nil && prev.StartedAt.Before(*rec.StartedAt) {
			rec.StartedAt = prev.StartedAt
		}
		if ok && prev.CompletedAt != nil {
			rec.CompletedAt = prev.CompletedAt
		}
		snap.Stages[string(id)] = rec
	}

	for id, rec := range snap.Stages {
		if rec.CompletedAt != nil {
			continue
		}
		if _, done := snap.AssessmentData[StageCompleteKey(stages.ID(id))]; done {
			t := now
			rec.CompletedAt = &t
		}
	}
	return snap
}

func (p *Persister) describe(id stages.ID) SnapshotStage {
	s, err := p.registry.Get(id)
	if err != nil {
		return SnapshotStage{ID: string(id), Name: string(id)}
	}
	return SnapshotStage{ID: string(s.ID), Name: s.DisplayName, Description: s.Description, Next: string(s.Next)}
}

// segments groups history by stage. A tagged system turn opens a segment and
// the user and assistant turns after it belong to that stage.
func segments(sess Session) map[stages.ID]*StageRecord {
	out := make(map[stages.ID]*StageRecord)
	current := sess.CurrentStage
	for _, t := range sess.History {
		if t.Role == engine.RoleSystem && t.StageTag != "" {
			current = t.StageTag
			rec, ok := out[current]
			if !ok {
				ts := t.Timestamp
				out[current] = &StageRecord{StartedAt: &ts, Messages: []SnapshotMessage{}}
			} else if rec.StartedAt == nil {
				ts := t.Timestamp
				rec.StartedAt = &ts
			}
			continue
		}
		if t.Role == engine.RoleSystem {
			continue
		}
		rec, ok := out[current]
		if !ok {
			rec = &StageRecord{Messages: []SnapshotMessage{}}
			out[current] = rec
		}
		rec.Messages = append(rec.Messages, SnapshotMessage{
			Role:      string(t.Role),
			Content:   t.Content,
			Timestamp: t.Timestamp,
		})
	}
	return out
}
