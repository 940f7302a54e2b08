package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChamsBouzaiene/pdn/internal/engine"
	"github.com/ChamsBouzaiene/pdn/internal/language"
	"github.com/ChamsBouzaiene/pdn/internal/stages"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	saved []Session
}

func (r *recordingEnqueuer) Enqueue(sess Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, sess)
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saved)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(opts ...StoreOption) *Store {
	return NewStore(stages.Default(), opts...)
}

func TestGetOrCreateInitialState(t *testing.T) {
	s := newTestStore()
	sess := s.GetOrCreate("s1")

	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, stages.APvsET, sess.CurrentStage)
	assert.Empty(t, sess.History)
	assert.Empty(t, sess.Facts)
	assert.False(t, sess.Completed)
	assert.Empty(t, sess.Language)
}

func TestOperationsOnUnknownSession(t *testing.T) {
	s := newTestStore()
	_, err := s.AppendTurn("ghost", Turn{Role: engine.RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, s.StoreFact("ghost", "k", "v"), ErrSessionNotFound)
	_, err = s.Get("ghost")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetReturnsCopies(t *testing.T) {
	s := newTestStore()
	s.GetOrCreate("s1")
	require.NoError(t, s.StoreFact("s1", "k", "v"))

	sess, err := s.Get("s1")
	require.NoError(t, err)
	sess.Facts["k"] = "mutated"
	sess.History = append(sess.History, Turn{Content: "x"})

	again, _ := s.Get("s1")
	assert.Equal(t, "v", again.Facts["k"])
	assert.Empty(t, again.History)
}

func TestAppendAndTruncate(t *testing.T) {
	s := newTestStore()
	s.GetOrCreate("s1")

	n, err := s.AppendTurn("s1", Turn{Role: engine.RoleSystem, Content: "prompt", StageTag: stages.APvsET})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.AppendTurn("s1", Turn{Role: engine.RoleUser, Content: "yes"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sess, _ := s.Get("s1")
	assert.False(t, sess.History[1].Timestamp.IsZero(), "timestamp filled in")

	require.NoError(t, s.TruncateHistory("s1", 1))
	sess, _ = s.Get("s1")
	require.Len(t, sess.History, 1)
	assert.Equal(t, engine.RoleSystem, sess.History[0].Role)
}

func TestStoreFactLastWriteWins(t *testing.T) {
	s := newTestStore()
	s.GetOrCreate("s1")

	require.NoError(t, s.StoreFact("s1", "orientation", "AP"))
	require.NoError(t, s.StoreFact("s1", "orientation", "ET"))
	require.NoError(t, s.StoreFact("s1", "energy", "3"))

	sess, _ := s.Get("s1")
	assert.Equal(t, map[string]string{"orientation": "ET", "energy": "3"}, sess.Facts)
}

func TestSetStageValidates(t *testing.T) {
	s := newTestStore()
	s.GetOrCreate("s1")

	err := s.SetStage("s1", "bogus")
	var invalid *InvalidStageError
	require.ErrorAs(t, err, &invalid)
	var unknown *stages.UnknownStageError
	assert.ErrorAs(t, err, &unknown)

	require.NoError(t, s.SetStage("s1", stages.Energy))
	sess, _ := s.Get("s1")
	assert.Equal(t, stages.Energy, sess.CurrentStage)
}

func TestCompletedSessionKeepsTerminalStage(t *testing.T) {
	s := newTestStore()
	s.GetOrCreate("s1")
	require.NoError(t, s.MarkCompleted("s1", "report"))

	sess, _ := s.Get("s1")
	assert.True(t, sess.Completed)
	assert.Equal(t, stages.Final, sess.CurrentStage)
	assert.Equal(t, "report", sess.FinalReport)

	assert.ErrorIs(t, s.SetStage("s1", stages.Energy), ErrSessionCompleted)
	assert.NoError(t, s.SetStage("s1", stages.Final))
}

func TestLanguageIsSticky(t *testing.T) {
	s := newTestStore()
	s.GetOrCreate("s1")

	lang, err := s.SetLanguage("s1", language.Hebrew)
	require.NoError(t, err)
	assert.Equal(t, language.Hebrew, lang)

	lang, err = s.SetLanguage("s1", language.English)
	require.NoError(t, err)
	assert.Equal(t, language.Hebrew, lang)
}

func TestSetLanguageRejectsUnsupported(t *testing.T) {
	s := newTestStore()
	s.GetOrCreate("s1")

	_, err := s.SetLanguage("s1", language.Language("fr"))
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)

	sess, _ := s.Get("s1")
	assert.Empty(t, sess.Language)
}

func TestResetKeepsUser(t *testing.T) {
	s := newTestStore()
	s.GetOrCreate("s1")
	require.NoError(t, s.SetUser("s1", "dana"))
	require.NoError(t, s.StoreFact("s1", "k", "v"))
	_, _ = s.SetLanguage("s1", language.Hebrew)
	require.NoError(t, s.MarkCompleted("s1", "r"))

	require.NoError(t, s.Reset("s1"))
	sess, _ := s.Get("s1")
	assert.Equal(t, "dana", sess.User)
	assert.Equal(t, stages.APvsET, sess.CurrentStage)
	assert.False(t, sess.Completed)
	assert.Empty(t, sess.Facts)
	assert.Empty(t, sess.Language)
	assert.Empty(t, sess.FinalReport)
}

func TestMutationsArePersisted(t *testing.T) {
	rec := &recordingEnqueuer{}
	s := newTestStore(WithPersister(rec))
	s.GetOrCreate("s1")
	assert.Equal(t, 0, rec.count(), "creation alone is not a mutation")

	_, _ = s.AppendTurn("s1", Turn{Role: engine.RoleUser, Content: "a"})
	_ = s.StoreFact("s1", "k", "v")
	_ = s.SetStage("s1", stages.Personality)
	_ = s.SetStage("s1", stages.Personality) // no-op
	assert.Equal(t, 3, rec.count())

	rec.mu.Lock()
	last := rec.saved[len(rec.saved)-1]
	rec.mu.Unlock()
	assert.Equal(t, stages.Personality, last.CurrentStage)
	assert.Equal(t, "v", last.Facts["k"])
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	s := newTestStore(WithCapacity(2))
	s.GetOrCreate("a")
	s.GetOrCreate("b")
	s.GetOrCreate("a") // a is now most recent
	s.GetOrCreate("c")

	assert.Equal(t, 2, s.Len())
	_, err := s.Get("b")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.Get("a")
	assert.NoError(t, err)
}

func TestHeldSessionIsNotEvicted(t *testing.T) {
	s := newTestStore(WithCapacity(1))
	release := s.Acquire("a")
	s.GetOrCreate("b")

	_, err := s.Get("a")
	assert.NoError(t, err, "held session survives")
	release()
	release() // idempotent
}

func TestSweepDropsIdleSessions(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestStore(WithIdleTTL(time.Minute), WithClock(clock.Now))

	s.GetOrCreate("old")
	clock.Advance(2 * time.Minute)
	s.GetOrCreate("new")

	assert.Equal(t, 1, s.Sweep())
	_, err := s.Get("old")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.Get("new")
	assert.NoError(t, err)
}

func TestAcquireSerializesTurns(t *testing.T) {
	s := newTestStore()
	s.GetOrCreate("s1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := s.Acquire("s1")
			defer release()
			// read-modify-write that would lose updates without the turn lock
			sess, _ := s.Get("s1")
			n := len(sess.History)
			_, _ = s.AppendTurn("s1", Turn{Role: engine.RoleUser, Content: "x"})
			after, _ := s.Get("s1")
			assert.Equal(t, n+1, len(after.History))
		}()
	}
	wg.Wait()

	sess, _ := s.Get("s1")
	assert.Len(t, sess.History, 20)
}
