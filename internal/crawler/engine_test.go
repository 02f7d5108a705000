package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tgcrawl/internal/models"
	"github.com/blockedby/tgcrawl/internal/progress"
	"github.com/blockedby/tgcrawl/internal/telegram"
)

// mockClient serves a fixed history (newest first) and records the calls the
// engine makes.
type mockClient struct {
	history []telegram.Message // sorted by id descending
	senders map[int64]*telegram.Sender

	connectFailures int // fail this many Connect calls before succeeding
	authorized      bool
	floodOnPage     int // 1-based page index that raises a flood wait
	floodSeconds    int
	twoFactor       bool

	connectCalls int
	pageCalls    int
	offsets      []int
	senderCalls  int
	disconnects  int
}

func newMockClient(history []telegram.Message) *mockClient {
	return &mockClient{
		history:    history,
		authorized: true,
		senders: map[int64]*telegram.Sender{
			10: {ID: 10, Username: "alice"},
			11: {ID: 11, FirstName: "Bob", LastName: "Smith"},
		},
	}
}

func (m *mockClient) Connect(_ context.Context) error {
	m.connectCalls++
	if m.connectCalls <= m.connectFailures {
		return errors.New("dial failed")
	}
	return nil
}

func (m *mockClient) IsConnected() bool { return m.connectCalls > m.connectFailures }

func (m *mockClient) IsAuthorized(_ context.Context) (bool, error) { return m.authorized, nil }

func (m *mockClient) SendCodeRequest(_ context.Context, _ string) error { return nil }

func (m *mockClient) SignIn(_ context.Context, _, _ string) error {
	if m.twoFactor {
		return telegram.ErrTwoFactorRequired
	}
	m.authorized = true
	return nil
}

func (m *mockClient) ResolveChat(_ context.Context, ref telegram.ChatRef) (*telegram.Chat, error) {
	if ref.Kind == telegram.RefUsername && ref.Name == "missing" {
		return nil, &telegram.EntityNotFoundError{Ref: ref.Raw}
	}
	return &telegram.Chat{ID: ref.ID, AccessHash: 42, Title: "Test Chat"}, nil
}

func (m *mockClient) GetMessages(_ context.Context, _ *telegram.Chat, offsetID int, limit int) ([]telegram.Message, error) {
	m.pageCalls++
	m.offsets = append(m.offsets, offsetID)
	if m.floodOnPage > 0 && m.pageCalls == m.floodOnPage {
		return nil, &telegram.FloodWaitError{Seconds: m.floodSeconds}
	}

	var page []telegram.Message
	for _, msg := range m.history {
		if offsetID > 0 && msg.ID >= offsetID {
			continue
		}
		page = append(page, msg)
		if len(page) >= limit {
			break
		}
	}
	return page, nil
}

func (m *mockClient) ResolveSender(_ context.Context, id int64) (*telegram.Sender, error) {
	m.senderCalls++
	if s, ok := m.senders[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown sender %d", id)
}

func (m *mockClient) DownloadMedia(_ context.Context, _ *telegram.Chat, _ *telegram.Message, _ string, _ telegram.DownloadProgressFunc) error {
	return nil
}

func (m *mockClient) Disconnect() error {
	m.disconnects++
	return nil
}

// stubFetcher returns a fixed path for every media message.
type stubFetcher struct {
	path  string
	ok    bool
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, _ *telegram.Chat, _ *telegram.Message) (string, bool) {
	s.calls++
	return s.path, s.ok
}

type stubAuth struct {
	phone string
	code  string
}

func (s stubAuth) Phone(_ context.Context) (string, error) { return s.phone, nil }
func (s stubAuth) Code(_ context.Context) (string, error)  { return s.code, nil }

// messages builds a descending history: ids n, n-1, … 1, one minute apart,
// alternating between two senders.
func messages(n int, newest time.Time) []telegram.Message {
	out := make([]telegram.Message, 0, n)
	for i := 0; i < n; i++ {
		id := n - i
		sender := int64(10)
		if id%2 == 0 {
			sender = 11
		}
		out = append(out, telegram.Message{
			ID:       id,
			SenderID: sender,
			Date:     newest.Add(-time.Duration(i) * time.Minute),
			Text:     fmt.Sprintf("message %d", id),
			Views:    id * 10,
		})
	}
	return out
}

func newTestEngine(t *testing.T, client telegram.Client, fetcher MediaFetcher) (*Engine, *progress.Store) {
	t.Helper()
	store := progress.New(t.TempDir())
	if fetcher == nil {
		fetcher = &stubFetcher{}
	}
	e := New(client, store, fetcher, stubAuth{phone: "+111", code: "12345"}, nil)
	e.connectDelay = time.Millisecond
	e.pauseFor = time.Millisecond
	return e, store
}

func TestCrawl_LimitBoundsCollection(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient(messages(20, newest))
	e, _ := newTestEngine(t, client, nil)

	records, err := e.Crawl(context.Background(), Options{ChatRef: "-1001234567890", Limit: 5})
	require.NoError(t, err)
	require.Len(t, records, 5)

	for _, r := range records {
		assert.NotEmpty(t, r.SenderName)
		assert.False(t, r.Date.IsZero())
		assert.Equal(t, r.Date, r.Date.UTC(), "timestamps are normalized to UTC")
	}
	// newest first
	assert.Equal(t, 20, records[0].ID)
	assert.Equal(t, 16, records[4].ID)
	assert.Equal(t, StateCompleted, e.State())
	assert.Equal(t, 1, client.disconnects)
}

func TestCrawl_CutoffSemantics(t *testing.T) {
	t1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(-time.Hour)
	t3 := t2.Add(-time.Hour)
	client := newMockClient([]telegram.Message{
		{ID: 3, SenderID: 10, Date: t1, Text: "newest"},
		{ID: 2, SenderID: 10, Date: t2, Text: "middle"},
		{ID: 1, SenderID: 10, Date: t3, Text: "oldest"},
	})
	e, _ := newTestEngine(t, client, nil)

	records, err := e.Crawl(context.Background(), Options{ChatRef: "@group", Cutoff: &t2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].ID, "message at the cutoff is included")
	assert.Equal(t, 1, records[1].ID)
}

func TestCrawl_CutoffNeverReached(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient(messages(5, newest))
	e, _ := newTestEngine(t, client, nil)

	cutoff := newest.Add(-24 * time.Hour)
	_, err := e.Crawl(context.Background(), Options{ChatRef: "@group", Cutoff: &cutoff})
	assert.ErrorIs(t, err, ErrNoQualifyingMessages)
	assert.Equal(t, StateFailed, e.State())
	assert.Equal(t, 1, client.disconnects, "client disconnected on the error path too")
}

func TestCrawl_FloodWaitSurfacesSeconds(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient(messages(250, newest))
	client.floodOnPage = 2
	client.floodSeconds = 30
	e, _ := newTestEngine(t, client, nil)

	_, err := e.Crawl(context.Background(), Options{ChatRef: "@group"})
	require.Error(t, err)

	seconds, ok := telegram.AsFloodWait(err)
	require.True(t, ok, "error must be a flood wait, got: %v", err)
	assert.Equal(t, 30, seconds)
}

func TestCrawl_FloodWaitCheckpointsCollected(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient(messages(250, newest))
	client.floodOnPage = 2
	client.floodSeconds = 30
	e, store := newTestEngine(t, client, nil)

	records, err := e.Crawl(context.Background(), Options{ChatRef: "@group"})
	require.Error(t, err)
	require.NotEmpty(t, records)

	cp, saved, err := store.Load("@group")
	require.NoError(t, err)
	require.NotNil(t, cp, "best-effort checkpoint must exist after a mid-crawl failure")
	assert.Len(t, saved, len(records))
}

func TestCrawl_Resume(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient(messages(20, newest))
	e, store := newTestEngine(t, client, nil)

	// prior crawl covered ids 20..11 and stopped at 11
	prior := make([]models.Record, 0, 10)
	for id := 20; id > 10; id-- {
		prior = append(prior, models.Record{Group: "@group", ID: id, SenderName: "@alice", Date: newest})
	}
	require.NoError(t, store.Save("@group", prior, 11, nil))

	records, err := e.Crawl(context.Background(), Options{ChatRef: "@group", Resume: true})
	require.NoError(t, err)
	require.Len(t, records, 20)

	// preloaded records come first, unchanged
	assert.Equal(t, prior, records[:10])
	// pagination resumed strictly after the checkpointed id
	require.NotEmpty(t, client.offsets)
	assert.Equal(t, 11, client.offsets[0])
	assert.Equal(t, 10, records[10].ID)
}

func TestCrawl_ResumeWithoutCheckpointStartsFresh(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient(messages(3, newest))
	e, _ := newTestEngine(t, client, nil)

	records, err := e.Crawl(context.Background(), Options{ChatRef: "@group", Resume: true})
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, 0, client.offsets[0])
}

func TestCrawl_ConnectRetriesThenFails(t *testing.T) {
	client := newMockClient(nil)
	client.connectFailures = 10
	e, _ := newTestEngine(t, client, nil)

	_, err := e.Crawl(context.Background(), Options{ChatRef: "@group"})
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 3, client.connectCalls)
}

func TestCrawl_ConnectRecoversWithinPolicy(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient(messages(2, newest))
	client.connectFailures = 2
	e, _ := newTestEngine(t, client, nil)

	_, err := e.Crawl(context.Background(), Options{ChatRef: "@group"})
	require.NoError(t, err)
	assert.Equal(t, 3, client.connectCalls)
}

func TestCrawl_TwoFactorIsTerminal(t *testing.T) {
	client := newMockClient(nil)
	client.authorized = false
	client.twoFactor = true
	e, _ := newTestEngine(t, client, nil)

	_, err := e.Crawl(context.Background(), Options{ChatRef: "@group"})
	assert.ErrorIs(t, err, telegram.ErrTwoFactorRequired)
}

func TestCrawl_DismissedPromptCancels(t *testing.T) {
	client := newMockClient(nil)
	client.authorized = false
	store := progress.New(t.TempDir())
	e := New(client, store, &stubFetcher{}, stubAuth{phone: ""}, nil)
	e.connectDelay = time.Millisecond
	e.pauseFor = time.Millisecond

	_, err := e.Crawl(context.Background(), Options{ChatRef: "@group"})
	assert.ErrorIs(t, err, ErrAuthCancelled)
}

func TestCrawl_ChatResolutionError(t *testing.T) {
	client := newMockClient(nil)
	e, _ := newTestEngine(t, client, nil)

	_, err := e.Crawl(context.Background(), Options{ChatRef: "@missing"})
	var re *ResolveError
	require.ErrorAs(t, err, &re)
	assert.NotEmpty(t, Hint(err))
}

func TestCrawl_SenderCacheHitsOncePerSender(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient(messages(10, newest))
	e, _ := newTestEngine(t, client, nil)

	_, err := e.Crawl(context.Background(), Options{ChatRef: "@group"})
	require.NoError(t, err)
	assert.Equal(t, 2, client.senderCalls, "each sender resolved once per session")
}

func TestCrawl_UnknownSenderGetsPlaceholder(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient([]telegram.Message{
		{ID: 1, SenderID: 999, Date: newest, Text: "hi"},
	})
	e, _ := newTestEngine(t, client, nil)

	records, err := e.Crawl(context.Background(), Options{ChatRef: "@group"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "User999", records[0].SenderName)
}

func TestCrawl_MediaPathRecorded(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := []telegram.Message{
		{ID: 2, SenderID: 10, Date: newest, Text: "photo",
			Media: &telegram.MediaMeta{Kind: telegram.MediaPhoto, Size: 100}},
		{ID: 1, SenderID: 10, Date: newest.Add(-time.Minute), Text: "plain"},
	}
	client := newMockClient(history)
	fetcher := &stubFetcher{path: "/downloads/x.jpg", ok: true}
	e, _ := newTestEngine(t, client, fetcher)

	records, err := e.Crawl(context.Background(), Options{ChatRef: "@group"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, telegram.MediaPhoto, records[0].MediaType)
	assert.Equal(t, "/downloads/x.jpg", records[0].MediaPath)
	assert.Equal(t, telegram.MediaNone, records[1].MediaType)
	assert.Empty(t, records[1].MediaPath)
	assert.Equal(t, 1, fetcher.calls, "fetcher consulted only for media messages")
}

func TestCrawl_FailedMediaSkipsItemNotCrawl(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient([]telegram.Message{
		{ID: 1, SenderID: 10, Date: newest, Text: "photo",
			Media: &telegram.MediaMeta{Kind: telegram.MediaPhoto, Size: 100}},
	})
	e, _ := newTestEngine(t, client, &stubFetcher{ok: false})

	records, err := e.Crawl(context.Background(), Options{ChatRef: "@group"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, telegram.MediaPhoto, records[0].MediaType)
	assert.Empty(t, records[0].MediaPath)
}

func TestCrawl_PeriodicCheckpoint(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient(messages(7, newest))
	e, store := newTestEngine(t, client, nil)
	e.checkpointEvery = 3

	_, err := e.Crawl(context.Background(), Options{ChatRef: "@group"})
	require.NoError(t, err)

	cp, saved, err := store.Load("@group")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 7, len(saved))
	assert.Equal(t, 1, cp.LastMessageID)
}

func TestCrawl_CancellationCheckpointsAndReturns(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient(messages(250, newest))
	e, store := newTestEngine(t, client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	e.sink = func(float64, string) {
		calls++
		if calls == 50 {
			cancel()
		}
	}

	records, err := e.Crawl(ctx, Options{ChatRef: "@group"})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotEmpty(t, records)
	assert.Equal(t, 1, client.disconnects)

	cp, _, err := store.Load("@group")
	require.NoError(t, err)
	assert.NotNil(t, cp)
}

func TestCrawl_ProgressPercentBounded(t *testing.T) {
	newest := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := newMockClient(messages(10, newest))
	e, _ := newTestEngine(t, client, nil)

	var last float64
	e.sink = func(percent float64, _ string) {
		assert.GreaterOrEqual(t, percent, last)
		last = percent
	}

	_, err := e.Crawl(context.Background(), Options{ChatRef: "@group", Limit: 10})
	require.NoError(t, err)
	assert.InDelta(t, 100.0, last, 0.01)
}
