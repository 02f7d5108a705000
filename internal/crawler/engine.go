// Package crawler orchestrates the end-to-end message crawl: connect,
// authenticate, resolve the chat, paginate history, enrich and download, and
// checkpoint along the way.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/tgcrawl/internal/logger"
	"github.com/blockedby/tgcrawl/internal/models"
	"github.com/blockedby/tgcrawl/internal/progress"
	"github.com/blockedby/tgcrawl/internal/telegram"
)

// AuthProvider supplies credentials interactively. An empty return value
// means the user dismissed the prompt and the crawl is cancelled.
type AuthProvider interface {
	Phone(ctx context.Context) (string, error)
	Code(ctx context.Context) (string, error)
}

// ProgressSink receives human-readable crawl progress. percent is relative to
// the bounded total and 0 when the crawl is unbounded. Implementations must
// return promptly; the crawl calls them synchronously.
type ProgressSink func(percent float64, status string)

// MediaFetcher retrieves a message's media, returning the local path and
// whether the retrieval succeeded. Failures degrade to a skipped item.
type MediaFetcher interface {
	Fetch(ctx context.Context, chat *telegram.Chat, msg *telegram.Message) (string, bool)
}

// Options bound a single crawl.
type Options struct {
	ChatRef string     // any accepted chat reference form
	Cutoff  *time.Time // stop once a message is at or before this bound
	Limit   int        // hard cap on collected messages, 0 = unbounded
	Resume  bool       // continue from a prior checkpoint if one exists
}

// Engine runs one crawl at a time. The sender cache and the collected record
// list are owned by the engine instance; concurrent crawls on the same
// instance are not supported.
type Engine struct {
	client  telegram.Client
	store   *progress.Store
	fetcher MediaFetcher
	auth    AuthProvider
	sink    ProgressSink
	log     *logger.Logger

	senders map[int64]*telegram.Sender
	state   State

	// crawl policy, fixed by the spec but adjustable in tests
	connectAttempts int
	connectDelay    time.Duration
	pauseEvery      int
	pauseFor        time.Duration
	checkpointEvery int
	pageSize        int
}

// New creates a crawl engine. sink may be nil.
func New(client telegram.Client, store *progress.Store, fetcher MediaFetcher, auth AuthProvider, sink ProgressSink) *Engine {
	return &Engine{
		client:  client,
		store:   store,
		fetcher: fetcher,
		auth:    auth,
		sink:    sink,
		log:     logger.Get(),
		senders: make(map[int64]*telegram.Sender),
		state:   StateIdle,

		connectAttempts: 3,
		connectDelay:    5 * time.Second,
		pauseEvery:      10,
		pauseFor:        500 * time.Millisecond,
		checkpointEvery: 100,
		pageSize:        100,
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// Crawl runs the full crawl and returns the collected records in crawl order
// (preloaded checkpoint records first, then newest to oldest). The protocol
// client is disconnected on every exit path. On an unrecoverable error the
// records collected so far are checkpointed best-effort before returning.
func (e *Engine) Crawl(ctx context.Context, opts Options) ([]models.Record, error) {
	session := uuid.New().String()[:8]
	log := e.log.With().Str("crawl", session).Str("chat", opts.ChatRef).Logger()
	log.Info().Msg("crawl: starting")

	defer func() {
		if err := e.client.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("crawl: disconnect failed")
		}
	}()

	records, lastID, err := e.run(ctx, opts)
	if err != nil {
		e.setState(StateFailed)
		if len(records) > 0 {
			e.checkpoint(opts, records, lastID)
		}
		log.Error().Err(err).Int("collected", len(records)).Msg("crawl: failed")
		return records, err
	}

	e.setState(StateCompleted)
	log.Info().Int("collected", len(records)).Msg("crawl: completed")
	return records, nil
}

func (e *Engine) run(ctx context.Context, opts Options) ([]models.Record, int, error) {
	ref, err := telegram.ParseChatRef(opts.ChatRef)
	if err != nil {
		return nil, 0, &ResolveError{Ref: opts.ChatRef, Err: err}
	}

	if err := e.connect(ctx); err != nil {
		return nil, 0, err
	}
	if err := e.authenticate(ctx); err != nil {
		return nil, 0, err
	}

	e.setState(StateResolvingChat)
	e.report(0, "resolving chat "+opts.ChatRef)
	chat, err := e.client.ResolveChat(ctx, ref)
	if err != nil {
		if _, ok := telegram.AsFloodWait(err); ok {
			return nil, 0, err
		}
		return nil, 0, &ResolveError{Ref: opts.ChatRef, Err: err}
	}
	e.log.Info().Str("title", chat.Title).Int64("chat_id", chat.ID).Msg("crawl: chat resolved")

	var (
		records  []models.Record
		offsetID int
	)
	if opts.Resume {
		cp, saved, err := e.store.Load(opts.ChatRef)
		if err != nil {
			return nil, 0, err
		}
		if cp != nil {
			records = saved
			offsetID = cp.LastMessageID
			e.log.Info().Int("preloaded", len(saved)).Int("offset_id", offsetID).
				Msg("crawl: resuming from checkpoint")
		}
	}

	return e.paginate(ctx, opts, chat, records, offsetID)
}

// connect applies the fixed retry policy: a few attempts with a fixed delay,
// then fatal.
func (e *Engine) connect(ctx context.Context) error {
	e.setState(StateConnecting)
	e.report(0, "connecting")

	var lastErr error
	for attempt := 1; attempt <= e.connectAttempts; attempt++ {
		lastErr = e.client.Connect(ctx)
		if lastErr == nil {
			return nil
		}
		e.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("crawl: connect attempt failed")
		if attempt < e.connectAttempts {
			if err := sleepCtx(ctx, e.connectDelay); err != nil {
				return err
			}
		}
	}
	return &ConnectError{Attempts: e.connectAttempts, Err: lastErr}
}

// authenticate runs the phone/code flow through the injected provider when
// the session is not yet signed in. A two-factor requirement is terminal.
func (e *Engine) authenticate(ctx context.Context) error {
	e.setState(StateAuthenticating)

	authorized, err := e.client.IsAuthorized(ctx)
	if err != nil {
		return fmt.Errorf("check authorization: %w", err)
	}
	if authorized {
		return nil
	}

	e.report(0, "authentication required")
	phone, err := e.auth.Phone(ctx)
	if err != nil {
		return fmt.Errorf("phone prompt: %w", err)
	}
	if phone == "" {
		return ErrAuthCancelled
	}

	if err := e.client.SendCodeRequest(ctx, phone); err != nil {
		return fmt.Errorf("send code: %w", err)
	}

	code, err := e.auth.Code(ctx)
	if err != nil {
		return fmt.Errorf("code prompt: %w", err)
	}
	if code == "" {
		return ErrAuthCancelled
	}

	if err := e.client.SignIn(ctx, phone, code); err != nil {
		if errors.Is(err, telegram.ErrTwoFactorRequired) {
			return err
		}
		return fmt.Errorf("sign in: %w", err)
	}
	e.log.Info().Msg("crawl: authenticated")
	return nil
}

// paginate walks the history newest-first, committing messages that satisfy
// the cutoff/limit predicate until a bound is reached or history runs out.
func (e *Engine) paginate(ctx context.Context, opts Options, chat *telegram.Chat, records []models.Record, offsetID int) ([]models.Record, int, error) {
	e.setState(StatePaginating)

	var (
		lastID       = offsetID
		newCount     int
		sinceCheck   int
		processedRun int
	)

	for {
		if err := ctx.Err(); err != nil {
			return records, lastID, err
		}

		page, err := e.client.GetMessages(ctx, chat, offsetID, e.pageSize)
		if err != nil {
			return records, lastID, err
		}
		if len(page) == 0 {
			break
		}
		offsetID = page[len(page)-1].ID

		for i := range page {
			msg := &page[i]

			if opts.Cutoff != nil && msg.Date.After(*opts.Cutoff) {
				continue
			}

			e.setState(StateProcessing)
			records = append(records, e.buildRecord(ctx, opts, chat, msg))
			lastID = msg.ID
			newCount++
			sinceCheck++
			processedRun++

			e.reportProgress(opts, len(records), newCount)

			if opts.Limit > 0 && len(records) >= opts.Limit {
				return e.finish(opts, records, lastID, newCount)
			}

			if sinceCheck >= e.checkpointEvery {
				e.setState(StateCheckpointing)
				e.checkpoint(opts, records, lastID)
				sinceCheck = 0
			}

			// etiquette pause, independent of server throttling
			if processedRun%e.pauseEvery == 0 {
				if err := sleepCtx(ctx, e.pauseFor); err != nil {
					return records, lastID, err
				}
			}
		}
		e.setState(StatePaginating)
	}

	return e.finish(opts, records, lastID, newCount)
}

func (e *Engine) finish(opts Options, records []models.Record, lastID, newCount int) ([]models.Record, int, error) {
	if opts.Cutoff != nil && opts.Limit == 0 && newCount == 0 {
		return records, lastID, ErrNoQualifyingMessages
	}
	e.setState(StateCheckpointing)
	e.checkpoint(opts, records, lastID)
	return records, lastID, nil
}

// buildRecord assembles one message record: resolved sender, normalized
// timestamp, media retrieval through the ledger-backed fetcher.
func (e *Engine) buildRecord(ctx context.Context, opts Options, chat *telegram.Chat, msg *telegram.Message) models.Record {
	sender := e.resolveSender(ctx, msg.SenderID)

	rec := models.Record{
		Group:      opts.ChatRef,
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		Username:   sender.Username,
		SenderName: sender.DisplayName(),
		Date:       msg.Date.UTC(),
		Text:       msg.Text,
		Views:      msg.Views,
	}

	if msg.Media != nil && msg.Media.Kind != telegram.MediaNone {
		rec.MediaType = msg.Media.Kind
		if path, ok := e.fetcher.Fetch(ctx, chat, msg); ok {
			rec.MediaPath = path
		} else {
			e.log.Warn().Int("message_id", msg.ID).Str("kind", msg.Media.Kind.String()).
				Msg("crawl: media skipped after failed retrieval")
		}
	}

	return rec
}

// resolveSender consults the per-crawl cache first; entries live for the
// whole session. Resolution failures fall back to a bare id placeholder.
func (e *Engine) resolveSender(ctx context.Context, id int64) *telegram.Sender {
	if s, ok := e.senders[id]; ok {
		return s
	}
	s, err := e.client.ResolveSender(ctx, id)
	if err != nil {
		e.log.Debug().Err(err).Int64("sender_id", id).Msg("crawl: sender resolution failed")
		s = &telegram.Sender{ID: id}
	}
	e.senders[id] = s
	return s
}

// checkpoint persists the collected records in canonical snapshot form:
// deduplicated by message id, sorted ascending by timestamp. Failures are
// logged, never fatal.
func (e *Engine) checkpoint(opts Options, records []models.Record, lastID int) {
	if len(records) == 0 {
		return
	}
	if err := e.store.Save(opts.ChatRef, progress.Merge(records, nil), lastID, opts.Cutoff); err != nil {
		e.log.Error().Err(err).Msg("crawl: checkpoint save failed")
	}
}

func (e *Engine) reportProgress(opts Options, total, processed int) {
	if opts.Limit > 0 {
		percent := float64(total) / float64(opts.Limit) * 100
		e.report(percent, fmt.Sprintf("processed %d/%d messages", total, opts.Limit))
		return
	}
	e.report(0, fmt.Sprintf("processed %d messages", processed))
}

func (e *Engine) report(percent float64, status string) {
	if e.sink != nil {
		e.sink(percent, status)
	}
}

func (e *Engine) setState(s State) {
	if e.state != s {
		e.state = s
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
