package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gotd/contrib/bg"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"golang.org/x/net/proxy"

	"github.com/blockedby/tgcrawl/internal/logger"
)

const (
	connectTimeout    = 60 * time.Second
	downloadChunkSize = 1024 * 1024 // 1MB, must stay a multiple of 4KB
)

// GotdOptions configures the gotd-backed client.
type GotdOptions struct {
	APIID       int
	APIHash     string
	SessionFile string
	ProxyAddr   string // host:port of a SOCKS5 proxy, empty for direct
}

// Gotd implements Client on top of gotd/td.
type Gotd struct {
	opts        GotdOptions
	rateLimiter *RateLimiter
	log         *logger.Logger

	mu            sync.Mutex
	client        *telegram.Client
	api           *tg.Client
	stop          bg.StopFunc
	runCancel     context.CancelFunc
	connected     bool
	phoneCodeHash string

	// entities observed in history responses, needed to resolve senders
	// without access hashes of our own
	senders map[int64]*Sender
}

// NewGotd creates a gotd-backed protocol client.
func NewGotd(opts GotdOptions) *Gotd {
	return &Gotd{
		opts:        opts,
		rateLimiter: DefaultRateLimiter(),
		log:         logger.Get(),
		senders:     make(map[int64]*Sender),
	}
}

// Connect starts the MTProto client in the background and waits for the
// transport to come up. Reconnection is handled by gotd itself.
func (g *Gotd) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.connected {
		return nil
	}

	tgOpts := telegram.Options{
		SessionStorage: &session.FileStorage{Path: g.opts.SessionFile},
		NoUpdates:      true,
	}

	if g.opts.ProxyAddr != "" {
		dialer, err := proxy.SOCKS5("tcp", g.opts.ProxyAddr, nil, proxy.Direct)
		if err != nil {
			return fmt.Errorf("create socks5 dialer: %w", err)
		}
		dc, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return fmt.Errorf("socks5 dialer does not support context dialing")
		}
		tgOpts.Resolver = dcs.Plain(dcs.PlainOptions{
			Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dc.DialContext(ctx, network, addr)
			},
		})
		g.log.Info().Str("proxy", g.opts.ProxyAddr).Msg("telegram: using socks5 proxy")
	}

	g.client = telegram.NewClient(g.opts.APIID, g.opts.APIHash, tgOpts)

	// The client needs its own lifetime context: the connect timeout only
	// bounds the wait for the transport to come up.
	runCtx, runCancel := context.WithCancel(context.Background())

	type result struct {
		stop bg.StopFunc
		err  error
	}
	ready := make(chan result, 1)
	go func() {
		stop, err := bg.Connect(g.client, bg.WithContext(runCtx))
		ready <- result{stop: stop, err: err}
	}()

	select {
	case r := <-ready:
		if r.err != nil {
			runCancel()
			g.client = nil
			return fmt.Errorf("connect: %w", r.err)
		}
		g.stop = r.stop
	case <-time.After(connectTimeout):
		runCancel()
		g.client = nil
		return fmt.Errorf("connect: no response within %s", connectTimeout)
	case <-ctx.Done():
		runCancel()
		g.client = nil
		return ctx.Err()
	}

	g.runCancel = runCancel
	g.api = g.client.API()
	g.connected = true
	g.log.Info().Msg("telegram: connected")
	return nil
}

// IsConnected reports whether the transport is up.
func (g *Gotd) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// IsAuthorized reports whether the stored session is signed in.
func (g *Gotd) IsAuthorized(ctx context.Context) (bool, error) {
	status, err := g.client.Auth().Status(ctx)
	if err != nil {
		return false, fmt.Errorf("auth status: %w", err)
	}
	return status.Authorized, nil
}

// SendCodeRequest asks the server to deliver a login code to phone.
func (g *Gotd) SendCodeRequest(ctx context.Context, phone string) error {
	sent, err := g.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return g.wrapRPC(fmt.Errorf("send code: %w", err))
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return fmt.Errorf("unexpected sent code type: %T", sent)
	}
	g.mu.Lock()
	g.phoneCodeHash = code.PhoneCodeHash
	g.mu.Unlock()
	return nil
}

// SignIn completes the login with the code the user received.
// A two-step-verification requirement surfaces as ErrTwoFactorRequired.
func (g *Gotd) SignIn(ctx context.Context, phone, code string) error {
	g.mu.Lock()
	hash := g.phoneCodeHash
	g.mu.Unlock()

	_, err := g.client.Auth().SignIn(ctx, phone, code, hash)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordAuthNeeded) {
			return ErrTwoFactorRequired
		}
		return g.wrapRPC(fmt.Errorf("sign in: %w", err))
	}
	return nil
}

// ResolveChat resolves a parsed chat reference to a concrete conversation.
// Username and link forms go through contacts.resolveUsername; numeric forms
// are matched against the account's dialog list, which is the only way to
// recover an access hash for a bare id.
func (g *Gotd) ResolveChat(ctx context.Context, ref ChatRef) (*Chat, error) {
	if err := g.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	switch ref.Kind {
	case RefUsername, RefInviteLink:
		return g.resolveUsername(ctx, ref)
	case RefSupergroup:
		return g.findDialog(ctx, ref, ref.ID, false)
	case RefNumeric:
		id := ref.ID
		legacy := false
		if id < 0 {
			id = -id
			legacy = true
		}
		return g.findDialog(ctx, ref, id, legacy)
	}
	return nil, &EntityNotFoundError{Ref: ref.Raw}
}

func (g *Gotd) resolveUsername(ctx context.Context, ref ChatRef) (*Chat, error) {
	g.log.Info().Str("username", ref.Name).Msg("telegram: resolving username")
	resolved, err := g.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: ref.Name,
	})
	if err != nil {
		if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID") {
			return nil, &EntityNotFoundError{Ref: ref.Raw}
		}
		return nil, g.wrapRPC(fmt.Errorf("resolve username %s: %w", ref.Name, err))
	}
	for _, c := range resolved.Chats {
		switch ch := c.(type) {
		case *tg.Channel:
			g.cacheChat(ch)
			return &Chat{ID: ch.ID, AccessHash: ch.AccessHash, Title: ch.Title, Broadcast: ch.Broadcast}, nil
		case *tg.Chat:
			return &Chat{ID: ch.ID, Title: ch.Title, Legacy: true}, nil
		}
	}
	return nil, &EntityNotFoundError{Ref: ref.Raw}
}

// findDialog scans the dialog list for a chat with the given bare id.
func (g *Gotd) findDialog(ctx context.Context, ref ChatRef, id int64, legacy bool) (*Chat, error) {
	dialogs, err := g.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return nil, g.wrapRPC(fmt.Errorf("get dialogs: %w", err))
	}

	var chats []tg.ChatClass
	switch d := dialogs.(type) {
	case *tg.MessagesDialogs:
		chats = d.Chats
	case *tg.MessagesDialogsSlice:
		chats = d.Chats
	}

	for _, c := range chats {
		switch ch := c.(type) {
		case *tg.Channel:
			if !legacy && ch.ID == id {
				g.cacheChat(ch)
				return &Chat{ID: ch.ID, AccessHash: ch.AccessHash, Title: ch.Title, Broadcast: ch.Broadcast}, nil
			}
		case *tg.Chat:
			if legacy && ch.ID == id {
				return &Chat{ID: ch.ID, Title: ch.Title, Legacy: true}, nil
			}
		}
	}
	return nil, &EntityNotFoundError{Ref: ref.Raw}
}

// GetMessages fetches one history page, newest first.
func (g *Gotd) GetMessages(ctx context.Context, chat *Chat, offsetID int, limit int) ([]Message, error) {
	if limit > 100 {
		limit = 100 // telegram api limit
	}

	if err := g.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	g.log.Debug().Int64("chat_id", chat.ID).Int("offset_id", offsetID).Int("limit", limit).
		Msg("telegram: fetching history page")

	history, err := g.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     g.inputPeer(chat),
		OffsetID: offsetID,
		Limit:    limit,
	})
	if err != nil {
		if wait, ok := tgerr.AsFloodWait(err); ok {
			g.rateLimiter.SetFloodWait(int(wait.Seconds()))
			return nil, &FloodWaitError{Seconds: int(wait.Seconds())}
		}
		return nil, g.wrapRPC(fmt.Errorf("get history: %w", err))
	}

	return g.extractMessages(history), nil
}

// ResolveSender returns display attributes for a sender id previously seen in
// a history response. Ids never observed cannot be resolved without an access
// hash and return an error.
func (g *Gotd) ResolveSender(_ context.Context, id int64) (*Sender, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.senders[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("sender %d not present in history responses", id)
}

// DownloadMedia streams a message attachment to destPath in chunks,
// reporting raw byte counters through onProgress.
func (g *Gotd) DownloadMedia(ctx context.Context, _ *Chat, msg *Message, destPath string, onProgress DownloadProgressFunc) error {
	if msg.Media == nil {
		return fmt.Errorf("message %d has no media", msg.ID)
	}

	loc, err := fileLocation(msg.Media)
	if err != nil {
		return err
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	defer f.Close()

	var received int64
	total := msg.Media.Size
	offset := int64(0)
	for {
		if err := g.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		result, err := g.api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
			Location: loc,
			Offset:   offset,
			Limit:    downloadChunkSize,
		})
		if err != nil {
			if wait, ok := tgerr.AsFloodWait(err); ok {
				g.rateLimiter.SetFloodWait(int(wait.Seconds()))
				return &FloodWaitError{Seconds: int(wait.Seconds())}
			}
			return g.wrapRPC(fmt.Errorf("download chunk at %d: %w", offset, err))
		}

		file, ok := result.(*tg.UploadFile)
		if !ok {
			return fmt.Errorf("unexpected upload response: %T", result)
		}

		if len(file.Bytes) == 0 {
			break
		}
		if _, err := f.Write(file.Bytes); err != nil {
			return fmt.Errorf("write %s: %w", destPath, err)
		}

		received += int64(len(file.Bytes))
		if onProgress != nil {
			onProgress(received, total)
		}

		if len(file.Bytes) < downloadChunkSize {
			break
		}
		offset += int64(len(file.Bytes))
	}

	return nil
}

// Disconnect stops the background client. Safe to call when not connected.
func (g *Gotd) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.connected {
		return nil
	}
	g.connected = false
	g.api = nil
	if g.runCancel != nil {
		defer g.runCancel()
		g.runCancel = nil
	}
	if g.stop != nil {
		stop := g.stop
		g.stop = nil
		return stop()
	}
	return nil
}

func (g *Gotd) inputPeer(chat *Chat) tg.InputPeerClass {
	if chat.Legacy {
		return &tg.InputPeerChat{ChatID: chat.ID}
	}
	return &tg.InputPeerChannel{ChannelID: chat.ID, AccessHash: chat.AccessHash}
}

// extractMessages converts a history response into wire messages and caches
// every user and chat it carries for later sender resolution.
func (g *Gotd) extractMessages(history tg.MessagesMessagesClass) []Message {
	var (
		raw   []tg.MessageClass
		users []tg.UserClass
		chats []tg.ChatClass
	)
	switch h := history.(type) {
	case *tg.MessagesChannelMessages:
		raw, users, chats = h.Messages, h.Users, h.Chats
	case *tg.MessagesMessagesSlice:
		raw, users, chats = h.Messages, h.Users, h.Chats
	case *tg.MessagesMessages:
		raw, users, chats = h.Messages, h.Users, h.Chats
	}

	g.cacheEntities(users, chats)

	var out []Message
	for _, m := range raw {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		out = append(out, Message{
			ID:       msg.ID,
			SenderID: senderID(msg),
			Date:     time.Unix(int64(msg.Date), 0).UTC(),
			Text:     msg.Message,
			Views:    msg.Views,
			Media:    extractMedia(msg.Media),
		})
	}
	return out
}

func (g *Gotd) cacheEntities(users []tg.UserClass, chats []tg.ChatClass) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			g.senders[user.ID] = &Sender{
				ID:        user.ID,
				Username:  user.Username,
				FirstName: user.FirstName,
				LastName:  user.LastName,
			}
		}
	}
	for _, c := range chats {
		if ch, ok := c.(*tg.Channel); ok {
			g.senders[ch.ID] = &Sender{ID: ch.ID, Username: ch.Username, Title: ch.Title}
		}
	}
}

func (g *Gotd) cacheChat(ch *tg.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.senders[ch.ID] = &Sender{ID: ch.ID, Username: ch.Username, Title: ch.Title}
}

// wrapRPC classifies transient server failures.
func (g *Gotd) wrapRPC(err error) error {
	if tgerr.Is(err, "INTERNAL_SERVER_ERROR") || tgerr.IsCode(err, 500) {
		return &ServerError{Err: err}
	}
	return err
}

func senderID(msg *tg.Message) int64 {
	if msg.FromID != nil {
		switch p := msg.FromID.(type) {
		case *tg.PeerUser:
			return p.UserID
		case *tg.PeerChannel:
			return p.ChannelID
		case *tg.PeerChat:
			return p.ChatID
		}
	}
	if peer, ok := msg.PeerID.(*tg.PeerChannel); ok {
		return peer.ChannelID
	}
	return 0
}

// extractMedia reduces a protocol media object to the kinds the crawl
// records: photo, video, document, audio. Anything else is treated as no
// downloadable media.
func extractMedia(media tg.MessageMediaClass) *MediaMeta {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil
		}
		thumb, size := largestPhotoSize(photo.Sizes)
		if thumb == "" {
			return nil
		}
		return &MediaMeta{
			Kind: MediaPhoto,
			Size: size,
			photo: &photoRef{
				id:         photo.ID,
				accessHash: photo.AccessHash,
				fileRef:    photo.FileReference,
				thumbSize:  thumb,
			},
		}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil
		}
		meta := &MediaMeta{
			Kind: MediaDocument,
			Size: doc.Size,
			doc: &docRef{
				id:         doc.ID,
				accessHash: doc.AccessHash,
				fileRef:    doc.FileReference,
			},
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				meta.Kind = MediaVideo
			case *tg.DocumentAttributeAudio:
				meta.Kind = MediaAudio
			case *tg.DocumentAttributeFilename:
				meta.Filename = a.FileName
			}
		}
		return meta
	}
	return nil
}

func fileLocation(meta *MediaMeta) (tg.InputFileLocationClass, error) {
	switch {
	case meta.photo != nil:
		return &tg.InputPhotoFileLocation{
			ID:            meta.photo.id,
			AccessHash:    meta.photo.accessHash,
			FileReference: meta.photo.fileRef,
			ThumbSize:     meta.photo.thumbSize,
		}, nil
	case meta.doc != nil:
		return &tg.InputDocumentFileLocation{
			ID:            meta.doc.id,
			AccessHash:    meta.doc.accessHash,
			FileReference: meta.doc.fileRef,
		}, nil
	}
	return nil, fmt.Errorf("media has no downloadable location")
}

// largestPhotoSize picks the biggest available photo size.
func largestPhotoSize(sizes []tg.PhotoSizeClass) (string, int64) {
	var best *tg.PhotoSize
	for _, s := range sizes {
		if sz, ok := s.(*tg.PhotoSize); ok {
			if best == nil || sz.W*sz.H > best.W*best.H {
				best = sz
			}
		}
	}
	if best == nil {
		return "", 0
	}
	return best.Type, int64(best.Size)
}
