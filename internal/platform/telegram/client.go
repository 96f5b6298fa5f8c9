package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/constant"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/tgrelay/internal/platform"
	"github.com/vovakirdan/tgrelay/internal/utils"
)

const dialogWarmupLimit = 100

type subscription struct {
	chat    platform.ChatRef
	handler platform.Handler
}

// conn is one running gotd connection. A new one is built on every Connect.
type conn struct {
	client   *telegram.Client
	api      *tg.Client
	peers    *peers.Manager
	loggedIn qrlogin.LoggedIn

	cancel context.CancelFunc
	done   chan struct{}
	err    error // valid after done is closed
}

func (cn *conn) alive() bool {
	select {
	case <-cn.done:
		return false
	default:
		return true
	}
}

// Client is a platform.Client bound to one session file.
type Client struct {
	appID       int
	appHash     string
	sessionPath string
	log         *zerolog.Logger

	mu   sync.Mutex
	conn *conn

	// keyed by marked chat id
	subs *xsync.MapOf[int64, []subscription]
}

var _ platform.Client = (*Client)(nil)

func newClient(appID int, appHash, sessionPath string, logger *zerolog.Logger) *Client {
	return &Client{
		appID:       appID,
		appHash:     appHash,
		sessionPath: sessionPath,
		log:         logger,
		subs:        xsync.NewMapOf[int64, []subscription](),
	}
}

func (c *Client) current() (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.alive() {
		return nil, platform.ErrNotConnected
	}
	return c.conn, nil
}

// Connect starts a gotd client on the session file and waits until it is usable.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.alive() {
		return nil
	}

	dispatcher := tg.NewUpdateDispatcher()
	cn := &conn{done: make(chan struct{})}

	var hook telegram.UpdateHandler
	cn.client = telegram.NewClient(c.appID, c.appHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: c.sessionPath},
		UpdateHandler: telegram.UpdateHandlerFunc(func(ctx context.Context, u tg.UpdatesClass) error {
			return hook.Handle(ctx, u)
		}),
	})
	cn.api = cn.client.API()
	cn.peers = peers.Options{}.Build(cn.api)
	hook = cn.peers.UpdateHook(&dispatcher)
	cn.loggedIn = qrlogin.OnLoginToken(&dispatcher)

	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.deliver(ctx, u.Message, e)
		return nil
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.deliver(ctx, u.Message, e)
		return nil
	})

	runCtx, cancel := context.WithCancel(context.Background())
	cn.cancel = cancel
	ready := make(chan error, 1)
	go func() {
		defer close(cn.done)
		cn.err = cn.client.Run(runCtx, func(ctx context.Context) error {
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		select {
		case ready <- cn.err:
		default:
		}
	}()

	select {
	case err := <-ready:
		if err == nil && cn.alive() {
			c.conn = cn
			c.log.Debug().Msg("connected")
			return nil
		}
		cancel()
		if err == nil {
			err = platform.ErrNotConnected
		}
		return fmt.Errorf("telegram connect: %w", err)
	case <-ctx.Done():
		cancel()
		<-cn.done
		return ctx.Err()
	}
}

// Disconnect stops the connection and drops every subscription.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.subs.Clear()
	c.mu.Unlock()
	if cn == nil {
		return nil
	}

	cn.cancel()
	select {
	case <-cn.done:
	case <-ctx.Done():
		return fmt.Errorf("telegram disconnect: %w", ctx.Err())
	}
	if cn.err != nil && !errors.Is(cn.err, context.Canceled) {
		return fmt.Errorf("telegram run: %w", cn.err)
	}
	c.log.Debug().Msg("disconnected")
	return nil
}

func (c *Client) IsConnected() bool {
	_, err := c.current()
	return err == nil
}

func (c *Client) IssueLoginChallenge(ctx context.Context) (platform.Challenge, error) {
	cn, err := c.current()
	if err != nil {
		return platform.Challenge{}, err
	}
	token, err := cn.client.QR().Export(ctx)
	if err != nil {
		return platform.Challenge{}, fmt.Errorf("export login token: %w", err)
	}
	return platform.Challenge{URL: token.URL(), Expires: token.Expires()}, nil
}

func (c *Client) WaitForChallengeResolution(ctx context.Context, ch platform.Challenge) error {
	cn, err := c.current()
	if err != nil {
		return err
	}

	expiry := time.NewTimer(time.Until(ch.Expires))
	defer expiry.Stop()

	select {
	case <-cn.loggedIn:
	case <-expiry.C:
		return platform.ErrChallengeExpired
	case <-cn.done:
		return platform.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := cn.client.QR().Import(ctx); err != nil {
		if tgerr.Is(err, "SESSION_PASSWORD_NEEDED") {
			return platform.ErrPasswordRequired
		}
		return fmt.Errorf("import login token: %w", err)
	}
	return nil
}

func (c *Client) SubmitSecondFactor(ctx context.Context, password string) error {
	cn, err := c.current()
	if err != nil {
		return err
	}
	if _, err := cn.client.Auth().Password(ctx, password); err != nil {
		if errors.Is(err, auth.ErrPasswordInvalid) || tgerr.Is(err, "PASSWORD_HASH_INVALID") {
			return platform.ErrInvalidPassword
		}
		return fmt.Errorf("submit password: %w", err)
	}
	return nil
}

func (c *Client) IsAuthorized(ctx context.Context) (bool, error) {
	cn, err := c.current()
	if err != nil {
		return false, err
	}
	status, err := cn.client.Auth().Status(ctx)
	if err != nil {
		return false, fmt.Errorf("auth status: %w", err)
	}
	return status.Authorized, nil
}

// resolve looks up a marked chat id. On a miss it loads the dialog list once,
// which teaches the peer manager the access hashes it needs, and retries.
func (c *Client) resolve(ctx context.Context, cn *conn, chatID int64) (peers.Peer, error) {
	p, err := cn.peers.ResolveTDLibID(ctx, constant.TDLibPeerID(chatID))
	if err == nil {
		return p, nil
	}
	if werr := c.warmDialogs(ctx, cn); werr != nil {
		return nil, errors.Join(err, werr)
	}
	p, err = cn.peers.ResolveTDLibID(ctx, constant.TDLibPeerID(chatID))
	if err != nil {
		return nil, fmt.Errorf("resolve chat %d: %w", chatID, err)
	}
	return p, nil
}

func (c *Client) warmDialogs(ctx context.Context, cn *conn) error {
	res, err := cn.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      dialogWarmupLimit,
	})
	if err != nil {
		return fmt.Errorf("get dialogs: %w", err)
	}
	dialogs, ok := res.AsModified()
	if !ok {
		return nil
	}
	return cn.peers.Apply(ctx, dialogs.GetUsers(), dialogs.GetChats())
}

func (c *Client) ResolveEntity(ctx context.Context, chatID int64) (platform.Entity, error) {
	cn, err := c.current()
	if err != nil {
		return platform.Entity{}, err
	}
	p, err := c.resolve(ctx, cn, chatID)
	if err != nil {
		return platform.Entity{}, err
	}
	return platform.Entity{ID: chatID, Title: p.VisibleName()}, nil
}

func (c *Client) Subscribe(chat platform.ChatRef, h platform.Handler) {
	c.subs.Compute(chat.ChatID, func(old []subscription, _ bool) ([]subscription, bool) {
		return append(old, subscription{chat: chat, handler: h}), false
	})
}

func (c *Client) deliver(ctx context.Context, m tg.MessageClass, e tg.Entities) {
	msg, ok := toMessage(m, e)
	if !ok {
		return
	}
	subs, ok := c.subs.Load(msg.ChatID)
	if !ok {
		return
	}
	for _, s := range subs {
		if s.chat.Matches(msg.ChatID, msg.TopicID) {
			s.handler(ctx, msg)
		}
	}
}

// Receive asks the server to start pushing updates and blocks until ctx is
// cancelled or the connection drops.
func (c *Client) Receive(ctx context.Context) error {
	cn, err := c.current()
	if err != nil {
		return err
	}
	if _, err := cn.api.UpdatesGetState(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("get updates state: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-cn.done:
		if cn.err != nil {
			return fmt.Errorf("connection closed: %w", cn.err)
		}
		return platform.ErrNotConnected
	}
}

func (c *Client) Forward(ctx context.Context, msg *platform.Message, to platform.ChatRef) error {
	cn, err := c.current()
	if err != nil {
		return err
	}

	from, _ := msg.Origin.(tg.InputPeerClass)
	if from == nil {
		p, err := c.resolve(ctx, cn, msg.ChatID)
		if err != nil {
			return err
		}
		from = p.InputPeer()
	}
	target, err := c.resolve(ctx, cn, to.ChatID)
	if err != nil {
		return err
	}

	req := &tg.MessagesForwardMessagesRequest{
		FromPeer: from,
		ID:       []int{msg.ID},
		RandomID: []int64{utils.RandomID()},
		ToPeer:   target.InputPeer(),
	}
	if to.TopicID != nil {
		req.SetTopMsgID(int(*to.TopicID))
	}
	if _, err := cn.api.MessagesForwardMessages(ctx, req); err != nil {
		return fmt.Errorf("forward message %d: %w", msg.ID, err)
	}
	return nil
}
