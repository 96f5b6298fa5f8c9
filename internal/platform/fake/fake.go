// Package fake is an in-memory platform used by tests across the module.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vovakirdan/tgrelay/internal/platform"
)

// Forwarded records one Forward call.
type Forwarded struct {
	Message *platform.Message
	To      platform.ChatRef
}

type account struct {
	authorized    bool
	password      string
	connectErr    error
	connectBlock  bool
	disconnectErr error
	forwardErr    error
	challengeErrs []error
}

// Provider hands out fake clients and keeps per-user "durable" session state,
// so authorization survives across client handles the way a session file does.
type Provider struct {
	mu       sync.Mutex
	accounts map[int64]*account
	clients  map[int64][]*Client
	entities map[int64]platform.Entity
	deleted  []int64
}

var _ platform.Provider = (*Provider)(nil)

// NewProvider creates an empty fake provider.
func NewProvider() *Provider {
	return &Provider{
		accounts: make(map[int64]*account),
		clients:  make(map[int64][]*Client),
		entities: make(map[int64]platform.Entity),
	}
}

func (p *Provider) account(userID int64) *account {
	a, ok := p.accounts[userID]
	if !ok {
		a = &account{}
		p.accounts[userID] = a
	}
	return a
}

// SetAuthorized marks the user's durable session as logged in or not.
func (p *Provider) SetAuthorized(userID int64, authorized bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account(userID).authorized = authorized
}

// SetPassword enables a second-factor password for the user's account.
func (p *Provider) SetPassword(userID int64, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account(userID).password = password
}

// SetConnectError makes every Connect for the user fail with err.
func (p *Provider) SetConnectError(userID int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account(userID).connectErr = err
}

// BlockConnect makes every Connect for the user hang until its ctx ends.
func (p *Provider) BlockConnect(userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account(userID).connectBlock = true
}

// SetDisconnectError makes Disconnect for the user report err. The connection
// is still torn down.
func (p *Provider) SetDisconnectError(userID int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account(userID).disconnectErr = err
}

// SetForwardError makes every Forward for the user fail with err.
func (p *Provider) SetForwardError(userID int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account(userID).forwardErr = err
}

// FailChallenges queues errors returned by the next IssueLoginChallenge calls.
func (p *Provider) FailChallenges(userID int64, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.account(userID)
	a.challengeErrs = append(a.challengeErrs, errs...)
}

// AddEntity makes chatID resolvable.
func (p *Provider) AddEntity(e platform.Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entities[e.ID] = e
}

// NewClient implements platform.Provider.
func (p *Provider) NewClient(userID int64) (platform.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &Client{provider: p, userID: userID}
	p.clients[userID] = append(p.clients[userID], c)
	return c, nil
}

// DeleteSession implements platform.Provider.
func (p *Provider) DeleteSession(userID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account(userID).authorized = false
	p.deleted = append(p.deleted, userID)
	return nil
}

// Clients returns every client handed out for the user, oldest first.
func (p *Provider) Clients(userID int64) []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Client(nil), p.clients[userID]...)
}

// Latest returns the most recently created client for the user, or nil.
func (p *Provider) Latest(userID int64) *Client {
	clients := p.Clients(userID)
	if len(clients) == 0 {
		return nil
	}
	return clients[len(clients)-1]
}

// Deleted lists users whose sessions were deleted.
func (p *Provider) Deleted() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.deleted...)
}

type subscription struct {
	chat    platform.ChatRef
	handler platform.Handler
}

// Client is a fake platform.Client.
type Client struct {
	provider *Provider
	userID   int64

	mu           sync.Mutex
	connected    bool
	closed       chan struct{}
	subs         []subscription
	forwards     []Forwarded
	scans        map[string]chan error
	lastURL      string
	challenges   int
	connects     int
	disconnects  int
	passwordTurn int
}

var _ platform.Client = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	c.provider.mu.Lock()
	a := c.provider.account(c.userID)
	err, block := a.connectErr, a.connectBlock
	c.provider.mu.Unlock()
	if err != nil {
		return err
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	c.connected = true
	c.closed = make(chan struct{})
	c.connects++
	return nil
}

func (c *Client) Disconnect(_ context.Context) error {
	c.provider.mu.Lock()
	err := c.provider.account(c.userID).disconnectErr
	c.provider.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	c.subs = nil
	close(c.closed)
	c.disconnects++
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IssueLoginChallenge(_ context.Context) (platform.Challenge, error) {
	c.provider.mu.Lock()
	a := c.provider.account(c.userID)
	var err error
	if len(a.challengeErrs) > 0 {
		err = a.challengeErrs[0]
		a.challengeErrs = a.challengeErrs[1:]
	}
	c.provider.mu.Unlock()
	if err != nil {
		return platform.Challenge{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return platform.Challenge{}, platform.ErrNotConnected
	}
	c.challenges++
	url := fmt.Sprintf("tg://login?token=fake-%d-%d", c.userID, c.challenges)
	if c.scans == nil {
		c.scans = make(map[string]chan error)
	}
	c.scans[url] = make(chan error, 1)
	c.lastURL = url
	return platform.Challenge{URL: url, Expires: time.Now().Add(time.Minute)}, nil
}

func (c *Client) WaitForChallengeResolution(ctx context.Context, ch platform.Challenge) error {
	c.mu.Lock()
	scans, ok := c.scans[ch.URL]
	c.mu.Unlock()
	if !ok {
		return platform.ErrChallengeExpired
	}

	select {
	case err := <-scans:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()
	a := c.provider.account(c.userID)
	if a.password != "" {
		return platform.ErrPasswordRequired
	}
	a.authorized = true
	return nil
}

// Scan simulates the user scanning the most recent challenge. A non-nil err
// makes the wait fail with it.
func (c *Client) Scan(err error) {
	c.mu.Lock()
	scans := c.scans[c.lastURL]
	c.mu.Unlock()
	if scans != nil {
		scans <- err
	}
}

func (c *Client) SubmitSecondFactor(_ context.Context, password string) error {
	if !c.IsConnected() {
		return platform.ErrNotConnected
	}
	c.mu.Lock()
	c.passwordTurn++
	c.mu.Unlock()

	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()
	a := c.provider.account(c.userID)
	if password != a.password {
		return platform.ErrInvalidPassword
	}
	a.authorized = true
	return nil
}

func (c *Client) IsAuthorized(_ context.Context) (bool, error) {
	if !c.IsConnected() {
		return false, platform.ErrNotConnected
	}
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()
	return c.provider.account(c.userID).authorized, nil
}

func (c *Client) ResolveEntity(_ context.Context, chatID int64) (platform.Entity, error) {
	if !c.IsConnected() {
		return platform.Entity{}, platform.ErrNotConnected
	}
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()
	e, ok := c.provider.entities[chatID]
	if !ok {
		return platform.Entity{}, fmt.Errorf("chat %d: not found", chatID)
	}
	return e, nil
}

func (c *Client) Subscribe(chat platform.ChatRef, h platform.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, subscription{chat: chat, handler: h})
}

func (c *Client) Receive(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed == nil {
		return platform.ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return nil
	case <-closed:
		return platform.ErrNotConnected
	}
}

func (c *Client) Forward(_ context.Context, msg *platform.Message, to platform.ChatRef) error {
	c.provider.mu.Lock()
	err := c.provider.account(c.userID).forwardErr
	c.provider.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.forwards = append(c.forwards, Forwarded{Message: msg, To: to})
	return err
}

// Deliver runs every matching subscription handler synchronously and returns
// how many handlers saw the message.
func (c *Client) Deliver(ctx context.Context, msg *platform.Message) int {
	c.mu.Lock()
	var handlers []platform.Handler
	for _, s := range c.subs {
		if s.chat.Matches(msg.ChatID, msg.TopicID) {
			handlers = append(handlers, s.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ctx, msg)
	}
	return len(handlers)
}

// Subscriptions lists the currently registered chats.
func (c *Client) Subscriptions() []platform.ChatRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]platform.ChatRef, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s.chat)
	}
	return out
}

// Forwards lists every Forward call, successful or not.
func (c *Client) Forwards() []Forwarded {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Forwarded(nil), c.forwards...)
}

// Connects reports how many times the client actually connected.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Disconnects reports how many times a live connection was closed.
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// PasswordAttempts reports how many second-factor submissions reached the client.
func (c *Client) PasswordAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passwordTurn
}
