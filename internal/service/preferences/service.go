package preferences

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/tgrelay/internal/core"
	"github.com/vovakirdan/tgrelay/internal/platform"
	"github.com/vovakirdan/tgrelay/internal/store"
)

// Common errors for preference operations.
var (
	ErrInvalidChatRef       = errors.New("expected chat_id or chat_id:topic_id")
	ErrInvalidFilterMode    = errors.New("filter mode must be all or token")
	ErrLoginRequired        = errors.New("login required")
	ErrChatInaccessible     = errors.New("cannot access chat")
	ErrSourceNotFound       = errors.New("source not found")
	ErrFilteredUserNotFound = errors.New("filtered user not found")
)

// fallbackDisplayName is stored when a sender's name cannot be resolved.
const fallbackDisplayName = "user"

// Clients hands out the user's authorized platform client.
type Clients interface {
	Client(ctx context.Context, userID int64) (platform.Client, error)
}

// Relay restarts a user's relay loop after a configuration change.
type Relay interface {
	Refresh(ctx context.Context, userID int64) (core.LoopState, error)
	Active(userID int64) bool
}

// Service edits relay preferences. Every mutation is persisted first and then
// applied with a relay refresh.
type Service struct {
	store   store.Store
	clients Clients
	relay   Relay
	log     *zerolog.Logger
}

// New creates a preferences service.
func New(st store.Store, clients Clients, relay Relay, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "preferences").Logger()
	return &Service{
		store:   st,
		clients: clients,
		relay:   relay,
		log:     &l,
	}
}

// ParseChatRef parses "chat_id" or "chat_id:topic_id". A zero topic means the
// whole chat.
func ParseChatRef(raw string) (platform.ChatRef, error) {
	raw = strings.TrimSpace(raw)
	chatPart, topicPart, hasTopic := strings.Cut(raw, ":")

	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil || chatID == 0 {
		return platform.ChatRef{}, fmt.Errorf("%w: %q", ErrInvalidChatRef, raw)
	}
	ref := platform.ChatRef{ChatID: chatID}
	if !hasTopic {
		return ref, nil
	}

	topicID, err := strconv.ParseInt(strings.TrimSpace(topicPart), 10, 64)
	if err != nil || topicID < 0 {
		return platform.ChatRef{}, fmt.Errorf("%w: %q", ErrInvalidChatRef, raw)
	}
	if topicID != 0 {
		ref.TopicID = &topicID
	}
	return ref, nil
}

func (s *Service) resolve(ctx context.Context, userID, chatID int64) (platform.Entity, error) {
	client, err := s.clients.Client(ctx, userID)
	if err != nil {
		return platform.Entity{}, fmt.Errorf("%w: %w", ErrLoginRequired, err)
	}
	entity, err := client.ResolveEntity(ctx, chatID)
	if err != nil {
		return platform.Entity{}, fmt.Errorf("%w %d: %w", ErrChatInaccessible, chatID, err)
	}
	return entity, nil
}

func (s *Service) refresh(ctx context.Context, userID int64) (core.LoopState, error) {
	state, err := s.relay.Refresh(ctx, userID)
	if err != nil {
		return state, fmt.Errorf("refresh relay: %w", err)
	}
	return state, nil
}

// AddSource validates access to the chat and starts monitoring it.
func (s *Service) AddSource(ctx context.Context, userID int64, raw string) (*store.Source, core.LoopState, error) {
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return nil, core.LoopIdle, fmt.Errorf("ensure user: %w", err)
	}
	ref, err := ParseChatRef(raw)
	if err != nil {
		return nil, core.LoopIdle, err
	}

	entity, err := s.resolve(ctx, userID, ref.ChatID)
	if err != nil {
		return nil, core.LoopIdle, err
	}
	title := entity.Title
	if title == "" {
		title = strconv.FormatInt(ref.ChatID, 10)
	}
	if ref.TopicID != nil {
		title = fmt.Sprintf("%s (topic %d)", title, *ref.TopicID)
	}

	src := store.Source{ChatID: ref.ChatID, TopicID: ref.TopicID, Title: title}
	if err := s.store.AddSource(ctx, userID, src); err != nil {
		return nil, core.LoopIdle, fmt.Errorf("add source: %w", err)
	}
	s.log.Info().Int64("user_id", userID).Str("source", ref.String()).Msg("source added")

	state, err := s.refresh(ctx, userID)
	return &src, state, err
}

// RemoveSource stops monitoring a chat or topic.
func (s *Service) RemoveSource(ctx context.Context, userID int64, raw string) (core.LoopState, error) {
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return core.LoopIdle, fmt.Errorf("ensure user: %w", err)
	}
	ref, err := ParseChatRef(raw)
	if err != nil {
		return core.LoopIdle, err
	}

	if err := s.store.RemoveSource(ctx, userID, ref.ChatID, ref.TopicID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.LoopIdle, ErrSourceNotFound
		}
		return core.LoopIdle, fmt.Errorf("remove source: %w", err)
	}
	s.log.Info().Int64("user_id", userID).Str("source", ref.String()).Msg("source removed")

	return s.refresh(ctx, userID)
}

// SetTarget validates access to the chat and makes it the forwarding target.
func (s *Service) SetTarget(ctx context.Context, userID int64, raw string) (*store.Target, core.LoopState, error) {
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return nil, core.LoopIdle, fmt.Errorf("ensure user: %w", err)
	}
	ref, err := ParseChatRef(raw)
	if err != nil {
		return nil, core.LoopIdle, err
	}
	if _, err := s.resolve(ctx, userID, ref.ChatID); err != nil {
		return nil, core.LoopIdle, err
	}

	target := store.Target{ChatID: ref.ChatID, TopicID: ref.TopicID}
	if err := s.store.SetTarget(ctx, userID, target); err != nil {
		return nil, core.LoopIdle, fmt.Errorf("set target: %w", err)
	}
	s.log.Info().Int64("user_id", userID).Str("target", ref.String()).Msg("target set")

	state, err := s.refresh(ctx, userID)
	return &target, state, err
}

// SetFilterMode switches the content filter.
func (s *Service) SetFilterMode(ctx context.Context, userID int64, mode store.FilterMode) (core.LoopState, error) {
	if !mode.Valid() {
		return core.LoopIdle, ErrInvalidFilterMode
	}
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return core.LoopIdle, fmt.Errorf("ensure user: %w", err)
	}
	if err := s.store.SetFilterMode(ctx, userID, mode); err != nil {
		return core.LoopIdle, fmt.Errorf("set filter mode: %w", err)
	}
	s.log.Info().Int64("user_id", userID).Str("mode", string(mode)).Msg("filter mode set")

	return s.refresh(ctx, userID)
}

// ToggleFilterMode flips between all and token and returns the new mode.
func (s *Service) ToggleFilterMode(ctx context.Context, userID int64) (store.FilterMode, core.LoopState, error) {
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return "", core.LoopIdle, fmt.Errorf("ensure user: %w", err)
	}
	current, err := s.store.GetFilterMode(ctx, userID)
	if err != nil {
		return "", core.LoopIdle, fmt.Errorf("get filter mode: %w", err)
	}
	next := current.Toggle()
	state, err := s.SetFilterMode(ctx, userID, next)
	return next, state, err
}

// AddFilteredUser allow-lists a sender. The display name is best-effort.
func (s *Service) AddFilteredUser(ctx context.Context, userID, senderID int64) (*store.FilteredUser, core.LoopState, error) {
	if senderID <= 0 {
		return nil, core.LoopIdle, fmt.Errorf("invalid user id %d", senderID)
	}
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return nil, core.LoopIdle, fmt.Errorf("ensure user: %w", err)
	}

	fu := store.FilteredUser{UserID: senderID, DisplayName: fallbackDisplayName}
	if entity, err := s.resolve(ctx, userID, senderID); err == nil && entity.Title != "" {
		fu.DisplayName = entity.Title
	} else if err != nil {
		s.log.Debug().Err(err).Int64("user_id", userID).Int64("sender_id", senderID).Msg("sender name not resolved")
	}

	if err := s.store.AddFilteredUser(ctx, userID, fu); err != nil {
		return nil, core.LoopIdle, fmt.Errorf("add filtered user: %w", err)
	}
	s.log.Info().Int64("user_id", userID).Int64("sender_id", senderID).Msg("filtered user added")

	state, err := s.refresh(ctx, userID)
	return &fu, state, err
}

// RemoveFilteredUser drops a sender from the allow-list.
func (s *Service) RemoveFilteredUser(ctx context.Context, userID, senderID int64) (core.LoopState, error) {
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return core.LoopIdle, fmt.Errorf("ensure user: %w", err)
	}
	if err := s.store.RemoveFilteredUser(ctx, userID, senderID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.LoopIdle, ErrFilteredUserNotFound
		}
		return core.LoopIdle, fmt.Errorf("remove filtered user: %w", err)
	}
	s.log.Info().Int64("user_id", userID).Int64("sender_id", senderID).Msg("filtered user removed")

	return s.refresh(ctx, userID)
}

// Refresh re-applies the stored configuration to the relay.
func (s *Service) Refresh(ctx context.Context, userID int64) (core.LoopState, error) {
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return core.LoopIdle, fmt.Errorf("ensure user: %w", err)
	}
	return s.refresh(ctx, userID)
}

// View is a summary of a user's relay configuration.
type View struct {
	Sources       []store.Source
	Target        *store.Target
	FilterMode    store.FilterMode
	FilteredUsers []store.FilteredUser
	RelayActive   bool
}

// View reads the user's configuration.
func (s *Service) View(ctx context.Context, userID int64) (*View, error) {
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	sources, err := s.store.ListSources(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	target, err := s.store.GetTarget(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get target: %w", err)
	}
	mode, err := s.store.GetFilterMode(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get filter mode: %w", err)
	}
	filtered, err := s.store.ListFilteredUsers(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list filtered users: %w", err)
	}

	return &View{
		Sources:       sources,
		Target:        target,
		FilterMode:    mode,
		FilteredUsers: filtered,
		RelayActive:   s.relay.Active(userID),
	}, nil
}
