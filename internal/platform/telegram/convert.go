package telegram

import (
	"time"

	"github.com/gotd/td/tg"
	"github.com/vovakirdan/tgrelay/internal/platform"
)

// Marked ids follow the Bot API convention: users are positive, basic groups
// are negated and channels/supergroups are offset below -10^12.
const channelIDOffset = 1_000_000_000_000

// markedID converts a peer into its marked chat id.
func markedID(peer tg.PeerClass) (int64, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID, true
	case *tg.PeerChat:
		return -p.ChatID, true
	case *tg.PeerChannel:
		return -(channelIDOffset + p.ChannelID), true
	default:
		return 0, false
	}
}

// topicOf extracts the forum topic a message was posted in.
func topicOf(msg *tg.Message) *int64 {
	replyTo, ok := msg.GetReplyTo()
	if !ok {
		return nil
	}
	h, ok := replyTo.(*tg.MessageReplyHeader)
	if !ok || !h.ForumTopic {
		return nil
	}
	if top, ok := h.GetReplyToTopID(); ok {
		id := int64(top)
		return &id
	}
	if id, ok := h.GetReplyToMsgID(); ok {
		topic := int64(id)
		return &topic
	}
	return nil
}

// senderOf returns the sending user, if any. Channel posts have none.
func senderOf(msg *tg.Message) *int64 {
	if from, ok := msg.GetFromID(); ok {
		if u, ok := from.(*tg.PeerUser); ok {
			id := u.UserID
			return &id
		}
		return nil
	}
	// Private chats omit from_id for the peer's own messages.
	if u, ok := msg.PeerID.(*tg.PeerUser); ok && !msg.Out {
		id := u.UserID
		return &id
	}
	return nil
}

// inputPeerFromEntities builds the input peer of the chat a message belongs to
// from the entities shipped with the update.
func inputPeerFromEntities(peer tg.PeerClass, e tg.Entities) tg.InputPeerClass {
	switch p := peer.(type) {
	case *tg.PeerChannel:
		if ch, ok := e.Channels[p.ChannelID]; ok {
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}
	case *tg.PeerUser:
		if u, ok := e.Users[p.UserID]; ok {
			return &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
		}
	}
	return nil
}

// toMessage converts an update message. Service messages and empty slots are skipped.
func toMessage(m tg.MessageClass, e tg.Entities) (*platform.Message, bool) {
	msg, ok := m.(*tg.Message)
	if !ok {
		return nil, false
	}
	chatID, ok := markedID(msg.PeerID)
	if !ok {
		return nil, false
	}
	out := &platform.Message{
		ID:       msg.ID,
		ChatID:   chatID,
		TopicID:  topicOf(msg),
		SenderID: senderOf(msg),
		Text:     msg.Message,
		Date:     time.Unix(int64(msg.Date), 0),
	}
	if peer := inputPeerFromEntities(msg.PeerID, e); peer != nil {
		out.Origin = peer
	}
	return out, true
}
