package xmpp

import (
	"sort"
	"sync"
	"time"

	"github.com/restxmpp/gateway/internal/types"
)

// DefaultChatBufferSize is the per-conversation message capacity.
const DefaultChatBufferSize = 50

// ReceiptFunc emits a delivery receipt for an inbound message that was
// just handed to a client for the first time.
type ReceiptFunc func(conversationId, wireId string)

// ConversationStore keeps a bounded, ordered message buffer per
// conversation (contact or room id) together with delivery-receipt
// state. Appends come from the inbound dispatch goroutine and from
// outbound sends; reads come from arbitrary caller contexts. All access
// is synchronized internally.
type ConversationStore struct {
	mu          sync.Mutex
	seq         *EventSequencer
	capacity    int
	chats       map[string][]*types.Message
	sendReceipt ReceiptFunc
}

func NewConversationStore(seq *EventSequencer, capacity int) *ConversationStore {
	if capacity <= 0 {
		capacity = DefaultChatBufferSize
	}

	return &ConversationStore{
		seq:      seq,
		capacity: capacity,
		chats:    make(map[string][]*types.Message),
	}
}

// SetReceiptFunc installs the delivery-receipt emitter. Called once at
// connection setup, before any dispatch runs.
func (s *ConversationStore) SetReceiptFunc(f ReceiptFunc) {
	s.sendReceipt = f
}

// Append stamps a new event id, stores the message and evicts the oldest
// entry if the buffer exceeds capacity.
func (s *ConversationStore) Append(conversationId string, inbound bool, text, wireId string, deliveryRequested bool) types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &types.Message{
		EventId:           s.seq.Next(),
		ConversationId:    conversationId,
		Inbound:           inbound,
		Text:              text,
		Timestamp:         Now(),
		WireId:            wireId,
		DeliveryRequested: deliveryRequested,
	}

	chat := append(s.chats[conversationId], msg)
	if len(chat) > s.capacity {
		chat = chat[len(chat)-s.capacity:]
	}
	s.chats[conversationId] = chat

	return *msg
}

// Messages returns every stored message matching the filter, sorted by
// event id. With a nil conversationIds all conversations are searched;
// eventOffset filters on event_id > eventOffset. Handing an inbound,
// receipt-requested, undelivered message to a caller acknowledges it:
// the message flips to delivered exactly once and a receipt is emitted.
func (s *ConversationStore) Messages(conversationIds []string, eventOffset int64) []types.Message {
	type receipt struct {
		conversationId string
		wireId         string
	}

	s.mu.Lock()
	var result []types.Message
	var receipts []receipt

	collect := func(chat []*types.Message) {
		for _, msg := range chat {
			if msg.EventId <= eventOffset {
				continue
			}
			if msg.Inbound && msg.DeliveryRequested && !msg.Delivered {
				msg.Delivered = true
				receipts = append(receipts, receipt{msg.ConversationId, msg.WireId})
			}
			result = append(result, *msg)
		}
	}

	if conversationIds == nil {
		for _, chat := range s.chats {
			collect(chat)
		}
	} else {
		for _, id := range conversationIds {
			collect(s.chats[id])
		}
	}
	sendReceipt := s.sendReceipt
	s.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].EventId < result[j].EventId
	})

	if sendReceipt != nil {
		for _, r := range receipts {
			sendReceipt(r.conversationId, r.wireId)
		}
	}

	return result
}

// MarkDelivered records a delivery receipt for an outbound message and
// stamps a new event id on it so pollers observe the status flip. Returns
// whether a message was updated.
func (s *ConversationStore) MarkDelivered(conversationId, wireId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range s.chats[conversationId] {
		if !msg.Inbound && msg.WireId == wireId && !msg.Delivered {
			msg.Delivered = true
			msg.EventId = s.seq.Next()
			return true
		}
	}

	return false
}

// Last returns the most recently appended message of a conversation.
func (s *ConversationStore) Last(conversationId string) (types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat := s.chats[conversationId]
	if len(chat) == 0 {
		return types.Message{}, false
	}
	return *chat[len(chat)-1], true
}

// RemoveConversation purges a conversation's buffer entirely.
func (s *ConversationStore) RemoveConversation(conversationId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.chats, conversationId)
}

// RemoveThrough drops every message of a conversation with
// event_id <= eventOffset. Used when a client resets its history window.
func (s *ConversationStore) RemoveThrough(conversationId string, eventOffset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat := s.chats[conversationId]
	kept := chat[:0]
	for _, msg := range chat {
		if msg.EventId > eventOffset {
			kept = append(kept, msg)
		}
	}

	if len(kept) == 0 {
		delete(s.chats, conversationId)
		return
	}
	s.chats[conversationId] = kept
}

// Now is the timestamp source for stored messages.
func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
