package types

import (
	"time"
)

// PresenceState is the displayed availability of a contact, aggregated
// over all of its connected resources.
type PresenceState string

const (
	PresenceOffline      PresenceState = "offline"
	PresenceOnline       PresenceState = "online"
	PresenceAway         PresenceState = "away"
	PresenceDnd          PresenceState = "dnd"
	PresenceExtendedAway PresenceState = "xa"
)

// Subscription is the protocol-level subscription direction between the
// local identity and a contact.
type Subscription string

const (
	SubscriptionNone Subscription = "none"
	SubscriptionTo   Subscription = "to"
	SubscriptionFrom Subscription = "from"
	SubscriptionBoth Subscription = "both"
)

// Authorization is the local view of a contact's authorization state,
// layered on top of Subscription for client convenience.
type Authorization string

const (
	AuthorizationNone      Authorization = "none"
	AuthorizationRequested Authorization = "requested"
	AuthorizationGranted   Authorization = "granted"
)

type Contact struct {
	Id            string        `json:"id"`
	Address       string        `json:"jid"`
	Name          string        `json:"name,omitempty"`
	Show          PresenceState `json:"show"`
	Status        string        `json:"status,omitempty"`
	Subscription  Subscription  `json:"subscription"`
	Authorization Authorization `json:"authorization"`
	AskPending    bool          `json:"ask_pending,omitempty"`
	Groups        []string      `json:"groups,omitempty"`
	ReadOffset    int64         `json:"read_offset"`
	HistoryOffset int64         `json:"history_offset"`
	EventId       int64         `json:"event_id"`
}

type Member struct {
	Address   string `json:"jid"`
	Nickname  string `json:"member_id"`
	ContactId string `json:"contact_id,omitempty"`
	Name      string `json:"name"`
}

type Room struct {
	Id            string   `json:"id"`
	Address       string   `json:"jid"`
	Name          string   `json:"name,omitempty"`
	ReadOffset    int64    `json:"read_offset"`
	HistoryOffset int64    `json:"history_offset"`
	EventId       int64    `json:"event_id"`
	Members       []Member `json:"members"`
}

type Message struct {
	EventId           int64     `json:"event_id"`
	ConversationId    string    `json:"contact_id"`
	Inbound           bool      `json:"inbound"`
	Text              string    `json:"text"`
	Timestamp         time.Time `json:"timestamp"`
	WireId            string    `json:"-"`
	DeliveryRequested bool      `json:"-"`
	Delivered         bool      `json:"delivered"`
}
