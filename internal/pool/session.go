package pool

import (
	"crypto/subtle"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/restxmpp/gateway/internal/notify"
	"github.com/restxmpp/gateway/internal/types"
	"github.com/restxmpp/gateway/internal/xmpp"
)

const closedNotificationText = "Session closed. Login again, to start new session."

// Session is one logical device's attachment to a shared
// ProtocolConnection. It observes the connection's derived events, wakes
// its long-pollers and forwards pushes through its IMClient. The token is
// handed out once at creation and must accompany every later call.
type Session struct {
	Id    string
	token string

	log      *log.Logger
	conn     *xmpp.ProtocolConnection
	imClient *IMClient
	notifier *notify.Notifier
	pool     *SessionPool

	sendMessageBody atomic.Bool
	closed          atomic.Bool
}

func newSession(logger *log.Logger, conn *xmpp.ProtocolConnection, imClient *IMClient, pool *SessionPool) *Session {
	return &Session{
		Id:       newId(),
		token:    newId(),
		log:      logger,
		conn:     conn,
		imClient: imClient,
		notifier: notify.NewNotifier(),
		pool:     pool,
	}
}

// newId returns a 32-char hex id with 128 bits of randomness.
func newId() string {
	return fmt.Sprintf("%x", [16]byte(uuid.New()))
}

// Token returns the session secret. The pool exposes it exactly once, in
// the StartSession response.
func (s *Session) Token() string {
	return s.token
}

// VerifyToken compares a presented token in constant time.
func (s *Session) VerifyToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(s.token), []byte(token)) == 1
}

// Address returns the identity this session is attached to.
func (s *Session) Address() string {
	return s.conn.Address()
}

// SetSendMessageBody controls whether pushes include the message text or
// only the contact name.
func (s *Session) SetSendMessageBody(v bool) {
	s.sendMessageBody.Store(v)
}

// WaitForNotification blocks until any event relevant to this session
// occurs or the timeout elapses. Returns whether it was woken.
func (s *Session) WaitForNotification(timeout time.Duration) bool {
	return s.notifier.Wait(timeout)
}

// Delegations to the shared connection.

func (s *Session) Contacts(eventOffset int64) ([]types.Contact, error) {
	return s.conn.Contacts(eventOffset)
}

func (s *Session) Contact(id string) (types.Contact, error) {
	return s.conn.Contact(id)
}

func (s *Session) ContactByAddress(address string) (types.Contact, error) {
	return s.conn.ContactByAddress(address)
}

func (s *Session) Rooms(eventOffset int64) ([]types.Room, error) {
	return s.conn.Rooms(eventOffset)
}

func (s *Session) Room(id string) (types.Room, error) {
	return s.conn.Room(id)
}

func (s *Session) Feed(eventOffset int64) ([]types.Contact, []types.Room, error) {
	return s.conn.Feed(eventOffset)
}

func (s *Session) Messages(conversationIds []string, eventOffset int64) []types.Message {
	return s.conn.Messages(conversationIds, eventOffset)
}

func (s *Session) Send(conversationId, text string) (types.Message, error) {
	return s.conn.Send(conversationId, text)
}

func (s *Session) SendByAddress(address, text string) (types.Message, error) {
	return s.conn.SendByAddress(address, text)
}

func (s *Session) AddContact(address, name string, groups []string) error {
	return s.conn.AddContact(address, name, groups)
}

func (s *Session) UpdateContact(id, name string, groups []string) error {
	return s.conn.UpdateContact(id, name, groups)
}

func (s *Session) RemoveContact(id string) error {
	return s.conn.RemoveContact(id)
}

func (s *Session) SetAuthorization(id string, authorization types.Authorization) error {
	return s.conn.SetAuthorization(id, authorization)
}

func (s *Session) SetReadOffset(id string, offset int64) error {
	return s.conn.SetReadOffset(id, offset)
}

func (s *Session) SetHistoryOffset(id string, offset int64) error {
	return s.conn.SetHistoryOffset(id, offset)
}

func (s *Session) JoinRoom(address string) error {
	return s.conn.JoinRoom(address)
}

func (s *Session) CreateRoom(node, name string) error {
	return s.conn.CreateRoom(node, name)
}

func (s *Session) LeaveRoom(roomId string) error {
	return s.conn.LeaveRoom(roomId)
}

func (s *Session) InviteToRoom(roomId, contactId string) error {
	return s.conn.InviteToRoom(roomId, contactId)
}

func (s *Session) InviteManyToRoom(roomId string, contactIds []string) error {
	return s.conn.InviteManyToRoom(roomId, contactIds)
}

func (s *Session) UnreadCount() int {
	return s.conn.UnreadCount()
}

// Observer implementation: connection events wake the long-poll notifier
// and drive pushes through the IMClient.

func (s *Session) OnMessage(conversationId, text string, inbound bool) {
	s.notifier.Notify()

	if !inbound {
		return
	}

	// Pushes carry the contact name; room messages only wake pollers.
	contact, err := s.conn.Contact(conversationId)
	if err != nil {
		return
	}

	body := ""
	if s.sendMessageBody.Load() {
		body = text
	}
	s.imClient.PushNotification(body, contact.Name, conversationId, true)
}

func (s *Session) OnDelivered(conversationId, wireId string) {
	s.notifier.Notify()
}

func (s *Session) OnContactsChanged() {
	s.notifier.Notify()
}

func (s *Session) OnUnreadChanged() {
	s.imClient.PushNotification("", "", "", false)
}

func (s *Session) OnClosed(err error) {
	s.log.Printf("session %s: connection terminated: %v", s.Id, err)
	s.notifier.Notify()

	// Runs on the connection's dispatch goroutine; the teardown waits
	// for that goroutine to exit, so it must not happen inline.
	go s.pool.connectionFailed(s.conn)
}

// close detaches the session from its connection and IMClient. Terminal;
// a new StartSession always yields a fresh Session.
func (s *Session) close(withNotification bool) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	if withNotification {
		s.imClient.PushNotification(closedNotificationText, "", "", true)
	}

	s.imClient.sessionClosed(s)
	s.conn.RemoveObserver(s)
	s.notifier.Stop()
}
