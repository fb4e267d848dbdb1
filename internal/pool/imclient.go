package pool

import (
	"sync"

	"github.com/restxmpp/gateway/internal/notify"
	"github.com/restxmpp/gateway/internal/stats"
)

// IMClient is one logical end-user device. A device logged into several
// identities owns one session per identity; the push badge aggregates
// unread counts across all of them so the device shows a single number.
type IMClient struct {
	Id string

	mu        sync.Mutex
	pushToken string
	sessions  map[string]*Session
	sender    *notify.PushSender
	stats     stats.StatsProvider
}

func newIMClient(id, pushToken string, sender *notify.PushSender, statsProvider stats.StatsProvider) *IMClient {
	return &IMClient{
		Id:        id,
		pushToken: pushToken,
		sessions:  make(map[string]*Session),
		sender:    sender,
		stats:     statsProvider,
	}
}

// session returns the existing session for an address, nil if none.
func (c *IMClient) session(address string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[address]
}

func (c *IMClient) attach(address string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[address] = s
}

func (c *IMClient) sessionClosed(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessions[s.Address()] == s {
		delete(c.sessions, s.Address())
	}
}

func (c *IMClient) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// unreadCount sums unread conversations across the device's sessions.
func (c *IMClient) unreadCount() int {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	total := 0
	for _, s := range sessions {
		total += s.UnreadCount()
	}
	return total
}

// PushNotification sends one push to the device, badge set to the
// aggregated unread count. A device without a push token is skipped.
func (c *IMClient) PushNotification(message, contactName, contactId string, sound bool) {
	c.mu.Lock()
	token := c.pushToken
	sender := c.sender
	c.mu.Unlock()

	if token == "" || sender == nil {
		return
	}

	sender.Notify(token, notify.Notification{
		Message:     message,
		ContactName: contactName,
		ContactId:   contactId,
		UnreadCount: c.unreadCount(),
		Badge:       true,
		Sound:       sound,
	})
	if c.stats != nil {
		c.stats.Incr(stats.PushesSent)
	}
}
