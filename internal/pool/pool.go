package pool

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/teris-io/shortid"

	"github.com/restxmpp/gateway/internal/notify"
	"github.com/restxmpp/gateway/internal/stats"
	"github.com/restxmpp/gateway/internal/xmpp"
)

// SessionPool is the top-level registry: it maps opaque session ids to
// Sessions, multiplexes Sessions onto one ProtocolConnection per
// identity, and groups Sessions under IMClients (one per device) for
// aggregated push badges. It is the only component allowed to destroy a
// ProtocolConnection or an IMClient.
type SessionPool struct {
	log   *log.Logger
	stats stats.StatsProvider

	server     string
	dialer     xmpp.Dialer
	pushSender *notify.PushSender
	bufferSize int

	mu          sync.Mutex
	sessions    map[string]*Session
	connections map[string]*xmpp.ProtocolConnection
	imClients   map[string]*IMClient
	dialLocks   map[string]*sync.Mutex
}

func NewSessionPool(logger *log.Logger, dialer xmpp.Dialer, server string, pushSender *notify.PushSender, bufferSize int, statsProvider stats.StatsProvider) *SessionPool {
	if pushSender != nil {
		pushSender.Start()
	}

	return &SessionPool{
		log:         logger,
		stats:       statsProvider,
		server:      server,
		dialer:      dialer,
		pushSender:  pushSender,
		bufferSize:  bufferSize,
		sessions:    make(map[string]*Session),
		connections: make(map[string]*xmpp.ProtocolConnection),
		imClients:   make(map[string]*IMClient),
		dialLocks:   make(map[string]*sync.Mutex),
	}
}

// StartSession attaches a device to an identity. The first session for an
// identity dials and authenticates a new connection; later sessions
// validate their credentials with a throwaway connect and share the
// existing one. One session exists per (identity, device) pair; starting
// it again returns the same session. Blocks on network I/O, so callers
// should treat it as a long-running operation.
func (p *SessionPool) StartSession(address, secret, pushToken, clientId string) (sessionId, token string, err error) {
	bare := strings.ToLower(xmpp.BareAddress(address))
	if !strings.Contains(bare, "@") {
		return "", "", &xmpp.ValueError{Param: "jid"}
	}

	conn, err := p.connectionFor(bare, secret)
	if err != nil {
		return "", "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// The connection may have failed terminally between the dial and
	// here; a registered session must belong to a live, published
	// connection.
	if p.connections[bare] != conn {
		return "", "", fmt.Errorf("start session for %s: %w", bare, &xmpp.ConnectionError{Server: p.server})
	}

	if clientId == "" {
		clientId = p.newClientId()
	}
	imClient, ok := p.imClients[clientId]
	if !ok {
		imClient = newIMClient(clientId, pushToken, p.pushSender, p.stats)
		p.imClients[clientId] = imClient
	}

	s := imClient.session(bare)
	if s == nil {
		s = newSession(p.log, conn, imClient, p)
		imClient.attach(bare, s)
		conn.AddObserver(s)
		p.sessions[s.Id] = s
		p.incr(stats.ActiveSessions)
	}

	return s.Id, s.token, nil
}

// connectionFor returns the shared connection for an identity, dialing
// one when none exists. Network I/O runs outside the pool mutex so a
// slow login cannot stall lookups for other sessions; a per-identity
// lock serializes concurrent logins for the same address.
func (p *SessionPool) connectionFor(bare, secret string) (*xmpp.ProtocolConnection, error) {
	addrLock := p.addressLock(bare)
	addrLock.Lock()
	defer addrLock.Unlock()

	p.mu.Lock()
	conn, ok := p.connections[bare]
	p.mu.Unlock()

	if ok {
		valid, err := conn.CheckCredentials(bare, secret)
		if err != nil {
			return nil, fmt.Errorf("check credentials for %s: %w", bare, err)
		}
		if !valid {
			return nil, &xmpp.AuthError{Address: bare}
		}
		return conn, nil
	}

	conn, err := xmpp.NewProtocolConnection(p.log, p.dialer, p.server, bare, secret, p.bufferSize, p.stats)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("start session for %s: %w", bare, err)
	}

	p.mu.Lock()
	p.connections[bare] = conn
	p.mu.Unlock()
	p.incr(stats.ActiveConnections)

	return conn, nil
}

func (p *SessionPool) addressLock(bare string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.dialLocks[bare]
	if !ok {
		l = &sync.Mutex{}
		p.dialLocks[bare] = l
	}
	return l
}

// connectionFailed removes a terminally failed connection and closes all
// of its sessions, so the next StartSession for the identity dials
// fresh. Invoked by session observers once the reconnect budget is
// exhausted; only the first call for a given connection does anything.
func (p *SessionPool) connectionFailed(conn *xmpp.ProtocolConnection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr := conn.Address()
	if p.connections[addr] != conn {
		return
	}
	delete(p.connections, addr)
	p.decr(stats.ActiveConnections)

	for id, s := range p.sessions {
		if s.conn != conn {
			continue
		}
		delete(p.sessions, id)
		s.close(true)
		p.decr(stats.ActiveSessions)

		if s.imClient.sessionCount() == 0 {
			delete(p.imClients, s.imClient.Id)
		}
	}

	conn.Close()
}

func (p *SessionPool) newClientId() string {
	id, err := shortid.Generate()
	if err != nil {
		return newId()
	}
	return id
}

// CloseSession detaches and destroys a session. The owning connection is
// stopped once its last observer detaches; the owning IMClient is
// dropped once its last session closes.
func (p *SessionPool) CloseSession(sessionId string, withNotification bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[sessionId]
	if !ok {
		return xmpp.ErrNotFound
	}
	delete(p.sessions, sessionId)

	s.close(withNotification)
	p.decr(stats.ActiveSessions)

	if s.imClient.sessionCount() == 0 {
		delete(p.imClients, s.imClient.Id)
	}

	if s.conn.ObserverCount() == 0 {
		s.conn.Close()
		delete(p.connections, s.conn.Address())
		p.decr(stats.ActiveConnections)
	}

	return nil
}

// SessionFor looks a session up by id.
func (p *SessionPool) SessionFor(sessionId string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[sessionId]
	if !ok {
		return nil, xmpp.ErrNotFound
	}
	return s, nil
}

// Authenticate looks a session up and verifies its token.
func (p *SessionPool) Authenticate(sessionId, token string) (*Session, error) {
	s, err := p.SessionFor(sessionId)
	if err != nil {
		return nil, err
	}
	if !s.VerifyToken(token) {
		return nil, &xmpp.AuthError{Address: s.Address()}
	}
	return s, nil
}

func (p *SessionPool) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *SessionPool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}

// Shutdown closes every session with notification, then stops the push
// worker after it drained.
func (p *SessionPool) Shutdown() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.CloseSession(id, true); err != nil {
			p.log.Printf("close session %s: %v", id, err)
		}
	}

	if p.pushSender != nil {
		p.pushSender.Stop()
	}
}

func (p *SessionPool) incr(name string) {
	if p.stats != nil {
		p.stats.Incr(name)
	}
}

func (p *SessionPool) decr(name string) {
	if p.stats != nil {
		p.stats.Decr(name)
	}
}
