package notify

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultQueueSize = 256
	retryDelay       = time.Second
)

// Deliverer is the external push transport.
type Deliverer interface {
	Deliver(token string, payload []byte) error
}

type pushItem struct {
	token   string
	payload []byte
	poison  bool
}

// PushSender queues rendered notifications and delivers them from a
// single background worker. Failed deliveries are re-enqueued, so a
// notification is delivered at least once; duplicates are acceptable on
// this channel. Push failures never propagate to the operation that
// triggered the notification.
type PushSender struct {
	log       *log.Logger
	deliverer Deliverer

	mu      sync.Mutex
	queue   chan pushItem
	started bool
	closed  bool
	done    chan struct{}
}

func NewPushSender(logger *log.Logger, deliverer Deliverer, queueSize int) *PushSender {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &PushSender{
		log:       logger,
		deliverer: deliverer,
		queue:     make(chan pushItem, queueSize),
		done:      make(chan struct{}),
	}
}

// Start launches the delivery worker. Idempotent.
func (p *PushSender) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true
	go p.run()
}

func (p *PushSender) run() {
	defer close(p.done)

	for item := range p.queue {
		if item.poison {
			return
		}

		if err := p.deliverer.Deliver(item.token, item.payload); err != nil {
			p.log.Printf("push delivery failed, requeueing: %v", err)
			time.Sleep(retryDelay)
			p.requeue(item)
		}
	}
}

func (p *PushSender) requeue(item pushItem) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.log.Printf("push sender stopping, dropping notification")
		return
	}
	select {
	case p.queue <- item:
	default:
		p.log.Printf("push queue full, dropping notification")
	}
}

// Notify renders and enqueues one notification. A full queue drops the
// notification rather than blocking the caller.
func (p *PushSender) Notify(token string, n Notification) {
	if token == "" {
		return
	}

	payload, err := Render(n)
	if err != nil {
		p.log.Printf("render push payload: %v", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	select {
	case p.queue <- pushItem{token: token, payload: payload}:
	default:
		p.log.Printf("push queue full, dropping notification")
	}
}

// Stop closes the queue; the worker drains remaining items before
// terminating.
func (p *PushSender) Stop() {
	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
}

// Kill unblocks the worker immediately with a poison item, abandoning any
// queued notifications.
func (p *PushSender) Kill() {
	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	// If the queue is full the poison is dropped; closing the queue
	// still terminates the worker once it drained.
	select {
	case p.queue <- pushItem{poison: true}:
	default:
	}
	close(p.queue)
	p.mu.Unlock()

	<-p.done
}

// HTTPDeliverer posts payloads to a WSGI-style push relay as an
// urlencoded form.
type HTTPDeliverer struct {
	URL    string
	Client *http.Client
}

func NewHTTPDeliverer(pushURL string) *HTTPDeliverer {
	return &HTTPDeliverer{
		URL:    pushURL,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *HTTPDeliverer) Deliver(token string, payload []byte) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("message", string(payload))

	resp, err := d.Client.Post(d.URL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("post push: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push service status %d", resp.StatusCode)
	}
	return nil
}
