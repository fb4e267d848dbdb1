package notify

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/restxmpp/gateway/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []string
	failures  int
}

func (d *fakeDeliverer) Deliver(token string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failures > 0 {
		d.failures--
		return errors.New("transport down")
	}
	d.delivered = append(d.delivered, token)
	return nil
}

func (d *fakeDeliverer) deliveredTokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.delivered...)
}

func TestPushSender_Notify(t *testing.T) {
	deliverer := &fakeDeliverer{}
	sender := NewPushSender(testutil.TestLogger(t), deliverer, 8)
	sender.Start()
	defer sender.Kill()

	sender.Notify("tok-1", Notification{Message: "hi", ContactName: "Alice", Sound: true})

	require.Eventually(t, func() bool {
		return len(deliverer.deliveredTokens()) == 1
	}, time.Second, 5*time.Millisecond, "expected the notification to be delivered")
	assert.Equal(t, "tok-1", deliverer.deliveredTokens()[0])
}

func TestPushSender_EmptyTokenSkipped(t *testing.T) {
	deliverer := &fakeDeliverer{}
	sender := NewPushSender(testutil.TestLogger(t), deliverer, 8)
	sender.Start()

	sender.Notify("", Notification{Message: "hi"})
	sender.Stop()

	assert.Empty(t, deliverer.deliveredTokens(), "expected no delivery without a token")
}

func TestPushSender_RetriesFailedDelivery(t *testing.T) {
	deliverer := &fakeDeliverer{failures: 1}
	sender := NewPushSender(testutil.TestLogger(t), deliverer, 8)
	sender.Start()
	defer sender.Kill()

	sender.Notify("tok-1", Notification{Message: "hi"})

	require.Eventually(t, func() bool {
		return len(deliverer.deliveredTokens()) == 1
	}, 5*time.Second, 20*time.Millisecond, "expected a re-enqueued delivery after the failure")
}

func TestPushSender_StopDrains(t *testing.T) {
	deliverer := &fakeDeliverer{}
	sender := NewPushSender(testutil.TestLogger(t), deliverer, 8)
	sender.Start()

	for i := 0; i < 5; i++ {
		sender.Notify("tok", Notification{Message: "hi"})
	}
	sender.Stop()

	assert.Len(t, deliverer.deliveredTokens(), 5, "expected Stop to drain the queue")

	// Notify after Stop is a no-op.
	sender.Notify("tok", Notification{Message: "late"})
	assert.Len(t, deliverer.deliveredTokens(), 5)
}

func TestPushSender_Kill(t *testing.T) {
	deliverer := &fakeDeliverer{}
	sender := NewPushSender(testutil.TestLogger(t), deliverer, 8)
	sender.Start()
	sender.Kill()

	// Kill is idempotent and Stop after Kill is safe.
	sender.Kill()
	sender.Stop()
}

func TestHTTPDeliverer(t *testing.T) {
	var gotToken, gotMessage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotToken = r.PostForm.Get("token")
		gotMessage = r.PostForm.Get("message")
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(srv.URL)
	require.NoError(t, d.Deliver("tok-1", []byte(`{"aps":{}}`)))
	assert.Equal(t, "tok-1", gotToken)
	assert.Equal(t, `{"aps":{}}`, gotMessage)
}

func TestHTTPDeliverer_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(srv.URL)
	assert.Error(t, d.Deliver("tok-1", []byte("{}")), "expected a non-2xx response to fail")
}
