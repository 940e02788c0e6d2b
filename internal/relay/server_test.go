package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisprnet/relay/internal/config"
)

func newTestServer(t *testing.T) (*httptest.Server, *Relay) {
	t.Helper()
	cfg := &config.Config{
		Relay: config.RelayConfig{
			Name:           "wispr-test",
			WSAddr:         ":0",
			WriteTimeout:   5 * time.Second,
			PingInterval:   30 * time.Second,
			MaxMessageSize: 1 << 20,
		},
	}
	r := New(cfg, nil)
	srv := NewServer(cfg, r)

	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts, r
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendText(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func sendEventFrame(t *testing.T, ws *websocket.Conn, evt nostr.Event) {
	t.Helper()
	raw, err := json.Marshal([]any{"EVENT", evt})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func readRaw(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	return raw
}

func readFrame(t *testing.T, ws *websocket.Conn) []json.RawMessage {
	t.Helper()
	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(readRaw(t, ws), &arr))
	require.NotEmpty(t, arr)
	return arr
}

func frameVerb(t *testing.T, arr []json.RawMessage) string {
	t.Helper()
	var verb string
	require.NoError(t, json.Unmarshal(arr[0], &verb))
	return verb
}

func expectOK(t *testing.T, ws *websocket.Conn) (string, bool, string) {
	t.Helper()
	arr := readFrame(t, ws)
	require.Equal(t, "OK", frameVerb(t, arr))
	require.Len(t, arr, 4)
	var id, message string
	var accepted bool
	require.NoError(t, json.Unmarshal(arr[1], &id))
	require.NoError(t, json.Unmarshal(arr[2], &accepted))
	require.NoError(t, json.Unmarshal(arr[3], &message))
	return id, accepted, message
}

func expectEOSE(t *testing.T, ws *websocket.Conn, subID string) {
	t.Helper()
	arr := readFrame(t, ws)
	require.Equal(t, "EOSE", frameVerb(t, arr), "frame: %s", arr)
	var got string
	require.NoError(t, json.Unmarshal(arr[1], &got))
	require.Equal(t, subID, got)
}

func expectEvent(t *testing.T, ws *websocket.Conn) (string, nostr.Event) {
	t.Helper()
	arr := readFrame(t, ws)
	require.Equal(t, "EVENT", frameVerb(t, arr), "frame: %s", arr)
	require.Len(t, arr, 3)
	var subID string
	var evt nostr.Event
	require.NoError(t, json.Unmarshal(arr[1], &subID))
	require.NoError(t, json.Unmarshal(arr[2], &evt))
	return subID, evt
}

// waitForConnections blocks until the relay has registered n sessions.
// The upgrade handler registers shortly after the handshake, so a dialer
// can observe its own connection before the relay does.
func waitForConnections(t *testing.T, r *Relay, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.ConnectionCount() == n
	}, 3*time.Second, 5*time.Millisecond)
}

func signedEventAt(t *testing.T, kind int, content string, tags nostr.Tags, at nostr.Timestamp) nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	evt := nostr.Event{
		PubKey:    pk,
		CreatedAt: at,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestPublishThenReplayOnSecondConnection(t *testing.T) {
	ts, _ := newTestServer(t)
	publisher := dialWS(t, ts)
	reader := dialWS(t, ts)

	evt := signedEvent(t, 1, "hello relay", nostr.Tags{})
	sendEventFrame(t, publisher, evt)

	id, accepted, msg := expectOK(t, publisher)
	assert.Equal(t, evt.ID, id)
	assert.True(t, accepted)
	assert.Empty(t, msg)

	// The OK was observed, so a fresh REQ must replay the event.
	sendText(t, reader, `["REQ","all",{}]`)
	subID, got := expectEvent(t, reader)
	assert.Equal(t, "all", subID)
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, evt.Content, got.Content)
	expectEOSE(t, reader, "all")
}

func TestInvalidEventGetsOKFalseAndIsNotStored(t *testing.T) {
	ts, r := newTestServer(t)
	ws := dialWS(t, ts)

	evt := signedEvent(t, 1, "original", nostr.Tags{})
	evt.Content = "tampered after signing"
	sendEventFrame(t, ws, evt)

	id, accepted, msg := expectOK(t, ws)
	assert.Equal(t, evt.ID, id)
	assert.False(t, accepted)
	assert.Contains(t, msg, "invalid:")
	assert.Equal(t, 0, r.Store().Len())

	// Rejected events never reach subscribers.
	sendText(t, ws, `["REQ","all",{}]`)
	expectEOSE(t, ws, "all")
}

func TestReplayHonorsLimitNewestFirst(t *testing.T) {
	ts, _ := newTestServer(t)
	publisher := dialWS(t, ts)

	base := nostr.Now()
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		evt := signedEventAt(t, 1, "note", nostr.Tags{}, base-nostr.Timestamp(4-i))
		sendEventFrame(t, publisher, evt)
		_, accepted, _ := expectOK(t, publisher)
		require.True(t, accepted)
		ids = append(ids, evt.ID)
	}

	reader := dialWS(t, ts)
	sendText(t, reader, `["REQ","recent",{"limit":2}]`)

	_, first := expectEvent(t, reader)
	_, second := expectEvent(t, reader)
	expectEOSE(t, reader, "recent")

	// ids[4] is the newest, ids[3] the next newest.
	assert.Equal(t, ids[4], first.ID)
	assert.Equal(t, ids[3], second.ID)
}

func TestReplayLimitZeroSkipsHistory(t *testing.T) {
	ts, _ := newTestServer(t)
	publisher := dialWS(t, ts)

	evt := signedEvent(t, 1, "stored", nostr.Tags{})
	sendEventFrame(t, publisher, evt)
	_, accepted, _ := expectOK(t, publisher)
	require.True(t, accepted)

	reader := dialWS(t, ts)
	sendText(t, reader, `["REQ","live-only",{"limit":0}]`)
	expectEOSE(t, reader, "live-only")

	// The subscription is live despite the skipped replay.
	evt2 := signedEvent(t, 1, "fresh", nostr.Tags{})
	sendEventFrame(t, publisher, evt2)
	_, accepted, _ = expectOK(t, publisher)
	require.True(t, accepted)

	subID, got := expectEvent(t, reader)
	assert.Equal(t, "live-only", subID)
	assert.Equal(t, evt2.ID, got.ID)
}

func TestLiveBroadcastReachesSubscribers(t *testing.T) {
	ts, _ := newTestServer(t)
	publisher := dialWS(t, ts)
	subscriber := dialWS(t, ts)

	sendText(t, subscriber, `["REQ","feed",{"kinds":[1]}]`)
	expectEOSE(t, subscriber, "feed")

	evt := signedEvent(t, 1, "breaking news", nostr.Tags{})
	sendEventFrame(t, publisher, evt)
	_, accepted, _ := expectOK(t, publisher)
	require.True(t, accepted)

	subID, got := expectEvent(t, subscriber)
	assert.Equal(t, "feed", subID)
	assert.Equal(t, evt.ID, got.ID)
}

// The same subscription id on two connections must route independently.
func TestSameSubIDOnTwoConnectionsIsIndependent(t *testing.T) {
	ts, _ := newTestServer(t)
	notes := dialWS(t, ts)
	other := dialWS(t, ts)
	publisher := dialWS(t, ts)

	sendText(t, notes, `["REQ","s",{"kinds":[1]}]`)
	expectEOSE(t, notes, "s")
	sendText(t, other, `["REQ","s",{"kinds":[7]}]`)
	expectEOSE(t, other, "s")

	kind1 := signedEvent(t, 1, "a note", nostr.Tags{})
	sendEventFrame(t, publisher, kind1)
	_, accepted, _ := expectOK(t, publisher)
	require.True(t, accepted)

	subID, got := expectEvent(t, notes)
	assert.Equal(t, "s", subID)
	assert.Equal(t, kind1.ID, got.ID)

	// The kind-7 subscriber never saw the kind-1 event: the next frame
	// it receives is the kind-7 event published afterwards.
	kind7 := signedEvent(t, 7, "+", nostr.Tags{})
	sendEventFrame(t, publisher, kind7)
	_, accepted, _ = expectOK(t, publisher)
	require.True(t, accepted)

	_, got = expectEvent(t, other)
	assert.Equal(t, kind7.ID, got.ID)
}

func TestCloseStopsDeliveryAndIDIsReusable(t *testing.T) {
	ts, _ := newTestServer(t)
	subscriber := dialWS(t, ts)
	publisher := dialWS(t, ts)

	sendText(t, subscriber, `["REQ","s",{}]`)
	expectEOSE(t, subscriber, "s")

	sendText(t, subscriber, `["CLOSE","s"]`)
	// CLOSE has no reply; a zero-filter REQ acks that it was processed.
	sendText(t, subscriber, `["REQ","probe"]`)
	expectEOSE(t, subscriber, "probe")

	evt := signedEvent(t, 1, "missed", nostr.Tags{})
	sendEventFrame(t, publisher, evt)
	_, accepted, _ := expectOK(t, publisher)
	require.True(t, accepted)

	// Re-issuing the closed id behaves like a fresh subscription: it
	// replays the event published while unsubscribed.
	sendText(t, subscriber, `["REQ","s",{}]`)
	_, got := expectEvent(t, subscriber)
	assert.Equal(t, evt.ID, got.ID)
	expectEOSE(t, subscriber, "s")
}

func TestTagFilterMatching(t *testing.T) {
	ts, _ := newTestServer(t)
	publisher := dialWS(t, ts)

	target := strings.Repeat("ab", 32)
	evt := signedEvent(t, 1, "reply", nostr.Tags{{"e", target}})
	sendEventFrame(t, publisher, evt)
	_, accepted, _ := expectOK(t, publisher)
	require.True(t, accepted)

	reader := dialWS(t, ts)
	sendText(t, reader, `["REQ","hits",{"#e":["`+target+`"]}]`)
	_, got := expectEvent(t, reader)
	assert.Equal(t, evt.ID, got.ID)
	expectEOSE(t, reader, "hits")

	sendText(t, reader, `["REQ","misses",{"#e":["`+strings.Repeat("cd", 32)+`"]}]`)
	expectEOSE(t, reader, "misses")
}

func TestMalformedFrameGetsNoticeConnectionSurvives(t *testing.T) {
	ts, _ := newTestServer(t)
	ws := dialWS(t, ts)

	sendText(t, ws, `{"not":"an array"}`)
	arr := readFrame(t, ws)
	assert.Equal(t, "NOTICE", frameVerb(t, arr))

	sendText(t, ws, `["REQ",42]`)
	arr = readFrame(t, ws)
	assert.Equal(t, "NOTICE", frameVerb(t, arr))

	// The connection stays healthy after malformed frames.
	sendText(t, ws, `["REQ","ok",{}]`)
	expectEOSE(t, ws, "ok")
}

func TestUnknownVerbForwardedToOtherConnections(t *testing.T) {
	ts, r := newTestServer(t)
	origin := dialWS(t, ts)
	other := dialWS(t, ts)
	waitForConnections(t, r, 2)

	frame := `["SIGNER_PING",{"session":"s1","payload":"opaque"}]`
	sendText(t, origin, frame)

	got := readRaw(t, other)
	assert.Equal(t, frame, string(got))
}

func TestSignerTunnelKindBypassesValidation(t *testing.T) {
	ts, r := newTestServer(t)
	origin := dialWS(t, ts)
	other := dialWS(t, ts)
	waitForConnections(t, r, 2)

	// Deliberately unverifiable: garbage pubkey and sig. The tunnel
	// kind is stored and forwarded without validation.
	frame := `["EVENT",{"id":"tunnel-1","pubkey":"not-hex","created_at":` +
		`1700000000,"kind":24133,"tags":[],"content":"ciphertext","sig":"bogus"}]`
	sendText(t, origin, frame)

	id, accepted, _ := expectOK(t, origin)
	assert.Equal(t, "tunnel-1", id)
	assert.True(t, accepted)
	assert.Equal(t, 1, r.Store().Len())

	got := readRaw(t, other)
	assert.Equal(t, frame, string(got))
}

func TestHealthEndpoint(t *testing.T) {
	ts, r := newTestServer(t)
	dialWS(t, ts)
	waitForConnections(t, r, 1)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Connections)
}

func TestRelayMetadataDocument(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/nostr+json", resp.Header.Get("Content-Type"))

	var doc struct {
		Name          string `json:"name"`
		SupportedNIPs []int  `json:"supported_nips"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "wispr-test", doc.Name)
	assert.Contains(t, doc.SupportedNIPs, 1)
}

// Closing a client socket must release both per-connection goroutines
// (read loop and keepalive) without waiting for server shutdown.
func TestClosedConnectionsReleaseGoroutines(t *testing.T) {
	ts, r := newTestServer(t)

	baseline := runtime.NumGoroutine()

	conns := make([]*websocket.Conn, 0, 25)
	for i := 0; i < 25; i++ {
		conns = append(conns, dialWS(t, ts))
	}
	waitForConnections(t, r, 25)

	for _, ws := range conns {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
	}
	waitForConnections(t, r, 0)

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+5
	}, 3*time.Second, 10*time.Millisecond,
		"goroutines: baseline=%d now=%d", baseline, runtime.NumGoroutine())
}

// panickyConn blows up on delivery, standing in for any subscriber the
// broadcast path can no longer reach.
type panickyConn struct {
	fakeConn
}

func (p *panickyConn) SendEvent(subID string, evt *nostr.Event) {
	panic("subscriber gone")
}

// A panic raised while handling one frame is contained: the session
// keeps reading and serving later frames.
func TestFrameHandlingPanicDoesNotEndSession(t *testing.T) {
	ts, r := newTestServer(t)
	ws := dialWS(t, ts)
	waitForConnections(t, r, 1)

	bad := &panickyConn{fakeConn: fakeConn{id: "ghost"}}
	r.Registry().Add(bad, "doomed", []nostr.Filter{{}})

	evt := signedEvent(t, 1, "still here", nostr.Tags{})
	sendEventFrame(t, ws, evt)
	_, accepted, _ := expectOK(t, ws)
	require.True(t, accepted)

	// The broadcast to the panicking subscriber happened after the OK;
	// the publisher's session must still answer subsequent frames.
	sendText(t, ws, `["REQ","after",{}]`)
	_, got := expectEvent(t, ws)
	assert.Equal(t, evt.ID, got.ID)
	expectEOSE(t, ws, "after")
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestShutdownRejectsNewConnections(t *testing.T) {
	ts, r := newTestServer(t)

	r.Shutdown()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
