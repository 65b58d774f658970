package websocket

import (
	"fmt"
	"testing"

	jsoniter "github.com/json-iterator/go"
	gonostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrhive/nostrhive/lib/nostr"
	"github.com/nostrhive/nostrhive/lib/policy"
	"github.com/nostrhive/nostrhive/lib/relays"
	"github.com/nostrhive/nostrhive/lib/stores/sqlite"
	"github.com/nostrhive/nostrhive/lib/types"
)

// The connection handlers never touch the socket directly: every outbound
// frame lands on the out channel, so the whole protocol state machine is
// exercised here without a live websocket.

type harness struct {
	store    *sqlite.SqliteStore
	relays   *relays.Registry
	enforcer *policy.Enforcer
	registry *ConnectionRegistry
}

func setupHarness(t *testing.T) *harness {
	t.Helper()

	store, err := sqlite.InitMemoryStore()
	require.NoError(t, err)

	for _, id := range []string{"relay-a", "relay-b"} {
		_, err := store.CreateRelay("user-1", &types.Relay{ID: id, Name: id, Active: true})
		require.NoError(t, err)
	}

	registry, err := relays.NewRegistry(store)
	require.NoError(t, err)

	return &harness{
		store:    store,
		relays:   registry,
		enforcer: policy.NewEnforcer(store),
		registry: NewConnectionRegistry(),
	}
}

func (h *harness) connect(relayID string) *Connection {
	c := &Connection{
		relayID:       relayID,
		remote:        "test-conn",
		store:         h.store,
		relays:        h.relays,
		enforcer:      h.enforcer,
		registry:      h.registry,
		maxQueryLimit: 500,
		out:           make(chan []byte, 64),
		done:          make(chan struct{}),
	}
	h.registry.Attach(c)
	return c
}

func signTestEvent(t *testing.T, sk string, kind int, content string, tags gonostr.Tags) *nostr.Event {
	t.Helper()

	pk, err := gonostr.GetPublicKey(sk)
	require.NoError(t, err)

	ref := &gonostr.Event{
		PubKey:    pk,
		CreatedAt: gonostr.Timestamp(1700000000),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, ref.Sign(sk))

	ev := &nostr.Event{
		ID:        ref.ID,
		PubKey:    ref.PubKey,
		CreatedAt: int64(ref.CreatedAt),
		Kind:      ref.Kind,
		Content:   ref.Content,
		Sig:       ref.Sig,
	}
	for _, tag := range ref.Tags {
		ev.Tags = append(ev.Tags, nostr.Tag(tag))
	}
	return ev
}

func eventFrame(t *testing.T, ev *nostr.Event) []byte {
	t.Helper()
	frame, err := json.Marshal([]interface{}{"EVENT", ev})
	require.NoError(t, err)
	return frame
}

// storedEvent is a synthetic row inserted straight into the store, for
// history replay tests that do not need a real signature.
func storedEvent(n int, createdAt int64) *nostr.Event {
	return &nostr.Event{
		ID:        fmt.Sprintf("%064x", n),
		PubKey:    fmt.Sprintf("%064x", 0xf000),
		CreatedAt: createdAt,
		Kind:      1,
		Sig:       fmt.Sprintf("%0128x", n),
		SizeBytes: 100,
	}
}

// readFrame pops the next queued frame. The handlers run synchronously, so
// an empty queue means the frame was never produced.
func readFrame(t *testing.T, c *Connection) []jsoniter.RawMessage {
	t.Helper()
	select {
	case raw := <-c.out:
		var parts []jsoniter.RawMessage
		require.NoError(t, json.Unmarshal(raw, &parts))
		require.NotEmpty(t, parts)
		return parts
	default:
		t.Fatal("expected an outbound frame, queue is empty")
		return nil
	}
}

func requireNoFrame(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case raw := <-c.out:
		t.Fatalf("expected no outbound frame, got %s", raw)
	default:
	}
}

func frameLabel(t *testing.T, parts []jsoniter.RawMessage) string {
	t.Helper()
	var label string
	require.NoError(t, json.Unmarshal(parts[0], &label))
	return label
}

func requireOK(t *testing.T, c *Connection, wantAccepted bool) (string, string) {
	t.Helper()
	parts := readFrame(t, c)
	require.Equal(t, "OK", frameLabel(t, parts))
	require.Len(t, parts, 4)

	var id, message string
	var accepted bool
	require.NoError(t, json.Unmarshal(parts[1], &id))
	require.NoError(t, json.Unmarshal(parts[2], &accepted))
	require.NoError(t, json.Unmarshal(parts[3], &message))
	require.Equal(t, wantAccepted, accepted)
	return id, message
}

func requireEvent(t *testing.T, c *Connection) (string, *nostr.Event) {
	t.Helper()
	parts := readFrame(t, c)
	require.Equal(t, "EVENT", frameLabel(t, parts))
	require.Len(t, parts, 3)

	var subscriptionID string
	var ev nostr.Event
	require.NoError(t, json.Unmarshal(parts[1], &subscriptionID))
	require.NoError(t, json.Unmarshal(parts[2], &ev))
	return subscriptionID, &ev
}

func requireEOSE(t *testing.T, c *Connection) string {
	t.Helper()
	parts := readFrame(t, c)
	require.Equal(t, "EOSE", frameLabel(t, parts))
	require.Len(t, parts, 2)

	var subscriptionID string
	require.NoError(t, json.Unmarshal(parts[1], &subscriptionID))
	return subscriptionID
}

func subscribe(t *testing.T, c *Connection, subscriptionID string, filterJSON string) {
	t.Helper()
	c.handleMessage([]byte(fmt.Sprintf(`["REQ",%q,%s]`, subscriptionID, filterJSON)))
	for {
		parts := readFrame(t, c)
		if frameLabel(t, parts) == "EOSE" {
			return
		}
	}
}

// =============================================================================
// Event admission and fan-out
// =============================================================================

func TestHandleEvent_AcceptAndFanOut(t *testing.T) {
	h := setupHarness(t)
	subscriber := h.connect("relay-a")
	publisher := h.connect("relay-a")
	bystander := h.connect("relay-b")

	subscribe(t, subscriber, "s", `{"kinds":[1]}`)
	subscribe(t, bystander, "s", `{"kinds":[1]}`)

	ev := signTestEvent(t, gonostr.GeneratePrivateKey(), 1, "hello", nil)
	publisher.handleMessage(eventFrame(t, ev))

	id, message := requireOK(t, publisher, true)
	assert.Equal(t, ev.ID, id)
	assert.Empty(t, message)
	// The publisher never sees its own event via broadcast.
	requireNoFrame(t, publisher)

	subID, got := requireEvent(t, subscriber)
	assert.Equal(t, "s", subID)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "hello", got.Content)

	// Other relays are isolated.
	requireNoFrame(t, bystander)
}

func TestHandleEvent_BadSignatureRejected(t *testing.T) {
	h := setupHarness(t)
	subscriber := h.connect("relay-a")
	publisher := h.connect("relay-a")
	subscribe(t, subscriber, "s", `{"kinds":[1]}`)

	ev := signTestEvent(t, gonostr.GeneratePrivateKey(), 1, "hello", nil)
	ev.Content = "tampered"
	publisher.handleMessage(eventFrame(t, ev))

	_, message := requireOK(t, publisher, false)
	assert.Contains(t, message, "error:")

	requireNoFrame(t, subscriber)

	stored, err := h.store.GetEvent("relay-a", ev.ID)
	require.NoError(t, err)
	assert.Nil(t, stored, "rejected event must not be stored")
}

func TestHandleEvent_Duplicate(t *testing.T) {
	h := setupHarness(t)
	publisher := h.connect("relay-a")

	ev := signTestEvent(t, gonostr.GeneratePrivateKey(), 1, "hello", nil)
	publisher.handleMessage(eventFrame(t, ev))
	requireOK(t, publisher, true)

	publisher.handleMessage(eventFrame(t, ev))
	_, message := requireOK(t, publisher, false)
	assert.Equal(t, "duplicate", message)
}

func TestHandleEvent_QuotaRejection(t *testing.T) {
	h := setupHarness(t)

	relay, err := h.relays.Get("user-1", "relay-a")
	require.NoError(t, err)
	relay.Spec.MaxEventSize = 10
	require.NoError(t, h.relays.Update("user-1", relay))

	publisher := h.connect("relay-a")
	ev := signTestEvent(t, gonostr.GeneratePrivateKey(), 1, "this does not fit in ten bytes", nil)
	publisher.handleMessage(eventFrame(t, ev))

	_, message := requireOK(t, publisher, false)
	assert.Contains(t, message, "error:")
}

func TestHandleEvent_DeletionRemovesOwnEvent(t *testing.T) {
	h := setupHarness(t)
	publisher := h.connect("relay-a")
	sk := gonostr.GeneratePrivateKey()

	target := signTestEvent(t, sk, 1, "to be removed", nil)
	publisher.handleMessage(eventFrame(t, target))
	requireOK(t, publisher, true)

	deletion := signTestEvent(t, sk, 5, "", gonostr.Tags{{"e", target.ID}})
	publisher.handleMessage(eventFrame(t, deletion))
	requireOK(t, publisher, true)

	reader := h.connect("relay-a")
	reader.handleMessage([]byte(fmt.Sprintf(`["REQ","s",{"ids":[%q]}]`, target.ID)))
	requireEOSE(t, reader)
}

// =============================================================================
// Subscriptions
// =============================================================================

func TestHandleReq_ReplaysHistoryNewestFirst(t *testing.T) {
	h := setupHarness(t)
	for i, createdAt := range []int64{100, 300, 200} {
		require.NoError(t, h.store.SaveEvent("relay-a", storedEvent(i+1, createdAt)))
	}

	c := h.connect("relay-a")
	c.handleMessage([]byte(`["REQ","history",{"kinds":[1]}]`))

	var order []int64
	for i := 0; i < 3; i++ {
		subID, ev := requireEvent(t, c)
		assert.Equal(t, "history", subID)
		order = append(order, ev.CreatedAt)
	}
	assert.Equal(t, []int64{300, 200, 100}, order)

	assert.Equal(t, "history", requireEOSE(t, c))
	requireNoFrame(t, c)
}

func TestHandleReq_EmptyHistoryStillSendsEOSE(t *testing.T) {
	h := setupHarness(t)
	c := h.connect("relay-a")

	c.handleMessage([]byte(`["REQ","s",{"kinds":[1]}]`))
	assert.Equal(t, "s", requireEOSE(t, c))
}

func TestHandleReq_CapsUnboundedQueries(t *testing.T) {
	h := setupHarness(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.store.SaveEvent("relay-a", storedEvent(i+1, int64(100+i))))
	}

	c := h.connect("relay-a")
	c.maxQueryLimit = 2
	c.handleMessage([]byte(`["REQ","s",{"kinds":[1]}]`))

	requireEvent(t, c)
	requireEvent(t, c)
	requireEOSE(t, c)
	requireNoFrame(t, c)
}

func TestHandleReq_ResubmitReplacesSubscription(t *testing.T) {
	h := setupHarness(t)
	subscriber := h.connect("relay-a")
	publisher := h.connect("relay-a")

	subscribe(t, subscriber, "s", `{"kinds":[1]}`)
	subscribe(t, subscriber, "s", `{"kinds":[1]}`)

	ev := signTestEvent(t, gonostr.GeneratePrivateKey(), 1, "hello", nil)
	publisher.handleMessage(eventFrame(t, ev))
	requireOK(t, publisher, true)

	// One subscription, one delivery.
	requireEvent(t, subscriber)
	requireNoFrame(t, subscriber)
}

func TestHandleClose_StopsDelivery(t *testing.T) {
	h := setupHarness(t)
	subscriber := h.connect("relay-a")
	publisher := h.connect("relay-a")

	subscribe(t, subscriber, "s", `{"kinds":[1]}`)
	subscriber.handleMessage([]byte(`["CLOSE","s"]`))

	ev := signTestEvent(t, gonostr.GeneratePrivateKey(), 1, "hello", nil)
	publisher.handleMessage(eventFrame(t, ev))
	requireOK(t, publisher, true)

	requireNoFrame(t, subscriber)
}

func TestNotify_MatchesEachSubscription(t *testing.T) {
	h := setupHarness(t)
	subscriber := h.connect("relay-a")
	publisher := h.connect("relay-a")

	subscribe(t, subscriber, "notes", `{"kinds":[1]}`)
	subscribe(t, subscriber, "everything", `{}`)
	subscribe(t, subscriber, "reactions", `{"kinds":[7]}`)

	ev := signTestEvent(t, gonostr.GeneratePrivateKey(), 1, "hello", nil)
	publisher.handleMessage(eventFrame(t, ev))
	requireOK(t, publisher, true)

	first, _ := requireEvent(t, subscriber)
	second, _ := requireEvent(t, subscriber)
	assert.Equal(t, []string{"notes", "everything"}, []string{first, second})
	requireNoFrame(t, subscriber)
}

// =============================================================================
// Robustness
// =============================================================================

func TestHandleMessage_MalformedInputIsIgnored(t *testing.T) {
	h := setupHarness(t)
	c := h.connect("relay-a")

	for _, raw := range []string{
		`not json at all`,
		`{"an":"object"}`,
		`["EVENT"]`,
		`[42,"numeric label"]`,
		`["REQ","missing filter"]`,
		`["REQ","s","not a filter"]`,
		`["CLOSE",42]`,
		`["FANCY","unknown label"]`,
	} {
		c.handleMessage([]byte(raw))
	}
	requireNoFrame(t, c)

	// The session is still usable afterwards.
	c.handleMessage([]byte(`["REQ","s",{"kinds":[1]}]`))
	requireEOSE(t, c)
}

func TestEnqueue_OverflowDisconnects(t *testing.T) {
	h := setupHarness(t)
	c := h.connect("relay-a")
	c.out = make(chan []byte, 1)
	c.installFilter(&nostr.Filter{SubscriptionID: "s"})

	ev := storedEvent(1, 100)
	c.notify(ev)
	c.notify(ev)

	select {
	case <-c.done:
	default:
		t.Fatal("overflowing connection should have been closed")
	}

	conns, ok := h.registry.relays.Load("relay-a")
	require.True(t, ok)
	_, attached := conns.Load(c)
	assert.False(t, attached, "closed connection should be detached from the registry")
}

func TestHandleEvent_InactiveRelayRefused(t *testing.T) {
	h := setupHarness(t)
	c := h.connect("relay-a")

	relay, err := h.relays.Get("user-1", "relay-a")
	require.NoError(t, err)
	relay.Active = false
	require.NoError(t, h.relays.Update("user-1", relay))

	ev := signTestEvent(t, gonostr.GeneratePrivateKey(), 1, "hello", nil)
	c.handleMessage(eventFrame(t, ev))

	_, message := requireOK(t, c, false)
	assert.Contains(t, message, "error:")
}
