package pelagows

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
	"github.com/tj/assert"

	"github.com/pelago/pelago-ws/pelago-ws/latestdao"
)

type fakeAuth struct {
	policy *Policy
	err    error
}

func (f *fakeAuth) Authorize(context.Context, ConnectRequest) (*Policy, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.policy, nil
}

func newTestHandler(subs *fakeSubs, conns *fakeConns, latest *fakeLatest, sender *fakeSender, auth Authorizer) *Handler {
	return &Handler{
		Conns:  conns,
		Subs:   subs,
		Latest: latest,
		Auth:   auth,
		Sender: sender,
		Broadcaster: &Dispatcher{
			Subs:   subs,
			Conns:  conns,
			Latest: latest,
			Exec:   &fakeExec{},
			Sender: sender,
			Logger: zerolog.Nop(),
		},
		Logger: zerolog.Nop(),
	}
}

func wsRequest(route, connID, body string) events.APIGatewayWebsocketProxyRequest {
	return events.APIGatewayWebsocketProxyRequest{
		Body: body,
		RequestContext: events.APIGatewayWebsocketProxyRequestContext{
			ConnectionID: connID,
			RouteKey:     route,
			DomainName:   "ws.example.com",
			Stage:        "prod",
		},
	}
}

func subscribeBody(t *testing.T, id, query string, variables map[string]interface{}) string {
	payload, err := json.Marshal(SubscribePayload{Query: query, Variables: variables})
	assert.NoError(t, err)
	body, err := json.Marshal(GraphQLWSMessage{ID: id, Type: MsgSubscribe, Payload: payload})
	assert.NoError(t, err)
	return string(body)
}

func connect(t *testing.T, h *Handler, connID string) {
	resp, err := h.HandleEvent(context.Background(), wsRequest("$connect", connID, ""))
	assert.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestHandlerConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("authorized connection is stored with its policy", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{UserID: "u-1", Schema: "default"}})

		req := wsRequest("$connect", "c1", "")
		req.Headers = map[string]string{"Sec-WebSocket-Protocol": "graphql-transport-ws"}
		resp, err := h.HandleEvent(ctx, req)
		assert.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "graphql-transport-ws", resp.Headers["Sec-WebSocket-Protocol"])

		conn, err := conns.Get(ctx, "c1")
		assert.NoError(t, err)
		assert.NotNil(t, conn)
		assert.Equal(t, "https://ws.example.com/prod", conn.Endpoint)
		assert.Contains(t, conn.Policy, `"userId":"u-1"`)
		assert.True(t, conn.TTL > 0)
	})

	t.Run("unauthorized connection is refused", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{err: ErrUnauthorized})

		resp, err := h.HandleEvent(ctx, wsRequest("$connect", "c1", ""))
		assert.NoError(t, err)
		assert.Equal(t, 401, resp.StatusCode)
		assert.Empty(t, conns.records)
	})

	t.Run("unsupported subprotocol is refused", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{}})

		req := wsRequest("$connect", "c1", "")
		req.Headers = map[string]string{"Sec-WebSocket-Protocol": "graphql-ws"}
		resp, err := h.HandleEvent(ctx, req)
		assert.NoError(t, err)
		assert.Equal(t, 400, resp.StatusCode)
	})
}

func TestHandlerDisconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("removes the connection and its subscriptions", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{Schema: "default"}})
		connect(t, h, "c1")
		assert.NoError(t, subs.Put(ctx, testSubscription("c1", "s1", "upload:onReady:path#a.txt")))

		resp, err := h.HandleEvent(ctx, wsRequest("$disconnect", "c1", ""))
		assert.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, 0, subs.count())
		assert.Empty(t, conns.records)
	})

	t.Run("disconnecting twice is harmless", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{Schema: "default"}})
		connect(t, h, "c1")

		for i := 0; i < 2; i++ {
			resp, err := h.HandleEvent(ctx, wsRequest("$disconnect", "c1", ""))
			assert.NoError(t, err)
			assert.Equal(t, 200, resp.StatusCode)
		}
	})
}

func TestHandlerMessages(t *testing.T) {
	ctx := context.Background()
	query := `subscription { upload { onReady(path: $p) { files { path } } } }`

	t.Run("connection_init is acknowledged", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{Schema: "default"}})

		resp, err := h.HandleEvent(ctx, wsRequest("$default", "c1", `{"type":"connection_init"}`))
		assert.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		frames := sender.frames("c1")
		assert.Len(t, frames, 1)
		assert.Equal(t, MsgConnectionAck, frames[0].Type)
	})

	t.Run("ping answered with pong", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{Schema: "default"}})

		resp, err := h.HandleEvent(ctx, wsRequest("$default", "c1", `{"type":"ping"}`))
		assert.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		frames := sender.frames("c1")
		assert.Len(t, frames, 1)
		assert.Equal(t, MsgPong, frames[0].Type)
	})

	t.Run("malformed body is a client error", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{Schema: "default"}})

		resp, err := h.HandleEvent(ctx, wsRequest("$default", "c1", `not json`))
		assert.NoError(t, err)
		assert.Equal(t, 400, resp.StatusCode)
	})

	t.Run("subscribe stores one record per field and acknowledges", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{UserID: "u-1", Schema: "default"}})
		connect(t, h, "c1")

		multiQuery := `subscription {
			upload {
				onReady(path: "a.txt") { files { path } }
				onReady(path: "b.txt") { files { path } }
			}
		}`
		resp, err := h.HandleEvent(ctx, wsRequest("$default", "c1", subscribeBody(t, "s1", multiQuery, nil)))
		assert.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, 2, subs.count())

		topics := map[string]bool{}
		shards := map[string]bool{}
		for _, sub := range subs.records {
			assert.Equal(t, "c1#s1", sub.SubscriptionID)
			assert.Equal(t, "c1", sub.ConnectionID)
			assert.Contains(t, sub.Context, `"userId":"u-1"`)
			topics[sub.TopicKey] = true
			shards[sub.TopicShard[len(sub.TopicKey):]] = true
		}
		assert.Len(t, topics, 2)
		// both fields of one subscribe land on the same shard suffix
		assert.Len(t, shards, 1)

		frames := sender.frames("c1")
		assert.Len(t, frames, 1)
		assert.Equal(t, MsgPong, frames[0].Type)
		assert.Contains(t, string(frames[0].Payload), `"subscriptionId":"s1"`)
	})

	t.Run("duplicate subscribe is idempotent", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{Schema: "default"}})
		connect(t, h, "c1")

		body := subscribeBody(t, "s1", query, map[string]interface{}{"p": "a.txt"})
		for i := 0; i < 2; i++ {
			resp, err := h.HandleEvent(ctx, wsRequest("$default", "c1", body))
			assert.NoError(t, err)
			assert.Equal(t, 200, resp.StatusCode)
		}
		assert.Equal(t, 1, subs.count())
		assert.Len(t, sender.frames("c1"), 2)
	})

	t.Run("subscribe without a handshake closes the socket", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{Schema: "default"}})

		body := subscribeBody(t, "s1", query, map[string]interface{}{"p": "a.txt"})
		resp, err := h.HandleEvent(ctx, wsRequest("$default", "c1", body))
		assert.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, []string{"c1"}, sender.closed)
		assert.Equal(t, 0, subs.count())
	})

	t.Run("malformed query earns an error frame", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{Schema: "default"}})
		connect(t, h, "c1")

		body := subscribeBody(t, "s1", `query { upload { onReady(path: "x") { files { path } } } }`, nil)
		resp, err := h.HandleEvent(ctx, wsRequest("$default", "c1", body))
		assert.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		frames := sender.frames("c1")
		assert.Len(t, frames, 1)
		assert.Equal(t, MsgError, frames[0].Type)
		assert.Equal(t, 0, subs.count())
	})

	t.Run("subscribe replays the latest broadcast", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{Schema: "default"}})
		connect(t, h, "c1")

		root, err := json.Marshal(map[string]interface{}{
			"onReady": map[string]interface{}{"files": []map[string]string{{"path": "a.txt"}}},
		})
		assert.NoError(t, err)
		assert.NoError(t, latest.Put(ctx, latestdao.Latest{
			TopicKey: "upload:onReady:path#a.txt",
			Root:     string(root),
		}))

		body := subscribeBody(t, "s1", query, map[string]interface{}{"p": "a.txt"})
		resp, err := h.HandleEvent(ctx, wsRequest("$default", "c1", body))
		assert.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)

		frames := sender.frames("c1")
		assert.Len(t, frames, 2)
		assert.Equal(t, MsgPong, frames[0].Type)
		assert.Equal(t, MsgNext, frames[1].Type)
		assert.Equal(t, "s1", frames[1].ID)
		assert.Contains(t, string(frames[1].Payload), "a.txt")
	})

	t.Run("complete unregisters the subscription", func(t *testing.T) {
		subs, conns, latest, sender := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender()
		h := newTestHandler(subs, conns, latest, sender, &fakeAuth{policy: &Policy{Schema: "default"}})
		connect(t, h, "c1")

		body := subscribeBody(t, "s1", query, map[string]interface{}{"p": "a.txt"})
		_, err := h.HandleEvent(ctx, wsRequest("$default", "c1", body))
		assert.NoError(t, err)
		assert.Equal(t, 1, subs.count())

		resp, err := h.HandleEvent(ctx, wsRequest("$default", "c1", `{"id":"s1","type":"complete"}`))
		assert.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, 0, subs.count())
	})
}
