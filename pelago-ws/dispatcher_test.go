package pelagows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	gqlerrors "github.com/graph-gophers/graphql-go/errors"
	"github.com/rs/zerolog"
	"github.com/tj/assert"

	pelagogql "github.com/pelago/pelago-ws/pelago-gql"
	"github.com/pelago/pelago-ws/pelago-ws/connectiondao"
	"github.com/pelago/pelago-ws/pelago-ws/latestdao"
	"github.com/pelago/pelago-ws/pelago-ws/publish"
	"github.com/pelago/pelago-ws/pelago-ws/subscriptiondao"
)

type fakeSubs struct {
	mu      sync.Mutex
	records map[string]subscriptiondao.Subscription // keyed by pk#sk

	deleted      []string
	deletedConns []string
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{records: map[string]subscriptiondao.Subscription{}}
}

func (f *fakeSubs) key(sub subscriptiondao.Subscription) string {
	return fmt.Sprintf("%v/%v", sub.SubscriptionID, sub.FieldIndex)
}

func (f *fakeSubs) Put(_ context.Context, sub subscriptiondao.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(sub)
	if _, ok := f.records[k]; ok {
		return subscriptiondao.ErrAlreadyExists
	}
	f.records[k] = sub
	return nil
}

func (f *fakeSubs) Delete(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, subscriptionID)
	for k, sub := range f.records {
		if sub.SubscriptionID == subscriptionID {
			delete(f.records, k)
		}
	}
	return nil
}

func (f *fakeSubs) DeleteByConnection(_ context.Context, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedConns = append(f.deletedConns, connectionID)
	for k, sub := range f.records {
		if sub.ConnectionID == connectionID {
			delete(f.records, k)
		}
	}
	return nil
}

func (f *fakeSubs) ScanTopic(topicKey string, _ int64) subscriptiondao.Scanner {
	f.mu.Lock()
	defer f.mu.Unlock()
	var batch []subscriptiondao.Subscription
	for _, sub := range f.records {
		if sub.TopicKey == topicKey {
			batch = append(batch, sub)
		}
	}
	return &sliceScanner{batch: batch}
}

func (f *fakeSubs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type sliceScanner struct {
	batch []subscriptiondao.Subscription
	done  bool
}

func (s *sliceScanner) Next(context.Context) ([]subscriptiondao.Subscription, error) {
	if s.done || len(s.batch) == 0 {
		return nil, nil
	}
	s.done = true
	return s.batch, nil
}

type fakeConns struct {
	mu      sync.Mutex
	records map[string]connectiondao.Connection
	deleted []string
}

func newFakeConns() *fakeConns {
	return &fakeConns{records: map[string]connectiondao.Connection{}}
}

func (f *fakeConns) Put(_ context.Context, conn connectiondao.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[conn.ConnectionID] = conn
	return nil
}

func (f *fakeConns) Get(_ context.Context, connectionID string) (*connectiondao.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.records[connectionID]
	if !ok {
		return nil, nil
	}
	return &conn, nil
}

func (f *fakeConns) Delete(_ context.Context, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, connectionID)
	delete(f.records, connectionID)
	return nil
}

type fakeLatest struct {
	mu      sync.Mutex
	entries map[string]latestdao.Latest
}

func newFakeLatest() *fakeLatest {
	return &fakeLatest{entries: map[string]latestdao.Latest{}}
}

func (f *fakeLatest) Put(_ context.Context, entry latestdao.Latest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[entry.TopicKey] = entry
	return nil
}

func (f *fakeLatest) Get(_ context.Context, topicKey string) (*latestdao.Latest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[topicKey]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

type fakeSender struct {
	mu     sync.Mutex
	sent   map[string][]*GraphQLWSMessage // keyed by connection id
	closed []string

	gone    map[string]bool
	failing map[string]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent:    map[string][]*GraphQLWSMessage{},
		gone:    map[string]bool{},
		failing: map[string]bool{},
	}
}

func (f *fakeSender) Send(_ context.Context, _, connectionID string, data []byte) (DeliveryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[connectionID] {
		return Gone, nil
	}
	if f.failing[connectionID] {
		return TransientFailure, errBoom
	}
	msg, err := ParseMessage(string(data))
	if err != nil {
		return TransientFailure, err
	}
	f.sent[connectionID] = append(f.sent[connectionID], msg)
	return Delivered, nil
}

func (f *fakeSender) Close(_ context.Context, _, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, connectionID)
	return nil
}

func (f *fakeSender) frames(connectionID string) []*GraphQLWSMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[connectionID]
}

var errBoom = errors.New("boom")

type fakeExec struct {
	mu       sync.Mutex
	err      error
	errors   []*gqlerrors.QueryError
	requests []pelagogql.Request
}

func (f *fakeExec) Execute(_ context.Context, req pelagogql.Request) (*pelagogql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.errors) > 0 {
		return &pelagogql.Result{Errors: f.errors}, nil
	}
	data, err := json.Marshal(req.Root)
	if err != nil {
		return nil, err
	}
	return &pelagogql.Result{Data: data}, nil
}

func testSubscription(connID, subID, topicKey string) subscriptiondao.Subscription {
	return subscriptiondao.Subscription{
		SubscriptionID: connID + "#" + subID,
		FieldIndex:     0,
		ConnectionID:   connID,
		TopicShard:     topicKey + "-0",
		TopicKey:       topicKey,
		Endpoint:       "https://example.com/prod",
		ClientSubID:    subID,
		Query:          `subscription { upload { onReady(path: "a.txt") { files { path } } } }`,
		Context:        `{"schema":"default","userId":"u-1"}`,
	}
}

func uploadEnvelope(t *testing.T, s3Key string) publish.Envelope {
	detail, err := json.Marshal(UploadDetail{S3Key: s3Key, Files: []UploadFile{{Path: s3Key}}})
	assert.NoError(t, err)
	return publish.Envelope{Source: SourceUpload, Detail: detail}
}

func newTestDispatcher(subs *fakeSubs, conns *fakeConns, latest *fakeLatest, sender *fakeSender, exec *fakeExec) *Dispatcher {
	return &Dispatcher{
		Subs:   subs,
		Conns:  conns,
		Latest: latest,
		Exec:   exec,
		Sender: sender,
		Logger: zerolog.Nop(),
	}
}

func TestDispatcherBroadcast(t *testing.T) {
	ctx := context.Background()
	topic := "upload:onReady:path#a.txt"

	t.Run("delivers to every subscriber on the topic", func(t *testing.T) {
		subs, conns, latest, sender, exec := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender(), &fakeExec{}
		for _, conn := range []string{"c1", "c2", "c3"} {
			assert.NoError(t, subs.Put(ctx, testSubscription(conn, "s1", topic)))
		}
		assert.NoError(t, subs.Put(ctx, testSubscription("c4", "s1", "upload:onReady:path#other.txt")))

		d := newTestDispatcher(subs, conns, latest, sender, exec)
		assert.NoError(t, d.Broadcast(ctx, uploadEnvelope(t, "a.txt")))

		for _, conn := range []string{"c1", "c2", "c3"} {
			frames := sender.frames(conn)
			assert.Len(t, frames, 1)
			assert.Equal(t, MsgNext, frames[0].Type)
			assert.Equal(t, "s1", frames[0].ID)
		}
		assert.Empty(t, sender.frames("c4"))
		assert.Equal(t, 4, subs.count())
	})

	t.Run("next frame carries the executed data", func(t *testing.T) {
		subs, conns, latest, sender, exec := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender(), &fakeExec{}
		assert.NoError(t, subs.Put(ctx, testSubscription("c1", "s1", topic)))

		d := newTestDispatcher(subs, conns, latest, sender, exec)
		assert.NoError(t, d.Broadcast(ctx, uploadEnvelope(t, "a.txt")))

		frames := sender.frames("c1")
		assert.Len(t, frames, 1)
		assert.Contains(t, string(frames[0].Payload), `"data"`)
		assert.Contains(t, string(frames[0].Payload), `"a.txt"`)
	})

	t.Run("fire once completes and unregisters after delivery", func(t *testing.T) {
		subs, conns, latest, sender, exec := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender(), &fakeExec{}
		sub := testSubscription("c1", "s1", topic)
		sub.FireOnce = true
		assert.NoError(t, subs.Put(ctx, sub))

		d := newTestDispatcher(subs, conns, latest, sender, exec)
		assert.NoError(t, d.Broadcast(ctx, uploadEnvelope(t, "a.txt")))

		frames := sender.frames("c1")
		assert.Len(t, frames, 2)
		assert.Equal(t, MsgNext, frames[0].Type)
		assert.Equal(t, MsgComplete, frames[1].Type)
		assert.Equal(t, []string{"c1#s1"}, subs.deleted)
		assert.Equal(t, 0, subs.count())
	})

	t.Run("fire once retained when delivery fails", func(t *testing.T) {
		subs, conns, latest, sender, exec := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender(), &fakeExec{}
		sub := testSubscription("c1", "s1", topic)
		sub.FireOnce = true
		assert.NoError(t, subs.Put(ctx, sub))
		sender.failing["c1"] = true

		d := newTestDispatcher(subs, conns, latest, sender, exec)
		assert.NoError(t, d.Broadcast(ctx, uploadEnvelope(t, "a.txt")))

		assert.Empty(t, subs.deleted)
		assert.Equal(t, 1, subs.count())
	})

	t.Run("gone connection is cleaned up", func(t *testing.T) {
		subs, conns, latest, sender, exec := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender(), &fakeExec{}
		assert.NoError(t, subs.Put(ctx, testSubscription("c1", "s1", topic)))
		assert.NoError(t, conns.Put(ctx, connectiondao.Connection{ConnectionID: "c1"}))
		sender.gone["c1"] = true

		d := newTestDispatcher(subs, conns, latest, sender, exec)
		assert.NoError(t, d.Broadcast(ctx, uploadEnvelope(t, "a.txt")))

		assert.Equal(t, []string{"c1"}, subs.deletedConns)
		assert.Equal(t, []string{"c1"}, conns.deleted)
		assert.Equal(t, 0, subs.count())
	})

	t.Run("one gone subscriber does not affect the rest", func(t *testing.T) {
		subs, conns, latest, sender, exec := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender(), &fakeExec{}
		for _, conn := range []string{"c1", "c2", "c3"} {
			assert.NoError(t, subs.Put(ctx, testSubscription(conn, "s1", topic)))
		}
		sender.gone["c2"] = true

		d := newTestDispatcher(subs, conns, latest, sender, exec)
		assert.NoError(t, d.Broadcast(ctx, uploadEnvelope(t, "a.txt")))

		assert.Len(t, sender.frames("c1"), 1)
		assert.Len(t, sender.frames("c3"), 1)
		assert.Equal(t, []string{"c2"}, subs.deletedConns)
		assert.Equal(t, 2, subs.count())
	})

	t.Run("unknown event source fails the broadcast", func(t *testing.T) {
		subs, conns, latest, sender, exec := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender(), &fakeExec{}
		d := newTestDispatcher(subs, conns, latest, sender, exec)

		err := d.Broadcast(ctx, publish.Envelope{Source: "mystery", Detail: json.RawMessage(`{}`)})
		assert.Error(t, err)
		assert.Empty(t, sender.sent)
	})

	t.Run("latest payload cached per topic", func(t *testing.T) {
		subs, conns, latest, sender, exec := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender(), &fakeExec{}
		d := newTestDispatcher(subs, conns, latest, sender, exec)
		assert.NoError(t, d.Broadcast(ctx, uploadEnvelope(t, "a.txt")))

		entry, err := latest.Get(ctx, topic)
		assert.NoError(t, err)
		assert.NotNil(t, entry)
		assert.Contains(t, entry.Root, `"onReady"`)
		assert.True(t, entry.TTL > 0)
	})

	t.Run("execution errors sent as error frame, record retained", func(t *testing.T) {
		subs, conns, latest, sender, exec := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender(), &fakeExec{}
		exec.errors = []*gqlerrors.QueryError{{Message: "field exploded"}}
		assert.NoError(t, subs.Put(ctx, testSubscription("c1", "s1", topic)))

		d := newTestDispatcher(subs, conns, latest, sender, exec)
		assert.NoError(t, d.Broadcast(ctx, uploadEnvelope(t, "a.txt")))

		frames := sender.frames("c1")
		assert.Len(t, frames, 1)
		assert.Equal(t, MsgError, frames[0].Type)
		assert.Equal(t, 1, subs.count())
	})

	t.Run("unknown schema closes and cleans up the connection", func(t *testing.T) {
		subs, conns, latest, sender, exec := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender(), &fakeExec{}
		exec.err = pelagogql.ErrUnknownSchema
		assert.NoError(t, subs.Put(ctx, testSubscription("c1", "s1", topic)))
		assert.NoError(t, conns.Put(ctx, connectiondao.Connection{ConnectionID: "c1"}))

		d := newTestDispatcher(subs, conns, latest, sender, exec)
		assert.NoError(t, d.Broadcast(ctx, uploadEnvelope(t, "a.txt")))

		assert.Equal(t, []string{"c1"}, sender.closed)
		assert.Equal(t, []string{"c1"}, subs.deletedConns)
		assert.Equal(t, []string{"c1"}, conns.deleted)
	})

	t.Run("stored context is replayed to the executor", func(t *testing.T) {
		subs, conns, latest, sender, exec := newFakeSubs(), newFakeConns(), newFakeLatest(), newFakeSender(), &fakeExec{}
		assert.NoError(t, subs.Put(ctx, testSubscription("c1", "s1", topic)))

		d := newTestDispatcher(subs, conns, latest, sender, exec)
		assert.NoError(t, d.Broadcast(ctx, uploadEnvelope(t, "a.txt")))

		assert.Len(t, exec.requests, 1)
		req := exec.requests[0]
		assert.Equal(t, "default", req.Schema)
		assert.Equal(t, "u-1", req.Principal["userId"])
		assert.Contains(t, req.Root, "onReady")
	})
}
