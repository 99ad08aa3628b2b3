package pelagows

import (
	"context"

	"github.com/pelago/pelago-ws/pelago-ws/connectiondao"
	"github.com/pelago/pelago-ws/pelago-ws/latestdao"
	"github.com/pelago/pelago-ws/pelago-ws/subscriptiondao"
)

// SubscriptionRegistry is the persistence surface the handler and dispatcher
// depend on; *subscriptiondao.DAO implements it.
type SubscriptionRegistry interface {
	Put(ctx context.Context, sub subscriptiondao.Subscription) error
	Delete(ctx context.Context, subscriptionID string) error
	DeleteByConnection(ctx context.Context, connectionID string) error
	ScanTopic(topicKey string, pageSize int64) subscriptiondao.Scanner
}

// ConnectionRegistry stores per-connection policy records;
// *connectiondao.DAO implements it.
type ConnectionRegistry interface {
	Put(ctx context.Context, conn connectiondao.Connection) error
	Get(ctx context.Context, connectionID string) (*connectiondao.Connection, error)
	Delete(ctx context.Context, connectionID string) error
}

// LatestStore caches the most recent broadcast per topic for replay to new
// subscribers; *latestdao.DAO implements it.
type LatestStore interface {
	Put(ctx context.Context, entry latestdao.Latest) error
	Get(ctx context.Context, topicKey string) (*latestdao.Latest, error)
}

// RequestContext is the request context captured at subscribe time and
// replayed verbatim on every re-execution.
type RequestContext struct {
	Schema string   `json:"schema"`
	UserID string   `json:"userId,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}
