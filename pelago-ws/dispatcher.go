package pelagows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	pelagocli "github.com/pelago/pelago-ws/pelago-cli"
	pelagogql "github.com/pelago/pelago-ws/pelago-gql"
	"github.com/pelago/pelago-ws/pelago-ws/latestdao"
	"github.com/pelago/pelago-ws/pelago-ws/publish"
	"github.com/pelago/pelago-ws/pelago-ws/subscriptiondao"
)

// Dispatcher fans a domain event out to every stored subscription on the
// event's topic, re-executing each stored query and pushing the result to the
// owning connection.
type Dispatcher struct {
	Subs        SubscriptionRegistry
	Conns       ConnectionRegistry
	Latest      LatestStore // optional replay cache
	Exec        pelagogql.Executor
	Sender      Sender
	Logger      zerolog.Logger
	Metrics     *pelagocli.Metrics // optional
	Concurrency int                // max concurrent deliveries within a batch (default 25)
	PageSize    int64              // topic scan page size (default 25)
	RecordTTL   time.Duration      // latest-cache expiry (default 2 hours)
}

// HandleKinesisEvent processes a batch of Kinesis records from the events
// stream. An envelope with no topic mapping is a configuration error and
// fails the batch; per-subscriber delivery failures never do.
func (d *Dispatcher) HandleKinesisEvent(ctx context.Context, event events.KinesisEvent) error {
	ctx = d.Logger.WithContext(ctx)
	for _, record := range event.Records {
		var envelope publish.Envelope
		if err := json.Unmarshal(record.Kinesis.Data, &envelope); err != nil {
			return fmt.Errorf("unmarshalling kinesis record %v: %w", record.EventID, err)
		}
		if err := d.Broadcast(ctx, envelope); err != nil {
			d.Logger.Error().Err(err).Str("event_id", record.EventID).Msg("broadcast failed")
			return err
		}
	}
	return nil
}

// Broadcast resolves the envelope to a topic and delivers it to every live
// subscriber, shard by shard.
func (d *Dispatcher) Broadcast(ctx context.Context, envelope publish.Envelope) error {
	b, err := Resolve(envelope)
	if err != nil {
		// unknown event shapes are fatal; do not silently skip subscribers
		return err
	}

	begin := time.Now()
	logger := d.Logger.With().Str("topic", b.TopicKey).Logger()

	d.cacheLatest(ctx, logger, b)

	concurrency := d.Concurrency
	if concurrency <= 0 {
		concurrency = 25
	}

	scan := d.Subs.ScanTopic(b.TopicKey, d.PageSize)
	subscribers := 0
	for {
		batch, err := scan.Next(ctx)
		if err != nil {
			return fmt.Errorf("scanning topic %v: %w", b.TopicKey, err)
		}
		if batch == nil {
			break
		}
		subscribers += len(batch)

		// deliveries are isolated: a failing subscriber logs and returns nil
		// so the rest of the batch is unaffected
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, sub := range batch {
			sub := sub
			g.Go(func() error {
				d.Deliver(gctx, sub, b.Root)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	logger.Debug().Int("subscribers", subscribers).Dur("elapsed", time.Since(begin)).Msg("broadcast complete")
	if d.Metrics != nil {
		d.Metrics.Gauge(ctx, pelagocli.FanOutSizeMetric, float64(subscribers), map[pelagocli.DimensionName]string{
			pelagocli.TopicDimension: b.TopicKey,
		})
		d.Metrics.Timing(ctx, pelagocli.BroadcastTimeMetric, begin)
	}
	return nil
}

// Deliver re-executes one stored subscription against the event root value
// and pushes the outcome to its connection. All failures are handled here;
// only the terminal "gone" condition has side effects beyond logging.
func (d *Dispatcher) Deliver(ctx context.Context, sub subscriptiondao.Subscription, eventRoot map[string]interface{}) {
	logger := d.Logger.With().
		Str("connection_id", sub.ConnectionID).
		Str("sub_id", sub.ClientSubID).
		Str("topic", sub.TopicKey).
		Logger()

	req, err := executionRequest(sub, eventRoot)
	if err != nil {
		logger.Error().Err(err).Msg("stored subscription is unusable")
		return
	}

	begin := time.Now()
	result, err := d.Exec.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, pelagogql.ErrUnknownSchema) {
			// the connection was authorized against a schema this deployment
			// no longer serves; the channel cannot carry anything useful
			logger.Error().Err(err).Msg("closing connection with unknown schema")
			if cerr := d.Sender.Close(ctx, sub.Endpoint, sub.ConnectionID); cerr != nil {
				logger.Error().Err(cerr).Msg("failed to close connection")
			}
			d.dropConnection(ctx, sub.ConnectionID)
			return
		}
		logger.Error().Err(err).Msg("failed to execute stored subscription")
		return
	}
	if d.Metrics != nil {
		d.Metrics.Timing(ctx, pelagocli.DeliveryTimeMetric, begin)
	}

	if len(result.Errors) > 0 {
		logger.Error().Interface("errors", result.Errors).Msg("subscription execution returned errors")
		frame := ErrorsMessage(sub.ClientSubID, pelagogql.FilterErrors(result.Errors))
		status, serr := d.Sender.Send(ctx, sub.Endpoint, sub.ConnectionID, frame)
		if status == Gone {
			d.dropConnection(ctx, sub.ConnectionID)
		} else if serr != nil {
			logger.Error().Err(serr).Msg("failed to send error frame")
		}
		// a single failed evaluation is not terminal; the record stays
		return
	}

	frame, err := NextMessage(sub.ClientSubID, map[string]interface{}{"data": result.Data})
	if err != nil {
		logger.Error().Err(err).Msg("failed to build next frame")
		return
	}

	status, serr := d.Sender.Send(ctx, sub.Endpoint, sub.ConnectionID, frame)
	switch status {
	case Gone:
		d.dropConnection(ctx, sub.ConnectionID)
		return
	case TransientFailure:
		logger.Error().Err(serr).Msg("transient delivery failure, subscription retained")
		return
	}

	if sub.FireOnce {
		// delivery is confirmed; completing and unregistering after this
		// point may duplicate a next frame on interruption, never lose one
		if _, cerr := d.Sender.Send(ctx, sub.Endpoint, sub.ConnectionID, CompleteMessage(sub.ClientSubID)); cerr != nil {
			logger.Error().Err(cerr).Msg("failed to send complete frame")
		}
		if err := d.Subs.Delete(ctx, sub.SubscriptionID); err != nil {
			logger.Error().Err(err).Msg("failed to unregister fire-once subscription")
		}
	}
}

func (d *Dispatcher) cacheLatest(ctx context.Context, logger zerolog.Logger, b Broadcast) {
	if d.Latest == nil {
		return
	}
	root, err := json.Marshal(b.Root)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal root value for latest cache")
		return
	}
	ttl := d.RecordTTL
	if ttl == 0 {
		ttl = 2 * time.Hour
	}
	entry := latestdao.Latest{
		TopicKey: b.TopicKey,
		Root:     string(root),
		TTL:      time.Now().Add(ttl).Unix(),
	}
	if err := d.Latest.Put(ctx, entry); err != nil {
		logger.Error().Err(err).Msg("failed to cache latest payload")
	}
}

// dropConnection cleans up after a terminal "gone" push. The user is already
// disconnected, so nothing is surfaced; the transport's own disconnect may
// race this and both calls are no-ops the second time around.
func (d *Dispatcher) dropConnection(ctx context.Context, connectionID string) {
	d.Logger.Info().Str("connection_id", connectionID).Msg("connection gone, cleaning up")
	if err := d.Subs.DeleteByConnection(ctx, connectionID); err != nil {
		d.Logger.Error().Err(err).Str("connection_id", connectionID).Msg("failed to delete subscriptions for gone connection")
	}
	if d.Conns != nil {
		if err := d.Conns.Delete(ctx, connectionID); err != nil {
			d.Logger.Error().Err(err).Str("connection_id", connectionID).Msg("failed to delete gone connection")
		}
	}
	if d.Metrics != nil {
		d.Metrics.Event(ctx, pelagocli.GoneConnectionMetric)
	}
}

// executionRequest reconstitutes the stored payload and request context into
// an executor request against the event root value.
func executionRequest(sub subscriptiondao.Subscription, eventRoot map[string]interface{}) (pelagogql.Request, error) {
	var reqCtx RequestContext
	if sub.Context != "" {
		if err := json.Unmarshal([]byte(sub.Context), &reqCtx); err != nil {
			return pelagogql.Request{}, fmt.Errorf("unmarshalling stored context: %w", err)
		}
	}

	var principal map[string]interface{}
	if sub.Context != "" {
		if err := json.Unmarshal([]byte(sub.Context), &principal); err != nil {
			return pelagogql.Request{}, fmt.Errorf("unmarshalling stored context: %w", err)
		}
	}

	var variables map[string]interface{}
	if sub.Variables != "" {
		if err := json.Unmarshal([]byte(sub.Variables), &variables); err != nil {
			return pelagogql.Request{}, fmt.Errorf("unmarshalling stored variables: %w", err)
		}
	}

	var template map[string]interface{}
	if sub.RootTemplate != "" {
		if err := json.Unmarshal([]byte(sub.RootTemplate), &template); err != nil {
			return pelagogql.Request{}, fmt.Errorf("unmarshalling stored root template: %w", err)
		}
	}

	schema := reqCtx.Schema
	if schema == "" {
		schema = "default"
	}

	return pelagogql.Request{
		Schema:    schema,
		Query:     sub.Query,
		Variables: variables,
		Root:      pelagogql.MergeRoot(template, eventRoot),
		Principal: principal,
	}, nil
}
