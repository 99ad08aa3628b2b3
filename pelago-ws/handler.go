package pelagows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/pelago/pelago-ws/pelago-ws/connectiondao"
	"github.com/pelago/pelago-ws/pelago-ws/subscriptiondao"
	"github.com/pelago/pelago-ws/pelago-ws/topickey"
)

// graphql-transport-ws is the only subprotocol this channel speaks.
const webSocketProtocol = "graphql-transport-ws"

// Handler handles WebSocket API Gateway events for the graphql-ws protocol:
// the connection lifecycle and the subscribe/complete bookkeeping.
type Handler struct {
	Conns       ConnectionRegistry
	Subs        SubscriptionRegistry
	Latest      LatestStore // optional replay-on-subscribe
	Auth        Authorizer
	Sender      Sender
	Broadcaster *Dispatcher // optional, used to replay the latest payload
	Logger      zerolog.Logger
	RecordTTL   time.Duration // TTL for connection and subscription records (default 2 hours)
}

// HandleEvent routes an API Gateway WebSocket event to the appropriate handler.
func (h *Handler) HandleEvent(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	logger := h.Logger.With().
		Str("connection_id", req.RequestContext.ConnectionID).
		Str("route", req.RequestContext.RouteKey).
		Logger()

	switch req.RequestContext.RouteKey {
	case "$connect":
		return h.handleConnect(ctx, logger, req)
	case "$disconnect":
		return h.handleDisconnect(ctx, logger, req)
	case "$default":
		return h.handleMessage(ctx, logger, req)
	default:
		logger.Warn().Str("route", req.RequestContext.RouteKey).Msg("unknown route")
		return events.APIGatewayProxyResponse{StatusCode: 400}, nil
	}
}

func (h *Handler) handleConnect(ctx context.Context, logger zerolog.Logger, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connID := req.RequestContext.ConnectionID
	endpoint := endpointFor(req)

	protocol := req.Headers["Sec-WebSocket-Protocol"]
	if protocol != "" && protocol != webSocketProtocol {
		logger.Warn().Str("protocol", protocol).Msg("unsupported websocket subprotocol")
		return events.APIGatewayProxyResponse{StatusCode: 400}, nil
	}

	policy, err := h.Auth.Authorize(ctx, ConnectRequest{
		ConnectionID: connID,
		Headers:      req.Headers,
		QueryParams:  req.QueryStringParameters,
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			logger.Warn().Msg("connection refused")
			return events.APIGatewayProxyResponse{StatusCode: 401}, nil
		}
		logger.Error().Err(err).Msg("authorizer failure")
		return events.APIGatewayProxyResponse{StatusCode: 500}, nil
	}

	policyJSON, err := json.Marshal(policy)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal policy")
		return events.APIGatewayProxyResponse{StatusCode: 500}, nil
	}

	conn := connectiondao.Connection{
		ConnectionID: connID,
		Endpoint:     endpoint,
		Policy:       string(policyJSON),
		ConnectedAt:  time.Now().Unix(),
		TTL:          time.Now().Add(h.recordTTL()).Unix(),
	}

	if err := h.Conns.Put(ctx, conn); err != nil {
		logger.Error().Err(err).Msg("failed to store connection")
		return events.APIGatewayProxyResponse{StatusCode: 500}, nil
	}

	logger.Info().Str("user_id", policy.UserID).Msg("connection established")
	resp := events.APIGatewayProxyResponse{StatusCode: 200}
	if protocol != "" {
		resp.Headers = map[string]string{"Sec-WebSocket-Protocol": protocol}
	}
	return resp, nil
}

// handleDisconnect tears down everything the connection owns. The transport
// and a failed broadcast push can both report the same closure; the second
// call finds nothing and succeeds.
func (h *Handler) handleDisconnect(ctx context.Context, logger zerolog.Logger, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connID := req.RequestContext.ConnectionID

	if err := h.Subs.DeleteByConnection(ctx, connID); err != nil {
		logger.Error().Err(err).Msg("failed to delete subscriptions")
	}

	if err := h.Conns.Delete(ctx, connID); err != nil {
		logger.Error().Err(err).Msg("failed to delete connection")
	}

	logger.Info().Msg("connection closed")
	return events.APIGatewayProxyResponse{StatusCode: 200}, nil
}

func (h *Handler) handleMessage(ctx context.Context, logger zerolog.Logger, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	msg, err := ParseMessage(req.Body)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid message")
		return events.APIGatewayProxyResponse{StatusCode: 400}, nil
	}

	connID := req.RequestContext.ConnectionID
	endpoint := endpointFor(req)

	switch msg.Type {
	case MsgConnectionInit:
		if _, err := h.Sender.Send(ctx, endpoint, connID, AckMessage()); err != nil {
			logger.Error().Err(err).Msg("failed to send connection_ack")
			return events.APIGatewayProxyResponse{StatusCode: 500}, nil
		}
		return events.APIGatewayProxyResponse{StatusCode: 200}, nil
	case MsgPing:
		if _, err := h.Sender.Send(ctx, endpoint, connID, PongMessage()); err != nil {
			logger.Error().Err(err).Msg("failed to send pong")
		}
		return events.APIGatewayProxyResponse{StatusCode: 200}, nil
	case MsgSubscribe:
		return h.handleSubscribe(ctx, logger, connID, endpoint, msg)
	case MsgComplete:
		return h.handleComplete(ctx, logger, connID, msg)
	default:
		logger.Warn().Str("type", msg.Type).Msg("unhandled message type")
		return events.APIGatewayProxyResponse{StatusCode: 200}, nil
	}
}

func (h *Handler) handleSubscribe(ctx context.Context, logger zerolog.Logger, connID, endpoint string, msg *GraphQLWSMessage) (events.APIGatewayProxyResponse, error) {
	conn, err := h.Conns.Get(ctx, connID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to look up connection")
		return events.APIGatewayProxyResponse{StatusCode: 500}, nil
	}
	if conn == nil {
		// no cached policy means the connect handshake never completed
		logger.Warn().Msg("subscribe from unregistered connection")
		if err := h.Sender.Close(ctx, endpoint, connID); err != nil {
			logger.Error().Err(err).Msg("failed to close unregistered connection")
		}
		return events.APIGatewayProxyResponse{StatusCode: 200}, nil
	}

	var policy Policy
	if err := json.Unmarshal([]byte(conn.Policy), &policy); err != nil {
		logger.Error().Err(err).Msg("failed to unmarshal cached policy")
		return events.APIGatewayProxyResponse{StatusCode: 500}, nil
	}

	var payload SubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		logger.Warn().Err(err).Msg("invalid subscribe payload")
		return h.subscribeError(ctx, logger, endpoint, connID, msg.ID, "invalid subscribe payload")
	}

	parsed, err := ParseSubscription(payload)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to parse subscription")
		return h.subscribeError(ctx, logger, endpoint, connID, msg.ID, err.Error())
	}

	reqCtx, err := json.Marshal(RequestContext{
		Schema: policy.Schema,
		UserID: policy.UserID,
		Scopes: policy.Scopes,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal request context")
		return events.APIGatewayProxyResponse{StatusCode: 500}, nil
	}

	variables := ""
	if len(payload.Variables) > 0 {
		raw, err := json.Marshal(payload.Variables)
		if err != nil {
			logger.Warn().Err(err).Msg("invalid subscribe variables")
			return h.subscribeError(ctx, logger, endpoint, connID, msg.ID, "invalid subscribe variables")
		}
		variables = string(raw)
	}

	// one write shard per subscribe message; all of its field records land
	// together
	shard := topickey.WriteShard()
	expiry := time.Now().Add(h.recordTTL()).Unix()

	var records []subscriptiondao.Subscription
	for i, field := range parsed.Fields {
		topicKey := parsed.TopicKey(field)
		sub := subscriptiondao.Subscription{
			SubscriptionID: connID + "#" + msg.ID,
			FieldIndex:     int64(i),
			ConnectionID:   connID,
			TopicShard:     topickey.Sharded(topicKey, shard),
			TopicKey:       topicKey,
			Endpoint:       endpoint,
			ClientSubID:    msg.ID,
			Query:          payload.Query,
			Variables:      variables,
			Context:        string(reqCtx),
			FireOnce:       parsed.FireOnce,
			TTL:            expiry,
		}

		if err := h.Subs.Put(ctx, sub); err != nil {
			if errors.Is(err, subscriptiondao.ErrAlreadyExists) {
				// retried handshake; the record is already in place
				logger.Debug().Str("sub_id", msg.ID).Int("field", i).Msg("subscription already registered")
				records = append(records, sub)
				continue
			}
			logger.Error().Err(err).Msg("failed to store subscription")
			return h.subscribeError(ctx, logger, endpoint, connID, msg.ID, "internal error")
		}
		records = append(records, sub)
	}

	if _, err := h.Sender.Send(ctx, endpoint, connID, SubscribeAckMessage(msg.ID)); err != nil {
		logger.Error().Err(err).Msg("failed to acknowledge subscription")
	}

	logger.Info().
		Str("sub_id", msg.ID).
		Str("field", parsed.RootField).
		Int("topics", len(records)).
		Bool("fire_once", parsed.FireOnce).
		Msg("subscription created")

	h.replayLatest(ctx, logger, records)

	return events.APIGatewayProxyResponse{StatusCode: 200}, nil
}

// replayLatest pushes the most recent broadcast of each registered topic to
// the new subscriber, through the same delivery path a live event takes.
func (h *Handler) replayLatest(ctx context.Context, logger zerolog.Logger, records []subscriptiondao.Subscription) {
	if h.Latest == nil || h.Broadcaster == nil {
		return
	}
	for _, sub := range records {
		entry, err := h.Latest.Get(ctx, sub.TopicKey)
		if err != nil {
			logger.Error().Err(err).Str("topic", sub.TopicKey).Msg("failed to read latest payload")
			continue
		}
		if entry == nil {
			continue
		}
		var root map[string]interface{}
		if err := json.Unmarshal([]byte(entry.Root), &root); err != nil {
			logger.Error().Err(err).Str("topic", sub.TopicKey).Msg("malformed latest payload")
			continue
		}
		h.Broadcaster.Deliver(ctx, sub, root)
	}
}

func (h *Handler) handleComplete(ctx context.Context, logger zerolog.Logger, connID string, msg *GraphQLWSMessage) (events.APIGatewayProxyResponse, error) {
	subID := connID + "#" + msg.ID
	if err := h.Subs.Delete(ctx, subID); err != nil {
		logger.Error().Err(err).Str("sub_id", msg.ID).Msg("failed to delete subscription")
	}
	logger.Info().Str("sub_id", msg.ID).Msg("subscription completed")
	return events.APIGatewayProxyResponse{StatusCode: 200}, nil
}

func (h *Handler) subscribeError(ctx context.Context, logger zerolog.Logger, endpoint, connID, id, message string) (events.APIGatewayProxyResponse, error) {
	if _, err := h.Sender.Send(ctx, endpoint, connID, ErrorMessage(id, message)); err != nil {
		logger.Error().Err(err).Msg("failed to send error")
	}
	return events.APIGatewayProxyResponse{StatusCode: 200}, nil
}

func (h *Handler) recordTTL() time.Duration {
	if h.RecordTTL == 0 {
		return 2 * time.Hour
	}
	return h.RecordTTL
}

func endpointFor(req events.APIGatewayWebsocketProxyRequest) string {
	return fmt.Sprintf("https://%s/%s", req.RequestContext.DomainName, req.RequestContext.Stage)
}
