package pelagows

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go/service/apigatewaymanagementapi/apigatewaymanagementapiiface"
)

// DeliveryStatus classifies the outcome of a push so the terminal "gone"
// condition is handled explicitly at the call site rather than by matching
// error strings.
type DeliveryStatus int

const (
	Delivered DeliveryStatus = iota
	Gone
	TransientFailure
)

// Sender is the push channel to a connected client.
type Sender interface {
	Send(ctx context.Context, endpoint, connectionID string, data []byte) (DeliveryStatus, error)
	Close(ctx context.Context, endpoint, connectionID string) error
}

// APIGatewaySender pushes frames through the API Gateway management API,
// caching one client per endpoint.
type APIGatewaySender struct {
	mu      sync.RWMutex
	clients map[string]apigatewaymanagementapiiface.ApiGatewayManagementApiAPI
}

func (s *APIGatewaySender) Send(ctx context.Context, endpoint, connectionID string, data []byte) (DeliveryStatus, error) {
	client := s.client(endpoint)
	_, err := client.PostToConnectionWithContext(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         data,
	})
	switch {
	case err == nil:
		return Delivered, nil
	case isGone(err):
		return Gone, nil
	default:
		return TransientFailure, fmt.Errorf("posting to connection %v: %w", connectionID, err)
	}
}

// Close tears down the client's channel. A connection that is already gone is
// not an error.
func (s *APIGatewaySender) Close(ctx context.Context, endpoint, connectionID string) error {
	client := s.client(endpoint)
	_, err := client.DeleteConnectionWithContext(ctx, &apigatewaymanagementapi.DeleteConnectionInput{
		ConnectionId: aws.String(connectionID),
	})
	if err != nil && !isGone(err) {
		return fmt.Errorf("closing connection %v: %w", connectionID, err)
	}
	return nil
}

func (s *APIGatewaySender) client(endpoint string) apigatewaymanagementapiiface.ApiGatewayManagementApiAPI {
	s.mu.RLock()
	if client, ok := s.clients[endpoint]; ok {
		s.mu.RUnlock()
		return client
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if client, ok := s.clients[endpoint]; ok {
		return client
	}

	if s.clients == nil {
		s.clients = make(map[string]apigatewaymanagementapiiface.ApiGatewayManagementApiAPI)
	}

	sess := session.Must(session.NewSession(aws.NewConfig().WithEndpoint(endpoint)))
	client := apigatewaymanagementapi.New(sess)
	s.clients[endpoint] = client
	return client
}

// isGone reports whether the error means the destination WebSocket no longer
// exists (HTTP 410).
func isGone(err error) bool {
	var gone *apigatewaymanagementapi.GoneException
	if errors.As(err, &gone) {
		return true
	}
	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() == http.StatusGone {
		return true
	}
	return false
}
