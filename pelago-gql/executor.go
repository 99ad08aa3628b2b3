// Package pelagogql provides the query execution boundary used when stored
// subscriptions are re-run against an inbound event, plus common GraphQL
// scalar types and error filtering.
package pelagogql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/graph-gophers/graphql-go"
	gqlerrors "github.com/graph-gophers/graphql-go/errors"
)

// ErrUnknownSchema indicates a stored request referenced a schema that was
// never registered. This is a deployment configuration problem, not a
// per-subscriber failure, and callers must not retry.
var ErrUnknownSchema = errors.New("unknown schema")

// Request is a single re-execution of a stored subscription document.
type Request struct {
	Schema        string
	Query         string
	OperationName string
	Variables     map[string]interface{}
	Root          map[string]interface{}
	Principal     map[string]interface{}
}

// Result is the outcome of executing a Request. Errors holds field-level
// execution errors; a non-nil Result with errors is still a delivered result.
type Result struct {
	Data   json.RawMessage
	Errors []*gqlerrors.QueryError
}

// Executor runs a stored subscription document once against an event-derived
// root value.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Registry holds parsed schemas by name and executes requests against them.
// Subscription resolvers read the event root value from the context via
// RootValue and emit exactly one result.
type Registry struct {
	schemas map[string]*graphql.Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: map[string]*graphql.Schema{}}
}

// MustRegister parses and registers a schema under the given name, panicking
// on an invalid schema. Registration happens at startup, before any traffic.
func (r *Registry) MustRegister(name string, schemaString string, resolver interface{}, opts ...graphql.SchemaOpt) {
	opts = append([]graphql.SchemaOpt{
		graphql.MaxDepth(15),
		graphql.UseFieldResolvers(),
	}, opts...)
	r.schemas[name] = graphql.MustParseSchema(schemaString, resolver, opts...)
}

// Execute runs the request's subscription document and returns the first (and
// only) response produced by the resolver channel.
func (r *Registry) Execute(ctx context.Context, req Request) (*Result, error) {
	schema, ok := r.schemas[req.Schema]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, req.Schema)
	}

	ctx = WithRoot(ctx, req.Root)
	if req.Principal != nil {
		ctx = WithPrincipal(ctx, req.Principal)
	}
	c, err := schema.Subscribe(ctx, req.Query, req.OperationName, req.Variables)
	if err != nil {
		return nil, fmt.Errorf("unable to execute subscription: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-c:
		if !ok {
			return &Result{}, nil
		}
		resp, ok := payload.(*graphql.Response)
		if !ok {
			return nil, fmt.Errorf("unexpected execution payload type %T", payload)
		}
		return &Result{Data: resp.Data, Errors: resp.Errors}, nil
	}
}
