// Package defaultschema holds the schema served to connections whose policy
// does not name one. Subscription resolvers read the broadcast root value
// from the request context, emit a single result, and close.
package defaultschema

import (
	"context"
	"encoding/json"

	_ "embed"

	pelagogql "github.com/pelago/pelago-ws/pelago-gql"
)

//go:embed schema.gql
var schemaString string

// Register adds the default schema to the registry.
func Register(registry *pelagogql.Registry) {
	registry.MustRegister("default", schemaString, &Resolver{})
}

type Resolver struct{}

func (r *Resolver) Ping() string {
	return "pong"
}

func (r *Resolver) Upload(ctx context.Context, args struct{ FireOnce *bool }) (<-chan *UploadEventsResolver, error) {
	ch := make(chan *UploadEventsResolver, 1)
	ch <- &UploadEventsResolver{root: pelagogql.RootValue(ctx)}
	close(ch)
	return ch, nil
}

func (r *Resolver) Invoice(ctx context.Context, args struct{ FireOnce *bool }) (<-chan *InvoiceEventsResolver, error) {
	ch := make(chan *InvoiceEventsResolver, 1)
	ch <- &InvoiceEventsResolver{root: pelagogql.RootValue(ctx)}
	close(ch)
	return ch, nil
}

type UploadEventsResolver struct {
	root map[string]interface{}
}

type UploadReady struct {
	Files []UploadFile
	Raw   pelagogql.JSON `json:"-"`
}

type UploadFile struct {
	Path string
	URL  *string
}

func (u *UploadEventsResolver) OnReady(args struct{ Path string }) (*UploadReady, error) {
	var out UploadReady
	if ok, err := decodeRoot(u.root, "onReady", &out); !ok {
		return nil, err
	}
	out.Raw = pelagogql.JSON{Data: u.root["onReady"]}
	return &out, nil
}

type InvoiceEventsResolver struct {
	root map[string]interface{}
}

type InvoiceRendered struct {
	InvoiceID string `json:"invoiceId"`
	PDFKey    string `json:"pdfKey"`
}

func (i *InvoiceEventsResolver) OnRendered(args struct{ InvoiceID string }) (*InvoiceRendered, error) {
	var out InvoiceRendered
	if ok, err := decodeRoot(i.root, "onRendered", &out); !ok {
		return nil, err
	}
	return &out, nil
}

// decodeRoot extracts one key of the broadcast root value into a typed
// payload. A missing key resolves the field to null rather than an error, so
// sibling fields of a multi-topic subscription stay quiet when the event is
// not theirs.
func decodeRoot(root map[string]interface{}, key string, out interface{}) (bool, error) {
	value, ok := root[key]
	if !ok || value == nil {
		return false, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}
