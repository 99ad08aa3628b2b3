package pelagows

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pelago/pelago-ws/pelago-ws/publish"
	"github.com/pelago/pelago-ws/pelago-ws/topickey"
)

// ErrUnknownEvent indicates an envelope whose source has no topic mapping.
// This is a configuration error: the producer and the broadcaster disagree
// about the event catalog, and dropping the event silently would hide that.
var ErrUnknownEvent = errors.New("unknown event source")

// Event sources with a topic mapping. The set is closed: adding a producer
// means adding a branch to Resolve.
const (
	SourceUpload  = "upload"
	SourceInvoice = "invoice"
)

// UploadDetail is the payload of an upload-ready event.
type UploadDetail struct {
	S3Key string       `json:"s3Key"`
	Files []UploadFile `json:"files"`
}

type UploadFile struct {
	Path string `json:"path"`
	URL  string `json:"url,omitempty"`
}

// InvoiceDetail is the payload of an invoice-rendered event.
type InvoiceDetail struct {
	InvoiceID string `json:"invoiceId"`
	PDFKey    string `json:"pdfKey"`
}

// Broadcast is the resolved form of a domain event: the topic it fans out on
// and the root value stored subscriptions re-execute against.
type Broadcast struct {
	TopicKey string
	Root     map[string]interface{}
}

// Resolve maps an event envelope to its broadcast topic and root value.
// Unknown sources and malformed details fail fast rather than silently
// matching no subscribers.
func Resolve(envelope publish.Envelope) (Broadcast, error) {
	switch envelope.Source {
	case SourceUpload:
		var detail UploadDetail
		if err := json.Unmarshal(envelope.Detail, &detail); err != nil {
			return Broadcast{}, fmt.Errorf("malformed %v event detail: %w", envelope.Source, err)
		}
		files := make([]interface{}, 0, len(detail.Files))
		for _, f := range detail.Files {
			files = append(files, map[string]interface{}{"path": f.Path, "url": f.URL})
		}
		return Broadcast{
			TopicKey: topickey.Encode("upload", "onReady", []topickey.Arg{{Name: "path", Value: detail.S3Key}}),
			Root: map[string]interface{}{
				"onReady": map[string]interface{}{"files": files},
			},
		}, nil

	case SourceInvoice:
		var detail InvoiceDetail
		if err := json.Unmarshal(envelope.Detail, &detail); err != nil {
			return Broadcast{}, fmt.Errorf("malformed %v event detail: %w", envelope.Source, err)
		}
		return Broadcast{
			TopicKey: topickey.Encode("invoice", "onRendered", []topickey.Arg{{Name: "invoiceId", Value: detail.InvoiceID}}),
			Root: map[string]interface{}{
				"onRendered": map[string]interface{}{"invoiceId": detail.InvoiceID, "pdfKey": detail.PDFKey},
			},
		}, nil

	default:
		return Broadcast{}, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Source)
	}
}
