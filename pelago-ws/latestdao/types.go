package latestdao

// Latest holds the most recently broadcast root value for a topic.
// The ws-handler reads this on subscribe to send an initial message.
type Latest struct {
	TopicKey string `dynamodbav:"pk" ddb:"hash"`
	Root     string `dynamodbav:"root"`     // JSON-encoded root value
	EventID  string `dynamodbav:"event_id"` // idempotency key
	TTL      int64  `dynamodbav:"ttl"`
}
