package connectiondao

// Connection represents a WebSocket connection stored in DynamoDB. Policy is
// the JSON-encoded authorizer result cached for the connection's lifetime.
type Connection struct {
	ConnectionID string `dynamodbav:"pk" ddb:"hash"`
	Endpoint     string `dynamodbav:"endpoint"`
	Policy       string `dynamodbav:"policy"`
	ConnectedAt  int64  `dynamodbav:"connected_at"`
	TTL          int64  `dynamodbav:"ttl"`
}
