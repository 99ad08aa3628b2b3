package subscriptiondao

// Subscription is one (subscription id, sub-field) registration stored in
// DynamoDB. SubscriptionID is "{connectionId}#{clientSubId}"; a subscribe
// message selecting several sub-fields produces one record per field, each
// under its own FieldIndex.
type Subscription struct {
	SubscriptionID string `dynamodbav:"pk" ddb:"hash"`
	FieldIndex     int64  `dynamodbav:"sk" ddb:"range"`
	ConnectionID   string `dynamodbav:"connection_id" ddb:"gsi_hash:ConnectionIndex"`
	TopicShard     string `dynamodbav:"topic_shard" ddb:"gsi_hash:TopicIndex"`
	TopicKey       string `dynamodbav:"topic_key"`
	Endpoint       string `dynamodbav:"endpoint"`
	ClientSubID    string `dynamodbav:"client_sub_id"`
	Query          string `dynamodbav:"query"`
	Variables      string `dynamodbav:"variables,omitempty"`     // JSON
	Context        string `dynamodbav:"context,omitempty"`       // JSON request context
	RootTemplate   string `dynamodbav:"root_template,omitempty"` // JSON partial root value
	FireOnce       bool   `dynamodbav:"fire_once"`
	TTL            int64  `dynamodbav:"ttl"`
}
