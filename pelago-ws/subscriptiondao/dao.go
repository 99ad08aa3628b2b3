package subscriptiondao

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/savaki/ddb"
)

// ErrAlreadyExists indicates a conditional insert hit an existing
// (subscription id, field index) identity. Callers handling a client retry
// treat it as idempotent success.
var ErrAlreadyExists = errors.New("subscription already exists")

// DAO provides access to the WebSocket subscriptions table.
type DAO struct {
	table     *ddb.Table
	api       dynamodbiface.DynamoDBAPI
	tableName string
}

// New creates a new subscriptions DAO.
func New(api dynamodbiface.DynamoDBAPI, tableName string) *DAO {
	return &DAO{
		table:     ddb.New(api).MustTable(tableName, Subscription{}),
		api:       api,
		tableName: tableName,
	}
}

// Put stores a subscription record, refusing to overwrite an existing
// identity. Duplicate identities under concurrent handshake retries are the
// one place the registry relies on the store's conditional writes.
func (d *DAO) Put(ctx context.Context, sub Subscription) error {
	item, err := dynamodbattribute.MarshalMap(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription %v: %w", sub.SubscriptionID, err)
	}

	_, err = d.api.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return fmt.Errorf("subscription %v field %v: %w", sub.SubscriptionID, sub.FieldIndex, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to put subscription %v: %w", sub.SubscriptionID, err)
	}
	return nil
}

// Delete removes every field record of a subscription ID. Absent
// subscriptions are a no-op.
func (d *DAO) Delete(ctx context.Context, subscriptionID string) error {
	keys, err := d.keysBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	return d.batchDelete(ctx, fmt.Sprintf("subscription %v", subscriptionID), keys)
}

// QueryByConnection returns all subscriptions for a given connection using the ConnectionIndex GSI.
func (d *DAO) QueryByConnection(ctx context.Context, connectionID string) ([]Subscription, error) {
	var subs []Subscription
	err := d.table.Query("#ConnectionID = ?", connectionID).
		IndexName("ConnectionIndex").
		FindAllWithContext(ctx, &subs)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions by connection %v: %w", connectionID, err)
	}
	return subs, nil
}

// DeleteByConnection removes all subscriptions for a given connection. Safe
// to call more than once: a second call finds nothing to delete.
func (d *DAO) DeleteByConnection(ctx context.Context, connectionID string) error {
	subs, err := d.QueryByConnection(ctx, connectionID)
	if err != nil {
		return err
	}

	keys := make([]map[string]*dynamodb.AttributeValue, 0, len(subs))
	for _, sub := range subs {
		keys = append(keys, recordKey(sub.SubscriptionID, sub.FieldIndex))
	}
	return d.batchDelete(ctx, fmt.Sprintf("connection %v", connectionID), keys)
}

func (d *DAO) keysBySubscription(ctx context.Context, subscriptionID string) ([]map[string]*dynamodb.AttributeValue, error) {
	var keys []map[string]*dynamodb.AttributeValue
	var startKey map[string]*dynamodb.AttributeValue
	for {
		out, err := d.api.QueryWithContext(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.tableName),
			KeyConditionExpression: aws.String("#pk = :pk"),
			ExpressionAttributeNames: map[string]*string{
				"#pk": aws.String("pk"),
				"#sk": aws.String("sk"),
			},
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
				":pk": {S: aws.String(subscriptionID)},
			},
			ProjectionExpression: aws.String("#pk, #sk"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query subscription %v: %w", subscriptionID, err)
		}
		keys = append(keys, out.Items...)
		startKey = out.LastEvaluatedKey
		if startKey == nil {
			return keys, nil
		}
	}
}

// batchDelete removes records in chunks of 25 (DynamoDB limit), retrying
// unprocessed items with backoff.
func (d *DAO) batchDelete(ctx context.Context, what string, keys []map[string]*dynamodb.AttributeValue) error {
	const batchSize = 25
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[i:end]

		writeRequests := make([]*dynamodb.WriteRequest, len(chunk))
		for j, key := range chunk {
			writeRequests[j] = &dynamodb.WriteRequest{
				DeleteRequest: &dynamodb.DeleteRequest{Key: key},
			}
		}

		unprocessed := map[string][]*dynamodb.WriteRequest{
			d.tableName: writeRequests,
		}

		const maxRetries = 5
		for attempt := 0; attempt < maxRetries; attempt++ {
			output, err := d.api.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: unprocessed,
			})
			if err != nil {
				return fmt.Errorf("failed to batch delete for %v: %w", what, err)
			}
			if len(output.UnprocessedItems) == 0 {
				break
			}
			unprocessed = output.UnprocessedItems
			if attempt < maxRetries-1 {
				backoff := time.Duration(1<<attempt) * 100 * time.Millisecond
				timer := time.NewTimer(backoff)
				select {
				case <-ctx.Done():
					timer.Stop()
					return fmt.Errorf("context cancelled during retry for %v: %w", what, ctx.Err())
				case <-timer.C:
				}
			} else {
				return fmt.Errorf("failed to delete all records for %v: %d items unprocessed after %d retries", what, len(unprocessed[d.tableName]), maxRetries)
			}
		}
	}

	return nil
}

// Count returns the number of live records under one shard of a topic.
func (d *DAO) Count(ctx context.Context, topicShard string) (int64, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		IndexName:              aws.String("TopicIndex"),
		KeyConditionExpression: aws.String("topic_shard = :topic_shard"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":topic_shard": {S: aws.String(topicShard)},
		},
		Select: aws.String("COUNT"),
	}

	output, err := d.api.QueryWithContext(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to count subscriptions for shard %v: %w", topicShard, err)
	}

	return *output.Count, nil
}

func recordKey(subscriptionID string, fieldIndex int64) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"pk": {S: aws.String(subscriptionID)},
		"sk": {N: aws.String(strconv.FormatInt(fieldIndex, 10))},
	}
}
