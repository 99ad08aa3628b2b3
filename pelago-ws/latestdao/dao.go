package latestdao

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/savaki/ddb"
)

// DAO provides access to the WebSocket latest-payload cache table.
type DAO struct {
	table     *ddb.Table
	api       dynamodbiface.DynamoDBAPI
	tableName string
}

// New creates a new latest-payload DAO.
func New(api dynamodbiface.DynamoDBAPI, tableName string) *DAO {
	return &DAO{
		table:     ddb.New(api).MustTable(tableName, Latest{}),
		api:       api,
		tableName: tableName,
	}
}

// Put stores or overwrites the latest payload for a topic.
func (d *DAO) Put(ctx context.Context, entry Latest) error {
	return d.table.Put(entry).RunWithContext(ctx)
}

// Get retrieves the latest payload for a topic. Returns nil if not found.
func (d *DAO) Get(ctx context.Context, topicKey string) (*Latest, error) {
	var entry Latest
	if err := d.table.Get(topicKey).ScanWithContext(ctx, &entry); err != nil {
		if ddb.IsItemNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest for topic %v: %w", topicKey, err)
	}
	return &entry, nil
}

// ScanTopics lists every topic with a cached payload. The cache only holds
// recently active topics, so the table stays small enough to scan whole.
func (d *DAO) ScanTopics(ctx context.Context) ([]string, error) {
	var topics []string
	var startKey map[string]*dynamodb.AttributeValue
	for {
		out, err := d.api.ScanWithContext(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(d.tableName),
			ProjectionExpression: aws.String("pk"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan topics: %w", err)
		}
		for _, item := range out.Items {
			if pk, ok := item["pk"]; ok && pk.S != nil {
				topics = append(topics, *pk.S)
			}
		}
		startKey = out.LastEvaluatedKey
		if startKey == nil {
			return topics, nil
		}
	}
}
