package subscriptiondao

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"

	"github.com/pelago/pelago-ws/pelago-ws/topickey"
)

// Scanner pages through every shard of a topic. It is finite and not
// restartable: Next returns the next non-empty page of live records, or
// (nil, nil) once the last shard's cursor is exhausted.
type Scanner interface {
	Next(ctx context.Context) ([]Subscription, error)
}

// ScanTopic returns a scanner over all shards of a topic, draining each
// shard's pagination cursor fully before moving to the next. One page is in
// flight at a time; fan-out latency matters more than fairness across shards.
func (d *DAO) ScanTopic(topicKey string, pageSize int64) Scanner {
	if pageSize <= 0 {
		pageSize = 25
	}
	return &topicScan{
		dao:      d,
		topicKey: topicKey,
		limit:    pageSize,
		now:      time.Now,
	}
}

type topicScan struct {
	dao      *DAO
	topicKey string
	limit    int64
	shard    int
	startKey map[string]*dynamodb.AttributeValue
	done     bool
	now      func() time.Time
}

func (s *topicScan) Next(ctx context.Context) ([]Subscription, error) {
	for !s.done {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.dao.tableName),
			IndexName:              aws.String("TopicIndex"),
			KeyConditionExpression: aws.String("#topic_shard = :topic_shard"),
			ExpressionAttributeNames: map[string]*string{
				"#topic_shard": aws.String("topic_shard"),
			},
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
				":topic_shard": {S: aws.String(topickey.Sharded(s.topicKey, s.shard))},
			},
			Limit:             aws.Int64(s.limit),
			ExclusiveStartKey: s.startKey,
		}

		out, err := s.dao.api.QueryWithContext(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topic %v shard %v: %w", s.topicKey, s.shard, err)
		}

		s.startKey = out.LastEvaluatedKey
		if s.startKey == nil {
			s.shard++
			if s.shard >= topickey.ShardCount {
				s.done = true
			}
		}

		var subs []Subscription
		if err := dynamodbattribute.UnmarshalListOfMaps(out.Items, &subs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal topic %v page: %w", s.topicKey, err)
		}

		// TTL deletion lags expiry; expired records read back are dead.
		cutoff := s.now().Unix()
		live := subs[:0]
		for _, sub := range subs {
			if sub.TTL == 0 || sub.TTL > cutoff {
				live = append(live, sub)
			}
		}
		if len(live) > 0 {
			return live, nil
		}
	}
	return nil, nil
}
