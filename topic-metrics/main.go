package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/urfave/cli/v2"

	pelagocli "github.com/pelago/pelago-ws/pelago-cli"
	pelagocron "github.com/pelago/pelago-ws/pelago-cron"
	pelagoddb "github.com/pelago/pelago-ws/pelago-ddb"
	"github.com/pelago/pelago-ws/pelago-ws/latestdao"
	"github.com/pelago/pelago-ws/pelago-ws/subscriptiondao"
	"github.com/pelago/pelago-ws/pelago-ws/topickey"
)

// topic-metrics runs on a schedule and reports the subscriber depth of every
// recently active topic, summed across its shards.

var service = pelagocli.NewService("topic-metrics")

func main() {
	app := pelagocli.App(
		service,
		action,
		append(
			pelagocli.CommonFlags,
			pelagoddb.DDBFlags...,
		)...,
	)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func action(_ *cli.Context) error {
	env := pelagocli.CommonOpts.Env

	sess := session.Must(session.NewSession(aws.NewConfig()))
	api, err := pelagoddb.DynamoDBAPI(sess)
	if err != nil {
		return err
	}

	logger := pelagocli.Logger(service)
	metrics := pelagocli.NewMetrics(service, cloudwatch.New(sess))
	subs := subscriptiondao.Build(api, env)
	latest := latestdao.Build(api, env)

	runOnce := func(ctx context.Context) error {
		topics, err := latest.ScanTopics(ctx)
		if err != nil {
			return err
		}
		for _, topic := range topics {
			var total int64
			for _, shard := range topickey.ReadShards() {
				count, err := subs.Count(ctx, topickey.Sharded(topic, shard))
				if err != nil {
					return err
				}
				total += count
			}
			logger.Info().Str("topic", topic).Int64("subscribers", total).Msg("topic depth")
			metrics.Gauge(ctx, pelagocli.SubscriberCountMetric, float64(total), map[pelagocli.DimensionName]string{
				pelagocli.TopicDimension: topic,
			})
		}
		return nil
	}

	handler := pelagocron.NewHandler(service, runOnce)
	return handler.Start()
}
