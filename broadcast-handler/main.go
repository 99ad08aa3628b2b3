package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	consumer "github.com/harlow/kinesis-consumer"
	"github.com/urfave/cli/v2"

	pelagocli "github.com/pelago/pelago-ws/pelago-cli"
	pelagoddb "github.com/pelago/pelago-ws/pelago-ddb"
	pelagogql "github.com/pelago/pelago-ws/pelago-gql"
	pelagows "github.com/pelago/pelago-ws/pelago-ws"
	"github.com/pelago/pelago-ws/pelago-ws/connectiondao"
	"github.com/pelago/pelago-ws/pelago-ws/defaultschema"
	"github.com/pelago/pelago-ws/pelago-ws/latestdao"
	"github.com/pelago/pelago-ws/pelago-ws/publish"
	"github.com/pelago/pelago-ws/pelago-ws/subscriptiondao"
)

var service = pelagocli.NewService("broadcast-handler")

var opts struct {
	StreamName string
}

func main() {
	app := pelagocli.App(
		service,
		action,
		append(
			pelagocli.CommonFlags,
			append(
				pelagoddb.DDBFlags,
				pelagocli.StringFlag("stream-name", "Kinesis stream carrying domain events", &opts.StreamName),
			)...,
		)...,
	)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func action(_ *cli.Context) error {
	logger := pelagocli.Logger(service)
	env := pelagocli.CommonOpts.Env

	sess := session.Must(session.NewSession(aws.NewConfig()))
	api, err := pelagoddb.DynamoDBAPI(sess)
	if err != nil {
		return err
	}

	registry := pelagogql.NewRegistry()
	defaultschema.Register(registry)

	metrics := pelagocli.NewMetrics(service, cloudwatch.New(sess))

	dispatcher := &pelagows.Dispatcher{
		Subs:    subscriptiondao.Build(api, env),
		Conns:   connectiondao.Build(api, env),
		Latest:  latestdao.Build(api, env),
		Exec:    registry,
		Sender:  &pelagows.APIGatewaySender{},
		Logger:  logger,
		Metrics: &metrics,
	}

	if pelagocli.CommonOpts.Console {
		return handleRealtime(dispatcher)
	}

	lambda.Start(dispatcher.HandleKinesisEvent)
	return nil
}

func handleRealtime(dispatcher *pelagows.Dispatcher) error {
	streamName := opts.StreamName
	if streamName == "" {
		streamName = publish.StreamName(pelagocli.CommonOpts.Env)
	}

	c, err := consumer.New(streamName, consumer.WithShardIteratorType("LATEST"))
	if err != nil {
		return err
	}

	ctx := dispatcher.Logger.WithContext(context.Background())
	return c.Scan(ctx, func(record *consumer.Record) error {
		var envelope publish.Envelope
		if err := json.Unmarshal(record.Data, &envelope); err != nil {
			dispatcher.Logger.Error().Err(err).Msg("skipping malformed record")
			return nil
		}
		return dispatcher.Broadcast(ctx, envelope)
	})
}
