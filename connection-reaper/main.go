package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/urfave/cli/v2"

	pelagocli "github.com/pelago/pelago-ws/pelago-cli"
	pelagoddb "github.com/pelago/pelago-ws/pelago-ddb"
	"github.com/pelago/pelago-ws/pelago-ws/connectiondao"
	"github.com/pelago/pelago-ws/pelago-ws/subscriptiondao"
)

// connection-reaper watches the connections table stream and removes the
// subscriptions a connection left behind when its record is deleted, whether
// by an explicit disconnect or by TTL expiry.

var service = pelagocli.NewService("connection-reaper")

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
	subs := subscriptiondao.Build(api, env)

	if pelagoddb.DDBOpts.TableName == "" {
		pelagoddb.DDBOpts.TableName = connectiondao.TableName(env)
	}

	onDelete := func(ctx context.Context, oldValue map[string]*dynamodb.AttributeValue) error {
		var conn connectiondao.Connection
		if err := pelagoddb.ParseItem(oldValue, &conn); err != nil {
			return err
		}
		return subs.DeleteByConnection(ctx, conn.ConnectionID)
	}

	handler := pelagoddb.NewHandler(service, nil, nil, onDelete)
	return handler.Start()
}
