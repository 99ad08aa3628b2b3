package main

import (
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/urfave/cli/v2"

	pelagocli "github.com/pelago/pelago-ws/pelago-cli"
	pelagoddb "github.com/pelago/pelago-ws/pelago-ddb"
	pelagogql "github.com/pelago/pelago-ws/pelago-gql"
	pelagosecret "github.com/pelago/pelago-ws/pelago-secret"
	pelagows "github.com/pelago/pelago-ws/pelago-ws"
	"github.com/pelago/pelago-ws/pelago-ws/connectiondao"
	"github.com/pelago/pelago-ws/pelago-ws/defaultschema"
	"github.com/pelago/pelago-ws/pelago-ws/latestdao"
	"github.com/pelago/pelago-ws/pelago-ws/subscriptiondao"
)

var service = pelagocli.NewService("ws-handler")

var opts struct {
	SecretName string
}

func main() {
	app := pelagocli.App(
		service,
		action,
		append(
			pelagocli.CommonFlags,
			append(
				pelagoddb.DDBFlags,
				pelagocli.StringFlag("secret-name", "Secrets Manager entry holding the connection token map", &opts.SecretName),
			)...,
		)...,
	)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func action(_ *cli.Context) error {
	if pelagocli.CommonOpts.Console {
		return fmt.Errorf("ws-handler only runs behind the API Gateway websocket integration")
	}

	logger := pelagocli.Logger(service)
	env := pelagocli.CommonOpts.Env

	sess := session.Must(session.NewSession(aws.NewConfig()))
	api, err := pelagoddb.DynamoDBAPI(sess)
	if err != nil {
		return err
	}

	secretName := opts.SecretName
	if secretName == "" {
		secretName = fmt.Sprintf("%v-pelago-ws--tokens", env)
	}
	var secret struct {
		Tokens map[string]pelagows.Policy `json:"tokens"`
	}
	if err := pelagosecret.LoadSecret(sess, secretName, &secret); err != nil {
		return fmt.Errorf("loading token secret %v: %w", secretName, err)
	}

	registry := pelagogql.NewRegistry()
	defaultschema.Register(registry)

	subs := subscriptiondao.Build(api, env)
	conns := connectiondao.Build(api, env)
	latest := latestdao.Build(api, env)
	sender := &pelagows.APIGatewaySender{}
	metrics := pelagocli.NewMetrics(service, cloudwatch.New(sess))

	handler := &pelagows.Handler{
		Conns:  conns,
		Subs:   subs,
		Latest: latest,
		Auth:   &pelagows.TokenAuthorizer{Tokens: secret.Tokens},
		Sender: sender,
		Broadcaster: &pelagows.Dispatcher{
			Subs:    subs,
			Conns:   conns,
			Latest:  latest,
			Exec:    registry,
			Sender:  sender,
			Logger:  logger,
			Metrics: &metrics,
		},
		Logger: logger,
	}

	lambda.Start(handler.HandleEvent)
	return nil
}
