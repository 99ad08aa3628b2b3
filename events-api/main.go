package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v2"

	pelagocli "github.com/pelago/pelago-ws/pelago-cli"
	pelagorest "github.com/pelago/pelago-ws/pelago-rest"
	pelagows "github.com/pelago/pelago-ws/pelago-ws"
	"github.com/pelago/pelago-ws/pelago-ws/publish"
)

var service = pelagocli.NewService("events-api")

func main() {
	app := pelagocli.App(
		service,
		action,
		append(
			pelagocli.CommonFlags,
			pelagocli.PortFlag(5002),
		)...,
	)
	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

func action(_ *cli.Context) error {
	publisher := publish.Build(pelagocli.CommonOpts.Env)
	logger := pelagocli.Logger(service)

	routes := pelagorest.Middlewares(service, chi.NewRouter())
	routes.Post("/events", func(w http.ResponseWriter, r *http.Request) {
		var envelope publish.Envelope
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			http.Error(w, "malformed event envelope", http.StatusBadRequest)
			return
		}

		// only sources the broadcaster knows how to route are accepted
		resolved, err := pelagows.Resolve(envelope)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if !pelagocli.CommonOpts.Dry {
			if err := publisher.Send(r.Context(), resolved.TopicKey, envelope); err != nil {
				logger.Error().Err(err).Str("source", envelope.Source).Msg("failed to publish event")
				http.Error(w, "failed to publish event", http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"topicKey": resolved.TopicKey})
	})

	return pelagorest.Webserver(service, routes)
}
