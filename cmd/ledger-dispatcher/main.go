// ledger-dispatcher runs the ledger posting outbox dispatcher as a
// standalone process, for deployments that scale the API and the
// publisher independently. The API binary runs the same dispatcher
// in-process, so only one of the two should be enabled per environment.
//
// Usage:
//   go run ./cmd/ledger-dispatcher          # loop until SIGTERM
//   go run ./cmd/ledger-dispatcher -once    # drain one batch and exit
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/workflow"
)

func main() {
	once := flag.Bool("once", false, "dispatch a single batch and exit")
	flag.Parse()

	logger := config.GetLogger()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		logger.Fatal("database not initialized (config.GetDB returned nil). Set DB_* env vars.")
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	dispatcher := workflow.NewOutboxDispatcher(db, logger)
	if *once {
		dispatcher.DispatchOnce(ctx)
		return
	}

	logger.WithField("dispatcher_id", dispatcher.DispatcherID).Info("ledger dispatcher started")
	dispatcher.Run(ctx)
	logger.Info("ledger dispatcher stopped")
}
