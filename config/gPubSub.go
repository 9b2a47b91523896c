package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func init() {
	godotenv.Load()
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	return os.Getenv("GOOGLE_CLOUD_PROJECT")
}

// GetLedgerTopicID returns the topic the ledger-posting outbox publishes to.
func GetLedgerTopicID() string {
	if v := os.Getenv("PUBSUB_LEDGER_TOPIC"); v != "" {
		return v
	}
	return "ledger-postings"
}

// GetPubSubClient returns a Pub/Sub client. It uses Application Default
// Credentials unless PUBSUB_CREDENTIALS_FILE is provided.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()

	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID is not set")
	}

	var opts []option.ClientOption
	if credsFile := os.Getenv("PUBSUB_CREDENTIALS_FILE"); credsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	pubsubClient = client
	return pubsubClient, nil
}

// PublishLedgerPosting publishes one ledger-posting message and blocks until
// the server acks it, so the outbox dispatcher can mark the row published.
func PublishLedgerPosting(ctx context.Context, data []byte, attributes map[string]string) (string, error) {
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	topic := client.Topic(GetLedgerTopicID())
	result := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attributes,
	})
	return result.Get(ctx)
}
