// Package stream holds the JetStream layout shared by the API gateway, which
// publishes auction events, and the archival worker, which consumes them.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/aaronwang/live-auction/shared/models"
)

// ArchiveConsumer is the durable consumer name of the archival worker
const ArchiveConsumer = "archival-worker"

// ArchiveConfig describes the stream that buffers events for archival
func ArchiveConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        models.ArchiveStream,
		Description: "Stream for auction events archival",
		Subjects:    []string{models.ArchiveSubjectPrefix + "*"},
		Storage:     jetstream.FileStorage,     // Persistent storage
		Retention:   jetstream.WorkQueuePolicy, // Each message consumed once
		MaxAge:      24 * time.Hour,
		Replicas:    1,
		Duplicates:  2 * time.Minute, // dedup window for WithMsgID
	}
}

// ArchiveConsumerConfig describes the archival worker's durable consumer
func ArchiveConsumerConfig() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       ArchiveConsumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    10,
		FilterSubject: models.ArchiveSubjectPrefix + "*",
	}
}

// EnsureArchive creates or updates the archive stream. Both sides call it so
// start order does not matter.
func EnsureArchive(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	s, err := js.CreateOrUpdateStream(ctx, ArchiveConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", models.ArchiveStream, err)
	}
	return s, nil
}
