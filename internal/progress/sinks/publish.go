package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/curious-surfer/internal/crawler"
	"github.com/JakeFAU/curious-surfer/internal/progress"
)

// JobNotification is the payload published for each found job.
type JobNotification struct {
	SessionID string `json:"session_id"`
	Site      string `json:"site"`
	URL       string `json:"url"`
	Title     string `json:"title"`
	Score     int    `json:"score"`
	FoundAt   string `json:"found_at"`
}

// PublishSink forwards job-found events to a topic. Other stages are ignored.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink returns a sink publishing to topic.
func NewPublishSink(p crawler.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: p, topic: topic, logger: logger.Named("publish_sink")}
}

// Consume publishes every job-found event of the batch. A failed publish does
// not stop the rest of the batch; the errors are joined.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageJobFound {
			continue
		}
		msg := JobNotification{
			SessionID: evt.SessionID,
			Site:      evt.Site,
			URL:       evt.URL,
			Title:     evt.Title,
			Score:     evt.Score,
			FoundAt:   evt.TS.UTC().Format(time.RFC3339),
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish job %s: %w", evt.URL, err))
			continue
		}
		s.logger.Debug("job published", zap.String("url", evt.URL), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
