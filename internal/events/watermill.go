package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultTopic is the topic events are published on.
const DefaultTopic = "warden.events"

// WatermillSink publishes events as JSON messages on a watermill publisher.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
	logger    log.Logger
}

// NewWatermillSink wraps publisher. An empty topic uses DefaultTopic.
func NewWatermillSink(publisher message.Publisher, topic string, logger log.Logger) *WatermillSink {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &WatermillSink{publisher: publisher, topic: topic, logger: logger}
}

// NewGoChannel returns an in-process pub/sub suitable for WatermillSink
// and for subscribers inside the same binary.
func NewGoChannel(buffer int64) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, watermill.NopLogger{})
}

// Emit implements Sink.
func (s *WatermillSink) Emit(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error(ctx, err, "marshal event", "event", ev.Name)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event", ev.Name)
	if ev.TraceID != "" {
		msg.Metadata.Set("trace_id", ev.TraceID)
	}
	if err := s.publisher.Publish(s.topic, msg); err != nil {
		s.logger.Error(ctx, err, "publish event", "event", ev.Name, "topic", s.topic)
	}
}

// Decode parses a message published by WatermillSink.
func Decode(msg *message.Message) (Event, error) {
	var ev Event
	err := json.Unmarshal(msg.Payload, &ev)
	return ev, err
}
