package notification

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smallbiznis/chama/internal/config"
)

// Publisher pushes notifications to the delivery pipeline.
type Publisher interface {
	Publish(ctx context.Context, items ...Notification) error
	Close() error
}

// event is the payload consumers of the notification topic read.
type event struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ChamaID   string    `json:"chama_id,omitempty"`
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher keys messages by recipient so one user's notifications
// stay ordered within a partition.
func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  strings.TrimSpace(cfg.Topic),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, items ...Notification) error {
	if len(items) == 0 {
		return nil
	}
	messages := make([]kafka.Message, 0, len(items))
	for _, item := range items {
		value, err := json.Marshal(toEvent(item))
		if err != nil {
			return err
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(item.UserID.String()),
			Value: value,
			Time:  item.CreatedAt,
		})
	}
	return p.writer.WriteMessages(ctx, messages...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toEvent(n Notification) event {
	out := event{
		ID:        n.ID.String(),
		UserID:    n.UserID.String(),
		Category:  n.Category,
		Message:   n.Message,
		CreatedAt: n.CreatedAt,
	}
	if n.ChamaID != nil {
		out.ChamaID = n.ChamaID.String()
	}
	return out
}

// inboxOnly is used when no brokers are configured; the inbox table is then
// the only delivery channel.
type inboxOnly struct{}

func (inboxOnly) Publish(context.Context, ...Notification) error { return nil }
func (inboxOnly) Close() error                                     { return nil }
