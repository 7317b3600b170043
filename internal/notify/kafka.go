package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaNotifier publishes push notifications onto a Kafka topic consumed
// by the websocket gateway.
type KafkaNotifier struct {
	writer *kafka.Writer
}

func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: newWriter(brokers, topic)}
}

type pushMessage struct {
	UserID  string    `json:"user_id"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

func (n *KafkaNotifier) SendNotification(ctx context.Context, userID, content string) error {
	value, err := json.Marshal(pushMessage{UserID: userID, Content: content, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}
	if err := n.writer.WriteMessages(ctx, kafka.Message{Key: []byte(userID), Value: value}); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error { return n.writer.Close() }

// KafkaEmailSender publishes email requests onto a Kafka topic consumed
// by the mailer service, which owns template rendering.
type KafkaEmailSender struct {
	writer *kafka.Writer
}

func NewKafkaEmailSender(brokers []string, topic string) *KafkaEmailSender {
	return &KafkaEmailSender{writer: newWriter(brokers, topic)}
}

type emailMessage struct {
	ToAddress    string         `json:"to_address"`
	Subject      string         `json:"subject"`
	TemplateName string         `json:"template_name"`
	Variables    map[string]any `json:"variables"`
	SentAt       time.Time      `json:"sent_at"`
}

func (s *KafkaEmailSender) SendTemplateEmail(ctx context.Context, toAddress, subject, templateName string, variables map[string]any) error {
	value, err := json.Marshal(emailMessage{
		ToAddress:    toAddress,
		Subject:      subject,
		TemplateName: templateName,
		Variables:    variables,
		SentAt:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal email message: %w", err)
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(toAddress), Value: value}); err != nil {
		return fmt.Errorf("publish email: %w", err)
	}
	return nil
}

func (s *KafkaEmailSender) Close() error { return s.writer.Close() }

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
}
