package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/warp/leave-engine/leave"
)

const (
	RequestEventsTopic     = "leave.request.events.v1"
	EmployeeLifecycleTopic = "hr.employee.lifecycle.v1"

	EventEmployeeWelcome = "EmployeeWelcome"
)

// MessageWriter is the part of *kafka.Writer the publishers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter returns a writer that hashes on the message key, so every
// message for one request lands on the same partition in order.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// Kafka publishes notifications and welcome payloads as JSON messages.
type Kafka struct {
	Writer       MessageWriter
	RequestTopic string
	WelcomeTopic string
}

func NewKafka(w MessageWriter) *Kafka {
	return &Kafka{Writer: w, RequestTopic: RequestEventsTopic, WelcomeTopic: EmployeeLifecycleTopic}
}

func (k *Kafka) Notify(ctx context.Context, n leave.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := kafka.Message{
		Topic: k.RequestTopic,
		Key:   []byte(n.RequestID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(n.Event)},
			{Key: "recipient_role", Value: []byte(n.RecipientRole)},
		},
	}
	if err := k.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s for %s: %w", n.Event, n.RequestID, err)
	}
	return nil
}

func (k *Kafka) SendWelcome(ctx context.Context, payload map[string]string) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode welcome payload: %w", err)
	}
	msg := kafka.Message{
		Topic: k.WelcomeTopic,
		Key:   []byte(payload["employee_id"]),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventEmployeeWelcome)},
		},
	}
	if err := k.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish welcome for %s: %w", payload["employee_id"], err)
	}
	return nil
}
