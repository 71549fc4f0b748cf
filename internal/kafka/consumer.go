package kafka

import (
	"context"
	"encoding/json"
	"log"

	"github.com/IBM/sarama"

	"gitlab.ozon.dev/qwestard/console/internal/audit"
)

// ConsumerGroupHandler logs relayed audit events. Malformed payloads are
// logged raw and acknowledged; the relay never redelivers on our account.
type ConsumerGroupHandler struct{}

func (ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var rec audit.Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			log.Printf("Consumed unparseable audit event: topic=%s offset=%d value=%s", msg.Topic, msg.Offset, string(msg.Value))
		} else {
			log.Printf("Consumed audit event: order=%s op=%s %s -> %s", rec.OrderID, rec.Operation, rec.OldStatus, rec.NewStatus)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func StartSaramaConsumer(ctx context.Context, cfg *sarama.Config, brokers []string, groupID string, topics []string) {
	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		log.Fatalf("Error creating consumer group: %v", err)
	}
	defer func() {
		if err := consumerGroup.Close(); err != nil {
			log.Printf("Error closing consumer group: %v", err)
		}
	}()

	handler := ConsumerGroupHandler{}

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
				log.Printf("Error from consumer: %v", err)
			}
		}
	}
}
