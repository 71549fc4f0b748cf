package taskprocessor

import (
	"context"
	"log"
	"time"

	"gitlab.ozon.dev/qwestard/console/internal/kafka"
	"gitlab.ozon.dev/qwestard/console/internal/repository"
)

// AuditRelay drains the audit outbox into kafka. A task failing to publish
// is retried with a delay; after maxAttempts the task is parked as
// NO_ATTEMPTS_LEFT and left for manual inspection.
type AuditRelay struct {
	repo         repository.TaskRepository
	producer     *kafka.SaramaProducer
	topic        string
	pollInterval time.Duration
	limit        int
	maxAttempts  int
	retryDelay   time.Duration
}

func NewAuditRelay(repo repository.TaskRepository, producer *kafka.SaramaProducer, topic string, pollInterval time.Duration, limit int) *AuditRelay {
	return &AuditRelay{
		repo:         repo,
		producer:     producer,
		topic:        topic,
		pollInterval: pollInterval,
		limit:        limit,
		maxAttempts:  3,
		retryDelay:   2 * time.Second,
	}
}

func (p *AuditRelay) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processPendingTasks(ctx)
		}
	}
}

func (p *AuditRelay) processPendingTasks(ctx context.Context) {
	tasks, err := p.repo.GetPendingTasks(ctx, p.limit, p.maxAttempts)
	if err != nil {
		log.Printf("Error fetching pending audit tasks: %v", err)
		return
	}
	for _, task := range tasks {
		if err := p.repo.MarkTaskProcessing(ctx, task.ID); err != nil {
			log.Printf("Error marking task %d as PROCESSING: %v", task.ID, err)
			continue
		}

		if err := p.producer.Publish(p.topic, task.Payload); err != nil {
			p.recordFailure(ctx, task, err)
			continue
		}
		if err := p.repo.DeleteTask(ctx, task.ID); err != nil {
			log.Printf("Error deleting task %d after successful publish: %v", task.ID, err)
		}
	}
}

func (p *AuditRelay) recordFailure(ctx context.Context, task *repository.AuditTask, err error) {
	newAttempt := task.AttemptCount + 1
	newStatus := repository.TaskStatusFailed
	if newAttempt >= p.maxAttempts {
		newStatus = repository.TaskStatusNoAttemptsLeft
	}
	nextAttempt := time.Now().Add(p.retryDelay)
	if errUpd := p.repo.UpdateTaskFailure(ctx, task.ID, newAttempt, newStatus, nextAttempt); errUpd != nil {
		log.Printf("Error updating task %d on failure: %v", task.ID, errUpd)
	}
	log.Printf("Failed to publish audit task %d (attempt %d): %v", task.ID, newAttempt, err)
}
