package rabbit

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oswatch/scanfleet/internal/domain"
)

const (
	// Task queues, one per worker class.
	queueFast = "scans.fast"
	queueSlow = "scans.slow"

	// ResultsExchange routes result messages by scan id.
	ResultsExchange = "scan.results"

	resultQueuePrefix = "scan.results."

	// resultQueueTTLMillis expires orphaned result queues after 24 h.
	resultQueueTTLMillis = int32(86400000)
)

// TaskQueueName maps a queue class to its broker queue name.
func TaskQueueName(queueType string) (string, error) {
	switch queueType {
	case domain.QueueFast:
		return queueFast, nil
	case domain.QueueSlow:
		return queueSlow, nil
	default:
		return "", fmt.Errorf("op=topology.task_queue: %w: unknown queue type %q",
			domain.ErrInvalidArgument, queueType)
	}
}

// ResultQueueName returns the per-scan result queue name.
func ResultQueueName(scanID string) string { return resultQueuePrefix + scanID }

// declareTaskQueue declares one durable task queue.
func declareTaskQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("op=topology.declare_task_queue queue=%s: %w", name, err)
	}
	return nil
}

// DeclareTaskQueues declares both task queues. Workers and dispatchers
// both call this so ordering of process startup does not matter.
func DeclareTaskQueues(ch *amqp.Channel) error {
	for _, name := range []string{queueFast, queueSlow} {
		if err := declareTaskQueue(ch, name); err != nil {
			return err
		}
	}
	return nil
}

// DeclareResultsExchange declares the durable topic exchange results
// flow through.
func DeclareResultsExchange(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ResultsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=topology.declare_exchange: %w", err)
	}
	return nil
}

// DeclareResultQueue declares the per-scan result queue and binds it to
// the results exchange with the scan id as routing key. Durable, not
// exclusive, no auto-delete: results must survive consumer restarts and
// broker restarts while a scan runs. The TTL reaps queues whose scan
// never gets consumed.
func DeclareResultQueue(ch *amqp.Channel, scanID string) (string, error) {
	name := ResultQueueName(scanID)
	args := amqp.Table{"x-message-ttl": resultQueueTTLMillis}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("op=topology.declare_result_queue scan_id=%s: %w", scanID, err)
	}
	if err := ch.QueueBind(name, scanID, ResultsExchange, false, nil); err != nil {
		return "", fmt.Errorf("op=topology.bind_result_queue scan_id=%s: %w", scanID, err)
	}
	return name, nil
}

// DeleteResultQueue removes a scan's result queue once drained.
func DeleteResultQueue(ch *amqp.Channel, scanID string) error {
	if _, err := ch.QueueDelete(ResultQueueName(scanID), false, false, false); err != nil {
		return fmt.Errorf("op=topology.delete_result_queue scan_id=%s: %w", scanID, err)
	}
	return nil
}
