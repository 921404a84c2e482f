package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/purpleops/checking-engine/internal/config"
)

// Routing keys are contractual; the upstream tool publishes execution
// results with "<producer>.execution.result" and the instructions queue
// binds the wildcard form.
const (
	BindingExecutionResult = "*.execution.result"
	KeyExecutionResult     = "caldera.execution.result"
	KeyAPITask             = "checking.api.task"
	KeyAgentTask           = "checking.agent.task"
	KeyAPIResponse         = "checking.api.response"
	KeyAgentResponse       = "checking.agent.response"
)

// DeclareTopology declares the exchange, the dead-letter exchange, the five
// queues and their bindings. All declarations are idempotent, so this runs
// both at provisioning time (admin role) and after every reconnect.
func DeclareTopology(ctx context.Context, client *Client, cfg config.BrokerConfig) error {
	ch, err := client.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", cfg.DeadLetterExchange, err)
	}

	queues := []struct {
		name    string
		binding string
	}{
		{cfg.InstructionsQueue, BindingExecutionResult},
		{cfg.APITasksQueue, KeyAPITask},
		{cfg.AgentTasksQueue, KeyAgentTask},
		{cfg.APIResponsesQueue, KeyAPIResponse},
		{cfg.AgentResponsesQueue, KeyAgentResponse},
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.binding, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s (%s): %w", q.name, cfg.Exchange, q.binding, err)
		}
	}

	if _, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", cfg.DeadLetterQueue, err)
	}
	// Bind both the configured routing key and the wildcard so nothing sent
	// to the DLX is ever unroutable.
	if err := ch.QueueBind(cfg.DeadLetterQueue, cfg.DeadLetterKey, cfg.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(cfg.DeadLetterQueue, "#", cfg.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter wildcard: %w", err)
	}

	return nil
}

// declareQueue re-declares just the queue one consumer needs after a
// reconnect, on its own channel.
func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}
