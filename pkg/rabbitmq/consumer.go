/**
 * @description
 * Billing event consumer for the credits-service. It owns one durable queue
 * bound to the billing topic exchange and dispatches each delivery to the
 * handler registered for its routing key (payment confirmations, referral
 * completions, account provisioning). Handlers decide the fate of a delivery:
 * true acknowledges it, false requeues it for another attempt. Deliveries with
 * no registered handler are dropped with an ack so a stray binding cannot wedge
 * the queue.
 *
 * @dependencies
 * - fmt, log, net/url, strings: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The AMQP client.
 */

package rabbitmq

import (
	"fmt"
	"log"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// prefetchLimit caps unacknowledged deliveries per consumer. Grants are
// idempotent, so a modest window is safe and keeps redeliveries prompt.
const prefetchLimit = 10

// Consumer holds the broker connection for the billing event queue.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer dials the broker and opens the consuming channel.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeConsumerURL(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("invalid amqp url: %w", err)
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(prefetchLimit, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares the durable topic exchange and queue, binds one
// routing key per handler, and starts the dispatch loop in a goroutine. The
// queue survives restarts; confirmed payments waiting in it are applied on the
// next boot.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	dispatch := make(map[string]func([]byte) bool, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			dispatch[routingKey] = handler
		}
	}
	if len(dispatch) == 0 {
		return fmt.Errorf("no handlers bound for queue %s", queueName)
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	queue, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	for routingKey := range dispatch {
		if err := c.ch.QueueBind(queue.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", routingKey, exchange, err)
		}
	}

	deliveries, err := c.ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming %s: %w", queue.Name, err)
	}

	go c.dispatchLoop(exchange, deliveries, dispatch)
	return nil
}

// dispatchLoop runs until the delivery channel closes (connection loss or
// shutdown). Ack/nack decisions come from the handlers; only unroutable
// deliveries are dropped here.
func (c *Consumer) dispatchLoop(exchange string, deliveries <-chan amqp.Delivery, dispatch map[string]func([]byte) bool) {
	for delivery := range deliveries {
		handler, ok := dispatch[delivery.RoutingKey]
		if !ok {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"dropping delivery with unbound routing key\" exchange=%s routing_key=%s", exchange, delivery.RoutingKey)
			delivery.Ack(false)
			continue
		}
		if handler(delivery.Body) {
			delivery.Ack(false)
			continue
		}
		log.Printf("level=warn component=rabbitmq_consumer msg=\"requeueing delivery\" exchange=%s routing_key=%s redelivered=%t", exchange, delivery.RoutingKey, delivery.Redelivered)
		delivery.Nack(false, true)
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery channel closed\" exchange=%s", exchange)
}

// Close releases the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// sanitizeConsumerURL trims whitespace and stray quotes that tend to leak into
// broker URLs from deployment env files.
func sanitizeConsumerURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	return clean, nil
}
