package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/elys-network/supervault/internal/types"
)

// DefaultRedisChannel receives every event as JSON.
const DefaultRedisChannel = "strategist:events"

// RedisNotifier publishes events on a Redis pub/sub channel.
type RedisNotifier struct {
	client  redis.Cmdable
	channel string
}

func NewRedisNotifier(client redis.Cmdable, channel string) (*RedisNotifier, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisNotifier{client: client, channel: channel}, nil
}

func (r *RedisNotifier) Notify(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// amqpPublisher is the part of *amqp.Channel the notifier uses.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes events to a topic exchange. The routing key is the event kind.
type AMQPNotifier struct {
	publisher amqpPublisher
	exchange  string
	closers   []func() error
}

// DialAMQP connects to the broker and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPNotifier, error) {
	if url == "" {
		return nil, errors.New("AMQP URL cannot be empty")
	}
	if exchange == "" {
		return nil, errors.New("AMQP exchange cannot be empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{publisher: ch, exchange: exchange, closers: []func() error{ch.Close, conn.Close}}, nil
}

func (a *AMQPNotifier) Notify(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return a.publisher.PublishWithContext(ctx, a.exchange, string(e.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.DecisionID,
		Timestamp:    e.At,
		Body:         payload,
	})
}

func (a *AMQPNotifier) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// messageSender is the part of *bot.Bot the notifier uses.
type messageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramNotifier alerts the operator chat. Routine decisions are not forwarded.
type TelegramNotifier struct {
	sender messageSender
	chatID int64
}

func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("telegram token and chat id are required")
	}
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{sender: b, chatID: chatID}, nil
}

func (t *TelegramNotifier) Notify(ctx context.Context, e Event) error {
	if !operatorRelevant(e) {
		return nil
	}
	_, err := t.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   formatOperatorMessage(e),
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func operatorRelevant(e Event) bool {
	switch e.Kind {
	case EventEmergencyTriggered, EventCycleDegraded:
		return true
	case EventExecutionResolved:
		return e.Status != types.ReceiptConfirmed
	}
	return false
}

func formatOperatorMessage(e Event) string {
	var b strings.Builder
	switch e.Kind {
	case EventEmergencyTriggered:
		b.WriteString("EMERGENCY")
	case EventCycleDegraded:
		b.WriteString("DEGRADED")
	default:
		b.WriteString("EXECUTION " + string(e.Status))
	}
	fmt.Fprintf(&b, " (cycle %d)\n", e.Cycle)
	if e.Strategy != "" {
		fmt.Fprintf(&b, "strategy: %s\n", e.Strategy)
	}
	if e.Action != "" {
		fmt.Fprintf(&b, "action: %s %s\n", e.Action, e.Amount)
	}
	if e.DecisionID != "" {
		fmt.Fprintf(&b, "decision: %s\n", e.DecisionID)
	}
	if e.Detail != "" {
		b.WriteString(e.Detail)
	}
	return strings.TrimRight(b.String(), "\n")
}
