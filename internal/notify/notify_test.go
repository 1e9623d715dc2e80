package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/supervault/internal/types"
)

func sampleDecision() types.StrategyDecision {
	return types.StrategyDecision{
		ID:         "4b8f7c1e-0a8e-5d5e-9a39-0c3f2f1d5e11",
		StrategyID: types.StrategyAaveLending,
		VenueID:    "aave-arbitrum",
		Action:     types.ActionEmergencyWithdraw,
		Amount:     sdkmath.NewInt(300000),
		Rationale:  "health factor 1.20 below 1.50",
	}
}

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestDecisionEventCarriesDecision(t *testing.T) {
	e := DecisionEvent(EventEmergencyTriggered, 7, sampleDecision())
	assert.Equal(t, EventEmergencyTriggered, e.Kind)
	assert.Equal(t, 7, e.Cycle)
	assert.Equal(t, "aave-lending", e.Strategy)
	assert.Equal(t, "300000", e.Amount)
	assert.Equal(t, "health factor 1.20 below 1.50", e.Detail)
	assert.False(t, e.At.IsZero())
}

func TestResultEventCarriesStatusAndError(t *testing.T) {
	d := sampleDecision()
	e := ResultEvent(3, d, types.ExecutionResult{DecisionID: d.ID, Status: types.ReceiptReverted}, errors.New("reverted"))
	assert.Equal(t, EventExecutionResolved, e.Kind)
	assert.Equal(t, types.ReceiptReverted, e.Status)
	assert.Equal(t, "reverted", e.Detail)
}

func TestMultiSwallowsSinkFailures(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("broker down")}
	ok := &recordingNotifier{}
	m := NewMulti(failing, nil, ok)
	assert.Equal(t, 2, m.Len())

	require.NoError(t, m.Notify(context.Background(), Event{Kind: EventDecisionMade}))
	assert.Len(t, failing.events, 1)
	assert.Len(t, ok.events, 1)
}

func TestNopAndLogNeverFail(t *testing.T) {
	e := DecisionEvent(EventCycleDegraded, 1, sampleDecision())
	require.NoError(t, Nop{}.Notify(context.Background(), e))
	require.NoError(t, NewLogNotifier().Notify(context.Background(), e))
}

func TestRedisNotifierPublishesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub := client.Subscribe(ctx, DefaultRedisChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	n, err := NewRedisNotifier(client, "")
	require.NoError(t, err)
	require.NoError(t, n.Notify(ctx, DecisionEvent(EventDecisionMade, 2, sampleDecision())))

	select {
	case msg := <-sub.Channel():
		var got Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, EventDecisionMade, got.Kind)
		assert.Equal(t, sampleDecision().ID, got.DecisionID)
	case <-ctx.Done():
		t.Fatal("no message published")
	}
}

func TestRedisNotifierReportsConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	n, err := NewRedisNotifier(client, "events")
	require.NoError(t, err)
	require.Error(t, n.Notify(context.Background(), Event{Kind: EventDecisionMade}))
}

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestAMQPNotifierRoutesByKind(t *testing.T) {
	pub := &fakePublisher{}
	n := &AMQPNotifier{publisher: pub, exchange: "strategist.events"}

	require.NoError(t, n.Notify(context.Background(), DecisionEvent(EventEmergencyTriggered, 4, sampleDecision())))
	assert.Equal(t, "strategist.events", pub.exchange)
	assert.Equal(t, "emergency-triggered", pub.key)
	assert.Equal(t, "application/json", pub.msg.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), pub.msg.DeliveryMode)
	assert.Equal(t, sampleDecision().ID, pub.msg.MessageId)
	require.NoError(t, n.Close())
}

func TestDialAMQPValidatesInput(t *testing.T) {
	_, err := DialAMQP("", "x")
	require.Error(t, err)
	_, err = DialAMQP("amqp://localhost", "")
	require.Error(t, err)
}

type fakeSender struct {
	sent []*bot.SendMessageParams
}

func (f *fakeSender) SendMessage(_ context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	f.sent = append(f.sent, p)
	return &models.Message{}, nil
}

func TestTelegramNotifierForwardsOnlyOperatorEvents(t *testing.T) {
	sender := &fakeSender{}
	n := &TelegramNotifier{sender: sender, chatID: -100123}
	ctx := context.Background()
	d := sampleDecision()

	require.NoError(t, n.Notify(ctx, DecisionEvent(EventDecisionMade, 1, d)))
	require.NoError(t, n.Notify(ctx, ResultEvent(1, d, types.ExecutionResult{Status: types.ReceiptConfirmed}, nil)))
	assert.Empty(t, sender.sent)

	require.NoError(t, n.Notify(ctx, DecisionEvent(EventEmergencyTriggered, 1, d)))
	require.NoError(t, n.Notify(ctx, ResultEvent(1, d, types.ExecutionResult{Status: types.ReceiptTimedOut}, nil)))
	require.Len(t, sender.sent, 2)
	assert.Equal(t, int64(-100123), sender.sent[0].ChatID)
	assert.Contains(t, sender.sent[0].Text, "EMERGENCY (cycle 1)")
	assert.Contains(t, sender.sent[0].Text, "aave-lending")
	assert.Contains(t, sender.sent[1].Text, "EXECUTION TIMED_OUT")
}

func TestNewTelegramNotifierRequiresChat(t *testing.T) {
	_, err := NewTelegramNotifier("123:abc", 0)
	require.Error(t, err)
}
