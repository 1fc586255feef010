package brokertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/mqttlog/pkg/broker"
	"github.com/getmockd/mqttlog/pkg/clock"
)

func connect(t *testing.T, b *Broker, id string) broker.Client {
	t.Helper()
	c := b.NewClient(broker.Options{Address: "fake:1883", ClientID: id})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	return c
}

func TestDeliveryToMatchingSubscribers(t *testing.T) {
	b := New()
	sub := connect(t, b, "sub")
	pub := connect(t, b, "pub")

	var got []broker.Message
	require.NoError(t, sub.Subscribe(context.Background(), []string{"sensors/+/temp"}, 1, func(m broker.Message) {
		got = append(got, m)
	}))

	require.NoError(t, pub.Publish(context.Background(), "sensors/a/temp", []byte("21"), 1, false))
	require.NoError(t, pub.Publish(context.Background(), "sensors/a/humidity", []byte("40"), 0, false))
	assert.Equal(t, 1, b.Publish("sensors/b/temp", []byte("19"), 0, true))

	require.Len(t, got, 2)
	assert.Equal(t, "sensors/a/temp", got[0].Topic)
	assert.Equal(t, byte(1), got[0].QoS)
	assert.True(t, got[1].Retained)

	published := b.Published()
	require.Len(t, published, 2, "broker injections are not client publishes")
	assert.Equal(t, "pub", published[0].ClientID)
}

func TestPublishedStampedFromClock(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mc := clock.NewManual(start)
	b := New(WithClock(mc))
	c := connect(t, b, "p")

	require.NoError(t, c.Publish(context.Background(), "a", nil, 0, false))
	mc.Advance(time.Second)
	require.NoError(t, c.Publish(context.Background(), "b", nil, 0, false))

	p := b.Published()
	require.Len(t, p, 2)
	assert.Equal(t, start, p[0].At)
	assert.Equal(t, start.Add(time.Second), p[1].At)
}

func TestFailures(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		b := New()
		b.FailConnect(errors.New("refused"))
		err := b.NewClient(broker.Options{Address: "x"}).Connect(context.Background())
		var ce *broker.ConnectionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "x", ce.Address)
	})

	t.Run("publish", func(t *testing.T) {
		b := New()
		c := connect(t, b, "p")
		b.FailPublish(func(topic string) error {
			if topic == "bad" {
				return errors.New("nope")
			}
			return nil
		})
		var pe *broker.PublishError
		require.ErrorAs(t, c.Publish(context.Background(), "bad", nil, 0, false), &pe)
		assert.Equal(t, "bad", pe.Topic)
		require.NoError(t, c.Publish(context.Background(), "good", nil, 0, false))
		assert.Len(t, b.Published(), 1)
	})

	t.Run("publish after disconnect", func(t *testing.T) {
		b := New()
		c := connect(t, b, "p")
		c.Disconnect()
		err := c.Publish(context.Background(), "a", nil, 0, false)
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestHoldConnect(t *testing.T) {
	b := New()
	release := make(chan struct{})
	b.HoldConnect(release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 2)
	go func() { errCh <- b.NewClient(broker.Options{}).Connect(ctx) }()
	go func() { errCh <- b.NewClient(broker.Options{}).Connect(context.Background()) }()
	require.Eventually(t, func() bool { return b.Connecting() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	var ce *broker.ConnectionError
	require.ErrorAs(t, <-errCh, &ce)
	assert.ErrorIs(t, ce, context.Canceled)

	close(release)
	require.NoError(t, <-errCh)
	assert.Zero(t, b.Connecting())
	assert.Equal(t, 1, b.Connects())
}

func TestDropConnections(t *testing.T) {
	b := New()
	lost := make(chan error, 1)
	c := b.NewClient(broker.Options{OnConnectionLost: func(err error) { lost <- err }})
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe(context.Background(), []string{"#"}, 0, func(broker.Message) {}))
	assert.Equal(t, []string{"#"}, b.Subscriptions())

	cause := errors.New("network down")
	b.DropConnections(cause)

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, cause)
	default:
		t.Fatal("OnConnectionLost not called")
	}
	assert.Zero(t, b.Connected())
	assert.Empty(t, b.Subscriptions())
}

func TestWaitPublished(t *testing.T) {
	b := New()
	c := connect(t, b, "p")

	go func() {
		for range 3 {
			_ = c.Publish(context.Background(), "t", nil, 0, false)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := b.WaitPublished(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	_, err = b.WaitPublished(short, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
