package inprocbroker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/nftex/exchange-core/msgbroker"
	"github.com/stretchr/testify/require"
)

func TestPublishDelivers(t *testing.T) {
	t.Parallel()
	b := New()

	var calls int64
	handler := func(_ context.Context, data []byte) error {
		require.Equal(t, []byte("payload"), data)
		atomic.AddInt64(&calls, 1)
		return nil
	}
	require.NoError(t, b.RegisterTopicHandler("a-topic", handler))
	require.NoError(t, b.RegisterTopicHandler("a-topic", handler))

	require.NoError(t, b.PublishMsg(context.Background(), "a-topic", []byte("payload")))
	require.NoError(t, b.Close())

	// Every registered handler got its own delivery.
	require.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestPublishNoHandlers(t *testing.T) {
	t.Parallel()
	b := New()
	require.NoError(t, b.PublishMsg(context.Background(), "nobody-listens", []byte("payload")))
	require.NoError(t, b.Close())
}

func TestHandlerErrorNotPropagated(t *testing.T) {
	t.Parallel()
	b := New()
	require.NoError(t, b.RegisterTopicHandler("a-topic", func(context.Context, []byte) error {
		return errors.New("handler exploded")
	}))
	require.NoError(t, b.PublishMsg(context.Background(), "a-topic", nil))
	require.NoError(t, b.Close())
}

func TestAckDeadlineApplied(t *testing.T) {
	t.Parallel()
	b := New()

	deadlineSeen := make(chan bool, 1)
	require.NoError(t, b.RegisterTopicHandler("a-topic", func(ctx context.Context, _ []byte) error {
		_, ok := ctx.Deadline()
		deadlineSeen <- ok
		return nil
	}, msgbroker.WithACKDeadline(msgbroker.DefaultRegisterHandlerConfig.AckDeadline)))

	require.NoError(t, b.PublishMsg(context.Background(), "a-topic", nil))
	require.True(t, <-deadlineSeen)
	require.NoError(t, b.Close())
}

func TestTopicIsolation(t *testing.T) {
	t.Parallel()
	b := New()

	var aCalls, bCalls int64
	require.NoError(t, b.RegisterTopicHandler("topic-a", func(context.Context, []byte) error {
		atomic.AddInt64(&aCalls, 1)
		return nil
	}))
	require.NoError(t, b.RegisterTopicHandler("topic-b", func(context.Context, []byte) error {
		atomic.AddInt64(&bCalls, 1)
		return nil
	}))

	require.NoError(t, b.PublishMsg(context.Background(), "topic-a", nil))
	require.NoError(t, b.Close())
	require.Equal(t, int64(1), atomic.LoadInt64(&aCalls))
	require.Equal(t, int64(0), atomic.LoadInt64(&bCalls))
}
