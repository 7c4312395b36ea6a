package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-lake/pkg/cdc"
)

func TestMemoryReadsInOrderFromPosition(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p := cdc.Partition{Topic: "cdc.public.tweets", ID: 0}
	m.CreatePartitions(p.Topic, 2)

	for _, v := range []string{"a", "b", "c"} {
		m.Append(p, nil, []byte(v), time.Now())
	}

	parts, err := m.Partitions(ctx, []string{p.Topic})
	require.NoError(t, err)
	assert.Equal(t, []cdc.Partition{p, {Topic: p.Topic, ID: 1}}, parts)

	_, err = m.Partitions(ctx, []string{p.Topic, "cdc.public.other"})
	assert.ErrorIs(t, err, cdc.ErrTopicNotFound)

	r, err := m.Open(ctx, p, 1)
	require.NoError(t, err)
	defer r.Close()

	msg, err := r.Poll(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Position)
	assert.Equal(t, "b", string(msg.Value))

	msg, err = r.Poll(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.Position)

	msg, err = r.Poll(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestMemoryPollWakesOnAppend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p := cdc.Partition{Topic: "t", ID: 0}
	m.CreatePartitions("t", 1)

	r, err := m.Open(ctx, p, -1)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Append(p, nil, []byte("late"), time.Now())
	}()

	msg, err := r.Poll(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "late", string(msg.Value))
}

func TestMemoryPollHonorsCancel(t *testing.T) {
	m := NewMemory()
	p := cdc.Partition{Topic: "t", ID: 0}
	m.CreatePartitions("t", 1)

	ctx, cancel := context.WithCancel(context.Background())
	r, err := m.Open(ctx, p, 0)
	require.NoError(t, err)
	cancel()

	_, err = r.Poll(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
