package locking

import (
	"context"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSingleOwner(t *testing.T) {
	ctx := context.Background()
	f := NewLockerFactory("local", "", "", "", hclog.NewNullLogger())

	a, err := f.CreateLocker(ctx, "cdc.public.tweets-0")
	require.NoError(t, err)
	b, err := f.CreateLocker(ctx, "cdc.public.tweets-0")
	require.NoError(t, err)

	lease, err := a.AcquireLock(ctx, "cdc.public.tweets-0")
	require.NoError(t, err)
	require.NotEmpty(t, lease)

	other, err := b.AcquireLock(ctx, "cdc.public.tweets-0")
	require.NoError(t, err)
	assert.Empty(t, other)

	assert.Error(t, b.ReleaseLock(ctx, "cdc.public.tweets-0", "not-the-lease"))
	require.NoError(t, a.RenewLock(ctx, "cdc.public.tweets-0"))
	require.NoError(t, a.ReleaseLock(ctx, "cdc.public.tweets-0", lease))

	lease, err = b.AcquireLock(ctx, "cdc.public.tweets-0")
	require.NoError(t, err)
	assert.NotEmpty(t, lease)
}

func TestLocalRenewalStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLocalLocker(NewLocalRegistry())
	lost := l.StartLockRenewal(ctx, "x")
	cancel()

	_, open := <-lost
	assert.False(t, open)
}

func TestGetLockName(t *testing.T) {
	log := hclog.NewNullLogger()

	assert.Equal(t, "cdc.public.tweets-0", NewLockerFactory("local", "", "", "db01", log).GetLockName("cdc.public.tweets-0"))

	name := NewLockerFactory("azure_blob", "", "", "db01.example.com", log).GetLockName("cdc.public.tweets-0")
	assert.Equal(t, "db01/cdc.public.tweets-0.lock", name)

	name = NewLockerFactory("azure_blob", "", "", "", log).GetLockName("cdc.public.tweets-0")
	assert.True(t, strings.HasSuffix(name, ".lock"))
}

func TestCreateLockerUnknownType(t *testing.T) {
	_, err := NewLockerFactory("zookeeper", "", "", "", hclog.NewNullLogger()).CreateLocker(context.Background(), "x")
	assert.Error(t, err)
}
