package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketUnlimitedNeverBlocks(t *testing.T) {
	b := NewTokenBucket(0)
	require.NoError(t, b.Consume(context.Background(), 1e9))
}

func TestTokenBucketConsumesWithinCapacity(t *testing.T) {
	b := NewTokenBucket(8) // 1 MB/s, capacity 2MB
	require.NoError(t, b.Consume(context.Background(), 1_000_000))
}

func TestTokenBucketBlocksPastCapacity(t *testing.T) {
	b := NewTokenBucket(8) // 1,000,000 bytes/sec, capacity 2,000,000
	fakeNow := time.Now()
	b.now = func() time.Time { return fakeNow }

	require.NoError(t, b.Consume(context.Background(), 2_000_000)) // drains the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := b.Consume(ctx, 500_000)
	assert.Error(t, err, "bucket is empty and clock is frozen, so Consume must block until ctx expires")
}

func TestBucketsPerTargetIndependence(t *testing.T) {
	reg := NewBuckets()
	a := reg.For("A", 1)
	b := reg.For("B", 1)
	assert.NotSame(t, a, b)
	assert.Same(t, a, reg.For("A", 1))
}
