package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mheily/mosaicfs/internal/circuit"
	"github.com/mheily/mosaicfs/internal/documents"
)

func TestRemoteKey(t *testing.T) {
	assert.Equal(t, "prefix/12345678/report.pdf", RemoteKey("prefix", "12345678-abcd-ef00-0000-000000000000", "report.pdf"))
	assert.Equal(t, "12345678/report.pdf", RemoteKey("", "12345678-abcd-ef00-0000-000000000000", "report.pdf"))
	assert.Equal(t, "prefix/12345678/report.pdf", RemoteKey("prefix/", "12345678-abcd-ef00-0000-000000000000", "report.pdf"))
}

func TestDirectoryAdapterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := NewDirectoryAdapter(dir)
	ctx := context.Background()

	require.NoError(t, a.Upload(ctx, "ab/file.bin", []byte("hello")))
	data, err := a.Download(ctx, "ab/file.bin")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	keys, err := a.List(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, keys, "ab/file.bin")

	require.NoError(t, a.Delete(ctx, "ab/file.bin"))
	_, err = a.Download(ctx, "ab/file.bin")
	assert.Error(t, err)
}

func TestDirectoryAdapterRejectsTraversal(t *testing.T) {
	a := NewDirectoryAdapter(t.TempDir())
	err := a.Upload(context.Background(), "../escape", []byte("x"))
	assert.Error(t, err)
}

func TestHMACSignAndVerify(t *testing.T) {
	now := time.Now()
	header := SignRequest("AKID", "secret", "POST", "/api/agent/replica-receive/key", []byte("body"), now)
	err := VerifyRequest("secret", "POST", "/api/agent/replica-receive/key", []byte("body"), header, now.Add(2*time.Second))
	assert.NoError(t, err)
}

func TestHMACVerifyRejectsBadSignature(t *testing.T) {
	now := time.Now()
	header := SignRequest("AKID", "secret", "POST", "/path", []byte("body"), now)
	err := VerifyRequest("wrong-secret", "POST", "/path", []byte("body"), header, now)
	assert.Error(t, err)
}

func TestHMACVerifyRejectsStaleTimestamp(t *testing.T) {
	then := time.Now().Add(-1 * time.Hour)
	header := SignRequest("AKID", "secret", "GET", "/path", nil, then)
	err := VerifyRequest("secret", "GET", "/path", nil, header, time.Now())
	assert.Error(t, err)
}

func TestFromBackendDocWrapsDirectoryAdapterWithCircuitBreaker(t *testing.T) {
	doc := &documents.StorageBackend{
		ID:            "backend::1",
		Name:          "local-archive",
		Backend:       "directory",
		BackendConfig: map[string]interface{}{"path": t.TempDir()},
	}

	adapter, err := FromBackendDoc(doc, Credentials{})
	require.NoError(t, err)

	wrapped, ok := adapter.(*breakerAdapter)
	require.True(t, ok, "FromBackendDoc should wrap adapters so repeated failures trip a circuit breaker")
	assert.Equal(t, "local-archive", wrapped.breaker.Name())
}

type alwaysFailAdapter struct{}

func (alwaysFailAdapter) Upload(ctx context.Context, key string, data []byte) error { return errBoom }
func (alwaysFailAdapter) Download(ctx context.Context, key string) ([]byte, error)  { return nil, errBoom }
func (alwaysFailAdapter) Delete(ctx context.Context, key string) error              { return errBoom }
func (alwaysFailAdapter) List(ctx context.Context, prefix string) ([]string, error) { return nil, errBoom }

var errBoom = errors.New("backend unreachable")

func TestBreakerAdapterTripsAfterRepeatedFailures(t *testing.T) {
	adapter := withCircuitBreaker("flaky", alwaysFailAdapter{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_ = adapter.Upload(ctx, "k", []byte("x"))
	}

	err := adapter.Upload(ctx, "k", []byte("x"))
	assert.ErrorIs(t, err, circuit.ErrOpenState, "20 consecutive failures should trip the default ReadyToTrip threshold")
}
