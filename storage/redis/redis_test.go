package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incitrack/incitrack/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("INCITRACK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("INCITRACK_TEST_REDIS_ADDR not set; skipping Redis tests")
	}
	s, err := New(context.Background(), Config{
		Addr:      addr,
		KeyPrefix: "incitrack-test:" + uuid.NewString() + ":",
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStore(t *testing.T) {
	storagetest.Run(t, newTestStore(t))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
	assert.Equal(t, "session:", escapeGlob("session:"))
}

func TestNewRequiresClientOrAddr(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
