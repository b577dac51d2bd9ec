package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ci-replicator/internal/common/errors"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), &Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Health(context.Background()))
	assert.NotNil(t, client.GoRedis())
}

func TestNewClientErrors(t *testing.T) {
	_, err := NewClient(context.Background(), nil)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err = NewClient(context.Background(), &Config{Address: addr})
	assert.True(t, errors.IsType(err, errors.ErrTypeConnection))
}
