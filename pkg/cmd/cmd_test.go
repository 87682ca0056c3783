package cmd

import (
	"path/filepath"
	"testing"

	"github.com/dukex/taskflow/pkg/lock"
	"github.com/dukex/taskflow/pkg/log"
	"github.com/dukex/taskflow/pkg/persistence/file"
	"github.com/dukex/taskflow/pkg/persistence/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersistenceProvider(t *testing.T) {
	assert.Equal(t, "file", parsePersistenceProvider("./data"))
	assert.Equal(t, "file", parsePersistenceProvider("file://./data"))
	assert.Equal(t, "sqlite", parsePersistenceProvider("sqlite:///tmp/taskflow.db"))
	assert.Equal(t, "postgres", parsePersistenceProvider("postgres://localhost/taskflow"))
}

func TestNewPersistence(t *testing.T) {
	ctx := t.Context()

	p, err := NewPersistence(ctx, log.Discard(), "file://"+t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, p)

	p, err = NewPersistence(ctx, log.Discard(), "sqlite://"+filepath.Join(t.TempDir(), "taskflow.db"))
	require.NoError(t, err)
	assert.IsType(t, &sqlstore.Persistence{}, p)
	require.NoError(t, p.HealthCheck(ctx))
	require.NoError(t, p.Close(ctx))
}

func TestNewEventBus(t *testing.T) {
	bus, err := NewEventBus("gochannel", nil, log.Discard())
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = NewEventBus("kafka", nil, log.Discard())
	assert.Error(t, err)

	_, err = NewEventBus("nats", nil, log.Discard())
	assert.Error(t, err)
}

func TestNewLocker(t *testing.T) {
	locker, closeFn, err := NewLocker(t.Context(), "")
	require.NoError(t, err)
	assert.IsType(t, &lock.Memory{}, locker)
	assert.NoError(t, closeFn())

	_, _, err = NewLocker(t.Context(), "::not a url")
	assert.Error(t, err)
}
