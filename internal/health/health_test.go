package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) Status { return Status{Healthy: true} }

func TestRegistry_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistry_OneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", ok)
	r.Register("redis", func(context.Context) Status {
		return Status{Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, Status{Name: "database", Healthy: true}, statuses[0])
	assert.Equal(t, "redis", statuses[1].Name)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistry_SlowCheckTimesOut(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("stuck", func(ctx context.Context) Status {
		time.Sleep(time.Second)
		return Status{Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, healthy)
	assert.Equal(t, "timed out", statuses[0].Detail)
}

func TestDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectPing()
	assert.True(t, Database(db)(context.Background()).Healthy)

	mock.ExpectPing().WillReturnError(errors.New("down"))
	s := Database(db)(context.Background())
	assert.False(t, s.Healthy)
	assert.Equal(t, "down", s.Detail)
}

func TestBacklog(t *testing.T) {
	n := 3
	check := Backlog(func(context.Context) (int, error) { return n, nil }, 5)
	assert.True(t, check(context.Background()).Healthy)

	n = 6
	s := check(context.Background())
	assert.False(t, s.Healthy)
	assert.Equal(t, "6 pending", s.Detail)

	failing := Backlog(func(context.Context) (int, error) { return 0, errors.New("store down") }, 5)
	assert.False(t, failing(context.Background()).Healthy)
}
