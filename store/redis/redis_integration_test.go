//go:build integration

package redis

import (
	"context"
	"fmt"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/unkn0wn-root/spill/store"
	"github.com/unkn0wn-root/spill/store/storetest"
)

func startRedisContainer(ctx context.Context, t *testing.T) string {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestIntegration_Conformance(t *testing.T) {
	ctx := context.Background()
	addr := startRedisContainer(ctx, t)

	for _, segmented := range []bool{true, false} {
		t.Run(fmt.Sprintf("segmented=%v", segmented), func(t *testing.T) {
			n := 0
			storetest.Run(t, storetest.Harness{
				New: func(t *testing.T) store.Store {
					n++
					s, err := New(Config{
						Client:      goredis.NewClient(&goredis.Options{Addr: addr}),
						CloseClient: true,
						Namespace:   fmt.Sprintf("t%v%d", segmented, n),
						Segmented:   segmented,
					})
					require.NoError(t, err)
					require.NoError(t, s.Start(ctx))
					t.Cleanup(func() { _ = s.Stop(ctx) })
					return s
				},
			})
		})
	}
}

func TestIntegration_RestartRedialsOwnedClient(t *testing.T) {
	ctx := context.Background()
	addr := startRedisContainer(ctx, t)

	s, err := New(Config{
		CloseClient: true,
		Dial:        func() goredis.UniversalClient { return goredis.NewClient(&goredis.Options{Addr: addr}) },
		Namespace:   "restart",
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Write(ctx, 0, store.NewEntry([]byte("k"), []byte("v"), nil)))
	require.NoError(t, s.Stop(ctx))

	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Stop(ctx) })
	e, err := s.Load(ctx, 0, []byte("k"))
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, "v", string(e.Value))
}
