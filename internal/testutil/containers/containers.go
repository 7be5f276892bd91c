// Package containers starts the disposable backing services used by the
// integration tests. Every helper skips the calling test in -short mode and
// terminates its container when the test finishes.
package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	mongoImage      = "mongo:7"
	postgresImage   = "postgres:17-alpine"
	redisImage      = "redis:7"
	infinispanImage = "quay.io/infinispan/server:15.2"
)

// InfinispanEndpoint holds the RESP endpoint of an Infinispan container.
type InfinispanEndpoint struct {
	Addr     string
	Username string
	Password string
}

func requireDocker(tb testing.TB) {
	tb.Helper()
	if testing.Short() {
		tb.Skip("requires docker")
	}
}

func terminateOnCleanup(tb testing.TB, name string, c testcontainers.Container) {
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Terminate(ctx); err != nil {
			tb.Errorf("terminate %s container: %v", name, err)
		}
	})
}

func endpoint(ctx context.Context, tb testing.TB, name string, c testcontainers.Container, port string) string {
	tb.Helper()
	host, err := c.Host(ctx)
	if err != nil {
		tb.Fatalf("%s host: %v", name, err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		tb.Fatalf("%s mapped port: %v", name, err)
	}
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

// retry calls check until it succeeds or timeout has passed.
func retry(ctx context.Context, timeout, pause time.Duration, check func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = check(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("not ready after %d attempts: %w", attempt, lastErr)
		}
		time.Sleep(pause)
	}
}

// Mongo starts MongoDB and returns its connection URI.
func Mongo(tb testing.TB) string {
	tb.Helper()
	requireDocker(tb)

	ctx := context.Background()
	c, err := mongodb.Run(ctx, mongoImage)
	if err != nil {
		tb.Fatalf("start mongodb container: %v", err)
	}
	terminateOnCleanup(tb, "mongodb", c)

	uri, err := c.ConnectionString(ctx)
	if err != nil {
		tb.Fatalf("mongodb connection string: %v", err)
	}
	return uri
}

// Postgres starts Postgres and returns a DSN that accepts connections.
func Postgres(tb testing.TB) string {
	tb.Helper()
	requireDocker(tb)

	ctx := context.Background()
	c, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("chat"),
		postgres.WithUsername("chat"),
		postgres.WithPassword("chat"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		tb.Fatalf("start postgres container: %v", err)
	}
	terminateOnCleanup(tb, "postgres", c)

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		tb.Fatalf("postgres connection string: %v", err)
	}
	err = retry(ctx, 20*time.Second, 250*time.Millisecond, func(ctx context.Context) error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		return conn.Ping(ctx)
	})
	if err != nil {
		tb.Fatalf("postgres: %v", err)
	}
	return dsn
}

// Redis starts Redis and returns a redis:// URL.
func Redis(tb testing.TB) string {
	tb.Helper()
	requireDocker(tb)

	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        redisImage,
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start redis container: %v", err)
	}
	terminateOnCleanup(tb, "redis", c)
	return "redis://" + endpoint(ctx, tb, "redis", c, "6379")
}

// Infinispan starts Infinispan with its RESP connector and waits until the
// connector answers PING.
func Infinispan(tb testing.TB) InfinispanEndpoint {
	tb.Helper()
	requireDocker(tb)

	ispn := InfinispanEndpoint{Username: "admin", Password: "password"}
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        infinispanImage,
			ExposedPorts: []string{"11222/tcp"},
			Env:          map[string]string{"USER": ispn.Username, "PASS": ispn.Password},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("11222/tcp"),
				wait.ForLog("Started connector Resp"),
			).WithDeadline(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start infinispan container: %v", err)
	}
	terminateOnCleanup(tb, "infinispan", c)
	ispn.Addr = endpoint(ctx, tb, "infinispan", c, "11222")

	// RESP2 only: the connector rejects HELLO.
	client := goredis.NewClient(&goredis.Options{
		Addr:     ispn.Addr,
		Username: ispn.Username,
		Password: ispn.Password,
		Protocol: 2,
	})
	defer client.Close()
	if err := retry(ctx, 60*time.Second, time.Second, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}); err != nil {
		tb.Fatalf("infinispan RESP: %v", err)
	}
	return ispn
}
