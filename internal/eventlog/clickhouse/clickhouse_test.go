package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pupteam/pup/internal/eventlog"
)

// startClickHouseContainer starts a ClickHouse container for tests and
// returns its native-protocol address. Skips when Docker is unavailable.
func startClickHouseContainer(t *testing.T) (addr string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start ClickHouse container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get container host: %v", err)
		return "", nil
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return host + ":" + port.Port(), terminate
}

func TestSendAndReadBack(t *testing.T) {
	addr, terminate := startClickHouseContainer(t)
	defer terminate()

	sink, err := New(addr, "test_events")
	if err != nil {
		t.Skipf("connect: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	e := eventlog.Event{
		ID:         uuid.NewString(),
		Type:       eventlog.EventRestart,
		ProcessID:  "web-1",
		PID:        1234,
		ExitCode:   2,
		OccurredAt: time.Now().UTC(),
	}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("Send: %v", err)
	}

	row := sink.conn.QueryRow(ctx, `SELECT count(*) FROM test_events WHERE process_id = 'web-1'`)
	var count uint64
	if err := row.Scan(&count); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}
