//go:build integration

package writer

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"snowpulse/config"
)

var testDSN string

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "snowpulse"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "container port: %v\n", err)
		os.Exit(1)
	}
	testDSN = fmt.Sprintf("postgres://postgres:secret@%s:%s/snowpulse?sslmode=disable", host, port.Port())

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newTestPostgresClient(t *testing.T) *PostgresClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// the listening port opens before postgres accepts connections
	var (
		client *PostgresClient
		err    error
	)
	for attempt := 0; attempt < 20; attempt++ {
		client, err = NewPostgresClient(ctx, config.PostgresConfig{DSN: testDSN, Schema: "raw", MaxConns: 2, Migrate: true}, testChannel)
		if err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("NewPostgresClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPostgresAppendAndSkipCommittedWindow(t *testing.T) {
	ctx := context.Background()
	client := newTestPostgresClient(t)

	ch, err := client.OpenChannel(ctx, "agg_channel")
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	if err := ch.AppendRows(ctx, sampleRows(), "0", "2"); err != nil {
		t.Fatalf("AppendRows: %v", err)
	}
	// replaying the same window is a no-op
	if err := ch.AppendRows(ctx, sampleRows(), "0", "2"); err != nil {
		t.Fatalf("replayed AppendRows: %v", err)
	}
	if err := ch.AppendRows(ctx, sampleRows()[:1], "2", "3"); err != nil {
		t.Fatalf("AppendRows: %v", err)
	}

	pool, err := pgxpool.New(ctx, testDSN)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	var rows int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM raw."RAW_AGGREGATES" WHERE channel_name = 'agg_channel'`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 3 {
		t.Fatalf("rows = %d, want 3", rows)
	}

	var ticker, source string
	err = pool.QueryRow(ctx, `SELECT record_content->>'ticker', record_metadata->>'source' FROM raw."RAW_AGGREGATES" WHERE row_offset = 0`).Scan(&ticker, &source)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if ticker != "AAPL" || source != "periodic_agg" {
		t.Fatalf("content not stored as structured data: ticker=%q source=%q", ticker, source)
	}

	var end, total int64
	if err := pool.QueryRow(ctx, `SELECT end_offset, rows_total FROM raw.channel_offsets WHERE table_name = 'RAW_AGGREGATES' AND channel_name = 'agg_channel'`).Scan(&end, &total); err != nil {
		t.Fatalf("offsets: %v", err)
	}
	if end != 3 || total != 3 {
		t.Fatalf("end=%d total=%d, want 3 and 3", end, total)
	}

	// reopening starts a new generation that accepts offsets from zero
	ch2, err := client.OpenChannel(ctx, "agg_channel")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := ch2.AppendRows(ctx, sampleRows(), "0", "2"); err != nil {
		t.Fatalf("AppendRows after reopen: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM raw."RAW_AGGREGATES"`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 5 {
		t.Fatalf("rows after reopen = %d, want 5", rows)
	}
}
