package integration

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/domain/queue"
	"github.com/clinicq/clinicq/internal/platform/db"
)

// databaseURLEnv points the suite at an existing server instead of a
// throwaway container.
const databaseURLEnv = "QUEUE_TEST_DATABASE_URL"

// baseURL is the server every test schema is created on. Empty means the
// suite is skipped.
var baseURL string

func TestMain(m *testing.M) {
	ctx := context.Background()

	cleanup := func() {}
	baseURL = os.Getenv(databaseURLEnv)
	if baseURL == "" {
		connStr, stop, err := startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping postgres integration tests: %v\n", err)
		} else {
			baseURL, cleanup = connStr, stop
		}
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// newSchemaPool creates an isolated schema, points a pool's search_path at
// it and applies every migration. The schema is dropped when the test ends.
func newSchemaPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if baseURL == "" {
		t.Skip("no postgres available")
	}
	ctx := context.Background()

	schema := "q_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	admin, err := pgxpool.New(ctx, baseURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()

	pool, err := db.NewPool(ctx, db.PoolConfig{DatabaseURL: u.String(), MaxConns: 20, MinConns: 1, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if _, err := admin.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("warning: drop schema %s: %v", schema, err)
		}
		admin.Close()
	})

	if _, err := db.NewMigrator(pool, findMigrationsDir()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func newPGService(t *testing.T) (*queue.Service, queue.Store) {
	t.Helper()
	store := queue.NewPGStore(newSchemaPool(t), zerolog.Nop())
	return queue.NewService(store, zerolog.Nop()), store
}

func createDoctor(t *testing.T, svc *queue.Service, name string) *queue.Doctor {
	t.Helper()
	d := &queue.Doctor{Name: name, Specialization: "General", IsAvailable: true}
	if err := svc.CreateDoctor(context.Background(), d); err != nil {
		t.Fatalf("create doctor: %v", err)
	}
	return d
}

func bookingFor(doctorID uuid.UUID, phone string) queue.BookRequest {
	return queue.BookRequest{
		DoctorID: doctorID,
		Patient:  queue.PatientInfo{Name: "Patient " + phone, Phone: phone, Age: 30, Gender: queue.GenderOther},
		Source:   queue.SourceReceptionist,
	}
}
