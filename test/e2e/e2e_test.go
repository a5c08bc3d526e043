//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/recorder"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

// Full pipeline: in-process gateway ← session client → recorder → Redis
// queue → ViolationWorker → Postgres. Requires DATABASE_URL and REDIS_URL
// (or the config defaults) to point at live services.

var (
	pool *pgxpool.Pool
	rdb  *redis.Client
	cfg  *config.Config
)

func TestMain(m *testing.M) {
	// Load .env if present (ignore error)
	_ = godotenv.Load("../../.env")

	cfg = config.Load()
	validator.Setup()

	ctx := context.Background()
	log := zerolog.Nop()

	var err error
	pool, err = database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		fmt.Printf("Postgres setup failed: %v\n", err)
		os.Exit(1)
	}
	rdb, err = database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		fmt.Printf("Redis setup failed: %v\n", err)
		os.Exit(1)
	}

	if err := cleanState(ctx); err != nil {
		fmt.Printf("Cleanup failed: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	pool.Close()
	rdb.Close()
	os.Exit(code)
}

func cleanState(ctx context.Context) error {
	if _, err := pool.Exec(ctx, `TRUNCATE proctor_violations`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if err := rdb.Del(ctx, config.WorkerKey.PersistViolationsQueue).Err(); err != nil {
		return fmt.Errorf("flush queue: %w", err)
	}
	return nil
}

func TestViolationPipeline(t *testing.T) {
	log := zerolog.Nop()

	// 1. In-process gateway.
	h := gateway.NewHandler(log, nil)
	srv := httptest.NewServer(gateway.SetupRouter(h, &config.Config{GinMode: "test"}))
	defer srv.Close()

	sessionID := uuid.New().String()
	examID := uuid.New().String()
	identity := proctor.SessionIdentity{
		SessionID:   sessionID,
		ExamID:      examID,
		StudentID:   77,
		StudentName: "E2E Student",
	}

	// 2. Session client with the recorder wired in.
	rec := recorder.New(rdb, log)
	client, err := proctor.New(proctor.Config{
		BaseURL:     srv.URL,
		BackoffBase: 10 * time.Millisecond,
	}, identity, rec.Handler(identity), true, log)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Disconnect()

	deadline := time.Now().Add(5 * time.Second)
	for !client.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 3. Worker draining the queue into Postgres.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go worker.NewViolationWorker(pool, rdb, log).Start(workerCtx)

	// 4. Inject a violation through the gateway dev endpoint.
	body := `{"type":"phone_detected","severity":"high","message":"Mobile phone detected","confidence":0.88,"snapshot_base64":"U05BUA=="}`
	resp, err := http.Post(srv.URL+"/api/dev/sessions/"+sessionID+"/violations", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("inject status = %d, want 202", resp.StatusCode)
	}

	// 5. The violation must land in Postgres.
	repo := repository.NewViolationRepository(pool)
	sid := uuid.MustParse(sessionID)

	deadline = time.Now().Add(10 * time.Second)
	for {
		recs, err := repo.ListBySession(context.Background(), sid)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(recs) == 1 {
			got := recs[0]
			if got.Type != "phone_detected" || got.Severity != "high" || got.StudentID != 77 {
				t.Fatalf("persisted record mismatch: %+v", got)
			}
			if got.Confidence == nil || *got.Confidence != 0.88 {
				t.Fatal("confidence not persisted")
			}
			if got.SnapshotBase64 != "U05BUA==" {
				t.Fatal("snapshot not persisted")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("violation never persisted (have %d records)", len(recs))
		}
		time.Sleep(100 * time.Millisecond)
	}
}
