package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/recorder"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	var (
		sessionID   = flag.String("session", "", "Proctoring session ID (required)")
		examID      = flag.String("exam", "", "Exam ID")
		studentID   = flag.Int("student", 0, "Student ID")
		studentName = flag.String("name", "", "Student name")
		pitch       = flag.Float64("pitch", 0, "Calibrated head-pose pitch baseline")
		yaw         = flag.Float64("yaw", 0, "Calibrated head-pose yaw baseline")
		disabled    = flag.Bool("disabled", false, "Construct the client without connecting")
	)
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("session_id", *sessionID).
		Str("service", cfg.ServiceBaseURL).
		Msg("Starting Proctor Agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	identity := proctor.SessionIdentity{
		SessionID:       *sessionID,
		ExamID:          *examID,
		StudentID:       *studentID,
		StudentName:     *studentName,
		CalibratedPitch: *pitch,
		CalibratedYaw:   *yaw,
	}

	// ─── Session Client + Violation Pipeline ───────────────────────────
	rec := recorder.New(rdb, log)

	client, err := proctor.New(proctor.Config{
		BaseURL:           cfg.ServiceBaseURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		OnTerminal: func() {
			log.Error().Msg("Session connection lost for good; restart the agent to resume proctoring")
		},
	}, identity, rec.Handler(identity), !*disabled, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid session client configuration")
	}

	// ─── Start Background Worker ───────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	violationWorker := worker.NewViolationWorker(pool, rdb, log)
	go violationWorker.Start(workerCtx)

	// ─── Frame Feed ────────────────────────────────────────────────────
	// Base64-encoded frames arrive on stdin, one per line, from whatever
	// capture process fronts the agent. Paced by FrameInterval.
	go feedFrames(client, cfg.FrameInterval, log)

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Tear down the session client (cancels retries, stops heartbeat).
	client.Disconnect()

	// 2. Stop the worker and let the queue drain.
	workerCancel()
	time.Sleep(2 * time.Second)

	log.Info().Msg("Shutdown complete")
}

// feedFrames reads base64 frames from stdin and pushes them at the
// configured pace. Frames submitted while the session is reconnecting are
// dropped by the client; that loss is accepted.
func feedFrames(client *proctor.Client, interval time.Duration, log zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024) // encoded frames can be large

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for scanner.Scan() {
		frame := strings.TrimSpace(scanner.Text())
		if frame == "" {
			continue
		}
		client.SendFrame(frame, nil)
		<-ticker.C
	}

	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("Frame feed ended with error")
	} else {
		log.Info().Msg("Frame feed ended")
	}
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
