package recorder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// Recorder turns violation callbacks into durable queue entries. Violations
// land on a Redis list and are persisted to Postgres by the ViolationWorker.
// A push failure is logged and the violation dropped; nothing propagates
// back into the session client.
type Recorder struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New creates a Recorder.
func New(rdb *redis.Client, log zerolog.Logger) *Recorder {
	return &Recorder{
		rdb: rdb,
		log: log.With().Str("component", "violation_recorder").Logger(),
	}
}

// Handler binds the recorder to a session identity and returns a handler
// suitable for the session client.
func (r *Recorder) Handler(identity proctor.SessionIdentity) proctor.ViolationHandler {
	return func(v model.Violation) {
		r.Record(identity, v)
	}
}

// Record enqueues one violation for persistence.
func (r *Recorder) Record(identity proctor.SessionIdentity, v model.Violation) {
	payload, err := json.Marshal(map[string]interface{}{
		"session_id":      identity.SessionID,
		"exam_id":         identity.ExamID,
		"student_id":      identity.StudentID,
		"type":            v.Type,
		"severity":        v.Severity,
		"message":         v.Message,
		"confidence":      v.Confidence,
		"snapshot_base64": v.SnapshotBase64,
		"timestamp":       v.Timestamp.Unix(),
	})
	if err != nil {
		r.log.Error().Err(err).Msg("Marshal violation failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, payload).Err(); err != nil {
		r.log.Error().Err(err).Str("type", string(v.Type)).Msg("Queue violation failed, dropping")
		return
	}

	r.log.Debug().
		Str("type", string(v.Type)).
		Str("severity", string(v.Severity)).
		Msg("Violation queued")
}
