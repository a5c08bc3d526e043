package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const testSessionID = "3f1d2c4b-9a8e-4f60-b1aa-0123456789ab"

func init() {
	validator.Setup()
}

func newGatewayServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := NewHandler(zerolog.Nop(), nil)
	srv := httptest.NewServer(SetupRouter(h, &config.Config{GinMode: "test"}))
	t.Cleanup(srv.Close)
	return srv
}

func dialSession(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(srv.URL, "http", "ws", 1) + "/api/ws/proctoring/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial session: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) proctor.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env proctor.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestPingGetsPong(t *testing.T) {
	srv := newGatewayServer(t)
	conn := dialSession(t, srv, testSessionID)

	if err := conn.WriteJSON(proctor.PingMessage{Type: proctor.MessagePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	env := readEnvelope(t, conn)
	if env.Type != proctor.MessagePong {
		t.Errorf("reply type = %s, want pong", env.Type)
	}
}

func TestFrameGetsDetectionResultAck(t *testing.T) {
	srv := newGatewayServer(t)
	conn := dialSession(t, srv, testSessionID)

	err := conn.WriteJSON(proctor.FrameMessage{
		Type:        proctor.MessageFrame,
		Frame:       "ZnJhbWU=",
		ExamID:      "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		StudentID:   42,
		StudentName: "Test Student",
	})
	if err != nil {
		t.Fatalf("write frame: %v", err)
	}

	env := readEnvelope(t, conn)
	if env.Type != proctor.MessageDetectionResult {
		t.Fatalf("ack type = %s, want detection_result", env.Type)
	}
	var result proctor.DetectionResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decode detection result: %v", err)
	}
	if result.FaceCount != 1 || len(result.Violations) != 0 {
		t.Errorf("stub ack = face_count %d, %d violations; want 1, 0", result.FaceCount, len(result.Violations))
	}
}

func TestInjectViolationRoundTrip(t *testing.T) {
	srv := newGatewayServer(t)
	conn := dialSession(t, srv, testSessionID)

	body := `{"type":"phone_detected","severity":"high","message":"Mobile phone detected","confidence":0.92}`
	resp, err := http.Post(srv.URL+"/api/dev/sessions/"+testSessionID+"/violations", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("inject status = %d, want 202", resp.StatusCode)
	}

	env := readEnvelope(t, conn)
	if env.Type != proctor.MessageViolation {
		t.Fatalf("event type = %s, want violation", env.Type)
	}
	var wv proctor.WireViolation
	if err := json.Unmarshal(env.Data, &wv); err != nil {
		t.Fatalf("decode violation: %v", err)
	}
	if string(wv.Type) != "phone_detected" || string(wv.Severity) != "high" {
		t.Errorf("violation = %s/%s, want phone_detected/high", wv.Type, wv.Severity)
	}
	if wv.Confidence == nil || *wv.Confidence != 0.92 {
		t.Error("confidence not delivered")
	}
}

func TestInjectDetectionRoundTrip(t *testing.T) {
	srv := newGatewayServer(t)
	conn := dialSession(t, srv, testSessionID)

	body := `{"violations":[{"type":"no_person","severity":"high","message":"No person detected in frame"}],"face_count":0,"no_person":true,"snapshot_base64":"U05BUA=="}`
	resp, err := http.Post(srv.URL+"/api/dev/sessions/"+testSessionID+"/detections", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("inject status = %d, want 202", resp.StatusCode)
	}

	env := readEnvelope(t, conn)
	if env.Type != proctor.MessageDetectionResult {
		t.Fatalf("event type = %s, want detection_result", env.Type)
	}
	var result proctor.DetectionResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("decode detection result: %v", err)
	}
	if !result.NoPerson || result.SnapshotBase64 != "U05BUA==" || len(result.Violations) != 1 {
		t.Errorf("unexpected detection result: %+v", result)
	}
}

func TestInjectRejectsInvalidRequests(t *testing.T) {
	srv := newGatewayServer(t)

	// Missing required fields.
	conn := dialSession(t, srv, testSessionID)
	defer conn.Close()

	resp, err := http.Post(srv.URL+"/api/dev/sessions/"+testSessionID+"/violations", "application/json", bytes.NewBufferString(`{"type":"phone_detected"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing fields: status = %d, want 400", resp.StatusCode)
	}

	// Malformed session ID.
	resp, err = http.Post(srv.URL+"/api/dev/sessions/not-a-uuid/violations", "application/json", bytes.NewBufferString(`{"type":"x","severity":"low","message":"m"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad uuid: status = %d, want 400", resp.StatusCode)
	}

	// No attached session.
	resp, err = http.Post(srv.URL+"/api/dev/sessions/00000000-0000-0000-0000-000000000001/violations", "application/json", bytes.NewBufferString(`{"type":"x","severity":"low","message":"m"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("detached session: status = %d, want 404", resp.StatusCode)
	}
}
