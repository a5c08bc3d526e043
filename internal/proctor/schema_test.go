package proctor

import (
	"encoding/json"
	"strings"
	"testing"
)

// The server treats every outbound message as a self-contained event, so the
// envelope contract matters: identity on everything except ping, and no
// audio_level key when none was supplied.

func TestFrameMessageOmitsAbsentAudioLevel(t *testing.T) {
	msg := FrameMessage{
		Type:        MessageFrame,
		Frame:       "ZnJhbWU=",
		ExamID:      "e1",
		StudentID:   7,
		StudentName: "A",
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "audio_level") {
		t.Errorf("frame without audio level serialized audio_level: %s", data)
	}

	level := 0.25
	msg.AudioLevel = &level
	data, _ = json.Marshal(msg)
	if !strings.Contains(string(data), `"audio_level":0.25`) {
		t.Errorf("frame with audio level missing audio_level: %s", data)
	}
}

func TestPingMessageHasNoPayload(t *testing.T) {
	data, err := json.Marshal(PingMessage{Type: MessagePing})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("ping = %s, want {\"type\":\"ping\"}", data)
	}
}
