package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLogRequestStampsServiceAndTimestamp(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	LogRequest(map[string]any{"msg": "hello", "status": 200})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if line["service"] != serviceName {
		t.Fatalf("service not stamped: %v", line["service"])
	}
	if ts, _ := line["ts"].(string); ts == "" {
		t.Fatalf("timestamp not stamped: %v", line["ts"])
	}
	if line["msg"] != "hello" {
		t.Fatalf("caller fields lost: %v", line)
	}

	// Caller-supplied values win over the defaults.
	buf.Reset()
	LogRequest(map[string]any{"msg": "hello", "ts": "fixed"})
	line = map[string]any{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if line["ts"] != "fixed" {
		t.Fatalf("caller timestamp overwritten: %v", line["ts"])
	}
}
