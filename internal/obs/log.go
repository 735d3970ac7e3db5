package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// serviceName tags every log line so syndication output is attributable when
// interleaved with partner-site logs.
const serviceName = "empathy-ledger"

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits a structured JSON log line. The service name and a
// timestamp are stamped in when the caller did not set them.
func LogRequest(entry map[string]any) {
	if _, ok := entry["service"]; !ok {
		entry["service"] = serviceName
	}
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Printf(`{"service":%q,"level":"error","msg":"log marshal failed"}`, serviceName)
		return
	}
	Logger().Println(string(data))
}
