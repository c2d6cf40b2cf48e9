package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

// serviceName is stamped on every request log line so aggregated streams can
// be routed back to this process.
const serviceName = "mercato-api"

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

// LogRequest emits a structured JSON log line with common HTTP fields, tagged
// with the service name.
func LogRequest(entry map[string]any) {
	if entry == nil {
		entry = make(map[string]any, 1)
	}
	entry["service"] = serviceName
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"service":"` + serviceName + `","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
