package obs

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared line logger. Everything the service emits
// (request logs, audit events, sweep results) goes through it as one
// JSON object per line on stdout.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest marshals entry as a single JSON log line. A marshal
// failure still produces a valid line so log collectors never see
// broken JSON.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(fmt.Sprintf(`{"ts":%q,"level":"error","msg":"log marshal failed"}`,
			time.Now().UTC().Format(time.RFC3339Nano)))
		return
	}
	Logger().Println(string(data))
}
