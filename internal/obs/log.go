package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

// Logging is a single JSON-line stream on stdout. The audit recorder mirrors
// its events through it and the HTTP middleware writes request completions;
// every caller emits one self-contained JSON object per line so the stream
// stays machine-parseable end to end.

var (
	initStream sync.Once
	stream     *log.Logger
)

// Logger returns the process-wide line logger. No prefix and no flags: each
// line is a complete JSON object, timestamp included.
func Logger() *log.Logger {
	initStream.Do(func() {
		stream = log.New(os.Stdout, "", 0)
	})
	return stream
}

// LogRequest marshals entry and writes it as one line. A marshal failure is
// reported on the same stream rather than swallowed, so a bad field in an
// entry still leaves a trace.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
