package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductionLogger writes structured log records, one per line.
// JSON format is intended for cluster deployments; text format reads
// better during local development. It implements ComponentAwareLogger so
// sub-components can attribute their records.
type ProductionLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     int
	format    string // "json" or "text"
	service   string
	component string
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(s string) int {
	switch strings.ToLower(s) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// NewProductionLogger creates a logger for the given service.
// Level is one of debug/info/warn/error; format is json or text.
func NewProductionLogger(cfg LoggingConfig, service string) *ProductionLogger {
	out := io.Writer(os.Stdout)
	format := cfg.Format
	if format == "" {
		format = "json"
	}
	return &ProductionLogger{
		out:     out,
		level:   parseLevel(cfg.Level),
		format:  format,
		service: service,
	}
}

// WithComponent returns a child logger whose records carry the component name.
func (l *ProductionLogger) WithComponent(component string) Logger {
	child := &ProductionLogger{
		out:       l.out,
		level:     l.level,
		format:    l.format,
		service:   l.service,
		component: component,
	}
	return child
}

// SetOutput redirects log output. Used by tests to capture records.
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields)
}

func (l *ProductionLogger) log(level int, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		record := make(map[string]interface{}, len(fields)+5)
		for k, v := range fields {
			record[k] = v
		}
		record["time"] = time.Now().UTC().Format(time.RFC3339Nano)
		record["level"] = name
		record["msg"] = msg
		record["service"] = l.service
		if l.component != "" {
			record["component"] = l.component
		}
		data, err := json.Marshal(record)
		if err != nil {
			// Fall back to a plain line rather than dropping the record.
			fmt.Fprintf(l.out, "%s %s %s (marshal error: %v)\n", name, l.service, msg, err)
			return
		}
		fmt.Fprintln(l.out, string(data))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s: %s", time.Now().Format("15:04:05.000"), name, l.service, msg)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	fmt.Fprintln(l.out, b.String())
}

var _ ComponentAwareLogger = (*ProductionLogger)(nil)
