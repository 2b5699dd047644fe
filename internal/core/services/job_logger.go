package services

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/manthysbr/scribed/internal/core/domain"
)

const logTimeLayout = "15:04:05.000"

// JobLogger appends human-readable diagnostics for one job to
// <dir>/<job-id>.log. Every call opens, appends and closes the file.
type JobLogger struct {
	path string
	mu   sync.Mutex
}

// NewJobLogger creates (or truncates) the job log and writes its header.
func NewJobLogger(dir string, id domain.JobID, kind domain.JobKind) (*JobLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	l := &JobLogger{path: LogPath(dir, id)}
	header := fmt.Sprintf("=== Job %s (%s) ===\nStarted: %s\n%s\n",
		id, kind, time.Now().Format(time.RFC3339), strings.Repeat("=", 50))
	if err := os.WriteFile(l.path, []byte(header), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write log header: %w", err)
	}
	return l, nil
}

func LogPath(dir string, id domain.JobID) string {
	return filepath.Join(dir, string(id)+".log")
}

func (l *JobLogger) Path() string { return l.path }

func (l *JobLogger) Info(msg string) { l.write("INFO: " + msg) }

func (l *JobLogger) Error(msg string) { l.write("ERROR: " + msg) }

// SubprocessOutput records one raw output line of a tool.
func (l *JobLogger) SubprocessOutput(source, line string) {
	l.write(fmt.Sprintf("[%s] %s", source, line))
}

func (l *JobLogger) write(body string) {
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format(logTimeLayout), body)

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}

// ReadLogs returns the last tail lines of this job's log.
func (l *JobLogger) ReadLogs(tail int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readTail(l.path, tail)
}

// ReadJobLogs reads a job log without a live logger, e.g. after the job
// was evicted. A missing log yields no lines.
func ReadJobLogs(dir string, id domain.JobID, tail int) []string {
	return readTail(LogPath(dir, id), tail)
}

func readTail(path string, tail int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines
}
