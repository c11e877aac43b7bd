// Package collector streams game server log files and turns the lines the
// engine writes into structured events.
package collector

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"
)

// Tailer follows a game log file from its current end, surviving
// copytruncate-style rotation.
type Tailer struct {
	path     string
	file     *os.File
	position int64
	Lines    chan string
	Errors   chan error
	done     chan struct{}
}

// NewTailer creates a tailer for the given log path
func NewTailer(path string) *Tailer {
	return &Tailer{
		path:   path,
		Lines:  make(chan string, 100),
		Errors: make(chan error, 10),
		done:   make(chan struct{}),
	}
}

// ReadLastLines returns up to n trailing lines of the log in order
func (t *Tailer) ReadLastLines(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	file, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer file.Close()

	// ring of the last n lines
	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning log file: %w", err)
	}
	return ring, nil
}

// Start begins tailing from the current end of the file
func (t *Tailer) Start() error {
	file, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	t.file = file

	pos, err := t.file.Seek(0, io.SeekEnd)
	if err != nil {
		t.file.Close()
		return fmt.Errorf("seeking to end: %w", err)
	}
	t.position = pos

	go t.loop()
	return nil
}

// Stop stops the tailer
func (t *Tailer) Stop() {
	close(t.done)
	if t.file != nil {
		t.file.Close()
	}
}

func (t *Tailer) loop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.drain(); err != nil {
				select {
				case t.Errors <- err:
				default:
				}
			}
		}
	}
}

// drain reads whatever the server appended since the last tick
func (t *Tailer) drain() error {
	stat, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("stat log file: %w", err)
	}

	// rotation via copytruncate: the file shrank under us
	if stat.Size() < t.position {
		t.position = 0
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seeking after truncate: %w", err)
		}
	}
	if stat.Size() == t.position {
		return nil
	}

	reader := bufio.NewReader(t.file)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// partial line, pick it up next tick
			if _, err := t.file.Seek(t.position, io.SeekStart); err != nil {
				return fmt.Errorf("rewinding partial line: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading line: %w", err)
		}
		t.position += int64(len(line))

		line = line[:len(line)-1]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if line == "" {
			continue
		}
		select {
		case t.Lines <- line:
		default:
			// consumer is behind, drop
		}
	}
}
