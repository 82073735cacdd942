package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/furqan-qadri/BlokRentals/internal/escrow"
)

// DLQWriter files settlements that exhausted their retries so operators can
// replay them. An empty path disables the queue.
type DLQWriter struct {
	path string
}

func NewDLQWriter(path string) *DLQWriter {
	return &DLQWriter{path: path}
}

// Sink adapts the writer to the lifecycle controller's failure hook.
func (d *DLQWriter) Sink() func(record *escrow.Record, err error) {
	return func(record *escrow.Record, err error) {
		d.Write(record, err)
	}
}

func (d *DLQWriter) Write(record *escrow.Record, settleErr error) {
	if d == nil || d.path == "" {
		return
	}

	entry := struct {
		Timestamp time.Time     `json:"timestamp"`
		Escrow    escrow.Record `json:"escrow"`
		Error     string        `json:"error"`
	}{
		Timestamp: time.Now().UTC(),
		Escrow:    *record,
		Error:     settleErr.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		log.Printf("dlq marshal error: %v", err)
		return
	}

	if err := os.MkdirAll(d.path, 0o755); err != nil {
		log.Printf("dlq mkdir error: %v", err)
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), record.ID)
	if err := os.WriteFile(filepath.Join(d.path, filename), data, 0o600); err != nil {
		log.Printf("dlq write error: %v", err)
	}
}

// Depth counts queued entries.
func (d *DLQWriter) Depth() int {
	if d == nil || d.path == "" {
		return 0
	}
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("dlq read error: %v", err)
		}
		return 0
	}
	return len(entries)
}
