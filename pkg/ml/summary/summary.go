// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary records training summaries: scalars (like the loss) and statistics of tensors (like
// variables and their gradients), indexed by the global step.
//
// Events are kept in memory by a Writer and, optionally, appended as JSON lines to a file, which can be read
// back with ReadFile. Scalars can be rendered to a PNG plot with RenderScalars.
package summary

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kind of summary event.
type Kind string

const (
	// KindScalar events hold a single Value.
	KindScalar Kind = "scalar"

	// KindStats events hold the Stats of a tensor.
	KindStats Kind = "stats"
)

// GradientSuffix is appended to the name of a variable for the summary of its gradient.
const GradientSuffix = "/gradient"

// Stats of the values of a tensor.
type Stats struct {
	Mean, StdDev, Min, Max float64
}

// StatsFromSlice converts the output of a stats graph, [mean, stddev, min, max], to Stats.
// Missing values are left as 0.
func StatsFromSlice(values []float64) *Stats {
	var s Stats
	for ii, p := range []*float64{&s.Mean, &s.StdDev, &s.Min, &s.Max} {
		if ii < len(values) {
			*p = values[ii]
		}
	}
	return &s
}

// Event is one summary value recorded at a global step.
type Event struct {
	RunID string    `json:"run_id,omitempty"`
	Step  int64     `json:"step"`
	Name  string    `json:"name"`
	Kind  Kind      `json:"kind"`
	Value float64   `json:"value,omitempty"`
	Stats *Stats    `json:"stats,omitempty"`
	Time  time.Time `json:"time"`
}

// SanitizeName returns a name usable as a summary name: ":" is not allowed and is replaced by "_".
func SanitizeName(name string) string {
	return strings.ReplaceAll(name, ":", "_")
}

// Writer collects summary events. It is safe for concurrent use.
type Writer struct {
	runID string

	mu      sync.Mutex
	events  []Event
	file    *os.File
	encoder *json.Encoder
	path    string
}

// NewWriter creates a Writer that only keeps the events in memory.
func NewWriter() *Writer {
	return &Writer{runID: uuid.NewString()}
}

// NewFileWriter creates a Writer that also appends the events to the file in filePath, one JSON object per line.
// The directory is created if it doesn't exist.
func NewFileWriter(filePath string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for summary file %q", filePath)
	}
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open summary file %q for append", filePath)
	}
	w := NewWriter()
	w.file = f
	w.encoder = json.NewEncoder(f)
	w.path = filePath
	klog.V(1).Infof("summary: run %s appending events to %q", w.runID, filePath)
	return w, nil
}

// RunID is a unique identifier of the writer, recorded in every event it writes.
func (w *Writer) RunID() string { return w.runID }

// Path of the file events are written to, or "" if events are only kept in memory.
func (w *Writer) Path() string { return w.path }

// Add events. Events with empty or invalid names are rejected, and then none of the events is added.
//
// For file writers an event is only kept in memory after it is written to the file, so Events and the file
// hold the same events even if writing fails (e.g.: encoding/json rejects NaN and infinite values).
func (w *Writer) Add(events ...Event) error {
	for _, e := range events {
		if e.Name == "" {
			return errors.New("summary event with an empty name")
		}
		if strings.Contains(e.Name, ":") {
			return errors.Errorf("summary event name %q contains \":\", use SanitizeName", e.Name)
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range events {
		e.RunID = w.runID
		if w.encoder != nil {
			if err := w.encoder.Encode(e); err != nil {
				return errors.Wrapf(err, "failed to write summary event %q to %q", e.Name, w.path)
			}
		}
		w.events = append(w.events, e)
	}
	return nil
}

// Events returns a copy of all events recorded so far, in the order they were added.
func (w *Writer) Events() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	events := make([]Event, len(w.events))
	copy(events, w.events)
	return events
}

// Scalars returns the scalar events with the given name.
func (w *Writer) Scalars(name string) []Event {
	return Filter(w.Events(), name, KindScalar)
}

// Flush commits the written events to stable storage. It's a no-op for in-memory writers.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return errors.Wrapf(w.file.Sync(), "failed to sync summary file %q", w.path)
}

// Close the file, if any. Events are still available in memory, but new events can't be added to the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.encoder = nil, nil
	return errors.Wrapf(err, "failed to close summary file %q", w.path)
}

// Filter returns the events with the given name and kind.
func Filter(events []Event, name string, kind Kind) []Event {
	var filtered []Event
	for _, e := range events {
		if e.Name == name && e.Kind == kind {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// ReadFile reads all the events saved in the file.
func ReadFile(filePath string) ([]Event, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open summary file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var events []Event
	for {
		var e Event
		err := dec.Decode(&e)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding summary file %q", filePath)
		}
		events = append(events, e)
	}
	return events, nil
}
