package retrieval

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fieldline/strata/internal/series"
)

// Plan is a parsed retrieval plan: which subjects and slices to fetch, in
// order. Entry order is execution order; the same identity may recur at
// several positions and still receives a single batch stamp for the run.
type Plan struct {
	Entries []Entry
}

// Entry is one plan line: a subject and signature fetched across one or
// more slices of a single aggregation mode.
type Entry struct {
	Subject   string
	Signature series.Signature
	Mode      series.Mode
	Slices    []SliceRequest
}

// SliceRequest names one slice's dimension values and the day window to
// fetch for it.
type SliceRequest struct {
	Dims   map[string]string
	Window series.Window
}

type planFile struct {
	Entries []planEntry `yaml:"entries"`
}

type planEntry struct {
	Subject   string        `yaml:"subject"`
	Mode      string        `yaml:"mode"`
	Signature planSignature `yaml:"signature"`
	Slices    []planSlice   `yaml:"slices"`
}

type planSignature struct {
	Inputs   map[string]any `yaml:"inputs"`
	Volatile map[string]any `yaml:"volatile"`
}

type planSlice struct {
	Dims   map[string]string `yaml:"dims"`
	Window series.Window     `yaml:"window"`
}

// LoadPlan reads and parses a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return plan, nil
}

// ParsePlan parses YAML plan bytes. Unknown fields are rejected so typos in
// hand-written plans fail loudly instead of fetching the wrong thing.
func ParsePlan(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file planFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(file.Entries) == 0 {
		return nil, fmt.Errorf("plan has no entries")
	}
	plan := &Plan{Entries: make([]Entry, 0, len(file.Entries))}
	for i, raw := range file.Entries {
		entry, err := raw.toEntry()
		if err != nil {
			return nil, fmt.Errorf("entries[%d]: %w", i, err)
		}
		plan.Entries = append(plan.Entries, entry)
	}
	return plan, nil
}

func (e planEntry) toEntry() (Entry, error) {
	if e.Subject == "" {
		return Entry{}, fmt.Errorf("subject is required")
	}
	mode, err := series.ParseMode(e.Mode)
	if err != nil {
		return Entry{}, err
	}
	inputs, err := series.MapFromGo(e.Signature.Inputs)
	if err != nil {
		return Entry{}, fmt.Errorf("signature inputs: %w", err)
	}
	if len(inputs) == 0 {
		return Entry{}, fmt.Errorf("signature inputs are required")
	}
	volatile, err := series.MapFromGo(e.Signature.Volatile)
	if err != nil {
		return Entry{}, fmt.Errorf("signature volatile: %w", err)
	}
	if len(e.Slices) == 0 {
		return Entry{}, fmt.Errorf("entry has no slices")
	}
	slices := make([]SliceRequest, 0, len(e.Slices))
	for i, raw := range e.Slices {
		if _, err := series.NewSliceKey(mode, raw.Dims); err != nil {
			return Entry{}, fmt.Errorf("slices[%d]: %w", i, err)
		}
		if err := raw.Window.Validate(); err != nil {
			return Entry{}, fmt.Errorf("slices[%d]: %w", i, err)
		}
		slices = append(slices, SliceRequest{Dims: raw.Dims, Window: raw.Window})
	}
	return Entry{
		Subject:   e.Subject,
		Signature: series.Signature{Inputs: inputs, Volatile: volatile},
		Mode:      mode,
		Slices:    slices,
	}, nil
}
