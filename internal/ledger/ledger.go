package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
)

// Record is one discrete, independently verifiable unit of work. Category,
// description and steps are immutable once created; only passes may change.
type Record struct {
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
	Passes      bool     `json:"passes"`
}

type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("ledger format: %s", e.Reason)
	}
	return fmt.Sprintf("ledger format %s: %s", e.Path, e.Reason)
}

type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("ledger mutation: %s", e.Reason)
	}
	return fmt.Sprintf("ledger mutation at record %d: %s", e.Index, e.Reason)
}

// Parse deserializes a ledger document. The root must be a JSON array and
// every record must carry exactly category, description, steps and passes.
// Anything else is a FormatError; a malformed ledger is never repaired.
func Parse(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &FormatError{Reason: "empty ledger document"}
	}
	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		var wrapper map[string]json.RawMessage
		if json.Unmarshal(trimmed, &wrapper) == nil {
			return nil, &FormatError{Reason: "root must be an array of records, not an object"}
		}
		return nil, &FormatError{Reason: fmt.Sprintf("invalid json: %v", err)}
	}
	records := make([]Record, 0, len(rows))
	for i, row := range rows {
		record, err := parseRecord(i, row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func parseRecord(index int, row map[string]json.RawMessage) (Record, error) {
	var record Record
	if row == nil {
		return record, &FormatError{Reason: fmt.Sprintf("record %d: not an object", index)}
	}
	for key := range row {
		switch key {
		case "category", "description", "steps", "passes":
		default:
			return record, &FormatError{Reason: fmt.Sprintf("record %d: unknown field %q", index, key)}
		}
	}
	rawCategory, ok := row["category"]
	if !ok {
		return record, &FormatError{Reason: fmt.Sprintf("record %d: missing category", index)}
	}
	if err := json.Unmarshal(rawCategory, &record.Category); err != nil {
		return record, &FormatError{Reason: fmt.Sprintf("record %d: category must be a string", index)}
	}
	if strings.TrimSpace(record.Category) == "" {
		return record, &FormatError{Reason: fmt.Sprintf("record %d: category cannot be empty", index)}
	}
	rawDescription, ok := row["description"]
	if !ok {
		return record, &FormatError{Reason: fmt.Sprintf("record %d: missing description", index)}
	}
	if err := json.Unmarshal(rawDescription, &record.Description); err != nil {
		return record, &FormatError{Reason: fmt.Sprintf("record %d: description must be a string", index)}
	}
	if strings.TrimSpace(record.Description) == "" {
		return record, &FormatError{Reason: fmt.Sprintf("record %d: description cannot be empty", index)}
	}
	rawSteps, ok := row["steps"]
	if !ok {
		return record, &FormatError{Reason: fmt.Sprintf("record %d: missing steps", index)}
	}
	if err := json.Unmarshal(rawSteps, &record.Steps); err != nil {
		return record, &FormatError{Reason: fmt.Sprintf("record %d: steps must be an array of strings", index)}
	}
	rawPasses, ok := row["passes"]
	if !ok {
		return record, &FormatError{Reason: fmt.Sprintf("record %d: missing passes", index)}
	}
	if err := json.Unmarshal(rawPasses, &record.Passes); err != nil {
		return record, &FormatError{Reason: fmt.Sprintf("record %d: passes must be a boolean", index)}
	}
	return record, nil
}

func Load(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	records, err := Parse(data)
	if err != nil {
		var formatErr *FormatError
		if errors.As(err, &formatErr) && formatErr.Path == "" {
			formatErr.Path = path
		}
		return nil, err
	}
	return records, nil
}

// Save writes the ledger atomically: temp file in the same directory, then
// rename over the target so readers never observe a partial document.
func Save(path string, records []Record) error {
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	b = append(b, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write ledger %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace ledger %s: %w", path, err)
	}
	return nil
}

func Clone(records []Record) []Record {
	out := make([]Record, len(records))
	for i, record := range records {
		out[i] = record
		out[i].Steps = append([]string(nil), record.Steps...)
	}
	return out
}

// NextPending returns the first record in ledger order with passes == false.
// Ledger order encodes priority; no other tie-break is used.
func NextPending(records []Record) (int, bool) {
	for i, record := range records {
		if !record.Passes {
			return i, true
		}
	}
	return -1, false
}

func PassingIndices(records []Record) []int {
	var out []int
	for i, record := range records {
		if record.Passes {
			out = append(out, i)
		}
	}
	return out
}

type Progress struct {
	Passing int
	Total   int
}

func Completion(records []Record) Progress {
	p := Progress{Total: len(records)}
	for _, record := range records {
		if record.Passes {
			p.Passing++
		}
	}
	return p
}

func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Passing) / float64(p.Total)
}

func (p Progress) Complete() bool {
	return p.Total > 0 && p.Passing >= p.Total
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d features passing", p.Passing, p.Total)
}

type Delta struct {
	Index int
	From  bool
	To    bool
}

// Rule bounds what a single session may change. MaxPass caps false->true
// flips; with AnyPassIndex unset the flip must land on PassIndex.
// FailIndices are the only records permitted to revert true->false.
type Rule struct {
	MaxPass      int
	PassIndex    int
	AnyPassIndex bool
	FailIndices  map[int]bool
}

func CodingRule(index int, maxPasses int) Rule {
	if maxPasses < 1 {
		maxPasses = 1
	}
	return Rule{MaxPass: maxPasses, PassIndex: index, AnyPassIndex: maxPasses > 1}
}

func VerificationRule(samples []int) Rule {
	fails := make(map[int]bool, len(samples))
	for _, index := range samples {
		fails[index] = true
	}
	return Rule{FailIndices: fails}
}

// ValidateTransition compares pre- and post-session snapshots and returns the
// passes deltas, or a ValidationError if the session touched anything the
// rule does not allow. The inputs are not modified.
func ValidateTransition(before []Record, after []Record, rule Rule) ([]Delta, error) {
	if len(after) != len(before) {
		return nil, &ValidationError{Index: -1, Reason: fmt.Sprintf("record count changed from %d to %d", len(before), len(after))}
	}
	var deltas []Delta
	passFlips := 0
	for i := range before {
		b := before[i]
		a := after[i]
		if a.Category != b.Category {
			return nil, &ValidationError{Index: i, Reason: "category is immutable"}
		}
		if a.Description != b.Description {
			return nil, &ValidationError{Index: i, Reason: "description is immutable"}
		}
		if !slices.Equal(a.Steps, b.Steps) {
			return nil, &ValidationError{Index: i, Reason: "steps are immutable"}
		}
		if a.Passes == b.Passes {
			continue
		}
		if a.Passes {
			passFlips++
			if rule.MaxPass == 0 {
				return nil, &ValidationError{Index: i, Reason: "this session may not mark records passing"}
			}
			if passFlips > rule.MaxPass {
				return nil, &ValidationError{Index: i, Reason: fmt.Sprintf("at most %d record(s) may pass per session", rule.MaxPass)}
			}
			if !rule.AnyPassIndex && i != rule.PassIndex {
				return nil, &ValidationError{Index: i, Reason: fmt.Sprintf("only record %d may pass this session", rule.PassIndex)}
			}
			deltas = append(deltas, Delta{Index: i, From: false, To: true})
			continue
		}
		if !rule.FailIndices[i] {
			return nil, &ValidationError{Index: i, Reason: "passing record may not revert outside verification"}
		}
		deltas = append(deltas, Delta{Index: i, From: true, To: false})
	}
	return deltas, nil
}
