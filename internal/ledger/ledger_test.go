package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func sampleRecords() []Record {
	return []Record{
		{Category: "functional", Description: "user can sign in", Steps: []string{"open /login", "submit valid credentials"}, Passes: true},
		{Category: "functional", Description: "user can sign out", Steps: []string{"click sign out"}, Passes: true},
		{Category: "style", Description: "header matches mockup", Steps: []string{"compare header against mockup"}, Passes: false},
	}
}

func TestParseRejectsWrapperObject(t *testing.T) {
	_, err := Parse([]byte(`{"features": []}`))
	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	doc := `[{"category":"functional","description":"d","steps":[],"passes":false,"id":1}]`
	_, err := Parse([]byte(doc))
	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected FormatError for unknown field, got %v", err)
	}
}

func TestParseRejectsMissingAndNonBooleanPasses(t *testing.T) {
	missing := `[{"category":"functional","description":"d","steps":[]}]`
	if _, err := Parse([]byte(missing)); err == nil {
		t.Fatalf("expected error for missing passes")
	}
	nonBool := `[{"category":"functional","description":"d","steps":[],"passes":"yes"}]`
	_, err := Parse([]byte(nonBool))
	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected FormatError for non-boolean passes, got %v", err)
	}
}

func TestParseAcceptsEmptyArray(t *testing.T) {
	records, err := Parse([]byte(`[]`))
	if err != nil {
		t.Fatalf("parse empty array: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected 0 records, got %d", len(records))
	}
}

func TestLoadSetsPathOnFormatError(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "feature_list.json")
	if err := os.WriteFile(path, []byte(`{"not":"a list"}`), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	_, err := Load(path)
	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected FormatError, got %v", err)
	}
	if formatErr.Path != path {
		t.Fatalf("expected error path %q, got %q", path, formatErr.Path)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "feature_list.json")
	records := sampleRecords()
	if err := Save(path, records); err != nil {
		t.Fatalf("save ledger: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if len(loaded) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(loaded))
	}
	if loaded[2].Description != records[2].Description || loaded[2].Passes {
		t.Fatalf("unexpected third record %+v", loaded[2])
	}
}

func TestNextPendingReturnsFirstPendingByOrder(t *testing.T) {
	records := sampleRecords()
	index, ok := NextPending(records)
	if !ok || index != 2 {
		t.Fatalf("expected pending index 2, got %d ok=%v", index, ok)
	}
	again, ok := NextPending(records)
	if !ok || again != index {
		t.Fatalf("expected NextPending to be deterministic, got %d then %d", index, again)
	}
	records[2].Passes = true
	if _, ok := NextPending(records); ok {
		t.Fatalf("expected no pending records")
	}
}

func TestCompletion(t *testing.T) {
	progress := Completion(sampleRecords())
	if progress.Passing != 2 || progress.Total != 3 {
		t.Fatalf("unexpected progress %+v", progress)
	}
	if progress.Complete() {
		t.Fatalf("expected progress incomplete")
	}
	if progress.Fraction() <= 0.66 || progress.Fraction() >= 0.67 {
		t.Fatalf("unexpected fraction %v", progress.Fraction())
	}
	if Completion(nil).Fraction() != 0 {
		t.Fatalf("expected empty ledger fraction 0")
	}
}

func TestValidateTransitionAllowsSingleMandatedFlip(t *testing.T) {
	before := sampleRecords()
	after := Clone(before)
	after[2].Passes = true
	deltas, err := ValidateTransition(before, after, CodingRule(2, 1))
	if err != nil {
		t.Fatalf("validate transition: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Index != 2 || !deltas[0].To {
		t.Fatalf("unexpected deltas %+v", deltas)
	}
}

func TestValidateTransitionRejectsWrongIndex(t *testing.T) {
	before := []Record{
		{Category: "functional", Description: "a", Steps: []string{"s"}, Passes: false},
		{Category: "functional", Description: "b", Steps: []string{"s"}, Passes: false},
	}
	after := Clone(before)
	after[1].Passes = true
	_, err := ValidateTransition(before, after, CodingRule(0, 1))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if validationErr.Index != 1 {
		t.Fatalf("expected violation at record 1, got %d", validationErr.Index)
	}
}

func TestValidateTransitionRejectsStepEdit(t *testing.T) {
	before := sampleRecords()
	after := Clone(before)
	after[0].Steps[0] = "something else"
	after[2].Passes = true
	_, err := ValidateTransition(before, after, CodingRule(2, 1))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for step edit, got %v", err)
	}
	if before[0].Steps[0] == "something else" {
		t.Fatalf("expected inputs to be left unchanged")
	}
}

func TestValidateTransitionRejectsAddedAndRemovedRecords(t *testing.T) {
	before := sampleRecords()
	added := append(Clone(before), Record{Category: "functional", Description: "new", Steps: []string{"s"}, Passes: false})
	if _, err := ValidateTransition(before, added, CodingRule(2, 1)); err == nil {
		t.Fatalf("expected error for added record")
	}
	if _, err := ValidateTransition(before, Clone(before)[:2], CodingRule(2, 1)); err == nil {
		t.Fatalf("expected error for removed record")
	}
}

func TestValidateTransitionRegressionOnlyAtSampledIndices(t *testing.T) {
	before := sampleRecords()
	after := Clone(before)
	after[0].Passes = false
	deltas, err := ValidateTransition(before, after, VerificationRule([]int{0}))
	if err != nil {
		t.Fatalf("validate verification transition: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Index != 0 || deltas[0].To {
		t.Fatalf("unexpected deltas %+v", deltas)
	}

	outside := Clone(before)
	outside[1].Passes = false
	if _, err := ValidateTransition(before, outside, VerificationRule([]int{0})); err == nil {
		t.Fatalf("expected error for regression outside sample")
	}

	passing := Clone(before)
	passing[2].Passes = true
	if _, err := ValidateTransition(before, passing, VerificationRule([]int{0})); err == nil {
		t.Fatalf("expected error for pass flip during verification")
	}
}

func TestValidateTransitionMaxPasses(t *testing.T) {
	before := []Record{
		{Category: "functional", Description: "a", Steps: []string{"s"}, Passes: false},
		{Category: "functional", Description: "b", Steps: []string{"s"}, Passes: false},
	}
	after := Clone(before)
	after[0].Passes = true
	after[1].Passes = true
	if _, err := ValidateTransition(before, after, CodingRule(0, 1)); err == nil {
		t.Fatalf("expected error for second flip with max passes 1")
	}
	if _, err := ValidateTransition(before, after, CodingRule(0, 2)); err != nil {
		t.Fatalf("expected two flips allowed with max passes 2: %v", err)
	}
}
