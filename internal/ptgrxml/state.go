package ptgrxml

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	apperrors "github.com/grantline/grantline/pkg/errors"
)

const processedWeeksFile = "processed_weeks.json"

// WeekState tracks which weekly archives have been fully ingested. The set
// lives in a JSON file next to the raw archives so wiping the data root also
// resets the bookkeeping.
type WeekState struct {
	path string
}

// NewWeekState returns the state tracker for archives under rawRoot.
func NewWeekState(rawRoot string) *WeekState {
	return &WeekState{path: filepath.Join(rawRoot, processedWeeksFile)}
}

// Load reads the processed-week set. A missing file means nothing has been
// processed yet.
func (s *WeekState) Load() (map[string]struct{}, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStateFileInvalid, "read processed weeks failed")
	}

	var weeks []string
	if err := json.Unmarshal(data, &weeks); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeStateFileInvalid,
			"decode %s failed", s.path)
	}
	set := make(map[string]struct{}, len(weeks))
	for _, w := range weeks {
		set[w] = struct{}{}
	}
	return set, nil
}

// MarkProcessed records week as done. The file is rewritten whole as a
// sorted JSON array; re-marking a week is a no-op.
func (s *WeekState) MarkProcessed(week string) error {
	set, err := s.Load()
	if err != nil {
		return err
	}
	set[week] = struct{}{}

	weeks := make([]string, 0, len(set))
	for w := range set {
		weeks = append(weeks, w)
	}
	sort.Strings(weeks)

	data, err := json.Marshal(weeks)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStateFileInvalid, "encode processed weeks failed")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStateFileInvalid, "create state directory failed")
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStateFileInvalid, "write processed weeks failed")
	}
	return nil
}
