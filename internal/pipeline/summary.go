// Package pipeline contains the five stage updaters: monthly listings, cup
// details, race cards, odds and HTML results. Each updater reads candidate
// work through the store's extractor queries, fetches upstream data through a
// provider client, transforms it into the database shapes and writes through
// the store, then sweeps race step statuses to their terminal values.
package pipeline

import "fmt"

// Summary tracks per-stage counts and accumulated errors. One race's failure
// never aborts a batch; it lands here instead.
type Summary struct {
	Inputs           int
	Attempted        int
	Completed        int
	NoData           int
	DataNotAvailable int
	Failed           int
	Errors           []string
}

// Add merges another Summary into this one.
func (s *Summary) Add(other Summary) {
	s.Inputs += other.Inputs
	s.Attempted += other.Attempted
	s.Completed += other.Completed
	s.NoData += other.NoData
	s.DataNotAvailable += other.DataNotAvailable
	s.Failed += other.Failed
	s.Errors = append(s.Errors, other.Errors...)
}

// AddErrorf records a formatted error message.
func (s *Summary) AddErrorf(format string, args ...interface{}) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Success reports whether the stage reached at least one terminal-good state
// or had nothing to do.
func (s *Summary) Success() bool {
	return s.Inputs == 0 || s.Completed > 0 || s.NoData > 0 || s.DataNotAvailable > 0
}

// String returns a one-line human-readable summary.
func (s *Summary) String() string {
	return fmt.Sprintf(
		"inputs=%d attempted=%d completed=%d no_data=%d data_not_available=%d failed=%d errors=%d",
		s.Inputs, s.Attempted, s.Completed, s.NoData, s.DataNotAvailable,
		s.Failed, len(s.Errors),
	)
}
