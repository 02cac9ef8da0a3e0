// Package reading holds the carrier type passed through control filter
// pipelines: a named asset with an ordered list of typed datapoints.
package reading

// Datapoint is a single named value within a reading. Value is one of
// int64, float64 or string.
type Datapoint struct {
	Name  string
	Value any
}

// Reading is the unit a filter pipeline transforms. Control requests are
// converted to a single reading before filtering and back afterwards.
type Reading struct {
	Asset      string
	Datapoints []Datapoint
}

func New(asset string, datapoints ...Datapoint) *Reading {
	return &Reading{Asset: asset, Datapoints: datapoints}
}

// Set is an ordered collection of readings, the shape filter plugins ingest.
type Set struct {
	Readings []*Reading
}

func NewSet(readings ...*Reading) *Set {
	return &Set{Readings: readings}
}

func (s *Set) Count() int {
	if s == nil {
		return 0
	}
	return len(s.Readings)
}

// First returns the first reading of the set or nil when the set is empty.
func (s *Set) First() *Reading {
	if s.Count() == 0 {
		return nil
	}
	return s.Readings[0]
}
