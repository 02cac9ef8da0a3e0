// Package kvlist provides the ordered key/value container used by control
// requests. Duplicate keys are permitted: lookups return the first match,
// serialisation emits all pairs in order.
package kvlist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/edgectl/dispatcher/internal/reading"
)

// sentinelDatapoint keeps a reading non-empty when it is built from an empty
// KV list; it is stripped again on the way back.
const sentinelDatapoint = "__dispatcher_empty__"

type Pair struct {
	Key   string
	Value string
}

type KVList struct {
	pairs []Pair
}

func New(pairs ...Pair) KVList {
	return KVList{pairs: pairs}
}

// FromJSON builds a KV list from a JSON object, preserving member order.
// Every member value must be a string.
func FromJSON(raw []byte) (KVList, error) {
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return KVList{}, fmt.Errorf("expected a JSON object, got %q", doc.Type)
	}

	var (
		kv  KVList
		err error
	)
	doc.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String {
			err = fmt.Errorf("value for key %q must be a string", key.String())
			return false
		}
		kv.Add(key.String(), value.String())
		return true
	})
	if err != nil {
		return KVList{}, err
	}
	return kv, nil
}

func (l *KVList) Add(key, value string) {
	l.pairs = append(l.pairs, Pair{Key: key, Value: value})
}

// Get returns the value of the first pair with the given key, or "" when the
// key is absent.
func (l KVList) Get(key string) string {
	for _, p := range l.pairs {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

// Has reports whether at least one pair carries the given key.
func (l KVList) Has(key string) bool {
	for _, p := range l.pairs {
		if p.Key == key {
			return true
		}
	}
	return false
}

func (l KVList) Len() int {
	return len(l.pairs)
}

// Pairs returns the pairs in insertion order. The slice must not be mutated.
func (l KVList) Pairs() []Pair {
	return l.pairs
}

// MarshalJSON renders the list as a JSON object in insertion order, emitting
// duplicate keys as duplicate members.
func (l KVList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range l.pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Key)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", p.Key, err)
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", p.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (l *KVList) UnmarshalJSON(raw []byte) error {
	kv, err := FromJSON(raw)
	if err != nil {
		return err
	}
	*l = kv
	return nil
}

// Substitute replaces every $name$ token in the pair values with the value
// of name from params. An unterminated $ is logged and left literal.
func (l KVList) Substitute(params KVList) KVList {
	out := KVList{pairs: make([]Pair, 0, len(l.pairs))}
	for _, p := range l.pairs {
		out.Add(p.Key, substitute(p.Value, params))
	}
	return out
}

// SubstituteString replaces every $name$ token in a single value.
func SubstituteString(value string, params KVList) string {
	return substitute(value, params)
}

func substitute(value string, params KVList) string {
	if !strings.ContainsRune(value, '$') {
		return value
	}
	var b strings.Builder
	rest := value
	for {
		start := strings.IndexByte(rest, '$')
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.IndexByte(rest[start+1:], '$')
		if end < 0 {
			slog.Warn("unterminated $ in value, leaving literal",
				slog.String("value", value))
			b.WriteString(rest)
			return b.String()
		}
		name := rest[start+1 : start+1+end]
		b.WriteString(rest[:start])
		b.WriteString(params.Get(name))
		rest = rest[start+end+2:]
	}
}

// ToReading converts the list into a single reading for the given asset
// name, deducing each datapoint type from the lexical shape of the value.
// An empty list yields a sentinel datapoint so the pipeline always has a
// reading to operate on.
func (l KVList) ToReading(asset string) *reading.Reading {
	if len(l.pairs) == 0 {
		return reading.New(asset, reading.Datapoint{Name: sentinelDatapoint, Value: ""})
	}
	datapoints := make([]reading.Datapoint, 0, len(l.pairs))
	for _, p := range l.pairs {
		datapoints = append(datapoints, reading.Datapoint{Name: p.Key, Value: deduce(p.Value)})
	}
	return reading.New(asset, datapoints...)
}

// FromReading converts a reading back into a KV list, rendering numeric
// datapoints in their canonical lexical form and dropping the sentinel.
func FromReading(r *reading.Reading) KVList {
	var kv KVList
	if r == nil {
		return kv
	}
	for _, dp := range r.Datapoints {
		if dp.Name == sentinelDatapoint {
			continue
		}
		kv.Add(dp.Name, render(dp.Value))
	}
	return kv
}

func deduce(value string) any {
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func render(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return cast.ToString(v)
	}
}
