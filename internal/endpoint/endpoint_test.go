package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindFromString(t *testing.T) {
	assert.Equal(t, KindService, KindFromString("Service"))
	assert.Equal(t, KindBroadcast, KindFromString("Broadcast"))
	assert.Equal(t, KindAny, KindFromString("Any"))
	assert.Equal(t, KindUndefined, KindFromString("NoSuchKind"))
}

func TestNewClearsNameForUnnamedKinds(t *testing.T) {
	assert.Equal(t, "", New(KindBroadcast, "ignored").Name)
	assert.Equal(t, "", New(KindAPI, "ignored").Name)
	assert.Equal(t, "pumpA", New(KindService, "pumpA").Name)
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name      string
		pattern   Endpoint
		candidate Endpoint
		want      bool
	}{
		{"any matches everything", Any(), New(KindService, "pumpA"), true},
		{"any matches broadcast", Any(), New(KindBroadcast, ""), true},
		{"exact kind and name", New(KindService, "pumpA"), New(KindService, "pumpA"), true},
		{"exact kind wrong name", New(KindService, "pumpA"), New(KindService, "pumpB"), false},
		{"unnamed pattern matches any name", New(KindService, ""), New(KindService, "pumpB"), true},
		{"kind mismatch", New(KindService, "pumpA"), New(KindAsset, "pumpA"), false},
		{"named kind never matches any candidate", New(KindService, "pumpA"), Any(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pattern.Matches(tt.candidate))
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "Service:pumpA", New(KindService, "pumpA").String())
	assert.Equal(t, "Broadcast", New(KindBroadcast, "").String())
}
