package api

import (
	"encoding/json"
	"net/http"

	"github.com/edgectl/dispatcher/internal/script"
)

func parseRequest[T any](w http.ResponseWriter, r *http.Request) (*T, error) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)

	var v T
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// callerFrom builds the caller identity for a request: the advisory origin
// headers set by forwarding services, overridable from the payload.
func callerFrom(r *http.Request, sourceType, sourceName string) script.Caller {
	caller := script.Caller{
		SourceName: r.Header.Get("Service-Orig-From"),
		SourceType: r.Header.Get("Service-Orig-Type"),
		RequestURL: r.URL.Path,
	}
	if sourceName != "" {
		caller.SourceName = sourceName
	}
	if sourceType != "" {
		caller.SourceType = sourceType
	}
	return caller
}
