package api

import (
	"net/http"
	"sort"

	"github.com/edgectl/dispatcher/internal/kvlist"
	"github.com/edgectl/dispatcher/internal/request"
)

type operationRequest struct {
	Destination string                   `json:"destination"`
	Name        string                   `json:"name"`
	Operation   map[string]kvlist.KVList `json:"operation"`
	Source      string                   `json:"source"`
	SourceName  string                   `json:"source_name"`
}

// operation queues one request per named operation in the payload.
func (h *handler) operation(w http.ResponseWriter, r *http.Request) {
	v, err := parseRequest[operationRequest](w, r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if len(v.Operation) == 0 {
		jsonError(w, http.StatusBadRequest, "payload carries no operation")
		return
	}
	if v.Destination != "broadcast" && v.Name == "" {
		jsonError(w, http.StatusBadRequest, "destination requires a name")
		return
	}

	caller := callerFrom(r, v.Source, v.SourceName)
	source := request.SourceEndpoint(caller)

	names := make([]string, 0, len(v.Operation))
	for name := range v.Operation {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		params := v.Operation[name]
		var req request.Request
		switch v.Destination {
		case "service":
			req = request.NewOperationService(caller, source, name, v.Name, params)
		case "asset":
			req = request.NewOperationAsset(caller, source, name, v.Name, params)
		case "broadcast":
			req = request.NewOperationBroadcast(caller, source, name, params)
		default:
			jsonError(w, http.StatusBadRequest, "unsupported destination")
			return
		}
		h.svc.Queue(req)
	}
	jsonResponse(w, http.StatusAccepted, &messageResponse{Message: "Request queued"})
}
