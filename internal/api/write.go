package api

import (
	"net/http"

	"github.com/edgectl/dispatcher/internal/kvlist"
	"github.com/edgectl/dispatcher/internal/request"
)

type writeRequest struct {
	Destination string        `json:"destination"`
	Name        string        `json:"name"`
	Write       kvlist.KVList `json:"write"`
	Source      string        `json:"source"`
	SourceName  string        `json:"source_name"`
}

// write queues a setpoint write: to a service, an asset's ingest service,
// every south service, or a control script.
func (h *handler) write(w http.ResponseWriter, r *http.Request) {
	v, err := parseRequest[writeRequest](w, r)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	caller := callerFrom(r, v.Source, v.SourceName)
	source := request.SourceEndpoint(caller)

	var req request.Request
	switch v.Destination {
	case "service":
		if v.Name == "" {
			jsonError(w, http.StatusBadRequest, "destination service requires a name")
			return
		}
		req = request.NewWriteService(caller, source, v.Name, v.Write)
	case "asset":
		if v.Name == "" {
			jsonError(w, http.StatusBadRequest, "destination asset requires a name")
			return
		}
		req = request.NewWriteAsset(caller, source, v.Name, v.Write)
	case "script":
		if v.Name == "" {
			jsonError(w, http.StatusBadRequest, "destination script requires a name")
			return
		}
		req = request.NewWriteScript(caller, source, v.Name, v.Write)
	case "broadcast":
		req = request.NewWriteBroadcast(caller, source, v.Write)
	default:
		jsonError(w, http.StatusBadRequest, "unsupported destination")
		return
	}

	h.svc.Queue(req)
	jsonResponse(w, http.StatusAccepted, &messageResponse{Message: "Request queued"})
}
