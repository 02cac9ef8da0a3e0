package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
)

// Table-change notifications posted by the storage layer. The body is the
// inserted row, or a {values, where} envelope for updates and deletes.

func (h *handler) tableInsert(w http.ResponseWriter, r *http.Request) {
	table, body, ok := h.tableChange(w, r)
	if !ok {
		return
	}
	h.mgr.HandleInsert(r.Context(), table, body)
	h.invalidateScripts(table)
	jsonResponse(w, http.StatusOK, &messageResponse{Message: "Notification handled"})
}

func (h *handler) tableUpdate(w http.ResponseWriter, r *http.Request) {
	table, body, ok := h.tableChange(w, r)
	if !ok {
		return
	}
	h.mgr.HandleUpdate(r.Context(), table, body)
	h.invalidateScripts(table)
	jsonResponse(w, http.StatusOK, &messageResponse{Message: "Notification handled"})
}

func (h *handler) tableDelete(w http.ResponseWriter, r *http.Request) {
	table, body, ok := h.tableChange(w, r)
	if !ok {
		return
	}
	h.mgr.HandleDelete(r.Context(), table, body)
	h.invalidateScripts(table)
	jsonResponse(w, http.StatusOK, &messageResponse{Message: "Notification handled"})
}

func (h *handler) tableChange(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	table := mux.Vars(r)["table"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1_048_576))
	if err != nil {
		jsonError(w, http.StatusBadRequest, "cannot read notification body")
		return "", nil, false
	}
	return table, body, true
}

func (h *handler) invalidateScripts(table string) {
	if table != "control_script" && table != "control_acl" {
		return
	}
	if engine := h.svc.ScriptEngine(); engine != nil {
		engine.Invalidate("")
	}
}
