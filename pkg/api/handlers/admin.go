package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"chatrelay/pkg/models"
	"chatrelay/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterAdmin wires the operator endpoints. The router mounts these under
// /v1/admin, which the security middleware restricts to admin keys.
func RegisterAdmin(r *mux.Router) {
	r.HandleFunc("/bindings", listBindings).Methods(http.MethodGet)
	r.HandleFunc("/bindings/{type}", getBinding).Methods(http.MethodGet)
	r.HandleFunc("/bindings/{type}", putBinding).Methods(http.MethodPut)
	r.HandleFunc("/bindings/{type}", deleteBinding).Methods(http.MethodDelete)
	r.HandleFunc("/breakers", listBreakers).Methods(http.MethodGet)
}

func listBindings(w http.ResponseWriter, r *http.Request) {
	bs, err := reg.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"bindings": bs})
}

func getBinding(w http.ResponseWriter, r *http.Request) {
	b, err := reg.Resolve(mux.Vars(r)["type"])
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, b)
}

func putBinding(w http.ResponseWriter, r *http.Request) {
	var b models.HandlerBinding
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	b.ThreadType = mux.Vars(r)["type"]
	if b.Endpoint == "" {
		utils.JSONError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	b.ClampTimeout()
	b.UpdatedTS = time.Now().UTC().UnixNano()
	if err := reg.Save(b); err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, b)
}

func deleteBinding(w http.ResponseWriter, r *http.Request) {
	if err := reg.Delete(mux.Vars(r)["type"]); err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// listBreakers exposes the instance-local breaker states. Each instance
// tracks its own view; operators aggregate across replicas.
func listBreakers(w http.ResponseWriter, r *http.Request) {
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"breakers": bank.Snapshot()})
}
