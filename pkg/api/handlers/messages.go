package handlers

import (
	"net/http"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterMessages wires the message-scoped endpoints.
func RegisterMessages(r *mux.Router) {
	r.HandleFunc("/messages/{id}", getMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/siblings", listSiblings).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/activate", activateMessage).Methods(http.MethodPost)
}

// loadOwnedMessage enforces thread ownership through the message's thread.
func loadOwnedMessage(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	m, err := store.LoadMessage(id)
	if err != nil {
		writeErr(w, err)
		return "", false
	}
	th, err := store.GetThread(m.Thread)
	if err != nil {
		writeErr(w, err)
		return "", false
	}
	if author := auth.AuthorIDFromContext(r.Context()); author != "" && th.OwnerID != "" && th.OwnerID != author {
		utils.JSONError(w, http.StatusForbidden, "thread belongs to another author")
		return "", false
	}
	return id, true
}

func getMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := loadOwnedMessage(w, r)
	if !ok {
		return
	}
	m, err := store.LoadMessage(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

func listSiblings(w http.ResponseWriter, r *http.Request) {
	id, ok := loadOwnedMessage(w, r)
	if !ok {
		return
	}
	sibs, err := store.LoadSiblings(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"siblings": sibs})
}

// activateMessage switches which variant the active path follows. The
// descendant sub-path of the newly active message is whatever was last
// active beneath it.
func activateMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := loadOwnedMessage(w, r)
	if !ok {
		return
	}
	if err := store.SetActive(id); err != nil {
		writeErr(w, err)
		return
	}
	m, err := store.LoadMessage(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}
