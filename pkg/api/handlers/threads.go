package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/engine"
	"chatrelay/pkg/events"
	"chatrelay/pkg/gateway"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"
	"chatrelay/pkg/validation"

	"github.com/gorilla/mux"
)

// RegisterThreads wires the thread and turn endpoints.
func RegisterThreads(r *mux.Router) {
	r.HandleFunc("/threads", createThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", listThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", getThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", patchThread).Methods(http.MethodPatch)
	r.HandleFunc("/threads/{id}", deleteThread).Methods(http.MethodDelete)
	r.HandleFunc("/threads/{id}/turns", runTurn).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/messages", listThreadMessages).Methods(http.MethodGet)
}

// loadOwnedThread fetches the thread and enforces signed-author ownership
// when the request carries an author identity.
func loadOwnedThread(w http.ResponseWriter, r *http.Request) (models.Thread, bool) {
	id := mux.Vars(r)["id"]
	th, err := store.GetThread(id)
	if err != nil {
		writeErr(w, err)
		return models.Thread{}, false
	}
	if author := auth.AuthorIDFromContext(r.Context()); author != "" && th.OwnerID != "" && th.OwnerID != author {
		utils.JSONError(w, http.StatusForbidden, "thread belongs to another author")
		return models.Thread{}, false
	}
	return th, true
}

func createThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID    string                 `json:"tenant_id"`
		OwnerID     string                 `json:"owner_id"`
		HandlerType string                 `json:"handler_type"`
		Metadata    map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.HandlerType == "" {
		utils.JSONError(w, http.StatusBadRequest, "handler_type is required")
		return
	}
	if err := validation.ValidateMetadata(body.Metadata); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if author := auth.AuthorIDFromContext(r.Context()); author != "" {
		body.OwnerID = author
	}
	now := time.Now().UTC().UnixNano()
	th := models.Thread{
		ID:          utils.GenThreadID(),
		TenantID:    body.TenantID,
		OwnerID:     body.OwnerID,
		HandlerType: body.HandlerType,
		Metadata:    body.Metadata,
		CreatedTS:   now,
		UpdatedTS:   now,
	}
	if err := store.SaveThread(th); err != nil {
		writeErr(w, err)
		return
	}
	bus.Publish(events.Event{Name: events.ThreadCreated, ThreadID: th.ID,
		Payload: map[string]interface{}{"handler_type": th.HandlerType}})
	_ = utils.JSONWrite(w, http.StatusCreated, th)
}

func listThreads(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	ths, err := store.ListThreads(includeDeleted)
	if err != nil {
		writeErr(w, err)
		return
	}
	if author := auth.AuthorIDFromContext(r.Context()); author != "" {
		filtered := ths[:0]
		for _, t := range ths {
			if t.OwnerID == author {
				filtered = append(filtered, t)
			}
		}
		ths = filtered
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"threads": ths})
}

func getThread(w http.ResponseWriter, r *http.Request) {
	th, ok := loadOwnedThread(w, r)
	if !ok {
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

func patchThread(w http.ResponseWriter, r *http.Request) {
	th, ok := loadOwnedThread(w, r)
	if !ok {
		return
	}
	var body struct {
		HandlerType *string                `json:"handler_type"`
		Metadata    map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	switched := false
	if body.HandlerType != nil && *body.HandlerType != "" && *body.HandlerType != th.HandlerType {
		th.HandlerType = *body.HandlerType
		switched = true
	}
	if body.Metadata != nil {
		if err := validation.ValidateMetadata(body.Metadata); err != nil {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		th.Metadata = body.Metadata
	}
	th.UpdatedTS = time.Now().UTC().UnixNano()
	if err := store.SaveThread(th); err != nil {
		writeErr(w, err)
		return
	}
	if switched {
		// future turns go to the new handler; tell it the thread exists
		eng.Notify(th, gateway.EnvelopeHandlerSwitched)
	}
	_ = utils.JSONWrite(w, http.StatusOK, th)
}

func deleteThread(w http.ResponseWriter, r *http.Request) {
	th, ok := loadOwnedThread(w, r)
	if !ok {
		return
	}
	actor := auth.AuthorIDFromContext(r.Context())
	if err := store.SoftDeleteThread(th.ID, actor); err != nil {
		writeErr(w, err)
		return
	}
	eng.Notify(th, gateway.EnvelopeThreadDeleted)
	bus.Publish(events.Event{Name: events.ThreadDeleted, ThreadID: th.ID})
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func runTurn(w http.ResponseWriter, r *http.Request) {
	th, ok := loadOwnedThread(w, r)
	if !ok {
		return
	}
	var body struct {
		ParentID     string   `json:"parent_id"`
		Content      string   `json:"content"`
		Attachments  []string `json:"attachments"`
		Capabilities []string `json:"capabilities"`
		Recreate     bool     `json:"recreate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !body.Recreate {
		if err := validation.ValidateTurn(body.Content, body.Attachments); err != nil {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	sink, ok := newNDJSONSink(w)
	if !ok {
		utils.JSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	res, err := eng.RunTurn(r.Context(), engine.TurnRequest{
		ThreadID:     th.ID,
		ParentID:     body.ParentID,
		Content:      body.Content,
		Attachments:  body.Attachments,
		Capabilities: body.Capabilities,
		Recreate:     body.Recreate,
	}, sink)
	if err == nil {
		return
	}
	if !sink.wrote {
		writeErr(w, err)
		return
	}
	if !res.ErrorDelivered {
		_, code := statusFor(err)
		_ = sink.Send(models.StreamEvent{Event: models.EventError, Code: code, Message: err.Error()})
	}
}

func listThreadMessages(w http.ResponseWriter, r *http.Request) {
	th, ok := loadOwnedThread(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if q.Get("view") == "tree" {
		tree, err := store.Tree(th.ID)
		if err != nil {
			writeErr(w, err)
			return
		}
		_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"tree": tree})
		return
	}
	path, err := store.LoadPath(th.ID, q.Get("leaf"))
	if err != nil {
		writeErr(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]interface{}{"messages": path})
}
