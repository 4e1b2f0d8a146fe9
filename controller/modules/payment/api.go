package payment

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/reef-pi/watervend/controller/catalog"
)

func (o *Orchestrator) LoadAPI(r *mux.Router) {
	r.HandleFunc("/api/payments", o.list).Methods("GET")
	r.HandleFunc("/api/payments", o.create).Methods("POST")
	r.HandleFunc("/api/payments/active", o.getActive).Methods("GET")
	r.HandleFunc("/api/payments/{id}", o.get).Methods("GET")
	r.HandleFunc("/api/payments/{id}", o.close).Methods("DELETE")
}

func (o *Orchestrator) list(w http.ResponseWriter, r *http.Request) {
	list, err := o.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(list)
}

func (o *Orchestrator) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume string `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	tx, err := o.StartPayment(r.Context(), req.Volume)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(tx)
	case errors.Is(err, catalog.ErrUnknownVolume):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInProgress), errors.Is(err, ErrClosed):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func (o *Orchestrator) getActive(w http.ResponseWriter, r *http.Request) {
	tx, ok := o.Active()
	if !ok {
		http.Error(w, ErrNoPayment.Error(), http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(tx)
}

func (o *Orchestrator) get(w http.ResponseWriter, r *http.Request) {
	tx, err := o.Get(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(tx)
}

func (o *Orchestrator) close(w http.ResponseWriter, r *http.Request) {
	if err := o.Close(mux.Vars(r)["id"]); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
