package ledger

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

func (l *Ledger) LoadAPI(r *mux.Router) {
	r.HandleFunc("/api/sales", l.listSales).Methods("GET")
	r.HandleFunc("/api/sales/outbox", l.listOutbox).Methods("GET")
	r.HandleFunc("/api/sales/sync", l.syncOutbox).Methods("POST")
}

func (l *Ledger) listSales(w http.ResponseWriter, r *http.Request) {
	list, err := l.Sales()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(list)
}

func (l *Ledger) listOutbox(w http.ResponseWriter, r *http.Request) {
	entries, err := l.outbox.List()
	if err != nil {
		http.Error(w, "Failed to list outbox", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(entries)
}

func (l *Ledger) syncOutbox(w http.ResponseWriter, r *http.Request) {
	sent, err := l.Sync(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	pending, _ := l.outbox.List()
	json.NewEncoder(w).Encode(map[string]int{"sent": sent, "pending": len(pending)})
}
