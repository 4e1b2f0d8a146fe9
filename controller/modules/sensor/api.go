package sensor

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

const defaultHistory = 100

func (p *Poller) LoadAPI(r *mux.Router) {
	r.HandleFunc("/api/sensor", p.getLatest).Methods("GET")
	r.HandleFunc("/api/sensor/history", p.getHistory).Methods("GET")
}

func (p *Poller) getLatest(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(p.Latest())
}

func (p *Poller) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistory
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := p.History(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(list)
}
