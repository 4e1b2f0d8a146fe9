package dispenser

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/reef-pi/watervend/controller/catalog"
)

const maxLog = 100

// appendLog adds an entry to the in-memory activity log.
func (c *Controller) appendLog(msg string) {
	entry := fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), msg)
	c.logMu.Lock()
	defer c.logMu.Unlock()
	c.logs = append(c.logs, entry)
	if len(c.logs) > maxLog {
		c.logs = c.logs[len(c.logs)-maxLog:]
	}
}

func (c *Controller) Log() []string {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	return append([]string{}, c.logs...)
}

func (c *Controller) LoadAPI(r *mux.Router) {
	r.HandleFunc("/api/dispenser", c.getStatus).Methods("GET")
	sr := r.PathPrefix("/api/dispenser").Subrouter()
	sr.HandleFunc("/log", c.logList).Methods("GET")
	sr.HandleFunc("/start/{volume}", c.start).Methods("POST")
	sr.HandleFunc("/stop", c.stop).Methods("POST")
}

func (c *Controller) getStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(c.Status())
}

func (c *Controller) logList(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(c.Log())
}

func (c *Controller) start(w http.ResponseWriter, r *http.Request) {
	err := c.StartFilling(mux.Vars(r)["volume"])
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(c.Status())
	case errors.Is(err, catalog.ErrUnknownVolume):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (c *Controller) stop(w http.ResponseWriter, r *http.Request) {
	if err := c.StopFilling(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
