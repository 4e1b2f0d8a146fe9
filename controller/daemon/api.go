package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/reef-pi/watervend/controller"
	"github.com/reef-pi/watervend/controller/catalog"
)

type volume struct {
	catalog.WaterVolume
	PriceLabel string `json:"price_label"`
}

func (d *Daemon) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(d.authenticate)
	r.HandleFunc("/api/signin", d.signIn).Methods("POST")
	r.HandleFunc("/api/signout", d.signOut).Methods("GET")
	r.HandleFunc("/api/state", d.getState).Methods("GET")
	r.HandleFunc("/api/volumes", d.listVolumes).Methods("GET")
	r.HandleFunc("/api/health", d.getHealth).Methods("GET")
	r.HandleFunc("/api/errors", d.listErrors).Methods("GET")
	r.HandleFunc("/api/events", d.hub.serve).Methods("GET")
	r.Handle("/metrics", d.telemetry.Handler()).Methods("GET")
	for _, name := range startOrder {
		d.subsystems[name].LoadAPI(r)
	}
	return r
}

func (d *Daemon) getState(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(d.State())
}

func (d *Daemon) listVolumes(w http.ResponseWriter, r *http.Request) {
	list := []volume{}
	for _, v := range d.catalog.List() {
		list = append(list, volume{WaterVolume: v, PriceLabel: v.PriceLabel()})
	}
	json.NewEncoder(w).Encode(list)
}

func (d *Daemon) getHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(d.health())
}

func (d *Daemon) listErrors(w http.ResponseWriter, r *http.Request) {
	list, err := controller.Errors(d.store)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(list)
}
