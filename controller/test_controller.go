package controller

import (
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reef-pi/watervend/controller/events"
	"github.com/reef-pi/watervend/controller/storage"
	"github.com/reef-pi/watervend/controller/telemetry"
)

// tempStore removes its database directory when closed.
type tempStore struct {
	storage.Store
	dir string
}

func (s tempStore) Close() error {
	err := s.Store.Close()
	if rerr := os.RemoveAll(s.dir); err == nil {
		err = rerr
	}
	return err
}

// TestController returns a controller backed by a throwaway database, a
// private metrics registry and the given publisher. A nil publisher gets a
// fresh bus. Closing the store deletes the database.
func TestController(p events.Publisher) (Controller, error) {
	dir, err := os.MkdirTemp("", "watervend-test")
	if err != nil {
		return nil, err
	}
	s, err := storage.New(filepath.Join(dir, "test.db"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	store := tempStore{Store: s, dir: dir}
	t, err := telemetry.New(telemetry.Config{}, prometheus.NewRegistry())
	if err != nil {
		store.Close()
		return nil, err
	}
	if p == nil {
		p = events.NewBus()
	}
	return New(store, t, p)
}
