package controller

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/reef-pi/watervend/controller/events"
	"github.com/reef-pi/watervend/controller/storage"
	"github.com/reef-pi/watervend/controller/telemetry"
)

const (
	ErrorBucket = "errors"
	maxErrors   = 100
)

// Controller is the shared environment handed to every subsystem.
type Controller interface {
	Store() storage.Store
	Telemetry() telemetry.Telemetry
	Events() events.Publisher
	LogError(module, msg string) error
}

// Subsystem is implemented by every module the daemon runs.
type Subsystem interface {
	Setup() error
	LoadAPI(*mux.Router)
	Start()
	Stop()
}

type Error struct {
	ID     string `json:"id"`
	Module string `json:"module"`
	Msg    string `json:"message"`
	Time   int64  `json:"ts"`
}

type controller struct {
	store storage.Store
	tel   telemetry.Telemetry
	bus   events.Publisher
}

// New bundles the shared services. It creates the error bucket.
func New(s storage.Store, t telemetry.Telemetry, p events.Publisher) (Controller, error) {
	if err := s.CreateBucket(ErrorBucket); err != nil {
		return nil, err
	}
	return &controller{store: s, tel: t, bus: p}, nil
}

func (c *controller) Store() storage.Store           { return c.store }
func (c *controller) Telemetry() telemetry.Telemetry { return c.tel }
func (c *controller) Events() events.Publisher       { return c.bus }

// LogError logs msg and keeps the latest entries in the error bucket.
func (c *controller) LogError(module, msg string) error {
	log.Println("ERROR:", module+":", msg)
	c.tel.Count(module, "error")
	fn := func(id string) interface{} {
		return &Error{ID: id, Module: module, Msg: msg, Time: time.Now().Unix()}
	}
	if err := c.store.Create(ErrorBucket, fn); err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return c.trimErrors()
}

func (c *controller) trimErrors() error {
	var ids []string
	if err := c.store.List(ErrorBucket, func(id string, _ []byte) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return err
	}
	if len(ids) <= maxErrors {
		return nil
	}
	sort.Strings(ids)
	for _, id := range ids[:len(ids)-maxErrors] {
		if err := c.store.Delete(ErrorBucket, id); err != nil {
			return err
		}
	}
	return nil
}

// Errors lists recorded errors, oldest first.
func Errors(s storage.Store) ([]Error, error) {
	list := []Error{}
	err := s.List(ErrorBucket, func(_ string, v []byte) error {
		var e Error
		if err := json.Unmarshal(v, &e); err == nil {
			list = append(list, e)
		}
		return nil
	})
	return list, err
}
