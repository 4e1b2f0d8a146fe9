package ledger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/reef-pi/watervend/controller/storage"
)

// Entry is a sale waiting for upload.
type Entry struct {
	ID       string `json:"id"`
	SaleID   string `json:"sale_id"`
	Time     int64  `json:"ts"`
	Attempts int    `json:"attempts"`
}

// Outbox is a persistent FIFO of sales the backend has not acknowledged.
type Outbox struct {
	store storage.Store
	mu    sync.Mutex
}

func NewOutbox(store storage.Store) (*Outbox, error) {
	if err := store.CreateBucket(OutboxBucket); err != nil {
		return nil, err
	}
	return &Outbox{store: store}, nil
}

func (o *Outbox) Add(saleID string) error {
	e := Entry{SaleID: saleID, Time: time.Now().UnixNano()}
	return o.store.Create(OutboxBucket, func(id string) interface{} {
		e.ID = id
		return &e
	})
}

// List returns the pending entries, oldest first.
func (o *Outbox) List() ([]Entry, error) {
	entries := []Entry{}
	err := o.store.List(OutboxBucket, func(_ string, v []byte) error {
		var e Entry
		if err := json.Unmarshal(v, &e); err == nil {
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Flush hands entries to deliver in order and removes the delivered ones.
// It stops at the first entry deliver rejects so ordering is kept. Flushes
// never overlap.
func (o *Outbox) Flush(deliver func(Entry) bool) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries, err := o.List()
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, e := range entries {
		if !deliver(e) {
			e.Attempts++
			if err := o.store.Update(OutboxBucket, e.ID, &e); err != nil {
				return sent, err
			}
			break
		}
		if err := o.store.Delete(OutboxBucket, e.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
