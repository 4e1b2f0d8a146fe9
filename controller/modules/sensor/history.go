package sensor

import (
	"encoding/json"
	"time"
)

type record struct {
	ID string `json:"id"`
	Reading
}

func (p *Poller) save(r Reading) error {
	return p.c.Store().Create(ReadingBucket, func(id string) interface{} {
		return &record{ID: id, Reading: r}
	})
}

// History returns up to limit of the most recent stored readings, oldest first.
func (p *Poller) History(limit int) ([]Reading, error) {
	list := []Reading{}
	err := p.c.Store().List(ReadingBucket, func(_ string, v []byte) error {
		var rec record
		if err := json.Unmarshal(v, &rec); err == nil {
			list = append(list, rec.Reading)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list, nil
}

// Prune deletes readings taken before t.
func (p *Poller) Prune(t time.Time) (int, error) {
	var ids []string
	err := p.c.Store().List(ReadingBucket, func(id string, v []byte) error {
		var rec record
		if err := json.Unmarshal(v, &rec); err == nil && rec.Time.Before(t) {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := p.c.Store().Delete(ReadingBucket, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
