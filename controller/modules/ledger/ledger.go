// Package ledger keeps every sale locally and makes sure the backend
// eventually hears about it.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reef-pi/watervend/controller"
	"github.com/reef-pi/watervend/controller/modules/backend"
)

const (
	module       = "ledger"
	SaleBucket   = "sales"
	OutboxBucket = "sales_outbox"
)

// Uploader sends a sale to the backend.
type Uploader interface {
	RecordSale(ctx context.Context, s backend.Sale) bool
}

// Pruner drops records taken before a point in time.
type Pruner interface {
	Prune(before time.Time) (int, error)
}

type Sale struct {
	ID       string `json:"id"`
	Volume   string `json:"volume"`
	Price    int    `json:"price"`
	Time     int64  `json:"ts"`
	Uploaded bool   `json:"uploaded"`
}

type Config struct {
	SyncSchedule  string
	PruneSchedule string
	RetentionDays int
}

type Ledger struct {
	c        controller.Controller
	uploader Uploader
	config   Config
	outbox   *Outbox
	pruners  []Pruner

	cron *cron.Cron
	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds the ledger. Extra pruners are run on the prune schedule next
// to the ledger's own.
func New(c controller.Controller, uploader Uploader, conf Config, pruners ...Pruner) *Ledger {
	l := &Ledger{
		c:        c,
		uploader: uploader,
		config:   conf,
		quit:     make(chan struct{}),
	}
	l.pruners = append([]Pruner{l}, pruners...)
	return l
}

func (l *Ledger) Setup() error {
	if err := l.c.Store().CreateBucket(SaleBucket); err != nil {
		return err
	}
	o, err := NewOutbox(l.c.Store())
	if err != nil {
		return err
	}
	l.outbox = o
	if _, err := ParseSchedule(l.config.SyncSchedule); err != nil {
		return fmt.Errorf("sync schedule %q: %w", l.config.SyncSchedule, err)
	}
	if _, err := cron.ParseStandard(l.config.PruneSchedule); l.config.PruneSchedule != "" && err != nil {
		return fmt.Errorf("prune schedule %q: %w", l.config.PruneSchedule, err)
	}
	return nil
}

// Start launches the outbox sync schedule and the retention cron.
func (l *Ledger) Start() {
	rr, err := ParseSchedule(l.config.SyncSchedule)
	if err != nil {
		l.c.LogError(module, "sync schedule: "+err.Error())
	}
	if rr != nil {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			runSchedule(rr, l.quit, func() {
				if _, err := l.Sync(context.Background()); err != nil {
					l.c.LogError(module, "sync: "+err.Error())
				}
			})
		}()
	}
	if l.config.PruneSchedule != "" && l.config.RetentionDays > 0 {
		l.cron = cron.New()
		if _, err := l.cron.AddFunc(l.config.PruneSchedule, l.prune); err != nil {
			l.c.LogError(module, "prune schedule: "+err.Error())
			l.cron = nil
			return
		}
		l.cron.Start()
	}
}

func (l *Ledger) Stop() {
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
	if l.cron != nil {
		<-l.cron.Stop().Done()
	}
	l.wg.Wait()
}

// RecordSale persists s and uploads it. A failed upload leaves the sale in
// the outbox for the sync schedule. It reports whether the backend took it.
func (l *Ledger) RecordSale(ctx context.Context, s backend.Sale) bool {
	sale := Sale{Volume: s.Volume, Price: s.Price, Time: time.Now().Unix()}
	if err := l.c.Store().Create(SaleBucket, func(id string) interface{} {
		sale.ID = id
		return &sale
	}); err != nil {
		l.c.LogError(module, "store sale: "+err.Error())
		return l.uploader.RecordSale(ctx, s)
	}
	l.c.Telemetry().Count(module, "sale")
	l.c.Telemetry().EmitMetric(module, "last_sale_price", float64(s.Price))

	if l.uploader.RecordSale(ctx, s) {
		l.markUploaded(sale)
		return true
	}
	if err := l.outbox.Add(sale.ID); err != nil {
		l.c.LogError(module, "queue sale "+sale.ID+": "+err.Error())
		return false
	}
	log.Println("ledger: sale", sale.ID, "queued for upload")
	l.emitOutbox()
	return false
}

func (l *Ledger) markUploaded(s Sale) {
	s.Uploaded = true
	if err := l.c.Store().Update(SaleBucket, s.ID, &s); err != nil {
		log.Println("ERROR: ledger: mark", s.ID, "uploaded:", err)
	}
}

// Sync uploads queued sales oldest first and stops at the first failure.
func (l *Ledger) Sync(ctx context.Context) (int, error) {
	sent, err := l.outbox.Flush(func(e Entry) bool {
		var s Sale
		if err := l.c.Store().Get(SaleBucket, e.SaleID, &s); err != nil {
			log.Println("ERROR: ledger: outbox entry", e.ID, "has no sale:", err)
			return true
		}
		if !l.uploader.RecordSale(ctx, backend.Sale{Volume: s.Volume, Price: s.Price}) {
			return false
		}
		l.markUploaded(s)
		return true
	})
	if sent > 0 {
		log.Println("ledger: uploaded", sent, "queued sales")
	}
	l.c.Telemetry().Count(module, "sync")
	l.emitOutbox()
	return sent, err
}

func (l *Ledger) emitOutbox() {
	entries, err := l.outbox.List()
	if err != nil {
		return
	}
	l.c.Telemetry().EmitMetric(module, "outbox", float64(len(entries)))
}

func (l *Ledger) Sales() ([]Sale, error) {
	list := []Sale{}
	err := l.c.Store().List(SaleBucket, func(_ string, v []byte) error {
		var s Sale
		if err := json.Unmarshal(v, &s); err == nil {
			list = append(list, s)
		}
		return nil
	})
	return list, err
}

// Prune drops uploaded sales older than before. Sales still in the outbox
// are kept.
func (l *Ledger) Prune(before time.Time) (int, error) {
	var ids []string
	err := l.c.Store().List(SaleBucket, func(id string, v []byte) error {
		var s Sale
		if err := json.Unmarshal(v, &s); err == nil && s.Uploaded && s.Time < before.Unix() {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := l.c.Store().Delete(SaleBucket, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (l *Ledger) prune() {
	before := time.Now().AddDate(0, 0, -l.config.RetentionDays)
	for _, p := range l.pruners {
		n, err := p.Prune(before)
		if err != nil {
			l.c.LogError(module, "prune: "+err.Error())
			continue
		}
		if n > 0 {
			log.Printf("ledger: pruned %d records older than %s", n, before.Format(time.DateOnly))
		}
	}
}
