// Package payment runs one Midtrans payment attempt at a time and reports
// its outcome on the event bus.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reef-pi/watervend/controller"
	"github.com/reef-pi/watervend/controller/catalog"
	"github.com/reef-pi/watervend/controller/events"
)

const (
	module = "payment"
	Bucket = "payments"
)

const (
	StatusCreated    = "created"
	StatusPending    = "pending"
	StatusSettlement = "settlement"
	StatusDeny       = "deny"
	StatusCancel     = "cancel"
	StatusExpire     = "expire"
	StatusFailure    = "failure"
)

var (
	ErrInProgress = errors.New("a payment is already in progress")
	ErrNoPayment  = errors.New("no such active payment")
	ErrClosed     = errors.New("payment closed before the gateway answered")
)

type Transaction struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Volume      string    `json:"volume"`
	Amount      int       `json:"amount"`
	ItemName    string    `json:"item_name"`
	Status      string    `json:"status"`
	Token       string    `json:"token,omitempty"`
	RedirectURL string    `json:"redirect_url,omitempty"`
	Closed      bool      `json:"closed"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewOrderID returns ORDER- followed by the first 8 hex digits of a v4 uuid.
func NewOrderID() string {
	return "ORDER-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

type attempt struct {
	tx     Transaction
	quit   chan struct{}
	cancel context.CancelFunc
}

type Orchestrator struct {
	c        controller.Controller
	gw       Gateway
	catalog  catalog.Catalog
	interval time.Duration

	mu      sync.Mutex
	active  *attempt
	settled func(events.Kind, Transaction)
	wg      sync.WaitGroup
}

func New(c controller.Controller, gw Gateway, cat catalog.Catalog, interval time.Duration) *Orchestrator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Orchestrator{c: c, gw: gw, catalog: cat, interval: interval}
}

func (o *Orchestrator) Setup() error {
	return o.c.Store().CreateBucket(Bucket)
}

func (o *Orchestrator) Start() {}

// OnSettled registers fn to run for every terminal outcome before it is
// published. Unlike bus subscribers it never misses one. It must be set
// before the first payment starts.
func (o *Orchestrator) OnSettled(fn func(events.Kind, Transaction)) {
	o.settled = fn
}

func (o *Orchestrator) conclude(kind events.Kind, tx Transaction) {
	if o.settled != nil {
		o.settled(kind, tx)
	}
	o.c.Events().Publish(kind, tx)
}

// release drops a as the active attempt. It reports false when a was
// already closed.
func (o *Orchestrator) release(a *attempt) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != a {
		return false
	}
	o.active = nil
	return true
}

// Stop closes any open attempt and waits for its poller.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	active := o.active != nil
	var orderID string
	if active {
		orderID = o.active.tx.OrderID
	}
	o.mu.Unlock()
	if active {
		o.Close(orderID)
	}
	o.wg.Wait()
}

// StartPayment opens a payment for volume. A gateway failure is published
// as payment.failed and nothing is polled.
func (o *Orchestrator) StartPayment(ctx context.Context, volume string) (Transaction, error) {
	v, err := o.catalog.Get(volume)
	if err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		OrderID:   NewOrderID(),
		Volume:    v.Name,
		Amount:    v.Price,
		ItemName:  v.DisplayName,
		Status:    StatusCreated,
		CreatedAt: time.Now(),
	}
	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return Transaction{}, ErrInProgress
	}
	a := &attempt{tx: tx, quit: make(chan struct{})}
	o.active = a
	o.mu.Unlock()

	if err := o.insert(&tx); err != nil {
		log.Println("ERROR: payment: record", tx.OrderID, err)
	}
	o.mu.Lock()
	a.tx.ID = tx.ID
	o.mu.Unlock()

	r, err := o.gw.Create(ctx, Charge{OrderID: tx.OrderID, Amount: tx.Amount, ItemName: tx.ItemName})
	if err != nil {
		tx.Status = StatusFailure
		tx.Error = err.Error()
		if !o.release(a) {
			tx.Closed = true
			o.save(tx)
			log.Println("payment:", tx.OrderID, "closed before the gateway failed:", err)
			return tx, ErrClosed
		}
		o.save(tx)
		o.c.LogError(module, err.Error())
		o.conclude(events.PaymentFailed, tx)
		return tx, err
	}

	tx.Token = r.Token
	tx.RedirectURL = r.RedirectURL
	tx.Status = StatusPending
	pctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	if o.active != a {
		o.mu.Unlock()
		cancel()
		return tx, ErrClosed
	}
	a.tx = tx
	a.cancel = cancel
	o.mu.Unlock()
	o.save(tx)

	log.Println("payment:", tx.OrderID, "pending for", tx.Volume, tx.Amount)
	o.c.Telemetry().Count(module, StatusPending)
	o.c.Events().Publish(events.PaymentPending, tx)

	o.wg.Add(1)
	go o.poll(pctx, a, tx.OrderID)
	return tx, nil
}

func (o *Orchestrator) poll(ctx context.Context, a *attempt, orderID string) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.quit:
			return
		case <-ticker.C:
		}
		switch status := o.status(ctx, orderID); status {
		case StatusSettlement:
			o.settle(a, status, events.PaymentSucceeded)
			return
		case StatusDeny, StatusCancel, StatusExpire:
			o.settle(a, status, events.PaymentFailed)
			return
		}
	}
}

// status asks the gateway once. Failures read as an empty status so the
// poll goes on.
func (o *Orchestrator) status(ctx context.Context, orderID string) (status string) {
	defer func() {
		if r := recover(); r != nil {
			o.c.LogError(module, fmt.Sprintf("poll %s: %v", orderID, r))
			status = ""
		}
	}()
	o.c.Telemetry().Count(module, "poll")
	s, err := o.gw.Status(ctx, orderID)
	if err != nil {
		log.Println("payment:", err)
		return ""
	}
	return s
}

// settle publishes the outcome unless the attempt was closed meanwhile.
func (o *Orchestrator) settle(a *attempt, status string, kind events.Kind) {
	o.mu.Lock()
	if o.active != a {
		o.mu.Unlock()
		return
	}
	o.active = nil
	a.tx.Status = status
	tx := a.tx
	o.mu.Unlock()
	a.cancel()

	o.save(tx)
	log.Println("payment:", tx.OrderID, status)
	o.c.Telemetry().Count(module, status)
	o.conclude(kind, tx)
}

// Close abandons the active attempt, e.g. when the customer leaves the
// payment view.
func (o *Orchestrator) Close(orderID string) error {
	o.mu.Lock()
	a := o.active
	if a == nil || a.tx.OrderID != orderID {
		o.mu.Unlock()
		return ErrNoPayment
	}
	o.active = nil
	a.tx.Closed = true
	tx := a.tx
	o.mu.Unlock()

	close(a.quit)
	if a.cancel != nil {
		a.cancel()
	}
	o.save(tx)
	log.Println("payment:", orderID, "closed")
	o.c.Telemetry().Count(module, "closed")
	o.conclude(events.PaymentClosed, tx)
	return nil
}

func (o *Orchestrator) Active() (Transaction, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil || o.active.tx.Status == StatusCreated {
		return Transaction{}, false
	}
	return o.active.tx, true
}

func (o *Orchestrator) insert(tx *Transaction) error {
	return o.c.Store().Create(Bucket, func(id string) interface{} {
		tx.ID = id
		return tx
	})
}

func (o *Orchestrator) save(tx Transaction) {
	if tx.ID == "" {
		return
	}
	if err := o.c.Store().Update(Bucket, tx.ID, &tx); err != nil {
		log.Println("ERROR: payment: save", tx.OrderID, err)
	}
}

// Get returns the stored transaction for orderID.
func (o *Orchestrator) Get(orderID string) (Transaction, error) {
	var found *Transaction
	err := o.c.Store().List(Bucket, func(_ string, v []byte) error {
		var tx Transaction
		if err := json.Unmarshal(v, &tx); err == nil && tx.OrderID == orderID {
			found = &tx
		}
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	if found == nil {
		return Transaction{}, fmt.Errorf("%s: %w", orderID, ErrNoPayment)
	}
	return *found, nil
}

func (o *Orchestrator) List() ([]Transaction, error) {
	list := []Transaction{}
	err := o.c.Store().List(Bucket, func(_ string, v []byte) error {
		var tx Transaction
		if err := json.Unmarshal(v, &tx); err == nil {
			list = append(list, tx)
		}
		return nil
	})
	return list, err
}
