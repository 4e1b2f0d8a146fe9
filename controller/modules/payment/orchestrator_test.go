package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reef-pi/watervend/controller"
	"github.com/reef-pi/watervend/controller/catalog"
	"github.com/reef-pi/watervend/controller/events"
)

// scripted answers Status from a fixed sequence and repeats the last entry.
type scripted struct {
	mu        sync.Mutex
	createErr error
	statuses  []string
	errs      []error
	panicAt   int
	calls     int
	charges   []Charge
}

func (g *scripted) Create(_ context.Context, c Charge) (Redirect, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, c)
	if g.createErr != nil {
		return Redirect{}, g.createErr
	}
	return Redirect{Token: "tok", RedirectURL: "https://pay.example/" + c.OrderID}, nil
}

func (g *scripted) Status(_ context.Context, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.calls
	g.calls++
	if g.panicAt > 0 && g.calls == g.panicAt {
		panic("gateway client bug")
	}
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i >= len(g.statuses) {
		i = len(g.statuses) - 1
	}
	return g.statuses[i], nil
}

func (g *scripted) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newOrchestrator(t *testing.T, g Gateway) (*Orchestrator, <-chan events.Event) {
	t.Helper()
	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe(64)
	t.Cleanup(unsubscribe)
	c, err := controller.TestController(bus)
	require.NoError(t, err)
	t.Cleanup(func() { c.Store().Close() })
	o := New(c, g, catalog.Default(), 5*time.Millisecond)
	require.NoError(t, o.Setup())
	return o, ch
}

func collect(ch <-chan events.Event) map[events.Kind][]events.Event {
	m := make(map[events.Kind][]events.Event)
	for len(ch) > 0 {
		e := <-ch
		m[e.Kind] = append(m[e.Kind], e)
	}
	return m
}

func TestSettlementAfterThirdPoll(t *testing.T) {
	g := &scripted{statuses: []string{"pending", "pending", "settlement"}}
	o, ch := newOrchestrator(t, g)

	tx, err := o.StartPayment(context.Background(), "600 ml")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tx.Status)
	assert.Equal(t, 7000, tx.Amount)
	assert.True(t, strings.HasPrefix(tx.RedirectURL, "https://pay.example/ORDER-"))

	require.Eventually(t, func() bool {
		_, active := o.Active()
		return !active
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	o.Stop()

	assert.Equal(t, 3, g.callCount())
	got := collect(ch)
	assert.Len(t, got[events.PaymentPending], 1)
	require.Len(t, got[events.PaymentSucceeded], 1)
	assert.Empty(t, got[events.PaymentFailed])
	assert.Equal(t, "600 ml", got[events.PaymentSucceeded][0].Payload.(Transaction).Volume)

	stored, err := o.Get(tx.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusSettlement, stored.Status)
}

func TestExpireAfterSecondPoll(t *testing.T) {
	g := &scripted{statuses: []string{"pending", "expire"}}
	o, ch := newOrchestrator(t, g)
	_, err := o.StartPayment(context.Background(), "100 ml")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, active := o.Active()
		return !active
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	o.Stop()

	assert.Equal(t, 2, g.callCount())
	got := collect(ch)
	require.Len(t, got[events.PaymentFailed], 1)
	assert.Equal(t, StatusExpire, got[events.PaymentFailed][0].Payload.(Transaction).Status)
	assert.Empty(t, got[events.PaymentSucceeded])
}

func TestCreateFailureDoesNotPoll(t *testing.T) {
	g := &scripted{createErr: errors.New("401 unauthorized"), statuses: []string{"settlement"}}
	o, ch := newOrchestrator(t, g)
	tx, err := o.StartPayment(context.Background(), "350 ml")
	require.Error(t, err)
	assert.Equal(t, StatusFailure, tx.Status)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, g.callCount())
	got := collect(ch)
	assert.Len(t, got[events.PaymentFailed], 1)
	assert.Empty(t, got[events.PaymentPending])

	_, active := o.Active()
	assert.False(t, active)
	g.mu.Lock()
	g.createErr = nil
	g.mu.Unlock()
	_, err = o.StartPayment(context.Background(), "350 ml")
	assert.NoError(t, err)
	o.Stop()
}

func TestOneAttemptAtATime(t *testing.T) {
	g := &scripted{statuses: []string{"pending"}}
	o, _ := newOrchestrator(t, g)
	_, err := o.StartPayment(context.Background(), "100 ml")
	require.NoError(t, err)
	_, err = o.StartPayment(context.Background(), "1 Liter")
	assert.ErrorIs(t, err, ErrInProgress)
	_, err = o.StartPayment(context.Background(), "5 Liter")
	assert.ErrorIs(t, err, catalog.ErrUnknownVolume)
	o.Stop()
}

func TestCloseStopsPolling(t *testing.T) {
	g := &scripted{statuses: []string{"pending"}}
	o, ch := newOrchestrator(t, g)
	tx, err := o.StartPayment(context.Background(), "100 ml")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.callCount() >= 2 }, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, o.Close("ORDER-00000000"), ErrNoPayment)
	require.NoError(t, o.Close(tx.OrderID))
	o.Stop()
	calls := g.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, g.callCount())

	got := collect(ch)
	assert.Len(t, got[events.PaymentClosed], 1)
	assert.Empty(t, got[events.PaymentSucceeded])
	assert.Empty(t, got[events.PaymentFailed])
	stored, err := o.Get(tx.OrderID)
	require.NoError(t, err)
	assert.True(t, stored.Closed)
}

func TestPollSurvivesErrors(t *testing.T) {
	g := &scripted{
		statuses: []string{"", "", "", "settlement"},
		errs:     []error{errors.New("timeout")},
		panicAt:  2,
	}
	o, ch := newOrchestrator(t, g)
	_, err := o.StartPayment(context.Background(), "100 ml")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, active := o.Active()
		return !active
	}, 2*time.Second, 5*time.Millisecond)
	o.Stop()
	assert.Equal(t, 4, g.callCount())
	assert.Len(t, collect(ch)[events.PaymentSucceeded], 1)
}

func TestOrderID(t *testing.T) {
	id := NewOrderID()
	require.Len(t, id, len("ORDER-")+8)
	assert.True(t, strings.HasPrefix(id, "ORDER-"))
	assert.NotEqual(t, id, NewOrderID())
}

func TestAPI(t *testing.T) {
	g := &scripted{statuses: []string{"pending"}}
	o, _ := newOrchestrator(t, g)
	r := mux.NewRouter()
	o.LoadAPI(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/payments", strings.NewReader(`{"volume":"2 Liter"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/payments", strings.NewReader(`{"volume":"100 ml"}`)))
	require.Equal(t, http.StatusCreated, w.Code)
	tx, active := o.Active()
	require.True(t, active)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/payments", strings.NewReader(`{"volume":"100 ml"}`)))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/payments/active", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), tx.OrderID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/payments/"+tx.OrderID, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), tx.OrderID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/payments/"+tx.OrderID, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/payments/"+tx.OrderID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/payments/active", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	o.Stop()
}

// gatedGateway holds its first Create until release is closed and then
// fails it. Later charges succeed and stay pending.
type gatedGateway struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	calls   int
}

func (g *gatedGateway) Create(_ context.Context, c Charge) (Redirect, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		g.once.Do(func() { close(g.entered) })
		<-g.release
		return Redirect{}, errors.New("gateway timeout")
	}
	return Redirect{Token: "tok", RedirectURL: "https://pay.example/" + c.OrderID}, nil
}

func (g *gatedGateway) Status(context.Context, string) (string, error) {
	return StatusPending, nil
}

func TestCreateFailureAfterClose(t *testing.T) {
	g := &gatedGateway{entered: make(chan struct{}), release: make(chan struct{})}
	o, ch := newOrchestrator(t, g)

	errc := make(chan error, 1)
	go func() {
		_, err := o.StartPayment(context.Background(), "100 ml")
		errc <- err
	}()
	<-g.entered
	o.Stop()

	next, err := o.StartPayment(context.Background(), "350 ml")
	require.NoError(t, err)

	close(g.release)
	assert.ErrorIs(t, <-errc, ErrClosed)

	active, ok := o.Active()
	require.True(t, ok)
	assert.Equal(t, next.OrderID, active.OrderID)

	got := collect(ch)
	assert.Len(t, got[events.PaymentClosed], 1)
	assert.Empty(t, got[events.PaymentFailed])
	require.NoError(t, o.Close(next.OrderID))
	o.Stop()
}

func TestOnSettledSeesEveryOutcome(t *testing.T) {
	g := &scripted{statuses: []string{"settlement"}}
	bus := events.NewBus()
	c, err := controller.TestController(bus)
	require.NoError(t, err)
	t.Cleanup(func() { c.Store().Close() })
	o := New(c, g, catalog.Default(), 5*time.Millisecond)
	require.NoError(t, o.Setup())

	var mu sync.Mutex
	var kinds []events.Kind
	o.OnSettled(func(k events.Kind, tx Transaction) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, k)
	})

	// no bus subscriber can take the event, the hook still runs
	_, err = o.StartPayment(context.Background(), "100 ml")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 1
	}, 2*time.Second, 5*time.Millisecond)
	o.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.Kind{events.PaymentSucceeded}, kinds)
}
