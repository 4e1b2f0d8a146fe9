package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reef-pi/watervend/controller/events"
	"github.com/reef-pi/watervend/controller/modules/backend"
	"github.com/reef-pi/watervend/controller/modules/dispenser"
	"github.com/reef-pi/watervend/controller/modules/payment"
	"github.com/reef-pi/watervend/controller/settings"
)

type settledGateway struct{}

func (settledGateway) Create(_ context.Context, c payment.Charge) (payment.Redirect, error) {
	return payment.Redirect{Token: "t", RedirectURL: "https://pay.example/" + c.OrderID}, nil
}

func (settledGateway) Status(context.Context, string) (string, error) {
	return payment.StatusSettlement, nil
}

// fakeBackend records the sales it receives.
type fakeBackend struct {
	mu    sync.Mutex
	sales []backend.Sale
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/record_sale/") {
		var s backend.Sale
		json.NewDecoder(r.Body).Decode(&s)
		b.mu.Lock()
		b.sales = append(b.sales, s)
		b.mu.Unlock()
	}
	w.WriteHeader(http.StatusCreated)
}

func (b *fakeBackend) list() []backend.Sale {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Sale{}, b.sales...)
}

func testConfig(t *testing.T) (settings.Config, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{}
	api := httptest.NewServer(fb)
	t.Cleanup(api.Close)
	device := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ph": 7.1, "tds": 90, "water_level": 75}`))
	}))
	t.Cleanup(device.Close)
	u, err := url.Parse(device.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := settings.Default()
	c.API.BaseURL = api.URL
	c.API.RetryAttempts = 1
	c.API.RetryDelay = 0
	c.Hardware.Simulate = true
	c.Hardware.SimulatedPulseRate = 1000
	c.Hardware.ESP32IP = host
	c.Hardware.ESP32Port = port
	c.App.DBPath = filepath.Join(t.TempDir(), "watervend.db")
	c.App.UpdateInterval = 1
	c.Payment.PollInterval = 1
	c.Server.Address = ""
	return c, fb
}

func newTestDaemon(t *testing.T) (*Daemon, *httptest.Server, *fakeBackend) {
	t.Helper()
	c, fb := testConfig(t)
	d, err := New(c, WithGateway(settledGateway{}))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	srv := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		srv.Close()
		d.Stop()
	})
	return d, srv, fb
}

func TestPaidOrderDispenses(t *testing.T) {
	d, srv, fb := newTestDaemon(t)

	resp, err := http.Post(srv.URL+"/api/payments", "application/json", strings.NewReader(`{"volume":"100 ml"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(fb.list()) == 1
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, backend.Sale{Volume: "100 ml", Price: 3000}, fb.list()[0])

	require.Eventually(t, func() bool {
		return d.State().Dispenser.Last == dispenser.Completed
	}, 2*time.Second, 10*time.Millisecond)
	st := d.State()
	require.NotNil(t, st.Payment)
	assert.Equal(t, payment.StatusSettlement, st.Payment.Status)
	assert.Equal(t, dispenser.Idle, st.Dispenser.State)
}

func TestAdminRoutesNeedSession(t *testing.T) {
	_, srv, _ := newTestDaemon(t)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	do := func(method, path, body string) int {
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, do("POST", "/api/dispenser/start/1%20Liter", ""))
	assert.Equal(t, http.StatusUnauthorized, do("GET", "/api/errors", ""))
	assert.Equal(t, http.StatusOK, do("GET", "/api/dispenser", ""))

	assert.Equal(t, http.StatusUnauthorized, do("POST", "/api/signin", `{"user":"admin","password":"wrong"}`))
	assert.Equal(t, http.StatusNoContent, do("POST", "/api/signin", `{"user":"admin","password":"watervend"}`))
	assert.Equal(t, http.StatusAccepted, do("POST", "/api/dispenser/start/1%20Liter", ""))
	assert.Equal(t, http.StatusOK, do("GET", "/api/errors", ""))
	assert.Equal(t, http.StatusNoContent, do("POST", "/api/dispenser/stop", ""))

	assert.Equal(t, http.StatusNoContent, do("GET", "/api/signout", ""))
	assert.Equal(t, http.StatusUnauthorized, do("GET", "/api/sales", ""))
}

func TestEventsStream(t *testing.T) {
	d, srv, _ := newTestDaemon(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return d.hub.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	d.bus.Publish(events.PaymentClosed, payment.Transaction{OrderID: "ORDER-deadbeef"})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		if strings.Contains(string(msg), `"payment.closed"`) {
			assert.Contains(t, string(msg), "ORDER-deadbeef")
			return
		}
	}
}

func TestVolumesHealthMetrics(t *testing.T) {
	_, srv, _ := newTestDaemon(t)

	get := func(path string) string {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(b)
	}

	assert.Contains(t, get("/api/volumes"), `"price_label":"Rp. 3.000"`)
	assert.Contains(t, get("/api/health"), `"hardware":"simulated"`)
	assert.Contains(t, get("/api/state"), `"dispenser"`)
	assert.Contains(t, get("/metrics"), "watervend_")
}

func TestCoordinatorRecordsStartFailure(t *testing.T) {
	bus := events.NewBus()
	c := newCoordinator(bus, 8)
	c.dispense = func(string) error { return errors.New("busy") }
	c.status = func() dispenser.Status { return dispenser.Status{State: dispenser.Idle} }
	var forwarded []events.Kind
	c.forward = func(e events.Event) { forwarded = append(forwarded, e.Kind) }
	c.start()

	tx := payment.Transaction{OrderID: "ORDER-1", Volume: "100 ml"}
	c.settled(events.PaymentSucceeded, tx)
	bus.Publish(events.PaymentSucceeded, tx)
	c.stop()

	st := c.snapshot()
	assert.Contains(t, st.LastError, "ORDER-1")
	assert.Equal(t, []events.Kind{events.PaymentSucceeded}, forwarded)
}

func TestPaidOrderDispensesWhenBusIsFull(t *testing.T) {
	bus := events.NewBus()
	c := newCoordinator(bus, 1)
	var dispensed []string
	c.dispense = func(v string) error {
		dispensed = append(dispensed, v)
		return nil
	}
	c.status = func() dispenser.Status { return dispenser.Status{State: dispenser.Idle} }

	// the loop is not running, so the subscription overflows
	bus.Publish(events.SensorReading, nil)
	bus.Publish(events.PaymentSucceeded, payment.Transaction{OrderID: "ORDER-2", Volume: "350 ml"})
	assert.EqualValues(t, 1, bus.Dropped())

	c.settled(events.PaymentSucceeded, payment.Transaction{OrderID: "ORDER-2", Volume: "350 ml"})
	assert.Equal(t, []string{"350 ml"}, dispensed)
	c.stop()
}

func TestNoDispenseAfterCoordinatorStops(t *testing.T) {
	c := newCoordinator(events.NewBus(), 8)
	dispensed := 0
	c.dispense = func(string) error {
		dispensed++
		return nil
	}
	c.status = func() dispenser.Status { return dispenser.Status{} }
	c.start()
	c.stop()

	c.settled(events.PaymentSucceeded, payment.Transaction{OrderID: "ORDER-3", Volume: "100 ml"})
	assert.Zero(t, dispensed)
	assert.Contains(t, c.snapshot().LastError, "ORDER-3")
}

func TestStopRefusesLateDispense(t *testing.T) {
	c, _ := testConfig(t)
	d, err := New(c, WithGateway(settledGateway{}))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	d.Stop()

	assert.ErrorIs(t, d.dispenser.StartFilling("100 ml"), dispenser.ErrStopped)
}
