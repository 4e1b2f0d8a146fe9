package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reef-pi/watervend/controller"
	"github.com/reef-pi/watervend/controller/modules/backend"
)

// fakeUploader accepts sales while ok is set, or for the first allow calls
// when allow is positive.
type fakeUploader struct {
	mu    sync.Mutex
	ok    bool
	allow int
	got   []backend.Sale
}

func (u *fakeUploader) RecordSale(_ context.Context, s backend.Sale) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.allow > 0 {
		u.allow--
		u.got = append(u.got, s)
		return true
	}
	if u.ok {
		u.got = append(u.got, s)
	}
	return u.ok
}

func (u *fakeUploader) set(ok bool, allow int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ok = ok
	u.allow = allow
}

func (u *fakeUploader) sales() []backend.Sale {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]backend.Sale{}, u.got...)
}

type countingPruner struct {
	mu     sync.Mutex
	before []time.Time
}

func (p *countingPruner) Prune(t time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.before = append(p.before, t)
	return 0, nil
}

func newLedger(t *testing.T, u Uploader, conf Config, pruners ...Pruner) *Ledger {
	t.Helper()
	c, err := controller.TestController(nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Store().Close() })
	l := New(c, u, conf, pruners...)
	require.NoError(t, l.Setup())
	return l
}

func TestRecordSaleUploaded(t *testing.T) {
	u := &fakeUploader{ok: true}
	l := newLedger(t, u, Config{})
	assert.True(t, l.RecordSale(context.Background(), backend.Sale{Volume: "100 ml", Price: 3000}))

	sales, err := l.Sales()
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.True(t, sales[0].Uploaded)
	entries, err := l.outbox.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFailedUploadIsQueuedAndSynced(t *testing.T) {
	u := &fakeUploader{}
	l := newLedger(t, u, Config{})
	volumes := []string{"100 ml", "350 ml", "600 ml"}
	for _, v := range volumes {
		assert.False(t, l.RecordSale(context.Background(), backend.Sale{Volume: v, Price: 1}))
	}
	entries, err := l.outbox.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	sent, err := l.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	entries, err = l.outbox.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, 0, entries[1].Attempts)

	u.set(false, 1)
	sent, err = l.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	u.set(true, 0)
	sent, err = l.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	var order []string
	for _, s := range u.sales() {
		order = append(order, s.Volume)
	}
	assert.Equal(t, volumes, order)

	sales, err := l.Sales()
	require.NoError(t, err)
	for _, s := range sales {
		assert.True(t, s.Uploaded, s.Volume)
	}
}

func TestPruneKeepsPending(t *testing.T) {
	u := &fakeUploader{ok: true}
	l := newLedger(t, u, Config{})
	l.RecordSale(context.Background(), backend.Sale{Volume: "100 ml", Price: 3000})
	u.set(false, 0)
	l.RecordSale(context.Background(), backend.Sale{Volume: "350 ml", Price: 5000})

	n, err := l.Prune(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sales, err := l.Sales()
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "350 ml", sales[0].Volume)
}

func TestPruneRunsEveryPruner(t *testing.T) {
	p := &countingPruner{}
	l := newLedger(t, &fakeUploader{}, Config{RetentionDays: 30}, p)
	l.prune()
	require.Len(t, p.before, 1)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, -30), p.before[0], time.Minute)
}

func TestScheduledSync(t *testing.T) {
	u := &fakeUploader{}
	l := newLedger(t, u, Config{SyncSchedule: "FREQ=SECONDLY;INTERVAL=1", PruneSchedule: "@daily", RetentionDays: 30})
	l.RecordSale(context.Background(), backend.Sale{Volume: "1 Liter", Price: 15000})
	u.set(true, 0)

	l.Start()
	require.Eventually(t, func() bool {
		entries, err := l.outbox.List()
		return err == nil && len(entries) == 0
	}, 5*time.Second, 50*time.Millisecond)
	l.Stop()
	l.Stop()
	assert.Len(t, u.sales(), 1)
}

func TestInvalidSchedules(t *testing.T) {
	c, err := controller.TestController(nil)
	require.NoError(t, err)
	defer c.Store().Close()
	assert.Error(t, New(c, &fakeUploader{}, Config{SyncSchedule: "FREQ=SOMETIMES"}).Setup())
	assert.Error(t, New(c, &fakeUploader{}, Config{PruneSchedule: "every day"}).Setup())
	assert.NoError(t, New(c, &fakeUploader{}, Config{}).Setup())
}

func TestParseSchedule(t *testing.T) {
	rr, err := ParseSchedule("")
	require.NoError(t, err)
	assert.Nil(t, rr)

	rr, err = ParseSchedule("FREQ=MINUTELY;INTERVAL=5")
	require.NoError(t, err)
	next := rr.After(time.Now(), false)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), next, 5*time.Second)
}

func TestAPI(t *testing.T) {
	u := &fakeUploader{}
	l := newLedger(t, u, Config{})
	l.RecordSale(context.Background(), backend.Sale{Volume: "600 ml", Price: 7000})
	r := mux.NewRouter()
	l.LoadAPI(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/sales", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"volume":"600 ml"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/sales/outbox", nil))
	assert.Contains(t, w.Body.String(), `"sale_id"`)

	u.set(true, 0)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/sales/sync", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sent":1,"pending":0}`, w.Body.String())
}
