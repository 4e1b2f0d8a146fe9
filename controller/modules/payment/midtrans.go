package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
)

const (
	SandboxSnapURL    = "https://app.sandbox.midtrans.com"
	SandboxCoreURL    = "https://api.sandbox.midtrans.com"
	ProductionSnapURL = "https://app.midtrans.com"
	ProductionCoreURL = "https://api.midtrans.com"

	itemID = "WATER1"
)

type Charge struct {
	OrderID  string
	Amount   int
	ItemName string
}

// Redirect is what the gateway hands back for a new charge.
type Redirect struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// Gateway creates charges and reports their settlement status.
type Gateway interface {
	Create(ctx context.Context, c Charge) (Redirect, error)
	Status(ctx context.Context, orderID string) (string, error)
}

type MidtransConfig struct {
	ServerKey    string
	IsProduction bool
	Timeout      time.Duration
	// SnapURL and CoreURL redirect the hosts picked by IsProduction.
	SnapURL string
	CoreURL string
}

// Midtrans talks to the Snap and Core APIs through midtrans-go with the
// merchant server key.
type Midtrans struct {
	snap snap.Client
	core coreapi.Client
}

func NewMidtrans(c MidtransConfig) (*Midtrans, error) {
	env := midtrans.Sandbox
	snapHost, coreHost := SandboxSnapURL, SandboxCoreURL
	if c.IsProduction {
		env = midtrans.Production
		snapHost, coreHost = ProductionSnapURL, ProductionCoreURL
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rw := hostRewrite{next: http.DefaultTransport, hosts: make(map[string]*url.URL)}
	for from, to := range map[string]string{snapHost: c.SnapURL, coreHost: c.CoreURL} {
		if to == "" {
			continue
		}
		f, err := url.Parse(from)
		if err != nil {
			return nil, err
		}
		t, err := url.Parse(to)
		if err != nil {
			return nil, fmt.Errorf("midtrans override %q: %w", to, err)
		}
		rw.hosts[f.Host] = t
	}

	m := &Midtrans{}
	m.snap.New(c.ServerKey, env)
	m.core.New(c.ServerKey, env)
	snapHTTP := midtrans.GetHttpClient(env)
	snapHTTP.HttpClient = &http.Client{Timeout: timeout, Transport: rw}
	m.snap.HttpClient = snapHTTP
	coreHTTP := midtrans.GetHttpClient(env)
	coreHTTP.HttpClient = &http.Client{Timeout: timeout, Transport: rw}
	m.core.HttpClient = coreHTTP
	return m, nil
}

func (m *Midtrans) Create(ctx context.Context, c Charge) (Redirect, error) {
	req := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{OrderID: c.OrderID, GrossAmt: int64(c.Amount)},
		Items: &[]midtrans.ItemDetails{
			{ID: itemID, Price: int64(c.Amount), Qty: 1, Name: c.ItemName},
		},
	}
	resp, err := call(ctx, func() (*snap.Response, *midtrans.Error) {
		return m.snap.CreateTransaction(req)
	})
	if err != nil {
		return Redirect{}, fmt.Errorf("create %s: %w", c.OrderID, err)
	}
	if resp == nil || resp.Token == "" || resp.RedirectURL == "" {
		return Redirect{}, fmt.Errorf("create %s: response without token or redirect url", c.OrderID)
	}
	return Redirect{Token: resp.Token, RedirectURL: resp.RedirectURL}, nil
}

func (m *Midtrans) Status(ctx context.Context, orderID string) (string, error) {
	resp, err := call(ctx, func() (*coreapi.TransactionStatusResponse, *midtrans.Error) {
		return m.core.CheckTransaction(orderID)
	})
	if err != nil {
		return "", fmt.Errorf("status %s: %w", orderID, err)
	}
	if resp == nil || resp.TransactionStatus == "" {
		var code, msg string
		if resp != nil {
			code, msg = resp.StatusCode, resp.StatusMessage
		}
		return "", fmt.Errorf("status %s: %s %s", orderID, code, msg)
	}
	return resp.TransactionStatus, nil
}

// call runs a blocking SDK request and gives up when ctx ends. The request
// itself is bounded by the client timeout.
func call[T any](ctx context.Context, fn func() (T, *midtrans.Error)) (T, error) {
	type result struct {
		v   T
		err *midtrans.Error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return r.v, r.err
		}
		return r.v, nil
	}
}

// hostRewrite sends requests for the Midtrans hosts to configured overrides.
type hostRewrite struct {
	next  http.RoundTripper
	hosts map[string]*url.URL
}

func (h hostRewrite) RoundTrip(r *http.Request) (*http.Response, error) {
	if u, ok := h.hosts[r.URL.Host]; ok {
		r = r.Clone(r.Context())
		r.URL.Scheme = u.Scheme
		r.URL.Host = u.Host
		r.Host = u.Host
	}
	return h.next.RoundTrip(r)
}
