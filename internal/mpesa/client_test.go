package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SirClappington/wifipay/internal/domain"
)

var testCreds = domain.GatewayCredentials{
	ConsumerKey:    "key",
	ConsumerSecret: "secret",
	Shortcode:      "174379",
	Passkey:        "passkey",
}

type fakeDaraja struct {
	tokenCalls atomic.Int32
	lastBody   map[string]any
	query      func(w http.ResponseWriter)
}

func (f *fakeDaraja) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.tokenCalls.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	})
	check := func(r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		f.lastBody = nil
		if err := json.NewDecoder(r.Body).Decode(&f.lastBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}
	mux.HandleFunc("POST /mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		check(r)
		f.query(w)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeDaraja) *Client {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL+"/", testCreds, time.Second)
	c.now = func() time.Time { return time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC) }
	return c
}

func TestQueryTransactionStatus(t *testing.T) {
	f := &fakeDaraja{query: func(w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"ResponseCode":"0","CheckoutRequestID":"ws_CO_1","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`))
	}}
	c := newTestClient(t, f)

	res, err := c.QueryTransactionStatus(context.Background(), "ws_CO_1")
	if err != nil {
		t.Fatalf("QueryTransactionStatus: %v", err)
	}
	if res.ResultCode != ResultCancelled || res.ResultDesc != "Request cancelled by user" {
		t.Fatalf("result = %+v", res)
	}

	// 09:30 UTC is 12:30 in Nairobi.
	wantTS := "20260304123000"
	if f.lastBody["Timestamp"] != wantTS {
		t.Fatalf("Timestamp = %v", f.lastBody["Timestamp"])
	}
	wantPw := base64.StdEncoding.EncodeToString([]byte("174379passkey" + wantTS))
	if f.lastBody["Password"] != wantPw || f.lastBody["CheckoutRequestID"] != "ws_CO_1" {
		t.Fatalf("body = %v", f.lastBody)
	}
}

func TestAccessToken_Cached(t *testing.T) {
	f := &fakeDaraja{query: func(w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"ResultCode":"0","ResultDesc":"ok"}`))
	}}
	c := newTestClient(t, f)
	for range 3 {
		if _, err := c.QueryTransactionStatus(context.Background(), "ws_CO_1"); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.tokenCalls.Load(); n != 1 {
		t.Fatalf("token fetched %d times, want 1", n)
	}
}

func TestQueryTransactionStatus_APIError(t *testing.T) {
	f := &fakeDaraja{query: func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`))
	}}
	c := newTestClient(t, f)

	_, err := c.QueryTransactionStatus(context.Background(), "ws_CO_1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != 500 || apiErr.Code != "500.001.1001" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestPool_ReusesClientPerCredentials(t *testing.T) {
	p := NewPool("https://example.invalid", time.Second)
	a := p.For(testCreds)
	if p.For(testCreds) != a {
		t.Fatal("same credentials produced a new client")
	}
	other := testCreds
	other.Shortcode = "600000"
	if p.For(other) == a {
		t.Fatal("different credentials shared a client")
	}
}
