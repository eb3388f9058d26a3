package credit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLookupSumsCredits(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotCookie = r.Header.Get("Cookie")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ret":"0","data":{"credit":{"gift_credit":10,"purchase_credit":2.5,"vip_credit":7}}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoints: map[string]string{"US": srv.URL}}, srv.Client())
	total, err := c.Lookup(context.Background(), "us", "abc")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if total != 19.5 {
		t.Fatalf("expected 19.5, got %v", total)
	}
	if gotCookie != "sessionid=abc; sessionid_ss=abc; sid_tt=abc" {
		t.Fatalf("unexpected cookie %q", gotCookie)
	}
}

func TestLookupFallsBackToDefaultEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ret":0,"data":{"credit":{"gift_credit":1}}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{DefaultEndpoint: srv.URL}, srv.Client())
	total, err := c.Lookup(context.Background(), "jp", "abc")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1, got %v", total)
	}
}

func TestLookupErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ret":"1014","errmsg":"login required"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoints: map[string]string{"us": srv.URL + "/fail", "hk": srv.URL + "/ret"}}, srv.Client())
	if _, err := c.Lookup(context.Background(), "us", "abc"); err == nil {
		t.Fatalf("expected status error")
	}
	if _, err := c.Lookup(context.Background(), "hk", "abc"); err == nil {
		t.Fatalf("expected upstream ret error")
	}
	if _, err := c.Lookup(context.Background(), "sg", "abc"); !errors.Is(err, ErrUnsupportedRegion) {
		t.Fatalf("expected ErrUnsupportedRegion, got %v", err)
	}
	if _, err := c.Lookup(context.Background(), "us", " "); err == nil {
		t.Fatalf("expected empty session error")
	}
}
