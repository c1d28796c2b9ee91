package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hurttlocker/adage/internal/activity"
)

func TestFetchActivitySendsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/activity/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("mlmodel") != "3" || q.Get("sample") != "17" || q.Get("order_by") != "signature" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"meta":{"total_count":2},"objects":[
			{"sample":17,"signature":5,"value":0.25},
			{"sample":17,"signature":6,"value":-1.5}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/api/v1/", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	records, err := c.FetchActivity(context.Background(), 3, 17)
	if err != nil {
		t.Fatalf("FetchActivity: %v", err)
	}
	if len(records) != 2 || records[1].Signature != 6 || records[1].Value != -1.5 {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestFetchActivityEmptyObjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"objects":[]}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, nil, nil)
	records, err := c.FetchActivity(context.Background(), 1, 1)
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty result, got %v %v", records, err)
	}
}

func TestNon2xxIsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, nil, nil)
	_, err := c.FetchActivity(context.Background(), 1, 1)
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected HTTPError 502, got %v", err)
	}
}

func TestClientErrorsBecomeTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, nil, nil)
	f := activity.NewFetcher(activity.FetcherConfig{Source: c, Timeout: time.Second})
	_, err := f.Resolve(context.Background(), 1, 2)
	var te *activity.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if te.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", te.StatusCode)
	}
}

func TestFetchSamplesJoinsIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("id__in"); got != "4,2" {
			t.Errorf("id__in = %q", got)
		}
		_, _ = w.Write([]byte(`{"objects":[{"id":2,"name":"B","ml_data_source":"GSM2"},{"id":4,"name":"D"}]}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, nil, nil)
	samples, err := c.FetchSamples(context.Background(), []int64{4, 2})
	if err != nil {
		t.Fatalf("FetchSamples: %v", err)
	}
	if len(samples) != 2 || samples[0].MLDataSource != "GSM2" {
		t.Fatalf("unexpected samples %+v", samples)
	}
}

func TestFetchSamplesNoIDsSkipsRequest(t *testing.T) {
	c, _ := NewClient("http://127.0.0.1:1", nil, nil)
	samples, err := c.FetchSamples(context.Background(), nil)
	if err != nil || samples != nil {
		t.Fatalf("expected nil result, got %v %v", samples, err)
	}
}

func TestInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"objects":`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, nil, nil)
	if _, err := c.FetchActivity(context.Background(), 1, 1); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient("  ", nil, nil); err == nil {
		t.Fatal("expected error")
	}
}
