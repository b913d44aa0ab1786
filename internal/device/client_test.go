package device

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"lcm-console/internal/status"
)

func TestClientListDevices(t *testing.T) {
	var gotCookie, gotReqID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/managed-devices" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if c, err := r.Cookie("SESSID"); err == nil {
			gotCookie = c.Value
		}
		gotReqID = r.Header.Get("X-Request-ID")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"name":"a"},{"id":2}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/v1/", WithSessionCookie(func() string { return "hdr.payload" }), WithLogger(testLogger()))
	items, err := c.ListDevices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if gotCookie != "hdr.payload" {
		t.Errorf("SESSID = %q, want hdr.payload", gotCookie)
	}
	if gotReqID == "" {
		t.Error("X-Request-ID not set")
	}
}

func TestClientCreateDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		var in map[string]any
		if err := json.Unmarshal(body, &in); err != nil {
			t.Errorf("request body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":42,"name":"` + in["name"].(string) + `"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithLogger(testLogger()))
	out, err := c.CreateDevice(context.Background(), map[string]any{"name": "router"})
	if err != nil {
		t.Fatal(err)
	}
	d, err := Decode(out)
	if err != nil {
		t.Fatal(err)
	}
	if d.ID != "42" || d.Name != "router" {
		t.Errorf("created = %+v", d)
	}
}

func TestClientErrorDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"forbidden","hint":"ask an admin"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithLogger(testLogger()))
	_, err := c.ListDevices(context.Background())

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", te.StatusCode)
	}
	if got := status.ErrorText(err); got != "ask an admin" {
		t.Errorf("ErrorText = %q, want hint", got)
	}
}

func TestClientErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithLogger(testLogger()))
	_, err := c.CreateDevice(context.Background(), map[string]any{})
	if got := status.ErrorText(err); got != http.StatusText(http.StatusBadGateway) {
		t.Errorf("ErrorText = %q", got)
	}
}

func TestClientInvalidListBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"members":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithLogger(testLogger()))
	_, err := c.ListDevices(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestClientConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, WithLogger(testLogger()))
	_, err := c.ListDevices(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.StatusCode != 0 {
		t.Errorf("status = %d, want 0", te.StatusCode)
	}
}

func TestRegistryWithClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":1,"name":"a"},{"id":1,"name":"b"}]`))
	}))
	defer srv.Close()

	r := newTestRegistry(NewClient(srv.URL, WithLogger(testLogger())))
	items, err := r.FetchAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || r.Len() != 1 {
		t.Errorf("items = %d, len = %d; want 2, 1", len(items), r.Len())
	}
	if d, _ := r.Get("1"); d.Name != "b" {
		t.Errorf("name = %q, want b", d.Name)
	}
}
