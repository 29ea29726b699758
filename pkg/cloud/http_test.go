package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fleetsim/fleetsim/pkg/errdefs"
)

func TestLoginStoresToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/login":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["device_id"] != "dev-1" || body["secret"] != "s3cret" {
				t.Errorf("login body = %v", body)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
		case "/api/v1/devices/self/claim":
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(map[string]string{"owner": "alice"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	token, err := c.Login(context.Background(), "dev-1", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if token != "tok-123" {
		t.Errorf("token = %q", token)
	}

	owner, err := c.ResolveClaim(context.Background())
	if err != nil {
		t.Fatalf("ResolveClaim() error = %v", err)
	}
	if owner != "alice" {
		t.Errorf("owner = %q", owner)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, token from login not used", gotAuth)
	}
}

func TestGetStepMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.GetStep(context.Background(), 7)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStep() error = %v, want ErrNotFound", err)
	}
}

func TestAuthFailureIsResourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.GetStep(context.Background(), 1)
	if !errdefs.IsResource(err) {
		t.Errorf("401 mapped to %v, want resource error", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	err := c.PostProgress(context.Background(), 1, StepProgress{Status: "QUEUED"})
	if !errdefs.IsTransient(err) {
		t.Errorf("500 mapped to %v, want transient error", err)
	}
}

func TestUnreachableServerIsTransient(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1")
	_, err := c.GetStep(context.Background(), 1)
	if !errdefs.IsTransient(err) {
		t.Errorf("connection failure mapped to %v, want transient error", err)
	}
}

func TestMalformedResponseIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not json")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.GetStep(context.Background(), 1)
	if !errdefs.IsProtocol(err) {
		t.Errorf("garbage body mapped to %v, want protocol error", err)
	}
}

func TestFetchObjectRequiresSignedURL(t *testing.T) {
	c := NewHTTPClient("http://unused")
	_, err := c.FetchObject(context.Background(), ContentObject{ID: "abc"})
	if !errdefs.IsIntegrity(err) {
		t.Errorf("missing signed URL mapped to %v, want integrity error", err)
	}
}

func TestFetchObjectUsesSignedURLDirectly(t *testing.T) {
	var sawAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			sawAuth = true
		}
		_, _ = w.Write([]byte("object bytes"))
	}))
	defer srv.Close()

	c := NewHTTPClient("http://unused")
	c.SetToken("tok")
	body, err := c.FetchObject(context.Background(), ContentObject{ID: "abc", SignedURL: srv.URL + "/signed"})
	if err != nil {
		t.Fatalf("FetchObject() error = %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "object bytes" {
		t.Errorf("body = %q", data)
	}
	if sawAuth {
		t.Error("bearer token leaked to the signed URL host")
	}
}

func TestShipLogsPostsEntries(t *testing.T) {
	var got []LogRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/logs" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	entries := []LogRecord{{Level: "info", Source: "update", Message: "hello"}}
	if err := c.ShipLogs(context.Background(), entries); err != nil {
		t.Fatalf("ShipLogs() error = %v", err)
	}
	if len(got) != 1 || got[0].Message != "hello" {
		t.Errorf("server received %+v", got)
	}
}
