package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/infodancer/carrier/internal/store"
)

func newTestHandler(t *testing.T, s store.Store) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	auth, err := NewAuthenticator([]Account{
		{Username: "ops", Password: string(hash)},
		{Username: "dev", Password: "plain-password"},
	})
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return NewHandler(s, auth, nil).Router()
}

func do(t *testing.T, h http.Handler, method, target string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if authed {
		req.SetBasicAuth("ops", "s3cret")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type record struct {
	Address     string            `json:"address"`
	Destination string            `json:"destination"`
	ReplyTokens map[string]string `json:"reply_tokens"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) record {
	t.Helper()
	var r record
	if err := json.NewDecoder(rec.Body).Decode(&r); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return r
}

func TestCreateGetDelete(t *testing.T) {
	s := store.NewMemoryStore()
	h := newTestHandler(t, s)

	rec := do(t, h, http.MethodPost, "/create?address=Shop@Mask.example&destination=me@real.example", true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	created := decode(t, rec)
	if created.Address != "shop@mask.example" || created.Destination != "me@real.example" {
		t.Errorf("created = %+v", created)
	}
	if created.ReplyTokens == nil || len(created.ReplyTokens) != 0 {
		t.Errorf("reply_tokens = %v, want empty object", created.ReplyTokens)
	}

	m, err := s.FindByAddress(context.Background(), "shop@mask.example")
	if err != nil {
		t.Fatalf("FindByAddress: %v", err)
	}
	if err := s.AddToken(context.Background(), m.Address, m.ID, "t1@relay.example", "them@ext.example"); err != nil {
		t.Fatalf("AddToken: %v", err)
	}

	rec = do(t, h, http.MethodGet, "/get?address=shop@mask.example", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if got := decode(t, rec); got.ReplyTokens["t1@relay.example"] != "them@ext.example" {
		t.Errorf("reply_tokens = %v", got.ReplyTokens)
	}

	rec = do(t, h, http.MethodDelete, "/delete?address=shop@mask.example", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if got := decode(t, rec); len(got.ReplyTokens) != 1 {
		t.Errorf("deleted record tokens = %v", got.ReplyTokens)
	}

	if _, err := s.FindByToken(context.Background(), "t1@relay.example"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("token survived delete: %v", err)
	}

	rec = do(t, h, http.MethodGet, "/get?address=shop@mask.example", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestCreateReplacesExisting(t *testing.T) {
	s := store.NewMemoryStore()
	h := newTestHandler(t, s)

	do(t, h, http.MethodPost, "/create?address=shop@mask.example&destination=old@real.example", true)
	m, _ := s.FindByAddress(context.Background(), "shop@mask.example")
	_ = s.AddToken(context.Background(), m.Address, m.ID, "t1@relay.example", "them@ext.example")

	rec := do(t, h, http.MethodPost, "/create?address=shop@mask.example&destination=new@real.example", true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}

	got, err := s.FindByAddress(context.Background(), "shop@mask.example")
	if err != nil {
		t.Fatalf("FindByAddress: %v", err)
	}
	if got.Destination != "new@real.example" || len(got.ReplyTokens) != 0 {
		t.Errorf("record = %+v", got)
	}
	if _, err := s.FindByToken(context.Background(), "t1@relay.example"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("old token survived replace: %v", err)
	}
}

func TestBadRequests(t *testing.T) {
	h := newTestHandler(t, store.NewMemoryStore())

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"create without address", http.MethodPost, "/create?destination=me@real.example", http.StatusBadRequest},
		{"create without destination", http.MethodPost, "/create?address=shop@mask.example", http.StatusBadRequest},
		{"create invalid address", http.MethodPost, "/create?address=shop&destination=me@real.example", http.StatusBadRequest},
		{"create invalid destination", http.MethodPost, "/create?address=shop@mask.example&destination=me@", http.StatusBadRequest},
		{"get without address", http.MethodGet, "/get", http.StatusBadRequest},
		{"get invalid address", http.MethodGet, "/get?address=nobody", http.StatusBadRequest},
		{"get unknown", http.MethodGet, "/get?address=none@mask.example", http.StatusNotFound},
		{"delete without address", http.MethodDelete, "/delete", http.StatusBadRequest},
		{"delete unknown", http.MethodDelete, "/delete?address=none@mask.example", http.StatusNotFound},
		{"wrong method", http.MethodGet, "/create?address=a@b.example&destination=c@d.example", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.target, true)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %q)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestAuthentication(t *testing.T) {
	h := newTestHandler(t, store.NewMemoryStore())

	tests := []struct {
		name     string
		user     string
		password string
		setAuth  bool
		want     int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "ops", "guess", true, http.StatusUnauthorized},
		{"unknown user", "root", "s3cret", true, http.StatusUnauthorized},
		{"hashed account", "ops", "s3cret", true, http.StatusNotFound},
		{"plaintext account", "dev", "plain-password", true, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/get?address=none@mask.example", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.password)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && !strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Basic") {
				t.Errorf("missing basic challenge")
			}
		})
	}
}

func TestNewAuthenticatorRejectsIncompleteAccount(t *testing.T) {
	if _, err := NewAuthenticator([]Account{{Username: "ops"}}); err == nil {
		t.Error("expected error for account without password")
	}
}

// brokenStore fails every operation.
type brokenStore struct {
	store.Store
}

var errBroken = errors.New("connection refused")

func (brokenStore) FindByAddress(context.Context, string) (store.MaskedAddress, error) {
	return store.MaskedAddress{}, errBroken
}

func (brokenStore) Put(context.Context, store.MaskedAddress) error {
	return errBroken
}

func (brokenStore) Ping(context.Context) error {
	return errBroken
}

func TestStoreFailures(t *testing.T) {
	h := newTestHandler(t, brokenStore{})

	rec := do(t, h, http.MethodGet, "/get?address=shop@mask.example", true)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("get status = %d, want 500", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/create?address=shop@mask.example&destination=me@real.example", true)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("create status = %d, want 500", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/healthz", false)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz status = %d, want 503", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, store.NewMemoryStore())

	rec := do(t, h, http.MethodGet, "/healthz", false)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

// panicStore panics inside a handler to exercise the recoverer.
type panicStore struct {
	store.Store
}

func (panicStore) FindByAddress(context.Context, string) (store.MaskedAddress, error) {
	panic("boom")
}

func TestRecoversFromPanic(t *testing.T) {
	h := newTestHandler(t, panicStore{})

	rec := do(t, h, http.MethodGet, "/get?address=shop@mask.example", true)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestServerStartShutdown(t *testing.T) {
	srv := NewServer("127.0.0.1:0", newTestHandler(t, store.NewMemoryStore()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start() error = %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
