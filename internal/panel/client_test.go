package panel

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"xui-vpn-bot/internal/link"
)

const (
	// RFC 7748 section 6.1 test vector
	testPrivHex = "77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a"
	testPubHex  = "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a"
)

func b64(t *testing.T, hexKey string) string {
	t.Helper()
	raw, err := hex.DecodeString(hexKey)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// fakePanel mimics the parts of the 3x-ui API the client uses.
type fakePanel struct {
	mu       sync.Mutex
	inbounds []Inbound
	clients  map[int][]Client
	sessions map[string]bool
	logins   int
	fail5xx  int
	password string
}

func newFakePanel(t *testing.T) (*fakePanel, *httptest.Server) {
	t.Helper()
	stream, err := json.Marshal(map[string]interface{}{
		"network":  "tcp",
		"security": "reality",
		"realitySettings": map[string]interface{}{
			"serverNames": []string{"www.example.com"},
			"shortIds":    []string{"0123abcd"},
			"privateKey":  b64(t, testPrivHex),
			"settings":    map[string]interface{}{"fingerprint": "firefox", "spiderX": "/"},
		},
	})
	require.NoError(t, err)

	f := &fakePanel{
		inbounds: []Inbound{
			{ID: 1, Remark: "trojan-main", Port: 8443, Protocol: "trojan", StreamSettings: "{}"},
			{ID: 3, Remark: "reality", Port: 443, Protocol: "vless", StreamSettings: string(stream)},
			{ID: 4, Remark: "backup", Port: 2053, Protocol: "vless", StreamSettings: `{"network":"ws","security":"none"}`},
		},
		clients:  map[int][]Client{},
		sessions: map[string]bool{},
		password: "secret",
	}

	r := chi.NewRouter()
	r.Post("/login", f.login)
	r.Route("/panel/api/inbounds", func(r chi.Router) {
		r.Use(f.auth)
		r.Get("/list", f.list)
		r.Get("/get/{id}", f.get)
		r.Post("/addClient", f.addClient)
		r.Post("/{id}/delClient/{uuid}", f.delClient)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func reply(w http.ResponseWriter, success bool, msg string, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": success, "msg": msg, "obj": obj})
}

func (f *fakePanel) login(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.FormValue("username") != "admin" || r.FormValue("password") != f.password {
		reply(w, false, "Invalid username or password", nil)
		return
	}
	f.logins++
	token := strconv.Itoa(f.logins)
	f.sessions[token] = true
	http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: token, Path: "/"})
	reply(w, true, "Login Successfully", nil)
}

func (f *fakePanel) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		cookie, err := r.Cookie("3x-ui")
		ok := err == nil && f.sessions[cookie.Value]
		fail := f.fail5xx > 0
		if ok && fail {
			f.fail5xx--
		}
		f.mu.Unlock()
		switch {
		case !ok:
			w.WriteHeader(http.StatusUnauthorized)
		case fail:
			w.WriteHeader(http.StatusBadGateway)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (f *fakePanel) expireSessions() {
	f.mu.Lock()
	f.sessions = map[string]bool{}
	f.mu.Unlock()
}

func (f *fakePanel) snapshot(in Inbound) Inbound {
	settings, _ := json.Marshal(InboundSettings{Clients: f.clients[in.ID]})
	in.Settings = string(settings)
	return in
}

func (f *fakePanel) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Inbound, 0, len(f.inbounds))
	for _, in := range f.inbounds {
		out = append(out, f.snapshot(in))
	}
	reply(w, true, "", out)
}

func (f *fakePanel) find(id string) (Inbound, bool) {
	n, _ := strconv.Atoi(id)
	for _, in := range f.inbounds {
		if in.ID == n {
			return in, true
		}
	}
	return Inbound{}, false
}

func (f *fakePanel) get(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.find(chi.URLParam(r, "id"))
	if !ok {
		reply(w, false, "record not found", nil)
		return
	}
	reply(w, true, "", f.snapshot(in))
}

func (f *fakePanel) addClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       int    `json:"id"`
		Settings string `json:"settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var s InboundSettings
	if err := json.Unmarshal([]byte(req.Settings), &s); err != nil {
		reply(w, false, "bad settings", nil)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.find(strconv.Itoa(req.ID)); !ok {
		reply(w, false, "record not found", nil)
		return
	}
	for _, nc := range s.Clients {
		for _, c := range f.clients[req.ID] {
			if c.Email == nc.Email || c.ID == nc.ID {
				reply(w, false, "Duplicate email: "+nc.Email, nil)
				return
			}
		}
	}
	f.clients[req.ID] = append(f.clients[req.ID], s.Clients...)
	reply(w, true, "Inbound client(s) have been added.", nil)
}

func (f *fakePanel) delClient(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	uuid := chi.URLParam(r, "uuid")
	for i, c := range f.clients[id] {
		if c.ID == uuid {
			f.clients[id] = append(f.clients[id][:i], f.clients[id][i+1:]...)
			reply(w, true, "Inbound client has been deleted.", nil)
			return
		}
	}
	reply(w, false, "Client Not Found In Inbound For ID: "+uuid, nil)
}

func newTestClient(t *testing.T, srv *httptest.Server) *API {
	t.Helper()
	c, err := New(Config{
		BaseURL:   srv.URL,
		Username:  "admin",
		Password:  "secret",
		Timeout:   2 * time.Second,
		Retries:   3,
		RetryWait: time.Millisecond,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return c
}

func TestResolveInbound(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakePanel(t)
	c := newTestClient(t, srv)

	in, err := c.ResolveInbound(ctx, Selector{ID: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, in.ID)

	_, err = c.ResolveInbound(ctx, Selector{ID: 99, Remark: "reality"})
	assert.ErrorIs(t, err, ErrNoInboundFound, "a configured id never falls back")

	in, err = c.ResolveInbound(ctx, Selector{Remark: "reality"})
	require.NoError(t, err)
	assert.Equal(t, 3, in.ID)

	in, err = c.ResolveInbound(ctx, Selector{Remark: "nope"})
	require.NoError(t, err)
	assert.Equal(t, 3, in.ID, "first vless inbound")

	_, err = c.ResolveInbound(ctx, Selector{Protocol: "shadowsocks"})
	assert.ErrorIs(t, err, ErrNoInboundFound)
}

func TestAddClientIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakePanel(t)
	c := newTestClient(t, srv)

	cl := Client{ID: "0b5f7c1e-1111-4222-8333-444455556666", Email: "tg42-0b5f7c1e", Flow: link.FlowVision, Enable: true}
	require.NoError(t, c.AddClient(ctx, 3, cl))
	require.NoError(t, c.AddClient(ctx, 3, cl))

	f.mu.Lock()
	assert.Len(t, f.clients[3], 1)
	assert.Equal(t, link.FlowVision, f.clients[3][0].Flow)
	assert.Zero(t, f.clients[3][0].ExpiryTime)
	f.mu.Unlock()

	other := cl
	other.ID = "99999999-1111-4222-8333-444455556666"
	err := c.AddClient(ctx, 3, other)
	assert.ErrorIs(t, err, ErrClientExists)
}

func TestRemoveClient(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakePanel(t)
	c := newTestClient(t, srv)

	cl := Client{ID: "0b5f7c1e-1111-4222-8333-444455556666", Email: "tg42-0b5f7c1e", Enable: true}
	require.NoError(t, c.AddClient(ctx, 3, cl))
	require.NoError(t, c.RemoveClient(ctx, 3, cl.ID))
	require.NoError(t, c.RemoveClient(ctx, 3, cl.ID), "absent client counts as removed")

	f.mu.Lock()
	assert.Empty(t, f.clients[3])
	f.mu.Unlock()
}

func TestReadStreamSettings(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakePanel(t)
	c := newTestClient(t, srv)

	ss, port, err := c.ReadStreamSettings(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 443, port)
	assert.Equal(t, b64(t, testPubHex), ss.PublicKey, "derived from the private key")
	assert.Equal(t, []string{"0123abcd"}, ss.ShortIDs)
	assert.Equal(t, []string{"www.example.com"}, ss.ServerNames)
	assert.Equal(t, "firefox", ss.Fingerprint)

	_, _, err = c.ReadStreamSettings(ctx, 4)
	assert.ErrorIs(t, err, link.ErrInvalidStreamSettings)

	_, _, err = c.ReadStreamSettings(ctx, 77)
	assert.ErrorIs(t, err, ErrNoInboundFound)
}

func TestStreamPrefersPublishedKey(t *testing.T) {
	in := Inbound{ID: 9, StreamSettings: `{"network":"tcp","security":"reality","realitySettings":{
		"serverNames":["a.example"],"shortIds":["ff"],"privateKey":"garbage",
		"settings":{"publicKey":"PUB"}}}`}
	ss, err := in.Stream()
	require.NoError(t, err)
	assert.Equal(t, "PUB", ss.PublicKey)
	assert.Empty(t, ss.Fingerprint)
}

func TestSessionRenewedAfterExpiry(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakePanel(t)
	c := newTestClient(t, srv)

	require.NoError(t, c.Ping(ctx))
	f.expireSessions()
	require.NoError(t, c.Ping(ctx))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 2, f.logins)
}

func TestConcurrentCallersShareOneLogin(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakePanel(t)
	c := newTestClient(t, srv)

	require.NoError(t, c.EnsureSession(ctx))
	f.expireSessions()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ListInbounds(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 2, f.logins)
}

func TestRetriesServerErrors(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakePanel(t)
	c := newTestClient(t, srv)

	f.mu.Lock()
	f.fail5xx = 2
	f.mu.Unlock()
	require.NoError(t, c.Ping(ctx))

	f.mu.Lock()
	f.fail5xx = 100
	f.mu.Unlock()
	err := c.Ping(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLoginRejected(t *testing.T) {
	f, srv := newFakePanel(t)
	f.password = "rotated"
	c := newTestClient(t, srv)

	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Zero(t, f.logins)
}

func TestMissingSuccessField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			reply(w, true, "", nil)
			return
		}
		fmt.Fprint(w, `{"msg":"","obj":[]}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.ListInbounds(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPublicKeyRejectsBadInput(t *testing.T) {
	_, err := PublicKey("not base64 !!")
	assert.Error(t, err)
	_, err = PublicKey(base64.RawURLEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}
