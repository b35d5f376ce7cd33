package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"campaignd/internal/campaign"
	"campaignd/internal/lockreg"
	"campaignd/internal/statushub"
	logx "campaignd/pkg/logx"
)

type fakeCampaigns struct {
	mu        sync.Mutex
	submitted []campaign.Request
	submitErr error
	statusErr error
	cancelled []string
}

func (f *fakeCampaigns) Submit(ctx context.Context, req campaign.Request) (campaign.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return campaign.Receipt{}, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return campaign.Receipt{CampaignID: "c1", TotalAccounts: 1, TotalTargets: len(req.TargetIDs)}, nil
}

func (f *fakeCampaigns) Status(owner, id string) (campaign.Snapshot, error) {
	if f.statusErr != nil {
		return campaign.Snapshot{}, f.statusErr
	}
	return campaign.Snapshot{ID: id, Owner: owner, Status: campaign.StatusRunning}, nil
}

func (f *fakeCampaigns) Cancel(owner, id string) error {
	if f.statusErr != nil {
		return f.statusErr
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeCampaigns) CancelAll(owner string) int { return 2 }

func (f *fakeCampaigns) ListActive(owner string) []campaign.Snapshot {
	return []campaign.Snapshot{{ID: "c1", Owner: owner}}
}

func (f *fakeCampaigns) ResetLocks(ctx context.Context, owner string) (int, error) { return 3, nil }

func (f *fakeCampaigns) LockStatus(ctx context.Context, owner string) ([]lockreg.Status, error) {
	return []lockreg.Status{{Key: "acc1", Locked: true}}, nil
}

func newTestServer(t *testing.T, cfg Config, fc *fakeCampaigns, hub *statushub.Hub) *httptest.Server {
	t.Helper()
	api := New(cfg, fc, hub, nil, logx.Nop())
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, owner, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSubmitAndQueries(t *testing.T) {
	t.Parallel()

	fc := &fakeCampaigns{}
	srv := newTestServer(t, Config{}, fc, statushub.New(logx.Nop()))

	resp, out := do(t, http.MethodPost, srv.URL+"/api/campaigns", "alice",
		`{"message":"hi","targets":[1,2],"continuous":true}`)
	if resp.StatusCode != http.StatusAccepted || out["campaign_id"] != "c1" || out["total_targets"] != float64(2) {
		t.Fatalf("submit = %d %v", resp.StatusCode, out)
	}
	fc.mu.Lock()
	got := fc.submitted[0]
	fc.mu.Unlock()
	if got.Owner != "alice" || !got.Continuous || len(got.TargetIDs) != 2 {
		t.Fatalf("request = %+v", got)
	}

	resp, out = do(t, http.MethodGet, srv.URL+"/api/campaigns/c9", "alice", "")
	if resp.StatusCode != http.StatusOK || out["campaign_id"] != "c9" {
		t.Fatalf("status = %d %v", resp.StatusCode, out)
	}

	resp, out = do(t, http.MethodPost, srv.URL+"/api/campaigns/c9/cancel", "alice", "")
	if resp.StatusCode != http.StatusOK || out["cancelled"] != true {
		t.Fatalf("cancel = %d %v", resp.StatusCode, out)
	}

	resp, out = do(t, http.MethodPost, srv.URL+"/api/campaigns/cancel-all", "alice", "")
	if resp.StatusCode != http.StatusOK || out["cancelled"] != float64(2) {
		t.Fatalf("cancel-all = %d %v", resp.StatusCode, out)
	}

	resp, out = do(t, http.MethodPost, srv.URL+"/api/sessions/reset-locks", "alice", "")
	if resp.StatusCode != http.StatusOK || out["reset"] != float64(3) {
		t.Fatalf("reset-locks = %d %v", resp.StatusCode, out)
	}

	resp, out = do(t, http.MethodGet, srv.URL+"/api/sessions/status", "alice", "")
	if resp.StatusCode != http.StatusOK || len(out["sessions"].([]any)) != 1 {
		t.Fatalf("lock status = %d %v", resp.StatusCode, out)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
}

func TestDirectMessages(t *testing.T) {
	t.Parallel()

	fc := &fakeCampaigns{}
	srv := newTestServer(t, Config{}, fc, statushub.New(logx.Nop()))

	resp, out := do(t, http.MethodPost, srv.URL+"/api/messages/direct", "alice",
		`{"message":"hey","recipients":[{"platform_id":42,"title":"@bob"},{"platform_id":43}],"accounts":["acc1"]}`)
	if resp.StatusCode != http.StatusAccepted || out["campaign_id"] != "c1" {
		t.Fatalf("direct = %d %v", resp.StatusCode, out)
	}
	fc.mu.Lock()
	got := fc.submitted[0]
	fc.mu.Unlock()
	if got.Owner != "alice" || got.Continuous || len(got.Recipients) != 2 ||
		got.Recipients[0].PlatformID != 42 || got.Recipients[0].Title != "@bob" || got.AccountKeys[0] != "acc1" {
		t.Fatalf("request = %+v", got)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/messages/direct", "alice", `{"message":"hey","recipients":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty recipients = %d", resp.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		owner  string
		submit error
		status error
		path   string
		method string
		body   string
		want   int
	}{
		{name: "missing owner", path: "/api/campaigns", method: http.MethodGet, want: http.StatusUnauthorized},
		{name: "bad body", owner: "a", path: "/api/campaigns", method: http.MethodPost, body: "{", want: http.StatusBadRequest},
		{name: "unknown field", owner: "a", path: "/api/campaigns", method: http.MethodPost, body: `{"msg":"x"}`, want: http.StatusBadRequest},
		{name: "no targets", owner: "a", submit: campaign.ErrNoTargets, path: "/api/campaigns", method: http.MethodPost, body: `{"message":"x"}`, want: http.StatusBadRequest},
		{name: "quota", owner: "a", submit: &campaign.QuotaError{Action: "broadcast"}, path: "/api/campaigns", method: http.MethodPost, body: `{"message":"x"}`, want: http.StatusTooManyRequests},
		{name: "internal", owner: "a", submit: fmt.Errorf("list accounts: %w", context.DeadlineExceeded), path: "/api/campaigns", method: http.MethodPost, body: `{"message":"x"}`, want: http.StatusInternalServerError},
		{name: "not found", owner: "a", status: campaign.ErrNotFound, path: "/api/campaigns/x", method: http.MethodGet, want: http.StatusNotFound},
		{name: "forbidden", owner: "a", status: campaign.ErrAccessDenied, path: "/api/campaigns/x/cancel", method: http.MethodPost, want: http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fc := &fakeCampaigns{submitErr: tc.submit, statusErr: tc.status}
			srv := newTestServer(t, Config{}, fc, statushub.New(logx.Nop()))
			resp, _ := do(t, tc.method, srv.URL+tc.path, tc.owner, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestTokenGuard(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{Token: "s3cret"}, &fakeCampaigns{}, statushub.New(logx.Nop()))

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/campaigns", "alice", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/campaigns?token=s3cret", "alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with token = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", resp.StatusCode)
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	hub := statushub.New(logx.Nop())
	srv := newTestServer(t, Config{WSPingInterval: time.Second}, &fakeCampaigns{}, hub)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/campaigns?owner_id=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	deadline := time.Now().Add(5 * time.Second)
	for hub.Observers("alice") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish("bob", statushub.Event{Campaign: "other", Type: statushub.MessageSent})
	hub.Publish("alice", statushub.Event{Campaign: "c1", Account: "acc1", Type: statushub.MessageSent})

	var e statushub.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatal(err)
	}
	if e.Campaign != "c1" || e.Type != statushub.MessageSent {
		t.Fatalf("event = %+v", e)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	typ, msg, err := conn.ReadMessage()
	if err != nil || typ != websocket.TextMessage || string(msg) != "pong" {
		t.Fatalf("pong = %d %q %v", typ, msg, err)
	}

	_ = conn.Close()
	for hub.Observers("alice") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream observer not removed after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
