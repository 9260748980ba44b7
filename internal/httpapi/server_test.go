package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bader1919/smart-home-analytics-ai/internal/cache"
	"github.com/bader1919/smart-home-analytics-ai/internal/deadletter"
	"github.com/bader1919/smart-home-analytics-ai/internal/event"
	"github.com/bader1919/smart-home-analytics-ai/internal/graph"
	"github.com/bader1919/smart-home-analytics-ai/internal/inference"
	"github.com/bader1919/smart-home-analytics-ai/internal/query"
	"github.com/bader1919/smart-home-analytics-ai/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type staticNarrator []string

func (n staticNarrator) AnalyzePatterns(context.Context, string) ([]string, error) { return n, nil }

func newTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	return repo
}

func newFacade(t *testing.T, narrator query.Narrator) (*query.Facade, *store.Repo) {
	t.Helper()
	repo := newTestRepo(t)
	w := graph.NewWriter(repo, graph.WriterOptions{})
	put := func(id, value string, ts time.Time) {
		attrs := map[string]any{"room": "Hall"}
		_, err := w.UpsertState(context.Background(), event.Record{
			EntityID: id, Type: strings.SplitN(id, ".", 2)[0], Value: value, Timestamp: ts,
			Attributes: attrs, EventID: event.DeriveEventID(id, ts, value),
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	start := now.Add(-10 * time.Hour)
	for i := 0; i < 6; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		put("binary_sensor.motion_1", "on", ts)
		put("light.light_1", "on", ts.Add(30*time.Second))
		put("binary_sensor.motion_1", "off", ts.Add(time.Minute))
		put("light.light_1", "off", ts.Add(10*time.Minute))
	}
	eng := inference.NewEngine(repo, inference.DefaultParams())
	opts := query.Options{Now: func() time.Time { return now }}
	if narrator != nil {
		opts.Narrator = narrator
	}
	return query.New(repo, eng, cache.NewMemory(), opts), repo
}

func getJSON(t *testing.T, client *http.Client, rawURL string, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", rawURL, err)
	}
	return res.StatusCode, out
}

func TestAnalyticsEndpoints(t *testing.T) {
	f, _ := newFacade(t, nil)
	ts := httptest.NewServer(NewServer(Options{Facade: f}).Handler())
	defer ts.Close()

	code, body := getJSON(t, ts.Client(), ts.URL+"/api/analytics/automations", nil)
	if code != http.StatusOK {
		t.Fatalf("automations status=%d body=%v", code, body)
	}
	items, _ := body["items"].([]any)
	if len(items) == 0 {
		t.Fatalf("expected a motion to light suggestion, got %v", body)
	}
	if body["timeframe"] != "last 24 hours" {
		t.Fatalf("unexpected timeframe %v", body["timeframe"])
	}

	code, body = getJSON(t, ts.Client(), ts.URL+"/api/analytics/devices/light.light_1/relationships?timeframe="+url.QueryEscape("Last 7 Days"), nil)
	if code != http.StatusOK {
		t.Fatalf("relationships status=%d body=%v", code, body)
	}
	if items, _ := body["items"].([]any); len(items) == 0 {
		t.Fatalf("expected relationships, got %v", body)
	}

	for _, path := range []string{"/api/analytics/energy", "/api/analytics/anomalies", "/api/analytics/rooms/hall"} {
		if code, body := getJSON(t, ts.Client(), ts.URL+path, nil); code != http.StatusOK {
			t.Fatalf("%s status=%d body=%v", path, code, body)
		}
	}
}

func TestUnknownDeviceIsEmptyOK(t *testing.T) {
	f, _ := newFacade(t, nil)
	ts := httptest.NewServer(NewServer(Options{Facade: f}).Handler())
	defer ts.Close()

	for _, path := range []string{"/api/analytics/devices/nope/relationships", "/api/analytics/rooms/attic", "/api/analytics/entities/light.nope/states"} {
		code, body := getJSON(t, ts.Client(), ts.URL+path, nil)
		if code != http.StatusOK {
			t.Fatalf("%s status=%d body=%v", path, code, body)
		}
		key := "items"
		if strings.HasSuffix(path, "/states") {
			key = "states"
		}
		list, ok := body[key].([]any)
		if !ok || len(list) != 0 {
			t.Fatalf("%s expected empty %s, got %v", path, key, body)
		}
	}
}

func TestInvalidInputIsBadRequest(t *testing.T) {
	f, _ := newFacade(t, nil)
	ts := httptest.NewServer(NewServer(Options{Facade: f}).Handler())
	defer ts.Close()

	for _, path := range []string{
		"/api/analytics/energy?timeframe=last+week",
		"/api/analytics/anomalies?limit=abc",
		"/api/analytics/entities/light.light_1/states?cursor=not-a-cursor",
		"/api/analytics/entities/light.light_1/states?from=yesterday",
	} {
		code, body := getJSON(t, ts.Client(), ts.URL+path, nil)
		if code != http.StatusBadRequest {
			t.Fatalf("%s status=%d body=%v", path, code, body)
		}
		if body["code"] != float64(http.StatusBadRequest) || body["error"] == "" {
			t.Fatalf("%s unexpected error body %v", path, body)
		}
	}
}

func TestStatesPaging(t *testing.T) {
	f, _ := newFacade(t, nil)
	ts := httptest.NewServer(NewServer(Options{Facade: f}).Handler())
	defer ts.Close()

	seen := 0
	next := ""
	for page := 0; page < 10; page++ {
		u := ts.URL + "/api/analytics/entities/light.light_1/states?limit=5"
		if next != "" {
			u += "&cursor=" + url.QueryEscape(next)
		}
		code, body := getJSON(t, ts.Client(), u, nil)
		if code != http.StatusOK {
			t.Fatalf("status=%d body=%v", code, body)
		}
		states, _ := body["states"].([]any)
		seen += len(states)
		next, _ = body["next_cursor"].(string)
		if next == "" {
			break
		}
	}
	if seen != 12 {
		t.Fatalf("expected 12 states across pages, got %d", seen)
	}
}

func TestInsights(t *testing.T) {
	f, _ := newFacade(t, nil)
	ts := httptest.NewServer(NewServer(Options{Facade: f}).Handler())
	code, body := getJSON(t, ts.Client(), ts.URL+"/api/analytics/insights", nil)
	ts.Close()
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without narrator, got %d %v", code, body)
	}

	f, _ = newFacade(t, staticNarrator{"Hall light follows motion"})
	ts = httptest.NewServer(NewServer(Options{Facade: f, InsightsRPS: 0.001, InsightsBurst: 1}).Handler())
	defer ts.Close()
	code, body = getJSON(t, ts.Client(), ts.URL+"/api/analytics/insights", nil)
	if code != http.StatusOK {
		t.Fatalf("insights status=%d body=%v", code, body)
	}
	if items, _ := body["items"].([]any); len(items) != 1 {
		t.Fatalf("unexpected insights %v", body)
	}
	code, _ = getJSON(t, ts.Client(), ts.URL+"/api/analytics/insights", nil)
	if code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
}

func TestEntitySearchNeedsQueryAndEmbedder(t *testing.T) {
	f, _ := newFacade(t, nil)
	ts := httptest.NewServer(NewServer(Options{Facade: f}).Handler())
	defer ts.Close()

	if code, _ := getJSON(t, ts.Client(), ts.URL+"/api/analytics/entities/search", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without q, got %d", code)
	}
	code, body := getJSON(t, ts.Client(), ts.URL+"/api/analytics/entities/search?q=hall+light", nil)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without embedder, got %d %v", code, body)
	}
}

func TestJWTProtectsAnalytics(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f, _ := newFacade(t, nil)
	ts := httptest.NewServer(NewServer(Options{Facade: f, PublicKey: &key.PublicKey}).Handler())
	defer ts.Close()

	if code, _ := getJSON(t, ts.Client(), ts.URL+"/api/analytics/health", nil); code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", code)
	}
	if code, _ := getJSON(t, ts.Client(), ts.URL+"/api/analytics/energy", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{Role: "resident", RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	h := http.Header{"Authorization": []string{"Bearer " + signed}}
	if code, body := getJSON(t, ts.Client(), ts.URL+"/api/analytics/energy", h); code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d %v", code, body)
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	q, err := deadletter.Open(deadletter.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer q.Close()
	ctx := context.Background()
	for _, id := range []string{"light.a", "light.b"} {
		if err := q.Put(ctx, deadletter.Entry{Source: "kafka", Topic: "sensor_data", EntityID: id, Payload: []byte("{}"), Reason: "persistence failed"}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	var replayed []string
	replay := func(_ context.Context, e deadletter.Entry) error {
		replayed = append(replayed, e.EntityID)
		return nil
	}
	f, _ := newFacade(t, nil)
	ts := httptest.NewServer(NewServer(Options{Facade: f, DeadLetters: q, Replay: replay}).Handler())
	defer ts.Close()

	code, body := getJSON(t, ts.Client(), ts.URL+"/api/analytics/deadletter", nil)
	if code != http.StatusOK || body["count"] != float64(2) {
		t.Fatalf("list status=%d body=%v", code, body)
	}

	res, err := ts.Client().Post(ts.URL+"/api/analytics/deadletter/replay", "application/json", nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK || len(replayed) != 2 {
		t.Fatalf("replay status=%d replayed=%v", res.StatusCode, replayed)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected empty queue after replay, got %d", n)
	}
}

func TestHealthAndRollup(t *testing.T) {
	f, repo := newFacade(t, nil)
	ts := httptest.NewServer(NewServer(Options{
		Facade: f,
		Checks: map[string]func(context.Context) error{"graph": repo.Ping},
	}).Handler())
	defer ts.Close()

	code, body := getJSON(t, ts.Client(), ts.URL+"/api/analytics/health", nil)
	if code != http.StatusOK || body["ok"] != true {
		t.Fatalf("health status=%d body=%v", code, body)
	}
	if code, _ := getJSON(t, ts.Client(), ts.URL+"/api/analytics/entities/light.light_1/rollup", nil); code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without mirror, got %d", code)
	}
}
