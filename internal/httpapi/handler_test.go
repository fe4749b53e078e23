package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"hivewatch/core-go/internal/hive"
	"hivewatch/core-go/internal/metrics"
	"hivewatch/core-go/internal/session"
	"hivewatch/core-go/internal/view"
)

type fakeAuthorizer struct {
	exchangeFn func(ctx context.Context, code string) (string, error)
}

func (f fakeAuthorizer) AuthorizeURL(state string) string {
	return "https://idp.example/authorize?state=" + url.QueryEscape(state)
}

func (f fakeAuthorizer) Exchange(ctx context.Context, code string) (string, error) {
	if f.exchangeFn == nil {
		return "token-" + code, nil
	}
	return f.exchangeFn(ctx, code)
}

type fakeRefresher struct {
	calls atomic.Int32
}

func (f *fakeRefresher) Trigger() { f.calls.Add(1) }

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

type testEnv struct {
	handler   *Handler
	router    http.Handler
	session   *session.Controller
	store     *session.MemoryStore
	view      *view.Store
	refresher *fakeRefresher
}

func newTestEnv(t *testing.T, auth session.Authorizer, deps Deps) *testEnv {
	t.Helper()
	store := session.NewMemoryStore()
	ctrl := session.NewController(zerolog.Nop(), store, auth, nil)
	vs := view.NewStore()
	ref := &fakeRefresher{}

	deps.Session = ctrl
	deps.View = vs
	deps.Refresher = ref
	h := NewHandler(zerolog.Nop(), deps)
	return &testEnv{handler: h, router: h.Router(), session: ctrl, store: store, view: vs, refresher: ref}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode body as json: %v\nbody=%s", err, rr.Body.String())
	}
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rr)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})
	rr := env.do(t, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})
	if rr := env.do(t, http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 without database, got %d", rr.Code)
	}

	env = newTestEnv(t, fakeAuthorizer{}, Deps{Pool: fakePinger{err: errors.New("down")}})
	rr := env.do(t, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := errorCode(t, rr); got != "db_unavailable" {
		t.Fatalf("expected db_unavailable, got %q", got)
	}
}

func TestGetView_returnsCommittedSnapshot(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})
	env.view.Commit(view.Snapshot{
		Seq:  3,
		Mode: "public",
		Records: []hive.ViewRecord{
			{ModuleID: "7", Lat: 1, Long: 2, SelfTemp: 33, WithinRange: true, Status: hive.StatusStable},
		},
	})

	rr := env.do(t, http.MethodGet, "/api/v1/view", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap view.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Seq != 3 || len(snap.Records) != 1 || snap.Records[0].ModuleID != "7" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Summary.Stable != 1 {
		t.Fatalf("expected summary to count one stable module, got %+v", snap.Summary)
	}
}

func TestRefresh_triggersScheduler(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})
	rr := env.do(t, http.MethodPost, "/api/v1/refresh", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	if env.refresher.calls.Load() != 1 {
		t.Fatalf("expected one trigger, got %d", env.refresher.calls.Load())
	}
}

func TestHistory_withoutDatabase(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})
	rr := env.do(t, http.MethodGet, "/api/v1/view/history", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestHistory_rejectsBadLimit(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})
	rr := env.do(t, http.MethodGet, "/api/v1/view/history?limit=abc", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetSession_defaultsToPublic(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})
	rr := env.do(t, http.MethodGet, "/api/v1/session", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["mode"] != "public" || body["authenticated"] != false {
		t.Fatalf("unexpected session: %v", body)
	}
}

func TestSetMode_privateWithoutCredentialRequiresAuthorization(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})
	rr := env.do(t, http.MethodPut, "/api/v1/session/mode", `{"mode":"private"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	if !strings.HasPrefix(details["authorize_url"].(string), "https://idp.example/authorize?state=") {
		t.Fatalf("unexpected authorize_url: %v", details["authorize_url"])
	}
	if env.session.Mode() != session.Public {
		t.Fatalf("mode must not change before authorization")
	}
}

func TestSetMode_privateWithCredential(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})
	if err := env.store.SetCredential(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	rr := env.do(t, http.MethodPut, "/api/v1/session/mode", `{"mode":"private"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["mode"] != "private" || body["transitioned"] != true {
		t.Fatalf("unexpected response: %v", body)
	}
}

func TestSetMode_validation(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})

	rr := env.do(t, http.MethodPut, "/api/v1/session/mode", `{"mode":"admin"}`)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "validation_error" {
		t.Fatalf("expected validation_error, got %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPut, "/api/v1/session/mode", `{"mode":"public","extra":1}`)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "invalid_json" {
		t.Fatalf("expected invalid_json, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestSetMode_privateWithoutProvider(t *testing.T) {
	env := newTestEnv(t, nil, Deps{})
	rr := env.do(t, http.MethodPut, "/api/v1/session/mode", `{"mode":"private"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestLoginCallbackFlow(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})

	rr := env.do(t, http.MethodGet, "/auth/login", "")
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatalf("expected state in redirect %q", loc)
	}

	rr = env.do(t, http.MethodGet, "/auth/callback?code=abc&state="+url.QueryEscape(state), "")
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect to /, got %d %q", rr.Code, rr.Header().Get("Location"))
	}

	obs, err := env.session.Observe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if obs.Mode != session.Private || obs.Credential != "token-abc" {
		t.Fatalf("expected private session with credential, got %+v", obs)
	}
}

func TestCallback_failedExchangeStaysPublic(t *testing.T) {
	auth := fakeAuthorizer{exchangeFn: func(context.Context, string) (string, error) {
		return "", errors.New("denied")
	}}
	env := newTestEnv(t, auth, Deps{})

	rr := env.do(t, http.MethodGet, "/auth/login", "")
	loc, _ := url.Parse(rr.Header().Get("Location"))

	rr = env.do(t, http.MethodGet, "/auth/callback?code=abc&state="+url.QueryEscape(loc.Query().Get("state")), "")
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/session", "")
	body := decodeBody(t, rr)
	if body["mode"] != "public" || body["status"] != session.StatusExchangeFailed {
		t.Fatalf("unexpected session after failed exchange: %v", body)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})
	ctx := context.Background()
	if err := env.store.SetCredential(ctx, "tok"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.session.Select(ctx, session.Private); err != nil {
		t.Fatal(err)
	}

	rr := env.do(t, http.MethodPost, "/auth/logout", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	obs, _ := env.session.Observe(ctx)
	if obs.Mode != session.Public || obs.HasCredential {
		t.Fatalf("expected public without credential, got %+v", obs)
	}
}

func TestMetricsEndpoint_recordsRoutePattern(t *testing.T) {
	m := metrics.New()
	env := newTestEnv(t, fakeAuthorizer{}, Deps{Metrics: m})

	env.do(t, http.MethodGet, "/api/v1/view", "")
	rr := env.do(t, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `path="/api/v1/view"`) {
		t.Fatalf("expected view route in metrics; body=%s", rr.Body.String())
	}
}

func TestViewStream_unconfigured(t *testing.T) {
	env := newTestEnv(t, fakeAuthorizer{}, Deps{})
	rr := env.do(t, http.MethodGet, "/api/v1/view/stream", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"off":      zerolog.Disabled,
		"disabled": zerolog.Disabled,
		"warning":  zerolog.WarnLevel,
		"trace":    zerolog.TraceLevel,
		"":         zerolog.InfoLevel,
		"unknown":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_tagsService(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	log := newLoggerTo(&buf, "debug")
	log.Debug().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["service"] != "hive-dashboard" || line["message"] != "hello" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Fatalf("missing timestamp: %v", line)
	}
}
