package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"hivewatch/core-go/internal/hive"
)

type fakeBackend struct {
	mapStatus  int
	mapBody    string
	heurStatus int
	heurBody   string
	ownedBody  string
	ownedCode  int
	lastAuth   atomic.Value
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Query().Get("request") {
	case RequestMap:
		writeFake(w, f.mapStatus, f.mapBody)
	case RequestHeuristics:
		writeFake(w, f.heurStatus, f.heurBody)
	case RequestUserModules:
		f.lastAuth.Store(r.Header.Get("Authorization"))
		writeFake(w, f.ownedCode, f.ownedBody)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeFake(w http.ResponseWriter, status int, body string) {
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(zerolog.Nop(), Options{BaseURL: srv.URL + "/api"})
	require.NoError(t, err)
	return c
}

func TestNew_RejectsRelativeURL(t *testing.T) {
	_, err := New(zerolog.Nop(), Options{BaseURL: "/api"})
	require.Error(t, err)
}

func TestFetchPublic_OK(t *testing.T) {
	c := newTestClient(t, &fakeBackend{
		mapBody:  `{"results":[{"id":1,"location":[10,20],"neighbors":[2]},{"id":2,"location":[11,21],"neighbors":[1]}]}`,
		heurBody: `{"results":[{"module_id":"1","self_temp":90,"avg_neighbor_temp":"no_neighbors","deviation":0.1,"within_range":true}]}`,
	})

	data, err := c.FetchPublic(context.Background())
	require.NoError(t, err)
	require.Len(t, data.Nodes, 2)
	require.Equal(t, hive.Identifier("1"), data.Nodes[0].ID)
	require.Equal(t, []hive.Identifier{"2"}, data.Nodes[0].Neighbors)
	require.Len(t, data.Heuristics, 1)
	require.True(t, data.Heuristics[0].AvgNeighborTemp.NoNeighbors)
}

func TestFetchPublic_MissingResultsIsEmpty(t *testing.T) {
	c := newTestClient(t, &fakeBackend{mapBody: `{}`, heurBody: `{"results":null}`})

	data, err := c.FetchPublic(context.Background())
	require.NoError(t, err)
	require.Empty(t, data.Nodes)
	require.Empty(t, data.Heuristics)
}

func TestFetchPublic_EitherFailureFailsBoth(t *testing.T) {
	c := newTestClient(t, &fakeBackend{
		mapBody:    `{"results":[]}`,
		heurStatus: http.StatusInternalServerError,
		heurBody:   `oops`,
	})

	data, err := c.FetchPublic(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNetwork))
	require.Empty(t, data.Nodes, "no partial merge")

	var be *Error
	require.True(t, errors.As(err, &be))
	require.Equal(t, http.StatusInternalServerError, be.Status)
}

func TestFetchPublic_Malformed(t *testing.T) {
	c := newTestClient(t, &fakeBackend{mapBody: `[1,2,3]`, heurBody: `{"results":[]}`})
	_, err := c.FetchPublic(context.Background())
	require.ErrorIs(t, err, ErrMalformed)

	c = newTestClient(t, &fakeBackend{mapBody: `{"results":{"id":1}}`, heurBody: `{"results":[]}`})
	_, err = c.FetchPublic(context.Background())
	require.ErrorIs(t, err, ErrMalformed)

	c = newTestClient(t, &fakeBackend{mapBody: `{"results":[]}`, heurBody: `not json`})
	_, err = c.FetchPublic(context.Background())
	require.ErrorIs(t, err, ErrMalformed)
}

func TestFetchPublic_UnauthenticatedStatusIsNetworkFailure(t *testing.T) {
	c := newTestClient(t, &fakeBackend{mapStatus: http.StatusUnauthorized, heurBody: `{"results":[]}`})
	_, err := c.FetchPublic(context.Background())
	require.ErrorIs(t, err, ErrNetwork)
	require.False(t, errors.Is(err, ErrAuthExpired))
}

func TestFetchOwned_SendsBearerAndDecodesEmbedded(t *testing.T) {
	fb := &fakeBackend{ownedBody: `{"modules":[{"module_id":4,"location":{"lat":1,"long":2},"self_temp":80}]}`}
	c := newTestClient(t, fb)

	data, err := c.FetchOwned(context.Background(), "tok-123")
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-123", fb.lastAuth.Load())
	require.False(t, data.Separate)
	require.Len(t, data.Modules, 1)
	require.Equal(t, hive.Identifier("4"), data.Modules[0].Key())
	require.True(t, data.Modules[0].Location.Known)
}

func TestFetchOwned_SeparateHeuristics(t *testing.T) {
	c := newTestClient(t, &fakeBackend{ownedBody: `{"modules":[{"id":"a"}],"heuristics":[{"module_id":"a","self_temp":1}]}`})

	data, err := c.FetchOwned(context.Background(), "tok")
	require.NoError(t, err)
	require.True(t, data.Separate)
	require.Len(t, data.Heuristics, 1)
}

func TestFetchOwned_UnauthorizedIsAuthExpired(t *testing.T) {
	c := newTestClient(t, &fakeBackend{ownedCode: http.StatusUnauthorized, ownedBody: `{}`})

	_, err := c.FetchOwned(context.Background(), "stale")
	require.ErrorIs(t, err, ErrAuthExpired)
}

func TestFetchOwned_NoCredential(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))

	_, err := c.FetchOwned(context.Background(), "  ")
	require.ErrorIs(t, err, ErrAuthExpired)
	require.Zero(t, calls.Load(), "no request without a credential")
}

func TestFetch_CanceledContext(t *testing.T) {
	c := newTestClient(t, &fakeBackend{mapBody: `{"results":[]}`})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchTopology(ctx)
	require.ErrorIs(t, err, ErrNetwork)
}
