package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgrestgw/pkg/instance"
	"pgrestgw/pkg/metrics"
	"pgrestgw/pkg/models"
	"pgrestgw/pkg/platform/upstream"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
)

type seenRequest struct {
	method string
	uri    string
	body   string
	accept string
}

type fakeEvents struct {
	events []models.InstanceEvent
	err    error
	limit  int
}

func (f *fakeEvents) Events(_ context.Context, name string, limit int) ([]models.InstanceEvent, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	out := []models.InstanceEvent{}
	for _, e := range f.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out, nil
}

// GatewayTestSuite tests the gateway routes against a mock PostgREST
type GatewayTestSuite struct {
	suite.Suite
	backend *httptest.Server

	slow       atomic.Bool
	statusCode atomic.Int32

	mu   sync.Mutex
	seen []seenRequest

	service *instance.Service
	server  *Server
	routed  *Server
}

// SetupSuite runs once before all tests
func (s *GatewayTestSuite) SetupSuite() {
	s.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		forwarded := r.Header.Get("Accept") == "application/json"
		if forwarded {
			s.mu.Lock()
			s.seen = append(s.seen, seenRequest{
				method: r.Method,
				uri:    r.URL.RequestURI(),
				body:   string(body),
				accept: r.Header.Get("Accept"),
			})
			s.mu.Unlock()
		}

		if forwarded && s.slow.Load() {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}

		status := int(s.statusCode.Load())
		if !forwarded {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Range", "0-0/*")
		w.WriteHeader(status)
		w.Write([]byte(`[{"id":1,"path":"` + r.URL.Path + `"}]`))
	}))
}

// TearDownSuite runs once after all tests
func (s *GatewayTestSuite) TearDownSuite() {
	if s.backend != nil {
		s.backend.Close()
	}
}

// SetupTest runs before each test
func (s *GatewayTestSuite) SetupTest() {
	s.slow.Store(false)
	s.statusCode.Store(http.StatusOK)
	s.mu.Lock()
	s.seen = nil
	s.mu.Unlock()

	s.service = s.newService(s.backend.URL, time.Second, nil)
	s.server = NewGatewayServer(s.service, 3, time.Second)
}

func (s *GatewayTestSuite) newService(url string, forwardTimeout time.Duration, observer instance.Observer) *instance.Service {
	platform, err := upstream.New(upstream.Config{URLTemplate: url})
	s.Require().NoError(err)

	registry := instance.NewRegistry(platform, instance.SystemClock, observer)
	prober := instance.NewProber(instance.ProbeConfig{Attempts: 3, Backoff: 0, Deadline: 5 * time.Second}, instance.SystemClock, observer)
	forwarder := instance.NewForwarder(forwardTimeout, observer)
	balancer := instance.NewLoadBalancer(registry, instance.StrategyRoundRobin, observer)
	return instance.NewService(registry, prober, forwarder, balancer)
}

func (s *GatewayTestSuite) do(method, target, body string) *httptest.ResponseRecorder {
	if s.routed != s.server {
		s.server.setupRoutes()
		s.routed = s.server
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.server.echo.ServeHTTP(rec, req)
	return rec
}

func (s *GatewayTestSuite) lastSeen() seenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Require().NotEmpty(s.seen)
	return s.seen[len(s.seen)-1]
}

func (s *GatewayTestSuite) decode(rec *httptest.ResponseRecorder) map[string]any {
	out := map[string]any{}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *GatewayTestSuite) registered(name string) bool {
	_, ok := s.service.Registry().Lookup(name)
	return ok
}

// TestSetupRoutes tests route configuration
func (s *GatewayTestSuite) TestSetupRoutes() {
	s.server.SetGatherer(prometheus.NewRegistry())
	s.server.setupRoutes()

	routes := map[string]bool{}
	for _, route := range s.server.echo.Routes() {
		routes[route.Method+" "+route.Path] = true
	}

	for _, want := range []string{
		"GET /",
		"GET /api/health",
		"GET /api/schema",
		"GET /api/users",
		"GET /api/users/:id",
		"POST /api/users",
		"PUT /api/users/:id",
		"DELETE /api/users/:id",
		"GET /api/posts",
		"DELETE /api/posts/:id",
		"GET /api/lb/*",
		"GET /api/instances",
		"GET /api/instances/:name/events",
		"GET /metrics",
	} {
		s.True(routes[want], want)
	}
}

func (s *GatewayTestSuite) TestHome() {
	rec := s.do(http.MethodGet, "/", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "PostgreSQL + PostgREST API")
	s.Contains(rec.Body.String(), "GET /api/users/:id - Get user by ID")
	s.NotEmpty(rec.Header().Get(echo.HeaderXRequestID))
}

func (s *GatewayTestSuite) TestHealthHealthy() {
	rec := s.do(http.MethodGet, "/api/health", "")
	s.Equal(http.StatusOK, rec.Code)

	body := s.decode(rec)
	s.Equal("healthy", body["status"])
	s.Equal("PostgreSQL + PostgREST is running", body["message"])
	s.True(s.registered("health-check"))
}

func (s *GatewayTestSuite) TestHealthBackendError() {
	s.statusCode.Store(http.StatusInternalServerError)

	rec := s.do(http.MethodGet, "/api/health", "")
	s.Equal(http.StatusServiceUnavailable, rec.Code)

	body := s.decode(rec)
	s.Equal("unhealthy", body["status"])
	s.Equal("PostgREST not responding", body["error"])
}

func (s *GatewayTestSuite) TestHealthUnavailable() {
	s.service = s.newService("http://127.0.0.1:1", time.Second, nil)
	s.server = NewGatewayServer(s.service, 3, time.Second)

	rec := s.do(http.MethodGet, "/api/health", "")
	s.Equal(http.StatusServiceUnavailable, rec.Code)

	body := s.decode(rec)
	s.Equal("unhealthy", body["status"])
	s.Equal("Container connection failed after 3 attempts", body["error"])
}

func (s *GatewayTestSuite) TestHealthTimeout() {
	s.slow.Store(true)
	s.service = s.newService(s.backend.URL, 50*time.Millisecond, nil)
	s.server = NewGatewayServer(s.service, 3, time.Second)

	rec := s.do(http.MethodGet, "/api/health", "")
	s.Equal(http.StatusInternalServerError, rec.Code)

	body := s.decode(rec)
	s.Equal("error", body["status"])
	s.Equal("Request timed out after 50ms", body["error"])
	s.NotEmpty(body["timestamp"])
}

func (s *GatewayTestSuite) TestSchema() {
	rec := s.do(http.MethodGet, "/api/schema", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("/", s.lastSeen().uri)
	s.True(s.registered("schema"))
}

func (s *GatewayTestSuite) TestListRelaysVerbatim() {
	s.statusCode.Store(http.StatusPartialContent)

	rec := s.do(http.MethodGet, "/api/users", "")
	s.Equal(http.StatusPartialContent, rec.Code)
	s.Equal("0-0/*", rec.Header().Get("Content-Range"))
	s.Equal(`[{"id":1,"path":"/users"}]`, rec.Body.String())

	seen := s.lastSeen()
	s.Equal(http.MethodGet, seen.method)
	s.Equal("/users", seen.uri)
	s.Equal("application/json", seen.accept)
	s.True(s.registered("users"))
}

func (s *GatewayTestSuite) TestBackendErrorStatusIsRelayed() {
	s.statusCode.Store(http.StatusNotFound)

	rec := s.do(http.MethodGet, "/api/posts", "")
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal(`[{"id":1,"path":"/posts"}]`, rec.Body.String())
}

func (s *GatewayTestSuite) TestGetItem() {
	rec := s.do(http.MethodGet, "/api/users/42", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("/users?id=eq.42", s.lastSeen().uri)
	s.True(s.registered("user-42"))
	s.False(s.registered("users"))
}

func (s *GatewayTestSuite) TestGetItemHandlerDirect() {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("7")

	err := s.server.getHandler(resources[1])(c)
	s.NoError(err)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("/posts?id=eq.7", s.lastSeen().uri)
	s.True(s.registered("post-7"))
}

func (s *GatewayTestSuite) TestGetItemEscapesID() {
	rec := s.do(http.MethodGet, "/api/users/1&select=password", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("/users?id=eq.1%26select%3Dpassword", s.lastSeen().uri)
}

func (s *GatewayTestSuite) TestCreate() {
	s.statusCode.Store(http.StatusCreated)

	rec := s.do(http.MethodPost, "/api/users", `{"name": "ada", "age": 36}`)
	s.Equal(http.StatusCreated, rec.Code)

	seen := s.lastSeen()
	s.Equal(http.MethodPost, seen.method)
	s.Equal("/users", seen.uri)
	s.JSONEq(`{"name":"ada","age":36}`, seen.body)
	s.True(s.registered("create-user"))
}

func (s *GatewayTestSuite) TestCreateInvalidJSON() {
	rec := s.do(http.MethodPost, "/api/posts", `{"title": `)
	s.Equal(http.StatusBadRequest, rec.Code)

	body := s.decode(rec)
	s.Equal(ErrInvalidJSON.Error(), body["error"])
	s.NotEmpty(body["timestamp"])
	s.False(s.registered("create-post"))
}

func (s *GatewayTestSuite) TestCreateEmptyBody() {
	rec := s.do(http.MethodPost, "/api/users", "")
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal(0, s.service.Registry().Len())
}

func (s *GatewayTestSuite) TestCreateNullBodyForwardsNoBody() {
	s.statusCode.Store(http.StatusCreated)

	rec := s.do(http.MethodPost, "/api/users", " null ")
	s.Equal(http.StatusCreated, rec.Code)

	seen := s.lastSeen()
	s.Equal(http.MethodPost, seen.method)
	s.Equal("/users", seen.uri)
	s.Empty(seen.body)
	s.True(s.registered("create-user"))
}

func (s *GatewayTestSuite) TestUpdateUsesPatch() {
	rec := s.do(http.MethodPut, "/api/posts/7", `{"title":"hello"}`)
	s.Equal(http.StatusOK, rec.Code)

	seen := s.lastSeen()
	s.Equal(http.MethodPatch, seen.method)
	s.Equal("/posts?id=eq.7", seen.uri)
	s.JSONEq(`{"title":"hello"}`, seen.body)
	s.True(s.registered("update-post-7"))
}

func (s *GatewayTestSuite) TestDelete() {
	s.statusCode.Store(http.StatusNoContent)

	rec := s.do(http.MethodDelete, "/api/users/3", "")
	s.Equal(http.StatusNoContent, rec.Code)

	seen := s.lastSeen()
	s.Equal(http.MethodDelete, seen.method)
	s.Equal("/users?id=eq.3", seen.uri)
	s.True(s.registered("delete-user-3"))
}

func (s *GatewayTestSuite) TestUnavailableEnvelope() {
	s.service = s.newService("http://127.0.0.1:1", time.Second, nil)
	s.server = NewGatewayServer(s.service, 3, time.Second)

	rec := s.do(http.MethodGet, "/api/users", "")
	s.Equal(http.StatusInternalServerError, rec.Code)

	body := s.decode(rec)
	s.Equal("Container connection failed after 3 attempts", body["error"])
	_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
	s.NoError(err)
}

func (s *GatewayTestSuite) TestForwardTimeoutEnvelope() {
	s.slow.Store(true)
	s.service = s.newService(s.backend.URL, 50*time.Millisecond, nil)
	s.server = NewGatewayServer(s.service, 3, time.Second)

	rec := s.do(http.MethodGet, "/api/posts/1", "")
	s.Equal(http.StatusInternalServerError, rec.Code)
	s.Equal("Request timed out after 50ms", s.decode(rec)["error"])
}

func (s *GatewayTestSuite) TestLoadBalanced() {
	rec := s.do(http.MethodGet, "/api/lb/users?select=id,name", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("/users?select=id,name", s.lastSeen().uri)
	s.True(s.registered("instance-0"))

	s.do(http.MethodGet, "/api/lb/posts", "")
	s.Equal("/posts", s.lastSeen().uri)
	s.True(s.registered("instance-1"))
}

func (s *GatewayTestSuite) TestInstances() {
	s.do(http.MethodGet, "/api/users", "")
	s.do(http.MethodGet, "/api/posts", "")

	rec := s.do(http.MethodGet, "/api/instances", "")
	s.Equal(http.StatusOK, rec.Code)

	var body struct {
		Count     int                     `json:"count"`
		Instances []models.InstanceStatus `json:"instances"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal(2, body.Count)
	s.Equal("posts", body.Instances[0].Name)
	s.Equal(models.LivenessReady, body.Instances[0].Liveness)
	s.Equal(int64(1), body.Instances[1].Forwarded)
}

func (s *GatewayTestSuite) TestEventsDisabled() {
	rec := s.do(http.MethodGet, "/api/instances/users/events", "")
	s.Equal(http.StatusNotFound, rec.Code)
	s.Equal(ErrLedgerDisabled.Error(), s.decode(rec)["error"])
}

func (s *GatewayTestSuite) TestEvents() {
	source := &fakeEvents{events: []models.InstanceEvent{
		{ID: 2, Name: "users", Kind: "ready", Attempt: 1},
		{ID: 1, Name: "users", Kind: "registered"},
		{ID: 3, Name: "posts", Kind: "registered"},
	}}
	s.server.SetEventSource(source)

	rec := s.do(http.MethodGet, "/api/instances/users/events?limit=5", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(5, source.limit)

	var body struct {
		Name   string                 `json:"name"`
		Events []models.InstanceEvent `json:"events"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal("users", body.Name)
	s.Len(body.Events, 2)
	s.Equal("ready", body.Events[0].Kind)
}

func (s *GatewayTestSuite) TestEventsErrors() {
	source := &fakeEvents{}
	s.server.SetEventSource(source)

	rec := s.do(http.MethodGet, "/api/instances/users/events?limit=abc", "")
	s.Equal(http.StatusBadRequest, rec.Code)

	source.err = errors.New("database error: disk I/O error")
	rec = s.do(http.MethodGet, "/api/instances/users/events", "")
	s.Equal(http.StatusInternalServerError, rec.Code)
	s.Equal("database error: disk I/O error", s.decode(rec)["error"])
}

func (s *GatewayTestSuite) TestMetrics() {
	reg := prometheus.NewRegistry()
	s.service = s.newService(s.backend.URL, time.Second, metrics.New(reg))
	s.server = NewGatewayServer(s.service, 3, time.Second)
	s.server.SetGatherer(reg)

	s.do(http.MethodGet, "/api/users", "")

	rec := s.do(http.MethodGet, "/metrics", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), `pgrestgw_forward_requests_total{method="GET",status_code="200"} 1`)
	s.Contains(rec.Body.String(), `pgrestgw_probe_results_total{result="ready"} 1`)
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewayTestSuite))
}
