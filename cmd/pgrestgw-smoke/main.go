package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
)

const (
	defaultGatewayURL  = "http://127.0.0.1:8080"
	defaultParallel    = 10
	defaultHTTPTimeout = 10 * time.Minute

	separatorLineLength = 80
)

type config struct {
	gatewayURL  string
	parallel    int
	httpTimeout time.Duration

	runHealth       bool
	runCRUD         bool
	runParallelSame bool
	runParallelLB   bool
	runInstances    bool

	showSummary bool
}

type smokeTester struct {
	cfg     config
	client  *gatewayClient
	metrics *metricsCollector
}

type operationMetrics struct {
	Name     string
	Duration time.Duration
	Size     int64
	Error    error
}

type stepMetrics struct {
	Name       string
	Duration   time.Duration
	Operations []operationMetrics
	Success    bool
	Error      error
}

type metricsCollector struct {
	mu          sync.Mutex
	steps       []stepMetrics
	currentStep *stepMetrics
	startedAt   time.Time
	showSummary bool
	totals      map[string]int
	totalBytes  int64
}

type userRow struct {
	ID    json.Number `json:"id"`
	Name  string      `json:"name"`
	Email string      `json:"email"`
}

type instancesResponse struct {
	Count     int `json:"count"`
	Instances []struct {
		Name      string `json:"name"`
		Liveness  string `json:"liveness"`
		Age       string `json:"age"`
		Forwarded int64  `json:"forwarded"`
	} `json:"instances"`
}

// gatewayClient issues requests against the gateway's public API.
type gatewayClient struct {
	baseURL    string
	httpClient *http.Client
}

func newGatewayClient(baseURL string, timeout time.Duration) *gatewayClient {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = timeout
	return &gatewayClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// do performs a request and returns the body of a 2xx response.
func (c *gatewayClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, fmt.Errorf("%s %s returned %s: %s", method, path, resp.Status, string(respBody))
	}
	return respBody, nil
}

func (c *gatewayClient) doJSON(ctx context.Context, method, path string, body, result any) (int64, error) {
	respBody, err := c.do(ctx, method, path, body)
	if err != nil {
		return int64(len(respBody)), err
	}
	if result != nil && len(respBody) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(respBody))
		decoder.UseNumber()
		if err := decoder.Decode(result); err != nil {
			return int64(len(respBody)), fmt.Errorf("parse response: %w", err)
		}
	}
	return int64(len(respBody)), nil
}

func main() {
	cfg := parseFlags()
	tester := newSmokeTester(cfg)

	if err := tester.run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "pgrestgw-smoke failed: %v\n", err)
		tester.metrics.printSummary()
		os.Exit(1)
	}

	fmt.Println("\n✅ All selected smoke steps completed successfully")
	tester.metrics.printSummary()
}

func parseFlags() config {
	gateway := flag.String("gateway", defaultGatewayURL, "Gateway base URL")
	parallel := flag.Int("parallel", defaultParallel, "Concurrent requests for the parallel steps")
	timeout := flag.Duration("http-timeout", defaultHTTPTimeout, "HTTP client timeout, must cover cold starts")

	runAll := flag.Bool("all", false, "Run all steps (overrides individual step selections)")
	step1 := flag.Bool("step1", false, "Run Step 1: Health check")
	step2 := flag.Bool("step2", false, "Run Step 2: User create, read, update and delete")
	step3 := flag.Bool("step3", false, "Run Step 3: Parallel reads of one user")
	step4 := flag.Bool("step4", false, "Run Step 4: Parallel load balanced reads")
	step5 := flag.Bool("step5", false, "Run Step 5: Instance registry listing")
	noSummary := flag.Bool("no-summary", false, "Disable metrics summary")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nBy default, all steps run. Use individual -step flags to run specific steps.\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	anySelected := *step1 || *step2 || *step3 || *step4 || *step5
	all := *runAll || !anySelected

	cfg := config{
		gatewayURL:      strings.TrimRight(*gateway, "/"),
		parallel:        *parallel,
		httpTimeout:     *timeout,
		runHealth:       *step1 || all,
		runCRUD:         *step2 || all,
		runParallelSame: *step3 || all,
		runParallelLB:   *step4 || all,
		runInstances:    *step5 || all,
		showSummary:     !*noSummary,
	}
	if cfg.gatewayURL == "" {
		cfg.gatewayURL = defaultGatewayURL
	}
	if cfg.parallel <= 0 {
		cfg.parallel = defaultParallel
	}
	return cfg
}

func newSmokeTester(cfg config) *smokeTester {
	return &smokeTester{
		cfg:    cfg,
		client: newGatewayClient(cfg.gatewayURL, cfg.httpTimeout),
		metrics: &metricsCollector{
			showSummary: cfg.showSummary,
			startedAt:   time.Now(),
			totals:      map[string]int{},
		},
	}
}

func (m *metricsCollector) startStep(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentStep = &stepMetrics{Name: name}
}

func (m *metricsCollector) endStep(started time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentStep == nil {
		return
	}
	m.currentStep.Duration = time.Since(started)
	m.currentStep.Success = err == nil
	m.currentStep.Error = err
	m.steps = append(m.steps, *m.currentStep)
	m.currentStep = nil
}

func (m *metricsCollector) recordOperation(name string, duration time.Duration, size int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentStep != nil {
		m.currentStep.Operations = append(m.currentStep.Operations, operationMetrics{
			Name:     name,
			Duration: duration,
			Size:     size,
			Error:    err,
		})
	}
	m.totals[name]++
	m.totalBytes += size
}

func (m *metricsCollector) printSummary() {
	if !m.showSummary {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fmt.Println("\n" + strings.Repeat("=", separatorLineLength))
	fmt.Println("METRICS SUMMARY")
	fmt.Println(strings.Repeat("=", separatorLineLength))

	names := make([]string, 0, len(m.totals))
	for name := range m.totals {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("\nOperations:\n")
	for _, name := range names {
		fmt.Printf("  %-10s %s\n", name, humanize.Comma(int64(m.totals[name])))
	}
	fmt.Printf("  Received:  %s\n", humanize.Bytes(uint64(m.totalBytes)))

	fmt.Printf("\nSteps:\n")
	for _, step := range m.steps {
		status := "✓"
		if !step.Success {
			status = "✗"
		}
		fmt.Printf("\n  %s %s (%.2fs)\n", status, step.Name, step.Duration.Seconds())

		var slowest operationMetrics
		failed := 0
		for _, op := range step.Operations {
			if op.Duration > slowest.Duration {
				slowest = op
			}
			if op.Error != nil {
				failed++
			}
		}
		if slowest.Name != "" {
			fmt.Printf("      slowest %s: %s\n", slowest.Name, slowest.Duration.Round(time.Millisecond))
		}
		if failed > 0 {
			fmt.Printf("      failed operations: %d\n", failed)
		}
	}

	fmt.Printf("\nStarted %s, total %.2fs\n", humanize.Time(m.startedAt), time.Since(m.startedAt).Seconds())
	fmt.Println(strings.Repeat("=", separatorLineLength))
}

type smokeStep struct {
	shouldRun bool
	name      string
	runFunc   func(context.Context) error
}

func (t *smokeTester) run(ctx context.Context) error {
	steps := []smokeStep{
		{t.cfg.runHealth, "Step 1: Health check", t.runHealthStep},
		{t.cfg.runCRUD, "Step 2: User CRUD pass", t.runCRUDStep},
		{t.cfg.runParallelSame, fmt.Sprintf("Step 3: %d parallel reads of one user", t.cfg.parallel), t.runParallelSameStep},
		{t.cfg.runParallelLB, fmt.Sprintf("Step 4: %d parallel load balanced reads", t.cfg.parallel), t.runParallelLBStep},
		{t.cfg.runInstances, "Step 5: Instance registry", t.runInstancesStep},
	}

	stepsRun := 0
	for _, step := range steps {
		if !step.shouldRun {
			continue
		}
		fmt.Printf("\n%s\n", step.name)
		t.metrics.startStep(step.name)
		started := time.Now()
		err := step.runFunc(ctx)
		t.metrics.endStep(started, err)
		if err != nil {
			return fmt.Errorf("%s failed: %w", step.name, err)
		}
		fmt.Printf("✓ %s completed successfully\n", step.name)
		stepsRun++
	}

	if stepsRun == 0 {
		return errors.New("no steps selected")
	}
	return nil
}

// timed runs fn and records it as one operation.
func (t *smokeTester) timed(name string, fn func() (int64, error)) error {
	started := time.Now()
	size, err := fn()
	t.metrics.recordOperation(name, time.Since(started), size, err)
	return err
}

func (t *smokeTester) runHealthStep(ctx context.Context) error {
	var health map[string]string
	err := t.timed("health", func() (int64, error) {
		return t.client.doJSON(ctx, http.MethodGet, "/api/health", nil, &health)
	})
	if err != nil {
		return err
	}
	if health["status"] != "healthy" {
		return fmt.Errorf("unexpected health status %q", health["status"])
	}
	fmt.Printf("  %s\n", health["message"])
	return nil
}

func (t *smokeTester) runCRUDStep(ctx context.Context) error {
	id, err := t.createUser(ctx)
	if err != nil {
		return err
	}

	cleanup := true
	defer func() {
		if cleanup {
			if deleteErr := t.deleteUser(ctx, id); deleteErr != nil {
				fmt.Fprintf(os.Stderr, "failed to cleanup user %s: %v\n", id, deleteErr)
			}
		}
	}()

	var rows []userRow
	err = t.timed("get", func() (int64, error) {
		return t.client.doJSON(ctx, http.MethodGet, "/api/users/"+id, nil, &rows)
	})
	if err != nil {
		return err
	}
	if len(rows) != 1 {
		return fmt.Errorf("expected one user with id %s, got %d", id, len(rows))
	}

	err = t.timed("update", func() (int64, error) {
		return t.client.doJSON(ctx, http.MethodPut, "/api/users/"+id, map[string]string{"email": "updated-" + rows[0].Email}, nil)
	})
	if err != nil {
		return err
	}

	cleanup = false
	return t.deleteUser(ctx, id)
}

// createUser inserts a uniquely named user and looks up its id through the
// load balanced route, since creates do not return a representation.
func (t *smokeTester) createUser(ctx context.Context) (string, error) {
	name := "smoke-" + uuid.NewString()
	user := map[string]string{"name": name, "email": name + "@example.com"}

	err := t.timed("create", func() (int64, error) {
		return t.client.doJSON(ctx, http.MethodPost, "/api/users", user, nil)
	})
	if err != nil {
		return "", err
	}

	var rows []userRow
	query := "/api/lb/users?select=id,name,email&name=eq." + url.QueryEscape(name)
	err = t.timed("lookup", func() (int64, error) {
		return t.client.doJSON(ctx, http.MethodGet, query, nil, &rows)
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("created user %s not found", name)
	}
	fmt.Printf("  created user %s (%s)\n", rows[0].ID, name)
	return rows[0].ID.String(), nil
}

func (t *smokeTester) deleteUser(ctx context.Context, id string) error {
	return t.timed("delete", func() (int64, error) {
		return t.client.doJSON(ctx, http.MethodDelete, "/api/users/"+id, nil, nil)
	})
}

func (t *smokeTester) runParallelSameStep(ctx context.Context) error {
	id, err := t.createUser(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if deleteErr := t.deleteUser(ctx, id); deleteErr != nil {
			fmt.Fprintf(os.Stderr, "failed to cleanup user %s: %v\n", id, deleteErr)
		}
	}()

	return runParallel(t.cfg.parallel, func(int) error {
		return t.timed("get", func() (int64, error) {
			return t.client.doJSON(ctx, http.MethodGet, "/api/users/"+id, nil, nil)
		})
	})
}

func (t *smokeTester) runParallelLBStep(ctx context.Context) error {
	return runParallel(t.cfg.parallel, func(i int) error {
		return t.timed("lb", func() (int64, error) {
			return t.client.doJSON(ctx, http.MethodGet, "/api/lb/users?limit="+strconv.Itoa(i+1), nil, nil)
		})
	})
}

func (t *smokeTester) runInstancesStep(ctx context.Context) error {
	var resp instancesResponse
	err := t.timed("instances", func() (int64, error) {
		return t.client.doJSON(ctx, http.MethodGet, "/api/instances", nil, &resp)
	})
	if err != nil {
		return err
	}

	fmt.Printf("  %d instances\n", resp.Count)
	for _, inst := range resp.Instances {
		fmt.Printf("  %-24s %-12s %-14s forwarded=%d\n", inst.Name, inst.Liveness, inst.Age, inst.Forwarded)
	}
	return nil
}

func runParallel(count int, function func(int) error) error {
	var waitGroup sync.WaitGroup
	errCh := make(chan error, count)

	for index := range count {
		waitGroup.Add(1)
		go func(idx int) {
			defer waitGroup.Done()
			if err := function(idx); err != nil {
				errCh <- err
			}
		}(index)
	}

	waitGroup.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
