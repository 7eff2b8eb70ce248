package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
)

var ErrUnsoundNode = errors.New("node benchmark unsound")

// BenchmarkClient asks the Flux daemon on the candidate node for its own
// benchmark results. This judges the host, not the application.
type BenchmarkClient struct {
	client *http.Client
}

func NewBenchmarkClient(client *http.Client) *BenchmarkClient {
	return &BenchmarkClient{client: client}
}

type benchmarkEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type benchmarkResult struct {
	Ping  float64 `json:"ping"`
	Error string  `json:"error"`
}

// parseBenchmark decodes the envelope. The daemon encodes data as a JSON
// string holding another JSON document; a plain object is accepted too.
func parseBenchmark(body []byte) (benchmarkResult, error) {
	var env benchmarkEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return benchmarkResult{}, fmt.Errorf("failed to decode benchmark envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return benchmarkResult{}, fmt.Errorf("benchmark response has no data")
	}

	inner := []byte(env.Data)
	if env.Data[0] == '"' {
		var s string
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return benchmarkResult{}, fmt.Errorf("failed to decode benchmark data string: %w", err)
		}
		inner = []byte(s)
	}

	var result benchmarkResult
	if err := json.Unmarshal(inner, &result); err != nil {
		return benchmarkResult{}, fmt.Errorf("failed to decode benchmark data: %w", err)
	}
	return result, nil
}

func (b *BenchmarkClient) Check(ctx context.Context, ip string, port int) error {
	url := "http://" + net.JoinHostPort(ip, strconv.Itoa(port)) + "/daemon/getbenchmarks"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("benchmark request to %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("benchmark request to %s: status %d", ip, resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("failed to read benchmark response from %s: %w", ip, err)
	}
	result, err := parseBenchmark(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", ip, err)
	}

	if result.Error != "" {
		return fmt.Errorf("%w: %s reports %q", ErrUnsoundNode, ip, result.Error)
	}
	if result.Ping <= 0 {
		return fmt.Errorf("%w: %s reports no ping", ErrUnsoundNode, ip)
	}
	return nil
}
