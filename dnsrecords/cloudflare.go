package dnsrecords

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const DefaultCloudflareURL = "https://api.cloudflare.com/client/v4"

// ErrAPI is wrapped by every error the provider reports in a response
// envelope.
var ErrAPI = errors.New("dns provider api error")

// Cloudflare talks to the Cloudflare v4 REST API with a bearer token.
type Cloudflare struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewCloudflare(baseURL string, token string, client *http.Client) *Cloudflare {
	if baseURL == "" {
		baseURL = DefaultCloudflareURL
	}
	return &Cloudflare{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type resultInfo struct {
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
}

type envelope struct {
	Success    bool            `json:"success"`
	Errors     []apiError      `json:"errors"`
	Result     json.RawMessage `json:"result"`
	ResultInfo *resultInfo     `json:"result_info"`
}

// recordBody is what the API accepts on create and update.
type recordBody struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Comment string `json:"comment,omitempty"`
	Proxied bool   `json:"proxied"`
}

func bodyOf(r Record) recordBody {
	return recordBody{
		Type:    r.Type,
		Name:    r.Name,
		Content: r.Content,
		TTL:     r.TTL,
		Comment: r.Comment,
		Proxied: r.Proxied,
	}
}

func (c *Cloudflare) do(ctx context.Context, method string, path string, query url.Values, body any) (*envelope, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%s %s: status %d: failed to decode response: %w", method, path, resp.StatusCode, err)
	}
	if !env.Success || resp.StatusCode >= 300 {
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			msgs = append(msgs, fmt.Sprintf("%d: %s", e.Code, e.Message))
		}
		return nil, fmt.Errorf("%w: %s %s: status %d: %s", ErrAPI, method, path, resp.StatusCode, strings.Join(msgs, "; "))
	}
	return &env, nil
}

func (c *Cloudflare) ListRecords(ctx context.Context, zoneID string, filter Filter) ([]Record, error) {
	query := url.Values{}
	if filter.Type != "" {
		query.Set("type", filter.Type)
	}
	if filter.Name != "" {
		query.Set("name", strings.TrimSuffix(filter.Name, "."))
	}
	if filter.Comment != "" {
		query.Set("comment", filter.Comment)
	}
	query.Set("per_page", "100")

	var records []Record
	for page := 1; ; page++ {
		query.Set("page", strconv.Itoa(page))
		env, err := c.do(ctx, http.MethodGet, "/zones/"+url.PathEscape(zoneID)+"/dns_records", query, nil)
		if err != nil {
			return nil, err
		}

		var batch []Record
		if err := json.Unmarshal(env.Result, &batch); err != nil {
			return nil, fmt.Errorf("failed to decode dns records: %w", err)
		}
		for _, r := range batch {
			// The API matches some filters loosely; enforce them here.
			if filter.Matches(r) {
				records = append(records, r)
			}
		}

		if env.ResultInfo == nil || page >= env.ResultInfo.TotalPages {
			break
		}
	}
	return records, nil
}

func (c *Cloudflare) CreateRecord(ctx context.Context, zoneID string, record Record) (Record, error) {
	env, err := c.do(ctx, http.MethodPost, "/zones/"+url.PathEscape(zoneID)+"/dns_records", nil, bodyOf(record))
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(env)
}

func (c *Cloudflare) UpdateRecord(ctx context.Context, zoneID string, record Record) (Record, error) {
	path := "/zones/" + url.PathEscape(zoneID) + "/dns_records/" + url.PathEscape(record.ID)
	env, err := c.do(ctx, http.MethodPut, path, nil, bodyOf(record))
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(env)
}

func (c *Cloudflare) DeleteRecord(ctx context.Context, zoneID string, recordID string) error {
	path := "/zones/" + url.PathEscape(zoneID) + "/dns_records/" + url.PathEscape(recordID)
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}

func decodeRecord(env *envelope) (Record, error) {
	var r Record
	if err := json.Unmarshal(env.Result, &r); err != nil {
		return Record{}, fmt.Errorf("failed to decode dns record: %w", err)
	}
	return r, nil
}

type zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FindOrCreateZone returns the id of the zone called name in the
// account, creating a full zone if there is none.
func (c *Cloudflare) FindOrCreateZone(ctx context.Context, name string, accountID string) (string, error) {
	query := url.Values{}
	query.Set("name", strings.TrimSuffix(name, "."))
	if accountID != "" {
		query.Set("account.id", accountID)
	}

	env, err := c.do(ctx, http.MethodGet, "/zones", query, nil)
	if err != nil {
		return "", fmt.Errorf("failed to list zones: %w", err)
	}
	var zones []zone
	if err := json.Unmarshal(env.Result, &zones); err != nil {
		return "", fmt.Errorf("failed to decode zones: %w", err)
	}
	for _, z := range zones {
		if SameName(z.Name, name) {
			return z.ID, nil
		}
	}

	body := map[string]any{
		"name": strings.TrimSuffix(name, "."),
		"type": "full",
	}
	if accountID != "" {
		body["account"] = map[string]string{"id": accountID}
	}
	env, err = c.do(ctx, http.MethodPost, "/zones", nil, body)
	if err != nil {
		return "", fmt.Errorf("failed to create zone %s: %w", name, err)
	}
	var created zone
	if err := json.Unmarshal(env.Result, &created); err != nil {
		return "", fmt.Errorf("failed to decode created zone: %w", err)
	}
	return created.ID, nil
}
