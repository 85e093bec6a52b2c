package acme

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"

	"go_certorch/internal/domainutil"
)

const (
	cloudflareAPIBase = "https://api.cloudflare.com/client/v4"
	requestTimeout    = 10 * time.Second
	challengeTTL      = 120
)

var errRecordNotFound = errors.New("DNS record not found")

// CloudflareSolver publishes dns-01 records through the Cloudflare API.
// Either an API token or an email plus global key authenticates.
type CloudflareSolver struct {
	email    string
	apiKey   string
	apiToken string
	baseURL  string
	client   *http.Client

	mu    sync.Mutex
	zones map[string]string // apex -> zone id
}

var _ challenge.Provider = (*CloudflareSolver)(nil)

// NewCloudflareSolver creates a solver. Set apiToken, or email and apiKey.
func NewCloudflareSolver(apiToken, email, apiKey string) *CloudflareSolver {
	return &CloudflareSolver{
		email:    email,
		apiKey:   apiKey,
		apiToken: apiToken,
		baseURL:  cloudflareAPIBase,
		client:   &http.Client{Timeout: requestTimeout},
		zones:    make(map[string]string),
	}
}

type cloudflareRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
}

type cloudflareResponse struct {
	Success bool              `json:"success"`
	Errors  []cloudflareError `json:"errors"`
	Result  json.RawMessage   `json:"result"`
}

type cloudflareError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Present creates the TXT record for one challenge
func (s *CloudflareSolver) Present(domain, _, keyAuth string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	info := dns01.GetChallengeInfo(domain, keyAuth)
	name := strings.TrimSuffix(info.FQDN, ".")
	zoneID, err := s.zoneID(ctx, domain)
	if err != nil {
		return err
	}

	if _, err := s.findRecord(ctx, zoneID, name, info.Value); err == nil {
		return nil
	} else if !errors.Is(err, errRecordNotFound) {
		return err
	}

	payload := map[string]interface{}{
		"type":    "TXT",
		"name":    name,
		"content": info.Value,
		"ttl":     challengeTTL,
	}
	var created cloudflareRecord
	if err := s.do(ctx, http.MethodPost, "/zones/"+zoneID+"/dns_records", payload, &created); err != nil {
		return fmt.Errorf("failed to create record %s: %w", name, err)
	}
	return nil
}

// CleanUp deletes the record Present created. A missing record is fine.
func (s *CloudflareSolver) CleanUp(domain, _, keyAuth string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	info := dns01.GetChallengeInfo(domain, keyAuth)
	name := strings.TrimSuffix(info.FQDN, ".")
	zoneID, err := s.zoneID(ctx, domain)
	if err != nil {
		return err
	}
	id, err := s.findRecord(ctx, zoneID, name, info.Value)
	if errors.Is(err, errRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.do(ctx, http.MethodDelete, "/zones/"+zoneID+"/dns_records/"+id, nil, nil); err != nil && !errors.Is(err, errRecordNotFound) {
		return fmt.Errorf("failed to delete record %s: %w", name, err)
	}
	return nil
}

func (s *CloudflareSolver) zoneID(ctx context.Context, domain string) (string, error) {
	apex, err := domainutil.EffectiveApex(strings.TrimPrefix(domain, "*."))
	if err != nil {
		return "", fmt.Errorf("failed to calculate apex for %s: %w", domain, err)
	}

	s.mu.Lock()
	id, ok := s.zones[apex]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	var zones []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := s.do(ctx, http.MethodGet, "/zones?name="+url.QueryEscape(apex), nil, &zones); err != nil {
		return "", fmt.Errorf("failed to look up zone %s: %w", apex, err)
	}
	if len(zones) == 0 {
		return "", fmt.Errorf("zone %s is not managed by this Cloudflare account", apex)
	}

	s.mu.Lock()
	s.zones[apex] = zones[0].ID
	s.mu.Unlock()
	return zones[0].ID, nil
}

func (s *CloudflareSolver) findRecord(ctx context.Context, zoneID, name, value string) (string, error) {
	q := url.Values{"type": {"TXT"}, "name": {name}, "content": {value}}
	var records []cloudflareRecord
	if err := s.do(ctx, http.MethodGet, "/zones/"+zoneID+"/dns_records?"+q.Encode(), nil, &records); err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", errRecordNotFound
	}
	return records[0].ID, nil
}

func (s *CloudflareSolver) do(ctx context.Context, method, path string, payload interface{}, result interface{}) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if s.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiToken)
	} else {
		req.Header.Set("X-Auth-Email", s.email)
		req.Header.Set("X-Auth-Key", s.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		return errRecordNotFound
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	var cfResp cloudflareResponse
	if err := json.Unmarshal(respBody, &cfResp); err != nil {
		return fmt.Errorf("failed to parse response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !cfResp.Success {
		for _, e := range cfResp.Errors {
			// 81044: record does not exist
			if e.Code == 81044 {
				return errRecordNotFound
			}
		}
		return fmt.Errorf("cloudflare API error: %s", formatErrors(cfResp.Errors))
	}
	if result != nil && len(cfResp.Result) > 0 {
		if err := json.Unmarshal(cfResp.Result, result); err != nil {
			return fmt.Errorf("failed to parse result: %w", err)
		}
	}
	return nil
}

func formatErrors(errs []cloudflareError) string {
	if len(errs) == 0 {
		return "unknown error"
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = fmt.Sprintf("[%d] %s", e.Code, e.Message)
	}
	return strings.Join(msgs, "; ")
}
