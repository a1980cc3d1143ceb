package utils

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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DocumentSnapshot is the frozen document content sent to the stamping authority.
type DocumentSnapshot struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Series         string          `json:"series"`
	Folio          int             `json:"folio"`
	IssuerTaxID    string          `json:"issuerTaxId"`
	IssuerName     string          `json:"issuerName"`
	RecipientTaxID string          `json:"recipientTaxId"`
	RecipientName  string          `json:"recipientName"`
	Concept        string          `json:"concept"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Discount       decimal.Decimal `json:"discount"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	IssuedAt       time.Time       `json:"issuedAt"`
}

type StampResult struct {
	UUID      string    `json:"uuid"`
	StampedAt time.Time `json:"stampedAt"`
}

type CancelResult struct {
	CancelledAt time.Time `json:"cancelledAt"`
}

// GatewayError is returned by the stamping authority or by the transport.
// Temporary errors (timeouts, 5xx, throttling) are worth retrying; the rest
// are rejections of the document itself.
type GatewayError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Temporary bool   `json:"-"`
}

func (e *GatewayError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type StampingGatewayInterface interface {
	Issue(ctx context.Context, snapshot DocumentSnapshot) (*StampResult, error)
	Cancel(ctx context.Context, stampUUID, reason string) (*CancelResult, error)
}

// StampingClient talks JSON over HTTP to an authorized stamping provider.
type StampingClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewStampingClient(baseURL, apiKey string) StampingGatewayInterface {
	return &StampingClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

func (s *StampingClient) Issue(ctx context.Context, snapshot DocumentSnapshot) (*StampResult, error) {
	var result StampResult
	if err := s.post(ctx, "/stamps", snapshot.IdempotencyKey, snapshot, &result); err != nil {
		return nil, err
	}
	if result.UUID == "" {
		return nil, &GatewayError{Code: "invalid_response", Message: "stamping response without uuid", Temporary: true}
	}
	if result.StampedAt.IsZero() {
		result.StampedAt = time.Now().UTC()
	}
	return &result, nil
}

func (s *StampingClient) Cancel(ctx context.Context, stampUUID, reason string) (*CancelResult, error) {
	var result CancelResult
	body := map[string]string{"reason": reason}
	path := "/stamps/" + url.PathEscape(stampUUID) + "/cancel"
	if err := s.post(ctx, path, stampUUID, body, &result); err != nil {
		return nil, err
	}
	if result.CancelledAt.IsZero() {
		result.CancelledAt = time.Now().UTC()
	}
	return &result, nil
}

func (s *StampingClient) post(ctx context.Context, path, idempotencyKey string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &GatewayError{Code: "timeout", Message: "stamping authority did not answer in time", Temporary: true}
		}
		return &GatewayError{Code: "transport", Message: err.Error(), Temporary: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &GatewayError{Code: "transport", Message: err.Error(), Temporary: true}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &GatewayError{Code: "invalid_response", Message: err.Error(), Temporary: true}
		}
		return nil
	}

	gwErr := &GatewayError{}
	if err := json.Unmarshal(raw, gwErr); err != nil || gwErr.Message == "" {
		gwErr.Message = fmt.Sprintf("stamping authority answered %d", resp.StatusCode)
	}
	if gwErr.Code == "" {
		gwErr.Code = fmt.Sprintf("http_%d", resp.StatusCode)
	}
	gwErr.Temporary = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return gwErr
}

// SandboxGateway stamps locally with random UUIDs. It is meant for development
// and never talks to the tax authority.
type SandboxGateway struct {
	mu        sync.Mutex
	issued    map[string]*StampResult
	cancelled map[string]*CancelResult
}

func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{
		issued:    make(map[string]*StampResult),
		cancelled: make(map[string]*CancelResult),
	}
}

func (g *SandboxGateway) Issue(ctx context.Context, snapshot DocumentSnapshot) (*StampResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &GatewayError{Code: "timeout", Message: err.Error(), Temporary: true}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.issued[snapshot.IdempotencyKey]; ok {
		return prev, nil
	}
	result := &StampResult{UUID: uuid.NewString(), StampedAt: time.Now().UTC()}
	g.issued[snapshot.IdempotencyKey] = result
	return result, nil
}

func (g *SandboxGateway) Cancel(ctx context.Context, stampUUID, reason string) (*CancelResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &GatewayError{Code: "timeout", Message: err.Error(), Temporary: true}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	known := false
	for _, r := range g.issued {
		if r.UUID == stampUUID {
			known = true
			break
		}
	}
	if !known {
		return nil, &GatewayError{Code: "unknown_uuid", Message: "no stamped document with uuid " + stampUUID}
	}
	if prev, ok := g.cancelled[stampUUID]; ok {
		return prev, nil
	}
	result := &CancelResult{CancelledAt: time.Now().UTC()}
	g.cancelled[stampUUID] = result
	return result, nil
}
