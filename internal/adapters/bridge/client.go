// Package bridge entrega payouts cross-chain a través de un servicio HTTP de
// bridging.
//
// El cliente actúa como BridgeFacility: tira (TransferFrom) exactamente el
// allowance que le dio el pagador, lo bloquea en su propia cuenta y registra
// la transferencia en el servicio remoto con un transfer_id propio.
//
// Los fondos solo vuelven al pagador cuando el servicio rechazó la
// transferencia (4xx o status=rejected) o confirma que no la conoce. Ante
// errores de red o 5xx se reintenta con el mismo transfer_id y, si sigue sin
// respuesta, se consulta el estado; si tampoco se puede, el resultado queda
// desconocido y los fondos se quedan en el bridge.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/alejandrodnm/restless/internal/ports"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"
)

const (
	transfersPath = "/v1/transfers"

	defaultRatePerSec = 5
	defaultBurst      = 2
	defaultTimeout    = 10 * time.Second

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Config contiene la configuración del cliente de bridge.
type Config struct {
	BaseURL    string
	APIKey     string
	Address    common.Address // cuenta donde quedan bloqueados los fondos
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
	RetryWait  time.Duration // espera base del backoff
}

// Client es el HTTP client del servicio de bridge con rate limiting.
type Client struct {
	cfg     Config
	http    *http.Client
	tokens  ports.TokenRegistry
	limiter *rate.Limiter
}

// NewClient crea un Client. Los valores vacíos de cfg toman defaults.
func NewClient(cfg Config, tokens ports.TokenRegistry) *Client {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = baseRetryWait
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

// Address implementa ports.BridgeFacility.
func (c *Client) Address() common.Address { return c.cfg.Address }

type transferRequest struct {
	TransferID  string `json:"transfer_id"`
	DealID      uint64 `json:"deal_id"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	RoutingData string `json:"routing_data"`
}

const statusRejected = "rejected"

type transferResponse struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// apiError es una respuesta HTTP de error del servicio.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bridge API error %d: %s", e.Status, e.Body)
}

// definite: el servicio contestó y no procesó el request.
func (e *apiError) definite() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

func isDefinite(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.definite()
}

func isNotFound(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Bridge implementa ports.BridgeFacility. Tira todo el allowance del
// pagador y registra la transferencia; devuelve el id asignado.
func (c *Client) Bridge(ctx context.Context, req ports.BridgeRequest) (string, error) {
	token, err := c.tokens.Token(req.Asset)
	if err != nil {
		return "", fmt.Errorf("bridge.Bridge: %w", err)
	}

	amount := token.Allowance(req.Payer, c.cfg.Address)
	if amount.IsZero() {
		return "", fmt.Errorf("bridge.Bridge: deal %d: no allowance from %s", req.DealID, req.Payer.Hex())
	}
	if err := token.TransferFrom(c.cfg.Address, req.Payer, c.cfg.Address, amount); err != nil {
		return "", fmt.Errorf("bridge.Bridge: deal %d: pull funds: %w", req.DealID, err)
	}

	body := transferRequest{
		TransferID:  uuid.NewString(),
		DealID:      req.DealID,
		Asset:       string(req.Asset),
		Amount:      amount.Dec(),
		Sender:      req.Payer.Hex(),
		Recipient:   req.Recipient.Hex(),
		RoutingData: hexutil.Encode(req.RoutingData),
	}

	var resp transferResponse
	postErr := c.post(ctx, c.cfg.BaseURL+transfersPath, body, &resp)
	if postErr != nil && !isDefinite(postErr) {
		// Sin respuesta clara: la transferencia pudo haberse registrado.
		var lookupErr error
		resp, lookupErr = c.lookup(ctx, body.TransferID)
		switch {
		case lookupErr == nil:
			slog.Warn("bridge: transfer found after failed register",
				"deal", req.DealID, "transfer", body.TransferID, "status", resp.Status, "err", postErr)
			postErr = nil
		case isNotFound(lookupErr):
			slog.Warn("bridge: transfer not registered", "deal", req.DealID, "transfer", body.TransferID)
		default:
			slog.Error("bridge: transfer outcome unknown, funds held",
				"deal", req.DealID, "transfer", body.TransferID, "amount", amount.Dec(),
				"err", postErr, "lookup_err", lookupErr)
			return "", fmt.Errorf("bridge.Bridge: deal %d: transfer %s: %w: %v",
				req.DealID, body.TransferID, ports.ErrBridgeOutcomeUnknown, errors.Join(postErr, lookupErr))
		}
	}
	if postErr == nil && resp.Status == statusRejected {
		postErr = fmt.Errorf("transfer rejected: %s", resp.Reason)
	}
	if postErr != nil {
		// El servicio no tiene la transferencia: devolver los fondos.
		if err := c.Return(ctx, req, amount); err != nil {
			slog.Error("bridge: refund after failed transfer failed",
				"deal", req.DealID, "amount", amount.Dec(), "err", err)
			return "", fmt.Errorf("bridge.Bridge: deal %d: %w (refund failed: %v)", req.DealID, postErr, err)
		}
		return "", fmt.Errorf("bridge.Bridge: deal %d: %w", req.DealID, postErr)
	}

	id := resp.TransferID
	if id == "" {
		id = body.TransferID
	}
	slog.Debug("bridge: transfer registered",
		"deal", req.DealID, "transfer", id, "amount", amount.Dec(), "status", resp.Status)
	return id, nil
}

// Return implementa ports.BridgeFacility: devuelve amount al pagador desde
// la cuenta del bridge.
func (c *Client) Return(_ context.Context, req ports.BridgeRequest, amount *uint256.Int) error {
	token, err := c.tokens.Token(req.Asset)
	if err != nil {
		return fmt.Errorf("bridge.Return: %w", err)
	}
	if err := token.Transfer(c.cfg.Address, req.Payer, amount); err != nil {
		return fmt.Errorf("bridge.Return: deal %d: %w", req.DealID, err)
	}
	slog.Debug("bridge: funds returned", "deal", req.DealID, "amount", amount.Dec())
	return nil
}

// lookup consulta el estado de una transferencia por id. Corre aunque ctx
// ya esté cancelado, acotado por el timeout del cliente.
func (c *Client) lookup(ctx context.Context, transferID string) (transferResponse, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	url := c.cfg.BaseURL + transfersPath + "/" + transferID
	var out transferResponse
	err := c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		c.setHeaders(req)
		return c.http.Do(req)
	}, &out)
	return out, err
}

// post hace un POST JSON con rate limiting. Cada reintento manda el mismo
// body, así que el servicio ve siempre el mismo transfer_id.
func (c *Client) post(ctx context.Context, url string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.setHeaders(req)
		return c.http.Do(req)
	}, out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
}

// doWithRetry reintenta 429, 5xx y errores de red con backoff exponencial.
// Un 4xx vuelve enseguida como *apiError.
func (c *Client) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out any) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.sleep(ctx, attempt-1)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Join(lastErr, fmt.Errorf("rate limiter: %w", err))
		}

		resp, err := fn()
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			slog.Warn("bridge: request failed", "attempt", attempt+1, "err", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			slog.Warn("bridge: retryable API error", "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries: %w", maxRetries, lastErr)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.cfg.RetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
