package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"chatcall-backend/internal/domain"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
)

// APIClient calls the call service REST API on behalf of one user
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient creates a client for baseURL (scheme and host, no /v1)
func NewAPIClient(baseURL, accessToken string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   accessToken,
		http: &http.Client{
			Timeout:   constants.DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type initiateResponse struct {
	CallID  uuid.UUID         `json:"callId"`
	ChatID  uuid.UUID         `json:"chatId"`
	Kind    domain.CallKind   `json:"callType"`
	Channel string            `json:"channel"`
	Status  domain.CallStatus `json:"status"`
}

// Initiate implements CallAPI
func (c *APIClient) Initiate(ctx context.Context, chatID uuid.UUID, kind domain.CallKind) (*domain.Call, error) {
	body := map[string]string{"chatId": chatID.String(), "callType": string(kind)}
	var resp initiateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/calls/initiate", body, &resp); err != nil {
		return nil, err
	}
	return &domain.Call{
		ID:      resp.CallID,
		ChatID:  resp.ChatID,
		Kind:    resp.Kind,
		Status:  resp.Status,
		Channel: resp.Channel,
	}, nil
}

// GetCall implements CallAPI
func (c *APIClient) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	var call domain.Call
	if err := c.do(ctx, http.MethodGet, "/v1/calls/"+callID.String(), nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// History lists the user's calls, newest first
func (c *APIClient) History(ctx context.Context, limit, offset int) ([]*domain.Call, error) {
	var resp struct {
		Calls []*domain.Call `json:"calls"`
	}
	path := fmt.Sprintf("/v1/calls/history?limit=%d&offset=%d", limit, offset)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Calls, nil
}

// do sends a request and decodes the envelope. Error envelopes come back as
// *apperrors.AppError with the server's code and status.
func (c *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: invalid response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		if env.Error == nil {
			return apperrors.NewWithStatus(apperrors.ErrCodeInternal, http.StatusText(resp.StatusCode), resp.StatusCode)
		}
		return apperrors.NewWithStatus(apperrors.ErrorCode(env.Error.Code), env.Error.Message, resp.StatusCode)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
