// Package issuer calls the card-issuing platform's signed HTTP API for
// wallet top-ups and top-up application management.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/cardops/internal/domain"
)

const statusSuccess = "success"

// Client defines the subset of the issuer API the pipeline requires.
type Client interface {
	// TopupWallet credits the user's card balance. The reference is derived
	// from the external transfer id so an issuer that honors client
	// references can deduplicate repeated calls.
	TopupWallet(ctx context.Context, issuerUserID string, amount decimal.Decimal, reference string) error
	// GetTopupApplications lists the user's top-up applications filtered by
	// status, in the order the issuer returns them.
	GetTopupApplications(ctx context.Context, issuerUserID string, page, limit int, status domain.ApplicationStatus) ([]domain.TopupApplication, error)
	// RejectTopupApplication declines a pending application.
	RejectTopupApplication(ctx context.Context, applicationID string) error
}

// HTTPClient implements Client against the issuer's HTTP API.
type HTTPClient struct {
	baseURL    string
	licenseKey string
	signer     *Signer
	http       *http.Client
	log        zerolog.Logger
}

func NewHTTPClient(baseURL, licenseKey string, signer *Signer, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		licenseKey: licenseKey,
		signer:     signer,
		http:       &http.Client{Timeout: 15 * time.Second},
		log:        log.With().Str("component", "issuer").Logger(),
	}
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type topupRequest struct {
	IssuerUserID string `json:"issuerUserId"`
	Amount       string `json:"amount"`
	Reference    string `json:"reference,omitempty"`
}

func (c *HTTPClient) TopupWallet(ctx context.Context, issuerUserID string, amount decimal.Decimal, reference string) error {
	var resp statusResponse
	err := c.post(ctx, "/openapi/wallet/topup", issuerUserID, topupRequest{
		IssuerUserID: issuerUserID,
		Amount:       amount.String(),
		Reference:    reference,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != statusSuccess {
		return fmt.Errorf("topup rejected for user %s: %s", issuerUserID, resp.Message)
	}
	return nil
}

type applicationsRequest struct {
	IssuerUserID string `json:"issuerUserId"`
	Page         int    `json:"page"`
	Limit        int    `json:"limit"`
	Status       int    `json:"status"`
}

type applicationRecord struct {
	ID         string `json:"id"`
	Amount     string `json:"amount"`
	Status     int    `json:"status"`
	CreateTime int64  `json:"createTime"`
}

type applicationsResponse struct {
	Applications []applicationRecord `json:"applications"`
}

func (c *HTTPClient) GetTopupApplications(ctx context.Context, issuerUserID string, page, limit int, status domain.ApplicationStatus) ([]domain.TopupApplication, error) {
	var resp applicationsResponse
	err := c.post(ctx, "/openapi/topup/applications", issuerUserID, applicationsRequest{
		IssuerUserID: issuerUserID,
		Page:         page,
		Limit:        limit,
		Status:       int(status),
	}, &resp)
	if err != nil {
		return nil, err
	}

	apps := make([]domain.TopupApplication, 0, len(resp.Applications))
	for _, rec := range resp.Applications {
		amount, err := decimal.NewFromString(rec.Amount)
		if err != nil {
			return nil, fmt.Errorf("application %s: malformed amount %q: %w", rec.ID, rec.Amount, err)
		}
		apps = append(apps, domain.TopupApplication{
			ID:         rec.ID,
			Amount:     amount,
			Status:     domain.ApplicationStatus(rec.Status),
			CreateTime: time.Unix(rec.CreateTime, 0).UTC(),
		})
	}
	return apps, nil
}

type rejectRequest struct {
	ApplicationID string `json:"applicationId"`
}

func (c *HTTPClient) RejectTopupApplication(ctx context.Context, applicationID string) error {
	var resp statusResponse
	err := c.post(ctx, "/openapi/topup/reject", "", rejectRequest{ApplicationID: applicationID}, &resp)
	if err != nil {
		return err
	}
	if resp.Status != statusSuccess {
		return fmt.Errorf("reject application %s: %s", applicationID, resp.Message)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path, issuerUserID string, payload, out any) error {
	token, err := c.signer.Token(issuerUserID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	req.Header.Set("X-License-Key", c.licenseKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("issuer %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("issuer %s failed: status=%d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("issuer %s response decode failed: %w", path, err)
	}
	return nil
}
