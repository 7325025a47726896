// Package ocr talks to the external receipt recognition service.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxResponseBytes caps how much of a verifier response is read
const maxResponseBytes = 1 << 20

type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a verifier client. timeout bounds each call on top of
// the caller's context deadline.
func NewClient(url, apiKey string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     util.GetLogger(),
	}
}

type verifyRequest struct {
	Image             string          `json:"image"`
	MimeType          string          `json:"mimeType"`
	ExpectedAmount    decimal.Decimal `json:"expectedAmount"`
	ExpectedReference string          `json:"expectedReference"`
}

// Verify sends the receipt image for recognition
func (c *Client) Verify(ctx context.Context, image []byte, mimeType string, expectedAmount decimal.Decimal, expectedReference string) (*models.ReceiptVerification, error) {
	ctx, span := util.StartSpan(ctx, "ocr.Verify", "reference", expectedReference)
	defer span.End()

	if c.url == "" {
		return nil, errors.New("missing OCR endpoint")
	}

	payload, err := json.Marshal(verifyRequest{
		Image:             base64.StdEncoding.EncodeToString(image),
		MimeType:          mimeType,
		ExpectedAmount:    expectedAmount,
		ExpectedReference: expectedReference,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("ocr request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read ocr response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		err := fmt.Errorf("ocr verify failed: %s (%d)", bytes.TrimSpace(body), res.StatusCode)
		util.RecordError(span, err)
		return nil, err
	}

	var result models.ReceiptVerification
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse ocr response failed: %w", err)
	}

	c.logger.Debug("Receipt verified",
		zap.String("reference", expectedReference),
		zap.Bool("success", result.Success),
		zap.Float64("confidence", result.Confidence))
	return &result, nil
}
