// Package orderapi is the REST client for the clinical order subsystem the
// bridge posts reconciled results to.
package orderapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

type OrderTest struct {
	TestID string `json:"test_id"`
	Status string `json:"status"`
}

type Order struct {
	ID        string      `json:"id"`
	PatientID string      `json:"patient_id"`
	SampleID  string      `json:"sample_id"`
	Status    string      `json:"status"`
	Tests     []OrderTest `json:"tests"`
}

// Expects reports whether the order still waits for testID.
func (o *Order) Expects(testID string) bool {
	for _, t := range o.Tests {
		if strings.EqualFold(t.TestID, testID) && !strings.EqualFold(t.Status, "final") && !strings.EqualFold(t.Status, "cancelled") {
			return true
		}
	}
	return false
}

// Result is the payload posted for one staging row.
type Result struct {
	RowID          string     `json:"row_id"`
	SampleID       string     `json:"sample_id"`
	TestID         string     `json:"test_id"`
	Value          string     `json:"value"`
	Unit           string     `json:"unit,omitempty"`
	ReferenceRange string     `json:"reference_range,omitempty"`
	AbnormalFlag   string     `json:"abnormal_flag,omitempty"`
	ObservedAt     *time.Time `json:"observed_at,omitempty"`
	DeviceCode     string     `json:"device_code"`
	NativeCode     string     `json:"native_code"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

func New(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if token != "" {
		rc.SetAuthToken(token)
	}
	return &Client{http: rc, logger: logger.With().Str("component", "orderapi").Logger()}
}

// FindOpenOrder returns the open order for sampleID that expects testID.
// A missing order is a ResolutionError; network failures and 5xx responses
// are TransportErrors.
func (c *Client) FindOpenOrder(ctx context.Context, sampleID, testID string) (*Order, error) {
	const op = "find open order"
	var order Order
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"sample_id": sampleID, "test_id": testID}).
		SetResult(&order).
		Get("/orders/open")
	if err != nil {
		return nil, c.transport(op, 0, "", err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
	case code == http.StatusNotFound:
		return nil, &apperr.ResolutionError{Reason: fmt.Sprintf("no open order for sample %s expecting test %s", sampleID, testID)}
	default:
		return nil, c.classify(op, resp)
	}

	if order.ID == "" {
		return nil, c.transport(op, resp.StatusCode(), "response has no order id", nil)
	}
	if !order.Expects(testID) {
		return nil, &apperr.ResolutionError{Reason: fmt.Sprintf("order %s does not expect test %s", order.ID, testID)}
	}
	return &order, nil
}

// SubmitResult posts a result against orderID. The row id doubles as the
// idempotency key so a retried submission is applied once.
func (c *Client) SubmitResult(ctx context.Context, orderID string, r Result) error {
	const op = "submit result"
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", r.RowID).
		SetPathParam("id", orderID).
		SetBody(r).
		Post("/orders/{id}/results")
	if err != nil {
		return c.transport(op, 0, "", err)
	}
	if resp.IsSuccess() {
		return nil
	}
	return c.classify(op, resp)
}

// classify turns a non-success response into the bridge's error taxonomy.
// A 409 from the order service means the sample can no longer take results
// (e.g. finalized); other 4xx carry the service's detail verbatim.
func (c *Client) classify(op string, resp *resty.Response) error {
	detail := detailOf(resp.Body())
	code := resp.StatusCode()
	switch {
	case code == http.StatusConflict:
		if detail == "" {
			detail = "order rejected the result (sample finalized or result already recorded)"
		}
		return &apperr.ResolutionError{Reason: detail}
	case code >= 400 && code < 500:
		if detail == "" {
			detail = fmt.Sprintf("order service rejected request with status %d", code)
		}
		return &apperr.ResolutionError{Reason: detail}
	}
	return c.transport(op, code, detail, nil)
}

func (c *Client) transport(op string, status int, detail string, err error) error {
	terr := &apperr.TransportError{Op: op, Status: status, Detail: detail, Err: err}
	c.logger.Error().Err(terr).Msg("order service call failed")
	return terr
}

func detailOf(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Detail != "" {
		return eb.Detail
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
