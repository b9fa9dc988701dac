package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/carebill/libs/httpx"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/metrics"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/shopspring/decimal"
)

const maxBody = 1 << 20

// HTTPClient speaks the provider's JSON API, authenticated with an access_token header.
type HTTPClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.timeout()
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		timeout: timeout,
		http:    httpx.NewClient(timeout),
		logger:  logger,
	}
}

type customerRequest struct {
	Name              string `json:"name"`
	Email             string `json:"email,omitempty"`
	MobilePhone       string `json:"mobilePhone,omitempty"`
	CPFCNPJ           string `json:"cpfCnpj,omitempty"`
	ExternalReference string `json:"externalReference,omitempty"`
}

type customerResponse struct {
	ID string `json:"id"`
}

func (c *HTTPClient) CreateCustomer(ctx context.Context, in CustomerInput) (Customer, error) {
	var out customerResponse
	err := c.do(ctx, "create_customer", http.MethodPost, "/customers", customerRequest{
		Name:              in.Name,
		Email:             in.Email,
		MobilePhone:       in.Phone,
		CPFCNPJ:           in.CPF,
		ExternalReference: in.ExternalReference,
	}, &out)
	if err != nil {
		return Customer{}, err
	}
	if out.ID == "" {
		return Customer{}, &Error{Op: "create_customer", Kind: Transient, Message: "response without customer id"}
	}
	return Customer{ID: out.ID}, nil
}

type chargeRequest struct {
	Customer          string      `json:"customer"`
	BillingType       string      `json:"billingType"`
	Value             json.Number `json:"value"`
	DueDate           string      `json:"dueDate"`
	ExternalReference string      `json:"externalReference"`
	Description       string      `json:"description,omitempty"`
	CreditCard        *cardBody   `json:"creditCard,omitempty"`
	CreditCardToken   string      `json:"creditCardToken,omitempty"`
	RemoteIP          string      `json:"remoteIp,omitempty"`
}

type cardBody struct {
	HolderName  string `json:"holderName"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CCV         string `json:"ccv"`
}

type chargeResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	InvoiceURL string `json:"invoiceUrl"`
}

func (c *HTTPClient) CreateCharge(ctx context.Context, in ChargeInput) (Charge, error) {
	req := chargeRequest{
		Customer:          in.CustomerID,
		BillingType:       billingType(in.Method),
		Value:             json.Number(in.Amount.StringFixed(2)),
		DueDate:           time.Now().Format(time.DateOnly),
		ExternalReference: in.ExternalReference,
		Description:       in.Description,
		CreditCardToken:   in.CardToken,
		RemoteIP:          in.RemoteIP,
	}
	if in.Method == model.MethodCard && in.Card != nil {
		req.CreditCard = &cardBody{
			HolderName:  in.Card.HolderName,
			Number:      onlyDigits(in.Card.Number),
			ExpiryMonth: in.Card.ExpiryMonth,
			ExpiryYear:  in.Card.ExpiryYear,
			CCV:         in.Card.CVV,
		}
		c.logger.Info("gateway: card charge", "card", *in.Card, "external_reference", in.ExternalReference)
	}

	var out chargeResponse
	if err := c.do(ctx, "create_charge", http.MethodPost, "/charges", req, &out); err != nil {
		return Charge{}, err
	}
	if out.ID == "" {
		return Charge{}, &Error{Op: "create_charge", Kind: Transient, Message: "response without charge id"}
	}
	return Charge{ID: out.ID, Status: MapStatus(out.Status), RawStatus: out.Status, InvoiceURL: out.InvoiceURL}, nil
}

func (c *HTTPClient) QueryStatus(ctx context.Context, providerPaymentID string) (model.PaymentStatus, error) {
	var out chargeResponse
	if err := c.do(ctx, "query_status", http.MethodGet, "/charges/"+url.PathEscape(providerPaymentID), nil, &out); err != nil {
		return "", err
	}
	if out.Status == "" {
		return "", &Error{Op: "query_status", Kind: Transient, Message: "response without status"}
	}
	return MapStatus(out.Status), nil
}

type deleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

func (c *HTTPClient) CancelCharge(ctx context.Context, providerPaymentID string) (bool, error) {
	var out deleteResponse
	if err := c.do(ctx, "cancel_charge", http.MethodDelete, "/charges/"+url.PathEscape(providerPaymentID), nil, &out); err != nil {
		return false, err
	}
	return out.Deleted, nil
}

type subscriptionResponse struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Value       decimal.Decimal `json:"value"`
	NextDueDate string          `json:"nextDueDate"`
}

func (c *HTTPClient) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	var out subscriptionResponse
	if err := c.do(ctx, "get_subscription", http.MethodGet, "/subscriptions/"+url.PathEscape(id), nil, &out); err != nil {
		return Subscription{}, err
	}
	sub := Subscription{
		ID:     out.ID,
		Status: out.Status,
		Active: strings.EqualFold(out.Status, "ACTIVE"),
		Value:  out.Value,
	}
	if out.NextDueDate != "" {
		due, err := time.Parse(time.DateOnly, out.NextDueDate)
		if err != nil {
			return Subscription{}, &Error{Op: "get_subscription", Kind: Transient, Message: "malformed nextDueDate", Err: err}
		}
		sub.NextDueDate = due
	}
	return sub, nil
}

func (c *HTTPClient) CancelSubscription(ctx context.Context, id string) error {
	var out deleteResponse
	if err := c.do(ctx, "cancel_subscription", http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, &out); err != nil {
		return err
	}
	if !out.Deleted {
		return &Error{Op: "cancel_subscription", Kind: Transient, Message: "provider did not confirm deletion"}
	}
	return nil
}

// subscriptionUpdate also reprices invoices the provider already issued for the next cycle.
type subscriptionUpdate struct {
	Value                 json.Number `json:"value"`
	UpdatePendingPayments bool        `json:"updatePendingPayments"`
}

func (c *HTTPClient) UpdateSubscriptionValue(ctx context.Context, id string, value decimal.Decimal) error {
	return c.do(ctx, "update_subscription", http.MethodPost, "/subscriptions/"+url.PathEscape(id), subscriptionUpdate{
		Value:                 json.Number(value.StringFixed(2)),
		UpdatePendingPayments: true,
	}, nil)
}

type providerErrors struct {
	Errors []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"errors"`
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body any, out any) (err error) {
	defer func() { metrics.GatewayCalls.WithLabelValues(op, metrics.Outcome(err)).Inc() }()

	if c.baseURL == "" {
		return &Error{Op: op, Kind: Definitive, Message: "gateway base url not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &Error{Op: op, Kind: Definitive, Message: "encode request", Err: err}
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return &Error{Op: op, Kind: Definitive, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("access_token", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Kind: Transient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &Error{Op: op, Kind: Transient, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Op: op, Kind: classify(resp.StatusCode), StatusCode: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Op: op, Kind: Transient, StatusCode: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	return nil
}

func errorMessage(status int, raw []byte) string {
	var pe providerErrors
	if err := json.Unmarshal(raw, &pe); err == nil && len(pe.Errors) > 0 {
		msgs := make([]string, 0, len(pe.Errors))
		for _, e := range pe.Errors {
			msgs = append(msgs, strings.TrimSpace(e.Code+" "+e.Description))
		}
		return strings.Join(msgs, "; ")
	}
	return http.StatusText(status)
}

func billingType(m model.PaymentMethod) string {
	if m == model.MethodCard {
		return "CREDIT_CARD"
	}
	return "PIX"
}

var _ Gateway = (*HTTPClient)(nil)

var errUnsupported = errors.New("unsupported by provider")
