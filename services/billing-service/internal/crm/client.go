// Package crm mirrors customers and deals into the CRM through its inbound webhook API.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/carebill/libs/httpx"
	"github.com/md-rashed-zaman/carebill/libs/ratelimit"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/metrics"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/shopspring/decimal"
)

type CRM interface {
	CreateContact(ctx context.Context, c Contact) (string, error)
	UpdateContact(ctx context.Context, id string, c Contact) error
	FindDeal(ctx context.Context, contactID, originID string) (string, bool, error)
	CreateDeal(ctx context.Context, d Deal) (string, error)
	UpdateDeal(ctx context.Context, id string, d Deal) error
	ReplaceProductRows(ctx context.Context, dealID string, rows []ProductRow) error
}

type Contact struct {
	Name    string
	Email   string
	Phone   string
	CPF     string
	Address model.Address
}

type Deal struct {
	Title     string
	ContactID string
	Amount    decimal.Decimal
	Currency  string
	// OriginID ties the deal to one ledger row so retries find it instead of duplicating it.
	OriginID string
	Stage    string
}

type ProductRow struct {
	ProductID string
	Name      string
	Price     decimal.Decimal
	Quantity  int
}

type Config struct {
	WebhookURL string
	Timeout    time.Duration
}

type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	limiter ratelimit.Limiter
	logger  *slog.Logger
}

func NewClient(cfg Config, limiter ratelimit.Limiter, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.WebhookURL), "/"),
		timeout: timeout,
		http:    httpx.NewClient(timeout),
		limiter: limiter,
		logger:  logger,
	}
}

type fields map[string]any

func contactFields(c Contact) fields {
	f := fields{}
	first, last := splitName(c.Name)
	if first != "" {
		f["NAME"] = first
	}
	if last != "" {
		f["LAST_NAME"] = last
	}
	if c.Email != "" {
		f["EMAIL"] = []map[string]string{{"VALUE": c.Email, "VALUE_TYPE": "WORK"}}
	}
	if c.Phone != "" {
		f["PHONE"] = []map[string]string{{"VALUE": c.Phone, "VALUE_TYPE": "MOBILE"}}
	}
	if c.CPF != "" {
		f["UF_CRM_CPF"] = c.CPF
	}
	if !c.Address.Empty() {
		a := c.Address
		f["ADDRESS"] = strings.TrimSpace(strings.Join(nonEmpty(a.Street, a.Number), ", "))
		f["ADDRESS_2"] = strings.TrimSpace(strings.Join(nonEmpty(a.Complement, a.District), ", "))
		f["ADDRESS_CITY"] = a.City
		f["ADDRESS_PROVINCE"] = a.State
		f["ADDRESS_POSTAL_CODE"] = a.PostalCode
	}
	return f
}

func dealFields(d Deal) fields {
	f := fields{
		"TITLE":       d.Title,
		"OPPORTUNITY": d.Amount.StringFixed(2),
		"CURRENCY_ID": strings.ToUpper(defaultString(d.Currency, "BRL")),
	}
	if d.ContactID != "" {
		f["CONTACT_ID"] = d.ContactID
	}
	if d.OriginID != "" {
		f["ORIGIN_ID"] = d.OriginID
	}
	if d.Stage != "" {
		f["STAGE_ID"] = d.Stage
	}
	return f
}

func (c *Client) CreateContact(ctx context.Context, ct Contact) (string, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "crm.contact.add", map[string]any{"fields": contactFields(ct)}, &raw); err != nil {
		return "", err
	}
	return resultID("crm.contact.add", raw)
}

func (c *Client) UpdateContact(ctx context.Context, id string, ct Contact) error {
	var raw json.RawMessage
	if err := c.call(ctx, "crm.contact.update", map[string]any{"id": id, "fields": contactFields(ct)}, &raw); err != nil {
		return err
	}
	return resultTrue("crm.contact.update", raw)
}

func (c *Client) FindDeal(ctx context.Context, contactID, originID string) (string, bool, error) {
	filter := map[string]string{"ORIGIN_ID": originID}
	if contactID != "" {
		filter["CONTACT_ID"] = contactID
	}
	var raw json.RawMessage
	if err := c.call(ctx, "crm.deal.list", map[string]any{"filter": filter, "select": []string{"ID"}}, &raw); err != nil {
		return "", false, err
	}
	var deals []struct {
		ID json.Number `json:"ID"`
	}
	if err := json.Unmarshal(raw, &deals); err != nil {
		return "", false, &Error{Method: "crm.deal.list", Message: "malformed result", Transient: true, Err: err}
	}
	if len(deals) == 0 || deals[0].ID == "" {
		return "", false, nil
	}
	return deals[0].ID.String(), true, nil
}

func (c *Client) CreateDeal(ctx context.Context, d Deal) (string, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "crm.deal.add", map[string]any{"fields": dealFields(d)}, &raw); err != nil {
		return "", err
	}
	return resultID("crm.deal.add", raw)
}

func (c *Client) UpdateDeal(ctx context.Context, id string, d Deal) error {
	var raw json.RawMessage
	if err := c.call(ctx, "crm.deal.update", map[string]any{"id": id, "fields": dealFields(d)}, &raw); err != nil {
		return err
	}
	return resultTrue("crm.deal.update", raw)
}

func (c *Client) ReplaceProductRows(ctx context.Context, dealID string, rows []ProductRow) error {
	body := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		row := map[string]any{
			"PRODUCT_ID": r.ProductID,
			"PRICE":      r.Price.StringFixed(2),
			"QUANTITY":   max(r.Quantity, 1),
		}
		if r.Name != "" {
			row["PRODUCT_NAME"] = r.Name
		}
		body = append(body, row)
	}
	var raw json.RawMessage
	if err := c.call(ctx, "crm.deal.productrows.set", map[string]any{"id": dealID, "rows": body}, &raw); err != nil {
		return err
	}
	return resultTrue("crm.deal.productrows.set", raw)
}

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (c *Client) call(ctx context.Context, method string, body any, result *json.RawMessage) (err error) {
	defer func() { metrics.CRMCalls.WithLabelValues(method, metrics.Outcome(err)).Inc() }()

	if c.baseURL == "" {
		return &Error{Method: method, Message: "crm webhook url not configured"}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Method: method, Message: "rate limit wait", Transient: true, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := json.Marshal(body)
	if err != nil {
		return &Error{Method: method, Message: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(raw))
	if err != nil {
		return &Error{Method: method, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Method: method, Message: "request failed", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Method: method, StatusCode: resp.StatusCode, Message: "read response", Transient: true, Err: err}
	}
	var env envelope
	decodeErr := json.Unmarshal(payload, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Method:     method,
			StatusCode: resp.StatusCode,
			Code:       env.Error,
			Message:    defaultString(env.ErrorDescription, http.StatusText(resp.StatusCode)),
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}
	if decodeErr != nil {
		return &Error{Method: method, StatusCode: resp.StatusCode, Message: "malformed response body", Transient: true, Err: decodeErr}
	}
	if env.Error != "" {
		return &Error{Method: method, StatusCode: resp.StatusCode, Code: env.Error, Message: env.ErrorDescription}
	}
	*result = env.Result
	return nil
}

var errFalsy = errors.New("falsy result")

func resultID(method string, raw json.RawMessage) (string, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil && n != "" && n != "0" {
		return n.String(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" && s != "0" {
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return s, nil
		}
	}
	return "", &Error{Method: method, Message: "no id in result", Err: errFalsy}
}

func resultTrue(method string, raw json.RawMessage) error {
	var ok bool
	if err := json.Unmarshal(raw, &ok); err == nil && ok {
		return nil
	}
	return &Error{Method: method, Message: "result was not true", Err: errFalsy}
}

func splitName(name string) (string, string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

func nonEmpty(vals ...string) []string {
	out := vals[:0:0]
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func defaultString(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

var _ CRM = (*Client)(nil)
