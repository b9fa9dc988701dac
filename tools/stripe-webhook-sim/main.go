// Command stripe-webhook-sim posts a signed provider webhook to a local billing service.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/md-rashed-zaman/carebill/libs/config"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL  = flag.String("base-url", config.String("BASE_URL", "http://localhost:8084"), "billing service base url")
		provider = flag.String("provider", "stripe", "stripe or gateway")
		evtType  = flag.String("type", config.String("STRIPE_EVENT_TYPE", "payment_intent.succeeded"), "stripe event type, or gateway payment status")
		payment  = flag.String("payment-id", config.String("PAYMENT_ID", ""), "payment intent or gateway payment id")
		extRef   = flag.String("external-reference", config.String("EXTERNAL_REFERENCE", ""), "transaction external reference")
		secret   = flag.String("secret", config.String("STRIPE_WEBHOOK_SECRET", ""), "stripe signing secret (whsec_...)")
		token    = flag.String("token", config.String("GATEWAY_WEBHOOK_TOKEN", ""), "gateway webhook token")
	)
	flag.Parse()

	if strings.TrimSpace(*payment) == "" {
		fatal("PAYMENT_ID is required")
	}
	now := time.Now().UTC()
	base := strings.TrimRight(*baseURL, "/")

	var req *http.Request
	switch *provider {
	case "stripe":
		if strings.TrimSpace(*secret) == "" {
			fatal("STRIPE_WEBHOOK_SECRET is required")
		}
		payload, err := buildStripeEvent(fmt.Sprintf("evt_test_%d", now.UnixNano()), *evtType, now, *payment, *extRef)
		if err != nil {
			fatal(err.Error())
		}
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   payload,
			Secret:    *secret,
			Timestamp: now,
			Scheme:    "v1",
		})
		req = newRequest(base+"/api/v1/billing/webhooks/stripe", payload)
		req.Header.Set("Stripe-Signature", signed.Header)
	case "gateway":
		if strings.TrimSpace(*token) == "" {
			fatal("GATEWAY_WEBHOOK_TOKEN is required")
		}
		status := strings.ToUpper(*evtType)
		if strings.Contains(status, ".") {
			status = "RECEIVED"
		}
		payload, err := json.Marshal(map[string]any{
			"id":    fmt.Sprintf("evt_%d", now.UnixNano()),
			"event": "PAYMENT_" + status,
			"payment": map[string]any{
				"id":                *payment,
				"status":            status,
				"externalReference": *extRef,
			},
		})
		if err != nil {
			fatal(err.Error())
		}
		req = newRequest(base+"/api/v1/billing/webhooks/gateway", payload)
		req.Header.Set("X-Gateway-Token", *token)
	default:
		fatal("unknown provider: " + *provider)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	fmt.Printf("status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
}

func newRequest(url string, payload []byte) *http.Request {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func buildStripeEvent(eventID, eventType string, t time.Time, intentID, extRef string) ([]byte, error) {
	var object map[string]any
	metadata := map[string]any{"external_reference": extRef}
	switch eventType {
	case "payment_intent.succeeded":
		object = map[string]any{"id": intentID, "object": "payment_intent", "status": "succeeded", "metadata": metadata}
	case "payment_intent.payment_failed":
		object = map[string]any{
			"id": intentID, "object": "payment_intent", "status": "requires_payment_method", "metadata": metadata,
			"last_payment_error": map[string]any{"code": "card_declined", "message": "Your card was declined."},
		}
	case "payment_intent.canceled":
		object = map[string]any{"id": intentID, "object": "payment_intent", "status": "canceled", "metadata": metadata}
	case "charge.refunded":
		object = map[string]any{"id": "ch_test_123", "object": "charge", "refunded": true, "payment_intent": intentID, "metadata": metadata}
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": object},
	})
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
