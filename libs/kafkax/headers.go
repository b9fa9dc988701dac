package kafkax

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Headers builds message headers from key/value pairs and appends the W3C trace
// context of ctx. A trailing key without a value is dropped.
func Headers(ctx context.Context, kv ...string) []kafka.Header {
	carrier := &kafkaHeaderCarrier{headers: make([]kafka.Header, 0, len(kv)/2+2)}
	for i := 0; i+1 < len(kv); i += 2 {
		carrier.Set(kv[i], kv[i+1])
	}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.headers
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

type kafkaHeaderCarrier struct {
	headers []kafka.Header
}

var _ propagation.TextMapCarrier = (*kafkaHeaderCarrier)(nil)

func (c *kafkaHeaderCarrier) Get(key string) string { return HeaderValue(c.headers, key) }

func (c *kafkaHeaderCarrier) Keys() []string {
	keys := make([]string, len(c.headers))
	for i, h := range c.headers {
		keys[i] = h.Key
	}
	return keys
}

func (c *kafkaHeaderCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}
