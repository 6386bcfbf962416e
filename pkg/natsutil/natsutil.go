// Package natsutil provides typed NATS publish/subscribe/request helpers
// with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NewMsg encodes v as JSON into a message for subject, with the trace
// context of ctx in its headers. hdr may be nil.
func NewMsg[T any](ctx context.Context, subject string, v T, hdr nats.Header) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := NewMsg(ctx, subject, v, nil)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Handler receives a decoded message along with the raw message, which
// carries headers and the reply subject.
type Handler[T any] func(ctx context.Context, v T, msg *nats.Msg)

// Subscribe registers a handler that deserializes JSON messages of type T.
// A non-empty queue joins a queue group so that each message reaches one
// member. Trace context is extracted from the message headers. Messages that
// fail to decode go to malformed, or are dropped when it is nil.
func Subscribe[T any](nc *nats.Conn, subject, queue string, handler Handler[T], malformed func(*nats.Msg, error)) (*nats.Subscription, error) {
	cb := func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			if malformed != nil {
				malformed(msg, err)
			}
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		handler(ctx, v, msg)
	}
	if queue != "" {
		return nc.QueueSubscribe(subject, queue, cb)
	}
	return nc.Subscribe(subject, cb)
}

// Respond answers a request message with v encoded as JSON. It is a no-op
// for messages without a reply subject.
func Respond[T any](ctx context.Context, nc *nats.Conn, msg *nats.Msg, v T) error {
	if msg.Reply == "" {
		return nil
	}
	resp, err := NewMsg(ctx, msg.Reply, v, nil)
	if err != nil {
		return err
	}
	return nc.PublishMsg(resp)
}

// Request sends a JSON-encoded request and decodes the response. The wait is
// bounded by ctx, or by nats.DefaultTimeout when ctx has no deadline.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	msg, err := NewMsg(ctx, subject, req, nil)
	if err != nil {
		return zero, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nats.DefaultTimeout)
		defer cancel()
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, err
	}
	var result Resp
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return zero, err
	}
	return result, nil
}
