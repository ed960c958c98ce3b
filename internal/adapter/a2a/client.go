package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/tracer"
	"agentbridge/internal/usecase/bridge"
)

// Path is the directed-message endpoint every agent serves.
const Path = "/a2a"

// maxReplyBytes bounds a peer's reply body.
const maxReplyBytes = 4 << 20

// Client delivers envelopes to peers over HTTP.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

var _ domain.Deliverer = (*Client)(nil)

// NewClient creates a delivery client. The per-call deadline comes from the
// caller's context; timeout is an upper bound for callers that set none.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = bridge.DefaultDeliveryTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}, logger: logger}
}

// Endpoint returns the directed-message URL for a peer address. Addresses
// that already name the endpoint are used as-is.
func Endpoint(address string) string {
	address = strings.TrimRight(address, "/")
	if strings.HasSuffix(address, Path) {
		return address
	}
	return address + Path
}

// Deliver implements domain.Deliverer.
func (c *Client) Deliver(ctx context.Context, address string, env domain.Envelope) (domain.Envelope, error) {
	const op = "A2AClient.Deliver"
	to := env.Meta(domain.MetaToAgent)

	ctx, span := tracer.StartSpan(ctx, "a2a.deliver",
		trace.WithAttributes(tracer.StringAttr("peer", to)),
	)
	defer span.End()

	fail := func(err error) (domain.Envelope, error) {
		tracer.RecordError(span, err)
		return domain.Envelope{}, err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fail(domain.NewSubSystemError("delivery", op, domain.ErrDeliveryFailure, err.Error()))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, Endpoint(address), bytes.NewReader(body))
	if err != nil {
		return fail(domain.NewSubSystemError("delivery", op, domain.ErrDeliveryFailure, err.Error()))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fail(fmt.Errorf("%w: %w", domain.ErrDeliveryTimeout, err))
		}
		return fail(fmt.Errorf("%w: %w", domain.ErrDeliveryFailure, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fail(fmt.Errorf("%w: %w", domain.ErrDeliveryTimeout, err))
		}
		return fail(fmt.Errorf("%w: read reply: %w", domain.ErrDeliveryFailure, err))
	}
	if resp.StatusCode != http.StatusOK {
		return fail(domain.NewSubSystemError("delivery", op, domain.ErrDeliveryFailure,
			fmt.Sprintf("HTTP %d from %s", resp.StatusCode, to)))
	}

	reply, err := bridge.ParseEnvelope(raw)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", domain.ErrDeliveryFailure, err))
	}
	c.logger.Debug("peer replied", "peer", to, "conversation_id", reply.ConversationID)
	tracer.SetOK(span)
	return reply, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
