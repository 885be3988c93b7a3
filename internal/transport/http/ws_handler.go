package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/socialmap-server/internal/core"
	"github.com/vovakirdan/socialmap-server/internal/metrics"
	"github.com/vovakirdan/socialmap-server/internal/proto"
	"github.com/vovakirdan/socialmap-server/internal/utils"
)

const (
	defaultMaxMessageBytes = 64 << 10
	defaultWriteTimeout    = 10 * time.Second
	defaultPingInterval    = 30 * time.Second
)

// WSOptions tunes per-connection limits. Zero values use defaults; a zero
// MessageRate disables rate limiting.
type WSOptions struct {
	MaxMessageBytes int64
	MessageRate     float64
	MessageBurst    int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
}

func (o WSOptions) withDefaults() WSOptions {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = defaultMaxMessageBytes
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	return o
}

// kickedError ends a session the core asked to close.
type kickedError struct {
	reason core.CloseReason
}

func (e kickedError) Error() string {
	return e.reason.String()
}

// WSHandler upgrades HTTP connections and bridges them to core.Client.
type WSHandler struct {
	hub  *core.Hub
	opts WSOptions
	log  *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *core.Hub, opts WSOptions, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{hub: hub, opts: opts.withDefaults(), log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	conn.SetReadLimit(h.opts.MaxMessageBytes)

	client := core.NewClient(utils.NewID())
	decision, err := h.hub.RegisterClient(client)
	if err != nil {
		h.log.Error().Err(err).Str("client_id", client.ID).Msg("register client")
		conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	if !decision.Kind.Admitted() {
		_ = h.write(ctx, conn, outboundFromEvent(&core.Event{Kind: core.EventConnectionRejected, Decision: &decision}))
		conn.Close(kickStatus(core.CloseCapacity))
		return
	}
	defer h.hub.UnregisterClient(client)

	if err := h.write(ctx, conn, outboundFromEvent(&core.Event{Kind: core.EventConnectionAccepted, Decision: &decision})); err != nil {
		return
	}
	if decision.Kind == core.AcceptWithWarning {
		if err := h.write(ctx, conn, outboundFromEvent(&core.Event{Kind: core.EventCapacityWarning, Decision: &decision})); err != nil {
			return
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status, reason := h.closeStatus(client, err)
	conn.Close(status, reason)
}

func (h *WSHandler) closeStatus(client *core.Client, err error) (websocket.StatusCode, string) {
	var kicked kickedError
	if errors.As(err, &kicked) {
		return kickStatus(kicked.reason)
	}

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("client_id", client.ID).Msg("ws connection closed with error")
		}
	}
	return status, reason
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	limiter := newRateLimiter(h.opts.MessageRate, h.opts.MessageBurst)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		// Every frame spends a token, malformed ones included.
		if !limiter.allow() {
			metrics.InboundRejected.WithLabelValues("rate_limited").Inc()
			h.reply(client, &proto.Error{Code: core.ErrCodeRateLimited, Msg: "too many messages"})
			continue
		}

		var inbound proto.Inbound
		if typ != websocket.MessageText || json.Unmarshal(data, &inbound) != nil || inbound.Type == "" {
			metrics.InboundRejected.WithLabelValues("malformed").Inc()
			h.log.Warn().Str("client_id", client.ID).Int("bytes", len(data)).Msg("dropping malformed frame")
			h.reply(client, &proto.Error{Code: core.ErrCodeMalformedMessage, Msg: "frame is not a JSON envelope"})
			continue
		}

		cmd, protoErr := inboundToCommand(inbound)
		if protoErr != nil {
			metrics.InboundRejected.WithLabelValues(protoErr.Code).Inc()
			h.reply(client, protoErr)
			continue
		}

		select {
		case client.Commands <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	ping := time.NewTicker(h.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case event := <-client.Events:
			if err := h.write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("client_id", client.ID).Msg("write ws event")
				return err
			}
		case <-client.Done():
			// Close here, while the read side is still running, so the peer
			// sees this status rather than the one for a canceled read.
			h.flush(ctx, conn, client)
			reason := client.CloseReason()
			status, text := kickStatus(reason)
			_ = conn.Close(status, text)
			return kickedError{reason: reason}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func kickStatus(reason core.CloseReason) (websocket.StatusCode, string) {
	switch reason {
	case core.CloseJoinTimeout:
		return websocket.StatusPolicyViolation, reason.String()
	case core.CloseShutdown:
		return websocket.StatusGoingAway, reason.String()
	case core.CloseCapacity:
		return websocket.StatusTryAgainLater, reason.String()
	default:
		return websocket.StatusNormalClosure, reason.String()
	}
}

// flush writes events queued before the client was kicked, such as the
// notice explaining why.
func (h *WSHandler) flush(ctx context.Context, conn *websocket.Conn, client *core.Client) {
	for {
		select {
		case event := <-client.Events:
			if err := h.write(ctx, conn, outboundFromEvent(event)); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *WSHandler) write(ctx context.Context, conn *websocket.Conn, out proto.Outbound) error {
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// reply queues a protocol error for the write loop.
func (h *WSHandler) reply(client *core.Client, perr *proto.Error) {
	if err := client.Deliver(errorEvent(perr)); err != nil && !errors.Is(err, core.ErrConnectionClosed) {
		h.log.Warn().Err(err).Str("client_id", client.ID).Msg("dropping protocol error")
	}
}
