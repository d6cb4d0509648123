package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/pkg/models"
)

// ErrChannelClosed is returned by Deliver/Publish after Close.
var ErrChannelClosed = errors.New("channel closed")

var relayJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	relayReconnectDelay = 5 * time.Second
	relayPongWait       = 45 * time.Second
	relayPingInterval   = 15 * time.Second
	relayWriteWait      = 10 * time.Second
	relayMaxPayload     = 1 << 20
)

// RelayConfig locates the relay server.
type RelayConfig struct {
	// WebsocketURL is the ws:// or wss:// endpoint streaming envelopes.
	WebsocketURL string
	// BroadcastURL is the HTTP endpoint responses are POSTed to.
	BroadcastURL string
	// Device identifies this agent host in outbound envelopes.
	Device string
}

// Relay is the production Channel: a websocket client that filters prompt
// envelopes off the relay stream and POSTs responses to the relay's
// broadcast endpoint. The read loop reconnects with a fixed delay until
// Close or context cancellation.
type Relay struct {
	cfg    RelayConfig
	logger *observability.Logger
	http   *http.Client

	inbound chan models.Envelope

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewRelay builds a relay channel and starts its read loop.
func NewRelay(ctx context.Context, cfg RelayConfig, logger *observability.Logger) (*Relay, error) {
	if cfg.WebsocketURL == "" {
		return nil, errors.New("relay websocket url is required")
	}
	if cfg.BroadcastURL == "" {
		return nil, errors.New("relay broadcast url is required")
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	r := &Relay{
		cfg:     cfg,
		logger:  logger,
		http:    &http.Client{Timeout: 10 * time.Second},
		inbound: make(chan models.Envelope, 16),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.readLoop(ctx)
	return r, nil
}

func (r *Relay) Inbound() <-chan models.Envelope { return r.inbound }

// Publish POSTs an agent response envelope to the relay broadcast endpoint.
func (r *Relay) Publish(ctx context.Context, env models.Envelope) error {
	select {
	case <-r.closed:
		return ErrChannelClosed
	default:
	}
	if env.Device == "" {
		env.Device = r.cfg.Device
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	body, err := relayJSON.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BroadcastURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("broadcast to relay: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("broadcast to relay: status %d", resp.StatusCode)
	}
	return nil
}

func (r *Relay) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	<-r.done
	return nil
}

// readLoop dials the relay, pumps envelopes, and redials after a fixed
// delay on any failure. The inbound channel is closed on exit.
func (r *Relay) readLoop(ctx context.Context) {
	defer close(r.done)
	defer close(r.inbound)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closed:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.cfg.WebsocketURL, nil)
		if err != nil {
			r.logger.Warn(ctx, "relay dial failed, retrying",
				"url", r.cfg.WebsocketURL, "delay", relayReconnectDelay, "error", err)
			if !r.sleep(ctx, relayReconnectDelay) {
				return
			}
			continue
		}

		r.logger.Info(ctx, "relay connected", "url", r.cfg.WebsocketURL)
		err = r.pump(ctx, conn)
		conn.Close()
		select {
		case <-ctx.Done():
			return
		case <-r.closed:
			return
		default:
		}
		r.logger.Warn(ctx, "relay connection lost, reconnecting",
			"delay", relayReconnectDelay, "error", err)
		if !r.sleep(ctx, relayReconnectDelay) {
			return
		}
	}
}

// pump reads envelopes until the connection fails or the relay closes. Only
// prompts addressed to the agent are forwarded; everything else on the wire
// is dropped.
func (r *Relay) pump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(relayMaxPayload)
	conn.SetReadDeadline(time.Now().Add(relayPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(relayPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(relayWriteWait)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-r.closed:
				conn.Close()
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env models.Envelope
		if err := relayJSON.Unmarshal(data, &env); err != nil {
			r.logger.Warn(ctx, "dropping malformed relay message", "error", err)
			continue
		}
		if !env.ForAgent() {
			continue
		}
		select {
		case r.inbound <- env:
		case <-r.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Relay) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.closed:
		return false
	case <-ctx.Done():
		return false
	}
}
