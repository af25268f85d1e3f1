package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pawhq/paw/internal/events"
	"github.com/pawhq/paw/internal/httpkit"
)

// ChannelSender delivers outbound text on a named channel. Implemented
// by the channel manager; defined here so the router does not depend
// on channel internals.
type ChannelSender interface {
	// HasChannel reports whether a provider with this (lowercase) name
	// is registered.
	HasChannel(name string) bool
	// SendText delivers text on the named channel to the session peer.
	SendText(ctx context.Context, name, peerID, text string) error
}

// TopicPublisher publishes a payload to a pub/sub topic. Implemented
// by the MQTT publisher.
type TopicPublisher interface {
	PublishText(ctx context.Context, topic, text string) error
}

// OutputRouter dispatches finished response text to a destination.
// Targets: "log", "webhook:<url>", a bare http(s) URL, "mqtt:<topic>",
// or a channel name. Dispatch never returns an error; failures are
// logged and reported as false.
type OutputRouter struct {
	channels ChannelSender
	mqtt     TopicPublisher
	client   *http.Client
	bus      *events.Bus
	logger   *slog.Logger
}

// NewOutputRouter creates an output router. channels and mqtt are
// optional; targets that need an absent backend fail dispatch.
func NewOutputRouter(channels ChannelSender, mqtt TopicPublisher, timeout time.Duration, bus *events.Bus, logger *slog.Logger) *OutputRouter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputRouter{
		channels: channels,
		mqtt:     mqtt,
		client:   httpkit.NewClient(httpkit.WithTimeout(timeout)),
		bus:      bus,
		logger:   logger,
	}
}

// Dispatch sends text to the target, reporting success. The primary
// response has already been produced and persisted by the time this
// runs, so failures stay local: logged, counted, never raised.
func (o *OutputRouter) Dispatch(ctx context.Context, target, text, source string, metadata map[string]any) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}

	ok := o.dispatch(ctx, target, text, source, metadata)
	o.bus.Publish(events.Event{
		Source: events.SourceOutput,
		Kind:   events.KindOutputDispatched,
		Data:   map[string]any{"target": target, "source": source, "ok": ok, "length": len(text)},
	})
	return ok
}

func (o *OutputRouter) dispatch(ctx context.Context, target, text, source string, metadata map[string]any) bool {
	switch {
	case target == "log":
		o.logger.Info("output", "source", source, "text", text)
		return true

	case strings.HasPrefix(target, "webhook:"):
		return o.postWebhook(ctx, strings.TrimPrefix(target, "webhook:"), target, text, source, metadata)

	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		return o.postWebhook(ctx, target, target, text, source, metadata)

	case strings.HasPrefix(target, "mqtt:"):
		return o.publishMQTT(ctx, strings.TrimPrefix(target, "mqtt:"), text)

	default:
		return o.sendChannel(ctx, target, text, metadata)
	}
}

func (o *OutputRouter) postWebhook(ctx context.Context, url, target, text, source string, metadata map[string]any) bool {
	payload, err := json.Marshal(map[string]any{
		"source":   source,
		"target":   target,
		"text":     text,
		"metadata": metadata,
	})
	if err != nil {
		o.logger.Warn("output webhook marshal failed", "target", target, "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		o.logger.Warn("output webhook request failed", "target", target, "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Warn("output webhook delivery failed", "target", target, "error", err)
		return false
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 400 {
		o.logger.Warn("output webhook rejected",
			"target", target, "status", resp.StatusCode, "body", httpkit.ReadErrorBody(resp.Body, 512))
		return false
	}
	return true
}

func (o *OutputRouter) publishMQTT(ctx context.Context, topic, text string) bool {
	if o.mqtt == nil {
		o.logger.Warn("mqtt output target but no broker configured", "topic", topic)
		return false
	}
	if err := o.mqtt.PublishText(ctx, topic, text); err != nil {
		o.logger.Warn("mqtt output publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

// sendChannel treats the target as a channel name. Matching is
// case-insensitive. A ":"-qualifier suffix (e.g. "telegram:default")
// is accepted but the qualifier is only logged, not used for routing.
func (o *OutputRouter) sendChannel(ctx context.Context, target, text string, metadata map[string]any) bool {
	name := strings.ToLower(target)
	if idx := strings.Index(name, ":"); idx >= 0 {
		o.logger.Info("channel target qualifier ignored",
			"channel", name[:idx], "qualifier", name[idx+1:])
		name = name[:idx]
	}

	if o.channels == nil || !o.channels.HasChannel(name) {
		o.logger.Warn("output target matches no channel", "target", target)
		return false
	}

	peerID, _ := metadata["peer_id"].(string)
	if err := o.channels.SendText(ctx, name, peerID, text); err != nil {
		o.logger.Warn("channel send failed", "channel", name, "error", err)
		return false
	}
	return true
}
