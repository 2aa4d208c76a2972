// Package trigger relays aggregation triggers between processes over Redis
// pub/sub. Ingestion processes publish; the server's Relay forwards each
// message to its scheduler. Delivery is at-most-once.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/rapport/internal/insight"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "rapport:triggers"

const maxReason = 128

// Message is the payload published on the channel.
type Message struct {
	Reason string    `json:"reason"`
	Source string    `json:"source,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Publisher sends trigger messages.
type Publisher struct {
	client  redis.UniversalClient
	channel string
	source  string
	now     func() time.Time
}

// NewPublisher creates a publisher on channel. source identifies the
// sender in relayed reasons and may be empty.
func NewPublisher(client redis.UniversalClient, channel, source string) *Publisher {
	if client == nil {
		panic(xerrors.New("trigger: redis client is required"))
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel, source: source, now: time.Now}
}

// Publish sends one trigger. It returns the number of relays that
// received it; zero means no server is currently listening.
func (p *Publisher) Publish(ctx context.Context, reason string) (int64, error) {
	payload, err := json.Marshal(Message{Reason: reason, Source: p.source, SentAt: p.now().UTC()})
	if err != nil {
		return 0, fmt.Errorf("marshal trigger: %w", err)
	}
	n, err := p.client.Publish(ctx, p.channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish trigger on %s: %w", p.channel, err)
	}
	return n, nil
}

// Forwarder publishes triggers on behalf of a process that has no
// scheduler of its own. It implements insight.Triggerer.
type Forwarder struct {
	ctx    context.Context
	pub    *Publisher
	logger log.Logger
}

// NewForwarder returns a Forwarder publishing through pub. Publishes use
// ctx without its cancellation.
func NewForwarder(ctx context.Context, pub *Publisher, logger log.Logger) *Forwarder {
	if pub == nil {
		panic(xerrors.New("trigger: publisher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Forwarder{ctx: context.WithoutCancel(ctx), pub: pub, logger: logger}
}

// Trigger publishes reason. Failures are logged, never returned.
func (f *Forwarder) Trigger(reason string) {
	n, err := f.pub.Publish(f.ctx, reason)
	if err != nil {
		f.logger.Error(f.ctx, err, "trigger publish failed", "reason", reason)
		return
	}
	if n == 0 {
		f.logger.Warn(f.ctx, "trigger published with no listeners", "channel", f.pub.channel, "reason", reason)
	}
}

// Relay forwards messages from a channel to a Triggerer.
type Relay struct {
	client  redis.UniversalClient
	channel string
	target  insight.Triggerer
	logger  log.Logger
	ready   chan struct{}
}

// NewRelay creates a relay. Run starts it.
func NewRelay(client redis.UniversalClient, channel string, target insight.Triggerer, logger log.Logger) *Relay {
	if client == nil {
		panic(xerrors.New("trigger: redis client is required"))
	}
	if target == nil {
		panic(xerrors.New("trigger: target is required"))
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Relay{
		client:  client,
		channel: channel,
		target:  target,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the subscription is confirmed by the server.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes and forwards messages until ctx is cancelled, returning
// nil in that case. Run must be called at most once.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)
	r.logger.Info(ctx, "trigger relay subscribed", "channel", r.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("trigger relay: subscription closed")
			}
			reason := reasonOf(msg.Payload)
			r.logger.Info(ctx, "trigger received", "channel", r.channel, "reason", reason)
			r.target.Trigger(reason)
		}
	}
}

// reasonOf decodes a Message payload. Anything else is taken as a plain
// text reason so producers can use redis-cli PUBLISH directly.
func reasonOf(payload string) string {
	var m Message
	reason := ""
	if err := json.Unmarshal([]byte(payload), &m); err == nil {
		reason = strings.TrimSpace(m.Reason)
		if m.Source != "" && reason != "" {
			reason = m.Source + ": " + reason
		}
	} else {
		reason = strings.TrimSpace(payload)
	}
	if reason == "" {
		reason = "redis"
	}
	return cutUTF8(reason, maxReason)
}

// cutUTF8 returns the longest prefix of s no longer than n bytes that does
// not split a rune.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
