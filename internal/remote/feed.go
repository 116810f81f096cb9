package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
)

// Pulse is one change notification from the feed: some device wrote a
// row in table. Pulses are advisory only; the authoritative data always
// comes from a pull, so a lost pulse costs latency, never correctness.
type Pulse struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// FeedConfig holds change feed construction options.
type FeedConfig struct {
	// URL is the websocket endpoint, e.g. wss://sync.example.com/api/feed.
	URL string

	// Token is the bearer credential for the authenticated user.
	Token string

	// ReconnectBase is the first reconnect delay; doubled per failure up
	// to ReconnectMax. Defaults 1s / 30s.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// Logger for connection events. Defaults to stderr.
	Logger *log.Logger
}

// Feed maintains a websocket subscription to the remote change stream
// and reconnects with capped exponential backoff when it drops.
type Feed struct {
	config FeedConfig
	logger *log.Logger
}

// NewFeed builds a change feed client.
func NewFeed(config FeedConfig) (*Feed, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = time.Second
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[feed] ", log.LstdFlags)
	}
	return &Feed{config: config, logger: config.Logger}, nil
}

// Run connects and delivers pulses to fn until ctx is cancelled. The
// callback runs on the feed goroutine and must return quickly;
// consumers typically just poke a debounced trigger.
func (f *Feed) Run(ctx context.Context, fn func(Pulse)) error {
	delay := f.config.ReconnectBase
	for {
		err := f.listen(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Printf("Feed disconnected: %v (reconnecting in %s)", err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.config.ReconnectMax {
			delay = f.config.ReconnectMax
		}
	}
}

// listen holds one connection open and decodes pulses until it fails.
func (f *Feed) listen(ctx context.Context, fn func(Pulse)) error {
	opts := &websocket.DialOptions{}
	if f.config.Token != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + f.config.Token},
		}
	}
	conn, _, err := websocket.Dial(ctx, f.config.URL, opts)
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	f.logger.Printf("Feed connected to %s", f.config.URL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("feed read failed: %w", err)
		}
		var p Pulse
		if err := json.Unmarshal(data, &p); err != nil {
			f.logger.Printf("Ignoring malformed pulse: %v", err)
			continue
		}
		fn(p)
	}
}
