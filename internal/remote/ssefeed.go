package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ulvenforst/nuvii-sync/internal/logging"
	"github.com/ulvenforst/nuvii-sync/internal/metrics"
)

// tokenRefreshLead is how far before bearer-token expiry the feed asks for
// a fresh one.
const tokenRefreshLead = time.Minute

// TokenSource supplies a bearer token for the event stream.
type TokenSource func(ctx context.Context) (string, error)

// SSEFeed is the push-transport Feed: a server-sent-events stream with
// automatic reconnection and bearer-token refresh.
type SSEFeed struct {
	url          string
	tokenSource  TokenSource
	httpClient   *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration
	events       chan Event
	log          *zap.Logger

	mu      sync.Mutex
	token   string
	cancel  context.CancelFunc
	stopped bool
}

// NewSSEFeed creates an SSEFeed for the given stream URL.
func NewSSEFeed(url string, tokenSource TokenSource) *SSEFeed {
	return &SSEFeed{
		url:         strings.TrimSuffix(url, "/"),
		tokenSource: tokenSource,
		httpClient: &http.Client{
			Timeout: 0, // no timeout for a long-lived stream
		},
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
		events:       make(chan Event, 128),
		log:          logging.Named("ssefeed"),
	}
}

// Events returns the delivery channel.
func (f *SSEFeed) Events() <-chan Event {
	return f.events
}

// Start begins the subscribe loop. A stopped feed restarts with a fresh
// event channel.
func (f *SSEFeed) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	if f.stopped {
		f.events = make(chan Event, 128)
		f.stopped = false
	}
	f.cancel = cancel
	f.mu.Unlock()

	go f.subscribeLoop(runCtx)
	f.log.Info("sse change feed started", zap.String("url", f.url))
	return nil
}

// Stop ends delivery and closes the event channel.
func (f *SSEFeed) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	cancel := f.cancel
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(f.events)
}

func (f *SSEFeed) subscribeLoop(ctx context.Context) {
	reconnectDelay := f.reconnectMin

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := f.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			f.log.Error("sse connection error",
				zap.Error(err), zap.Duration("retry_in", reconnectDelay))

			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}

			reconnectDelay *= 2
			if reconnectDelay > f.reconnectMax {
				reconnectDelay = f.reconnectMax
			}
			continue
		}

		reconnectDelay = f.reconnectMin
	}
}

// ensureToken returns a bearer token, refreshing it when the current one is
// within the refresh lead of its exp claim.
func (f *SSEFeed) ensureToken(ctx context.Context) (string, error) {
	f.mu.Lock()
	current := f.token
	f.mu.Unlock()

	if current != "" && !tokenNeedsRefresh(current) {
		return current, nil
	}
	if f.tokenSource == nil {
		return current, nil
	}

	fresh, err := f.tokenSource(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh bearer token: %w", err)
	}

	f.mu.Lock()
	f.token = fresh
	f.mu.Unlock()
	return fresh, nil
}

// tokenNeedsRefresh inspects the token's exp claim without verifying the
// signature: the server verifies, the feed only schedules.
func tokenNeedsRefresh(token string) bool {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false // no exp claim: assume long-lived
	}
	return time.Until(exp.Time) < tokenRefreshLead
}

func (f *SSEFeed) connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	token, err := f.ensureToken(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sse endpoint returned %s", resp.Status)
	}

	f.log.Info("sse stream connected", zap.String("url", f.url))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			f.log.Warn("undecodable sse event", zap.String("payload", payload), zap.Error(err))
			continue
		}
		f.deliver(event)
	}
	return scanner.Err()
}

func (f *SSEFeed) deliver(event Event) {
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if stopped {
		return
	}

	metrics.RecordRemoteEvent(string(event.Kind))
	select {
	case f.events <- event:
	default:
		f.log.Warn("dropping remote event for slow consumer",
			zap.String("path", event.RelativePath))
	}
}

var _ Feed = (*SSEFeed)(nil)
