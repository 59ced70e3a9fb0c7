package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// refreshCheckInterval is how often WatchExpiry polls the cached token's
// claims for a proactive refresh, rather than waiting for the server to
// reject a stale one.
const refreshCheckInterval = 30 * time.Second

// expiryWarningWindow is how far ahead of a token's exp claim OAuth2Provider
// tries to refresh it.
const expiryWarningWindow = 60 * time.Second

// OAuth2Provider adapts an oauth2.TokenSource (already carrying a refresh
// token and endpoint) into the connection manager's AuthProvider contract.
// The OAuth authorization-code exchange itself is a UI-surface concern and
// stays out of scope (spec §1 Out of scope); this type only consumes an
// already-configured TokenSource.
type OAuth2Provider struct {
	src    oauth2.TokenSource
	logger *zap.Logger

	mu          sync.RWMutex
	current     string
	loggedIn    bool
	subscribers []chan Event
}

// NewOAuth2Provider wraps src. src is typically built by the embedding
// application via oauth2.Config.TokenSource(ctx, initialToken) or
// oauth2.ReuseTokenSource, so repeated calls to Token already refresh
// transparently.
func NewOAuth2Provider(src oauth2.TokenSource, logger *zap.Logger) *OAuth2Provider {
	return &OAuth2Provider{
		src:    src,
		logger: logger.Named("auth.oauth2"),
	}
}

func (p *OAuth2Provider) Token() string {
	tok, err := p.src.Token()
	if err != nil {
		p.logger.Warn("token refresh failed", zap.Error(err))
		p.setLoggedIn(false)
		return ""
	}
	p.mu.Lock()
	p.current = tok.AccessToken
	p.mu.Unlock()
	p.setLoggedIn(true)
	return tok.AccessToken
}

func (p *OAuth2Provider) IsLoggedIn() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loggedIn
}

func (p *OAuth2Provider) Events() <-chan Event {
	ch := make(chan Event, 4)
	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()
	return ch
}

func (p *OAuth2Provider) setLoggedIn(ok bool) {
	p.mu.Lock()
	changed := p.loggedIn != ok
	p.loggedIn = ok
	p.mu.Unlock()
	if !changed {
		return
	}
	kind := EventLogout
	if ok {
		kind = EventLogin
	}
	p.publish(Event{Kind: kind})
}

func (p *OAuth2Provider) publish(ev Event) {
	p.mu.RLock()
	subs := make([]chan Event, len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// WatchExpiry polls the cached token's claims and proactively calls Token
// again once it is within expiryWarningWindow of expiring, so the
// connection manager observes a fresh token before the server ever has a
// chance to reject a stale one. Runs until ctx is cancelled; call in its
// own goroutine.
func (p *OAuth2Provider) WatchExpiry(ctx context.Context) {
	ticker := time.NewTicker(refreshCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			tok := p.current
			p.mu.RUnlock()
			if tok != "" && expiresWithin(tok, expiryWarningWindow) {
				p.logger.Debug("token nearing expiry, refreshing proactively")
				p.Token()
			}
		}
	}
}
