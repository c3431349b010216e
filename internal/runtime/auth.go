package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	gc "github.com/ebalder/gmail-autolabel/internal/gmail"
)

const (
	clientSecretFile = "credentials.json"
	tokenFile        = "token.json"
)

// AuthError means no valid credential could be obtained. It is fatal to the
// whole run.
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return "authorization failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// StoreError means the durable token store could not be written. Treated as
// fatal: losing the token forces a fresh authorization on every run.
type StoreError struct {
	Path string
	Err  error
}

func (e *StoreError) Error() string { return fmt.Sprintf("credential store %s: %v", e.Path, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// Provider owns the durable credential store under Dir: the read-only client
// secret and the read/write token file. It is the only component that
// touches either.
type Provider struct {
	Dir    string
	Scopes []string
	Logger *slog.Logger

	// overridable in tests; nil means the real implementation
	authorize func(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error)
	refresh   func(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token) (*oauth2.Token, error)
}

func NewProvider(dir string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &Provider{
		Dir:    dir,
		Scopes: []string{gmail.GmailModifyScope},
		Logger: logger,
	}
}

// Token walks the credential ladder: stored token if still valid, refresh
// when it carries a refresh token, interactive authorization as the last
// resort. Every rung that produces a new token persists it before returning.
func (p *Provider) Token(ctx context.Context) (*oauth2.Config, *oauth2.Token, error) {
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return nil, nil, &AuthError{Err: fmt.Errorf("create credential dir %s: %w", p.Dir, err)}
	}
	cfg, err := p.config()
	if err != nil {
		return nil, nil, err
	}

	tok, err := readToken(p.tokenPath())
	switch {
	case err == nil && tok.Valid():
		return cfg, tok, nil
	case err == nil && tok.RefreshToken != "":
		fresh, rerr := p.doRefresh(ctx, cfg, tok)
		if rerr == nil {
			if serr := writeToken(p.tokenPath(), fresh); serr != nil {
				return nil, nil, &StoreError{Path: p.tokenPath(), Err: serr}
			}
			p.Logger.Info("refreshed stored token", "path", p.tokenPath())
			return cfg, fresh, nil
		}
		p.Logger.Warn("token refresh failed, starting interactive authorization", "error", rerr)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		p.Logger.Warn("stored token unreadable, starting interactive authorization", "error", err)
	}

	fresh, err := p.doAuthorize(ctx, cfg)
	if err != nil {
		return nil, nil, &AuthError{Err: err}
	}
	if serr := writeToken(p.tokenPath(), fresh); serr != nil {
		return nil, nil, &StoreError{Path: p.tokenPath(), Err: serr}
	}
	p.Logger.Info("authorization complete, token stored", "path", p.tokenPath())
	return cfg, fresh, nil
}

// HTTPClient returns an authenticated client whose token source writes any
// rotated token back to the store, so a refresh mid-run survives the process.
func (p *Provider) HTTPClient(ctx context.Context) (*http.Client, error) {
	cfg, tok, err := p.Token(ctx)
	if err != nil {
		return nil, err
	}
	src := &persistingSource{
		inner: cfg.TokenSource(ctx, tok),
		path:  p.tokenPath(),
		log:   p.Logger,
		last:  tok.AccessToken,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src)), nil
}

func (p *Provider) config() (*oauth2.Config, error) {
	path := filepath.Join(p.Dir, clientSecretFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &AuthError{Err: fmt.Errorf("read client secret %s: %w", path, err)}
	}
	cfg, err := google.ConfigFromJSON(b, p.Scopes...)
	if err != nil {
		return nil, &AuthError{Err: fmt.Errorf("parse client secret %s: %w", path, err)}
	}
	return cfg, nil
}

func (p *Provider) tokenPath() string { return filepath.Join(p.Dir, tokenFile) }

func (p *Provider) doRefresh(
	ctx context.Context,
	cfg *oauth2.Config,
	tok *oauth2.Token,
) (*oauth2.Token, error) {
	if p.refresh != nil {
		return p.refresh(ctx, cfg, tok)
	}
	return cfg.TokenSource(ctx, tok).Token()
}

func (p *Provider) doAuthorize(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	if p.authorize != nil {
		return p.authorize(ctx, cfg)
	}
	return interactiveAuthorize(ctx, cfg, p.Logger)
}

// interactiveAuthorize runs the browser consent ceremony: a loopback
// listener on an ephemeral port receives the redirect, the state nonce ties
// the callback to this attempt, and the code is exchanged for a token.
func interactiveAuthorize(
	ctx context.Context,
	cfg *oauth2.Config,
	logger *slog.Logger,
) (*oauth2.Token, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("callback listener: %w", err)
	}
	defer lis.Close()

	local := *cfg
	local.RedirectURL = fmt.Sprintf("http://%s/", lis.Addr().String())
	state := uuid.NewString()

	type callback struct {
		code string
		err  error
	}
	results := make(chan callback, 1)

	// deliver forwards at most one callback; repeat hits on the redirect
	// URL are dropped.
	deliver := func(cb callback) {
		select {
		case results <- cb:
		default:
		}
	}

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			deliver(callback{err: errors.New("authorization state mismatch")})
		case q.Get("error") != "":
			http.Error(w, "authorization denied", http.StatusBadRequest)
			deliver(callback{err: fmt.Errorf("authorization denied: %s", q.Get("error"))})
		case q.Get("code") == "":
			http.Error(w, "missing code", http.StatusBadRequest)
			deliver(callback{err: errors.New("callback missing authorization code")})
		default:
			fmt.Fprintln(w, "Authorization complete. You can close this window.")
			deliver(callback{code: q.Get("code")})
		}
	})}
	go func() {
		if serveErr := srv.Serve(lis); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			deliver(callback{err: serveErr})
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("authorization required, open this URL in a browser",
		"url", local.AuthCodeURL(state, oauth2.AccessTypeOffline))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		return local.Exchange(ctx, res.code)
	}
}

// persistingSource saves each newly minted token so the next run starts from
// the freshest refresh token. A persist failure here is logged, not fatal;
// the in-memory token still carries the run.
type persistingSource struct {
	inner oauth2.TokenSource
	path  string
	log   *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.inner.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if werr := writeToken(s.path, tok); werr != nil {
			s.log.Warn("persisting rotated token failed", "path", s.path, "error", werr)
		} else {
			s.last = tok.AccessToken
		}
	}
	return tok, nil
}

func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return tok, nil
}

func writeToken(path string, tok *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ClientOptions configures the remote Gmail surface.
type ClientOptions struct {
	CredsDir    string
	CallTimeout time.Duration
	Logger      *slog.Logger
}

// NewGmailClient obtains a credential and wires the authenticated Gmail
// service behind the narrow client interface.
func NewGmailClient(ctx context.Context, opts ClientOptions) (gc.Client, error) {
	p := NewProvider(opts.CredsDir, opts.Logger)
	httpClient, err := p.HTTPClient(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return NewGoogleAPIClient(svc, opts.CallTimeout), nil
}
