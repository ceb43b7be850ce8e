package cmt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/beamctl/internal/observability"
	"github.com/rs/zerolog/log"
)

var ErrTokenUnavailable = errors.New("cmt: token unavailable")

// DefaultTokenCache is where tokens are cached between runs.
const DefaultTokenCache = "~/etc/cmtjwt"

// Tokens hands out bearer tokens.
type Tokens interface {
	Token(ctx context.Context) (string, error)
	// Invalidate drops the current token so the next Token call fetches a new one.
	Invalidate()
}

// StaticTokens always returns the same token.
type StaticTokens string

func (t StaticTokens) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", ErrTokenUnavailable
	}
	return string(t), nil
}

func (StaticTokens) Invalidate() {}

// JWTSource fetches tokens from a token service with basic auth and caches
// them on disk. A cached token is used only while Validate accepts it.
type JWTSource struct {
	URL       string
	User      string
	Password  func(ctx context.Context) (string, error)
	CachePath string
	Client    *http.Client
	Validate  func(ctx context.Context, token string) bool

	mu          sync.Mutex
	token       string
	cacheStale  bool
	cacheWarned bool
}

func (s *JWTSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	if !s.cacheStale {
		if token, ok := s.readCache(); ok {
			if s.Validate == nil || s.Validate(ctx, token) {
				s.token = token
				return token, nil
			}
			log.Info().Msgf("cmt.JWTSource.Token cached token rejected path=%q", s.cachePath())
		}
	}
	token, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.cacheStale = false
	s.writeCache(token)
	return token, nil
}

func (s *JWTSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.cacheStale = true
}

func (s *JWTSource) fetch(ctx context.Context) (string, error) {
	if strings.TrimSpace(s.URL) == "" {
		return "", fmt.Errorf("%w: token url is not configured", ErrTokenUnavailable)
	}
	password := ""
	if s.Password != nil {
		var err error
		password, err = s.Password(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: password: %v", ErrTokenUnavailable, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	req.SetBasicAuth(s.User, password)

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		observability.RecordUpstream("jwt", http.MethodGet, "/token", 0, time.Since(start), false)
		return "", fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	observability.RecordUpstream("jwt", http.MethodGet, "/token", resp.StatusCode, time.Since(start), resp.StatusCode == http.StatusOK)
	if err != nil {
		return "", fmt.Errorf("%w: read: %v", ErrTokenUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrTokenUnavailable, resp.StatusCode)
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrTokenUnavailable)
	}
	log.Info().Msgf("cmt.JWTSource.fetch user=%q", s.User)
	return token, nil
}

func (s *JWTSource) cachePath() string {
	path := s.CachePath
	if path == "" {
		path = DefaultTokenCache
	}
	return expandHome(path)
}

func (s *JWTSource) readCache() (string, bool) {
	if s.CachePath == "-" {
		return "", false
	}
	data, err := os.ReadFile(s.cachePath())
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(string(data))
	return token, token != ""
}

// writeCache stores the token owner-only. Failing to cache is not fatal;
// the next run just authenticates again.
func (s *JWTSource) writeCache(token string) {
	if s.CachePath == "-" {
		return
	}
	path := s.cachePath()
	err := os.MkdirAll(filepath.Dir(path), 0o700)
	if err == nil {
		err = os.Chmod(filepath.Dir(path), 0o700)
	}
	if err == nil {
		err = os.WriteFile(path, []byte(token), 0o600)
	}
	if err == nil {
		err = os.Chmod(path, 0o600)
	}
	if err != nil && !s.cacheWarned {
		s.cacheWarned = true
		log.Warn().Msgf("cmt.JWTSource.writeCache path=%q err=%v", path, err)
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
