// Package config は環境変数からのアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/fedisleuth/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	ListenAddr        string
	CORSAllowedOrigin string

	// Database
	DBPath string

	// Platform instances
	PixelfedInstance string
	MastodonInstance string
	BlueskyPDS       string
	EnabledPlatforms []model.Platform

	// Auth
	OAuthTimeout time.Duration

	// Search
	SearchTimeout   time.Duration
	DaysBackDefault int

	// Resolver
	ResolveTimeout  time.Duration
	ResolveCacheTTL time.Duration

	// Download
	DownloadDir            string
	MaxConcurrentDownloads int
	MaxMediaSize           int64
	DownloadTimeout        time.Duration
}

// envLoader は環境変数を解析し、不正な値を収集する。
type envLoader struct {
	problems []string
}

func (l *envLoader) str(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (l *envLoader) num(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		l.problems = append(l.problems, fmt.Sprintf("%s=%s (not an integer)", key, v))
		return defaultVal
	}
	return i
}

func (l *envLoader) num64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.problems = append(l.problems, fmt.Sprintf("%s=%s (not an integer)", key, v))
		return defaultVal
	}
	return i
}

func (l *envLoader) duration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.problems = append(l.problems, fmt.Sprintf("%s=%s (not a duration)", key, v))
		return defaultVal
	}
	return d
}

// Load は環境変数からConfigを読み込む。
// 解析できない値と範囲外の値はすべて収集し、1つのエラーとして報告する。
func Load() (*Config, error) {
	l := &envLoader{}

	cfg := &Config{
		ListenAddr:             l.str("FEDISLEUTH_LISTEN_ADDR", "127.0.0.1:8765"),
		CORSAllowedOrigin:      l.str("FEDISLEUTH_CORS_ALLOWED_ORIGIN", "http://localhost:3000"),
		DBPath:                 l.str("FEDISLEUTH_DB_PATH", "fedisleuth.db"),
		PixelfedInstance:       l.str("FEDISLEUTH_PIXELFED_INSTANCE", "https://pixelfed.social"),
		MastodonInstance:       l.str("FEDISLEUTH_MASTODON_INSTANCE", "https://mastodon.social"),
		BlueskyPDS:             l.str("FEDISLEUTH_BLUESKY_PDS", "https://bsky.social"),
		OAuthTimeout:           l.duration("FEDISLEUTH_OAUTH_TIMEOUT", 180*time.Second),
		SearchTimeout:          l.duration("FEDISLEUTH_SEARCH_TIMEOUT", 60*time.Second),
		DaysBackDefault:        l.num("FEDISLEUTH_DAYS_BACK_DEFAULT", 180),
		ResolveTimeout:         l.duration("FEDISLEUTH_RESOLVE_TIMEOUT", 30*time.Second),
		ResolveCacheTTL:        l.duration("FEDISLEUTH_RESOLVE_CACHE_TTL", 30*time.Minute),
		DownloadDir:            l.str("FEDISLEUTH_DOWNLOAD_DIR", "downloads"),
		MaxConcurrentDownloads: l.num("FEDISLEUTH_MAX_CONCURRENT_DOWNLOADS", 3),
		MaxMediaSize:           l.num64("FEDISLEUTH_MAX_MEDIA_SIZE", 104857600),
		DownloadTimeout:        l.duration("FEDISLEUTH_DOWNLOAD_TIMEOUT", 120*time.Second),
	}

	platforms, err := parseEnabledPlatforms(l.str("FEDISLEUTH_ENABLED_PLATFORMS", "pixelfed,mastodon,bluesky"))
	if err != nil {
		l.problems = append(l.problems, err.Error())
	}
	cfg.EnabledPlatforms = platforms

	l.problems = append(l.problems, cfg.invalidValues()...)

	if len(l.problems) > 0 {
		return nil, fmt.Errorf("invalid environment variables: %s", strings.Join(l.problems, "; "))
	}
	return cfg, nil
}

// invalidValues は設定値の整合性を検証し、違反の一覧を返す。
func (c *Config) invalidValues() []string {
	var invalid []string

	for _, instance := range []struct {
		key   string
		value string
	}{
		{"FEDISLEUTH_PIXELFED_INSTANCE", c.PixelfedInstance},
		{"FEDISLEUTH_MASTODON_INSTANCE", c.MastodonInstance},
		{"FEDISLEUTH_BLUESKY_PDS", c.BlueskyPDS},
	} {
		if err := validateBaseURL(instance.value); err != nil {
			invalid = append(invalid, fmt.Sprintf("%s=%s (%v)", instance.key, instance.value, err))
		}
	}

	if c.MaxConcurrentDownloads < 1 {
		invalid = append(invalid, fmt.Sprintf("FEDISLEUTH_MAX_CONCURRENT_DOWNLOADS=%d (must be >= 1)", c.MaxConcurrentDownloads))
	}
	if c.DaysBackDefault < model.MinDaysBack || c.DaysBackDefault > model.MaxDaysBack {
		invalid = append(invalid, fmt.Sprintf("FEDISLEUTH_DAYS_BACK_DEFAULT=%d (must be in [%d, %d])", c.DaysBackDefault, model.MinDaysBack, model.MaxDaysBack))
	}
	if c.MaxMediaSize < 1 {
		invalid = append(invalid, fmt.Sprintf("FEDISLEUTH_MAX_MEDIA_SIZE=%d (must be >= 1)", c.MaxMediaSize))
	}

	return invalid
}

// InstanceURL は対象プラットフォームのベースURLを返す。
func (c *Config) InstanceURL(p model.Platform) string {
	switch p {
	case model.PlatformPixelfed:
		return c.PixelfedInstance
	case model.PlatformMastodon:
		return c.MastodonInstance
	case model.PlatformBluesky:
		return c.BlueskyPDS
	default:
		return ""
	}
}

// PlatformEnabled は対象プラットフォームが有効化されているかを返す。
func (c *Config) PlatformEnabled(p model.Platform) bool {
	for _, enabled := range c.EnabledPlatforms {
		if enabled == p {
			return true
		}
	}
	return false
}

// parseEnabledPlatforms はカンマ区切りのプラットフォーム名リストを解析する。
func parseEnabledPlatforms(raw string) ([]model.Platform, error) {
	var platforms []model.Platform
	seen := make(map[model.Platform]bool)

	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p, err := model.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("FEDISLEUTH_ENABLED_PLATFORMS: %w", err)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		platforms = append(platforms, p)
	}

	return platforms, nil
}

// validateBaseURL はインスタンスURLがhttp(s)の絶対URLであることを検証する。
func validateBaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
