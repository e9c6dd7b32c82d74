// Package snapshot writes build-time JSON snapshots of the site API and
// serves them back as a last-resort cache fallback.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goforj/sitecache"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BuildInfoFile is the name of the manifest written next to the snapshots.
const BuildInfoFile = "build-info.json"

const (
	SourceAPI     = "api"
	SourceDefault = "default"
)

// File maps an API path to a snapshot file.
type File struct {
	Name     string
	Path     string
	CacheKey string
	Default  json.RawMessage
}

// DefaultFiles are the snapshots baked into a site build.
var DefaultFiles = []File{
	{Name: "projects.json", Path: "/api/projects", CacheKey: sitecache.KeyProjects, Default: json.RawMessage(`[]`)},
	{Name: "contact-details.json", Path: "/api/contact-details", CacheKey: sitecache.KeyContactDetails, Default: json.RawMessage(`{}`)},
	{Name: "resume-status.json", Path: "/api/resume/status", CacheKey: "resume-status", Default: json.RawMessage(`{"hasResume":false}`)},
}

// FileInfo records where a snapshot file's content came from.
type FileInfo struct {
	Name     string `json:"name"`
	CacheKey string `json:"cacheKey"`
	Source   string `json:"source"`
	Bytes    int    `json:"bytes"`
	Error    string `json:"error,omitempty"`
}

// BuildInfo is the manifest of one generation run.
type BuildInfo struct {
	GeneratedAt time.Time  `json:"generatedAt"`
	BuildID     string     `json:"buildId"`
	BaseURL     string     `json:"baseUrl,omitempty"`
	Files       []FileInfo `json:"files"`
}

// Fetcher retrieves a JSON body. *sitecache.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts sitecache.FetchOptions) ([]byte, error)
}

type generateConfig struct {
	baseURL string
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures Generate.
type Option func(*generateConfig)

// WithBaseURL records the API base URL in the build info.
func WithBaseURL(u string) Option {
	return func(c *generateConfig) { c.baseURL = u }
}

// WithLogger sets the generation logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *generateConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock used for GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(c *generateConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// Generate fetches every file and writes it into dir, substituting the
// file's default body when the fetch fails. A failed endpoint never fails the
// run; only filesystem errors do.
func Generate(ctx context.Context, fetcher Fetcher, dir string, files []File, opts ...Option) (BuildInfo, error) {
	cfg := generateConfig{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(files) == 0 {
		files = DefaultFiles
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return BuildInfo{}, fmt.Errorf("create snapshot dir: %w", err)
	}

	info := BuildInfo{
		GeneratedAt: cfg.now().UTC(),
		BuildID:     uuid.NewString(),
		BaseURL:     cfg.baseURL,
	}
	for _, f := range files {
		fi := FileInfo{Name: f.Name, CacheKey: f.CacheKey, Source: SourceAPI}
		body, err := fetcher.Fetch(ctx, f.Path, sitecache.FetchOptions{CacheKey: f.CacheKey})
		if err == nil {
			body, err = indent(body)
		}
		if err != nil {
			cfg.logger.Warn("snapshot fetch failed, writing default",
				zap.String("file", f.Name), zap.String("path", f.Path), zap.Error(err))
			fi.Source = SourceDefault
			fi.Error = err.Error()
			if body, err = indent(defaultBody(f)); err != nil {
				return info, fmt.Errorf("format default %s: %w", f.Name, err)
			}
		}
		if err := writeAtomic(filepath.Join(dir, f.Name), body); err != nil {
			return info, fmt.Errorf("write %s: %w", f.Name, err)
		}
		fi.Bytes = len(body)
		info.Files = append(info.Files, fi)
		cfg.logger.Info("snapshot written", zap.String("file", f.Name), zap.String("source", fi.Source))
	}

	manifest, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return info, err
	}
	if err := writeAtomic(filepath.Join(dir, BuildInfoFile), append(manifest, '\n')); err != nil {
		return info, fmt.Errorf("write %s: %w", BuildInfoFile, err)
	}
	return info, nil
}

// ReadBuildInfo loads the manifest from dir.
func ReadBuildInfo(dir string) (BuildInfo, error) {
	var info BuildInfo
	body, err := os.ReadFile(filepath.Join(dir, BuildInfoFile))
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return info, fmt.Errorf("decode %s: %w", BuildInfoFile, err)
	}
	return info, nil
}

func defaultBody(f File) []byte {
	if len(f.Default) == 0 {
		return []byte("null")
	}
	return append([]byte(nil), f.Default...)
}

func indent(body []byte) ([]byte, error) {
	var v json.RawMessage
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func writeAtomic(path string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
