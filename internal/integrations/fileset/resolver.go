package fileset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"face-detect-go/internal/integrations/facedetection"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "fileset",
}

// ErrEmptyAsset is returned when a remote asset has no content
var ErrEmptyAsset = errors.New("asset is empty")

var versionSegment = regexp.MustCompile(`^v?\d+(\.\d+)+$`)

// Resolver resolves versioned runtime asset bundles and fetches model
// binaries into a local cache.
type Resolver struct {
	client   *resty.Client
	cacheDir string
}

// NewResolver creates a Resolver caching under cacheDir. A zero timeout
// leaves requests unbounded.
func NewResolver(cacheDir string, timeout time.Duration) *Resolver {
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &Resolver{
		client:   client,
		cacheDir: cacheDir,
	}
}

// ForVisionTasks resolves the runtime asset bundle published under baseURL.
// The bundle gets its own cache directory keyed by version and URL.
func (r *Resolver) ForVisionTasks(ctx context.Context, baseURL string) (*facedetection.AssetBundle, error) {
	u, err := parseRemote(baseURL)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(u.String(), "/")
	version := versionFromPath(u.Path)

	dir := filepath.Join(r.cacheDir, fmt.Sprintf("%s-%s", version, shortHash(base)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset cache directory: %w", err)
	}

	resp, err := r.client.R().SetContext(ctx).Head(base)
	if err != nil {
		return nil, fmt.Errorf("runtime assets unreachable at %s: %w", base, err)
	}
	// CDN roots often answer 404 for directory paths; only server errors count
	if resp.StatusCode() >= 500 {
		return nil, fmt.Errorf("runtime assets at %s returned %s", base, resp.Status())
	}

	log.WithFields(logFields).Debugf("Resolved runtime assets %s (version %s)", base, version)
	return &facedetection.AssetBundle{
		BaseURL:  base,
		Version:  version,
		CacheDir: dir,
	}, nil
}

// FetchModel downloads modelURL into the bundle cache and returns the local
// path. Relative URLs are resolved against the bundle base URL. A cached
// copy is reused.
func (r *Resolver) FetchModel(ctx context.Context, bundle *facedetection.AssetBundle, modelURL string) (string, error) {
	if bundle == nil {
		return "", errors.New("no asset bundle")
	}
	resolved, err := resolveModelURL(bundle.BaseURL, modelURL)
	if err != nil {
		return "", err
	}

	name := path.Base(resolved.Path)
	if name == "" || name == "." || name == "/" {
		name = "model.bin"
	}
	target := filepath.Join(bundle.CacheDir, shortHash(resolved.String())+"-"+name)

	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		log.WithFields(logFields).Debugf("Using cached model %s", target)
		return target, nil
	}

	resp, err := r.client.R().SetContext(ctx).Get(resolved.String())
	if err != nil {
		return "", fmt.Errorf("failed to fetch model %s: %w", resolved, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("failed to fetch model %s: %s", resolved, resp.Status())
	}
	body := resp.Body()
	if len(body) == 0 {
		return "", fmt.Errorf("model %s: %w", resolved, ErrEmptyAsset)
	}

	if err := writeAtomic(target, body); err != nil {
		return "", fmt.Errorf("failed to store model %s: %w", resolved, err)
	}

	log.WithFields(logFields).Infof("Fetched model %s (%d bytes)", resolved, len(body))
	return target, nil
}

// FetchModelBytes is FetchModel followed by reading the cached file
func (r *Resolver) FetchModelBytes(ctx context.Context, bundle *facedetection.AssetBundle, modelURL string) ([]byte, error) {
	p, err := r.FetchModel(ctx, bundle, modelURL)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func parseRemote(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid asset URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid asset URL %q: expected http(s) URL", raw)
	}
	return u, nil
}

func resolveModelURL(base, model string) (*url.URL, error) {
	if model == "" {
		return nil, errors.New("no model asset path configured")
	}
	ref, err := url.Parse(model)
	if err != nil {
		return nil, fmt.Errorf("invalid model URL %q: %w", model, err)
	}
	if ref.IsAbs() {
		return parseRemote(model)
	}
	b, err := parseRemote(base + "/")
	if err != nil {
		return nil, err
	}
	return b.ResolveReference(ref), nil
}

// versionFromPath extracts "0.10.14" from ".../tasks-vision@0.10.14/wasm"
// or "v1.4.6" from ".../pigo/v1.4.6/cascade".
func versionFromPath(p string) string {
	for _, seg := range strings.Split(p, "/") {
		if i := strings.LastIndex(seg, "@"); i > 0 && i < len(seg)-1 {
			return seg[i+1:]
		}
		if versionSegment.MatchString(seg) {
			return seg
		}
	}
	return "latest"
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:6])
}

func writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
