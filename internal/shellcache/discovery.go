package shellcache

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

// buildChunk is one record of a Vite build manifest.
type buildChunk struct {
	File    string   `json:"file"`
	CSS     []string `json:"css"`
	Assets  []string `json:"assets"`
	IsEntry bool     `json:"isEntry"`
}

// precacheURLs returns the absolute urls to fetch at install, configured
// assets first, without duplicates.
func (w *Worker) precacheURLs(ctx context.Context) ([]string, error) {
	refs := append([]string(nil), w.cfg.Precache.Assets...)
	if w.cfg.Precache.BuildManifest != "" {
		found, err := w.discoverBuildAssets(ctx)
		if err != nil {
			return nil, err
		}
		refs = append(refs, found...)
	}

	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		u, err := w.cfg.resolve(ref)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "precache asset %q", ref)
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

// discoverBuildAssets reads the build manifest and lists the files of every
// entry chunk.
func (w *Worker) discoverBuildAssets(ctx context.Context) ([]string, error) {
	manifestURL, err := w.cfg.resolve(w.cfg.Precache.BuildManifest)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "precache.build_manifest")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "precache.build_manifest")
	}
	ent, err := w.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !ent.OK() {
		snippet := ent.Body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, errors.Newf(errors.CodeNotFound, "build manifest %s: unexpected status %d: %s",
			manifestURL, ent.Status, strings.TrimSpace(string(snippet)))
	}

	var chunks map[string]buildChunk
	if err := json.Unmarshal(ent.Body, &chunks); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "parse build manifest %s", manifestURL)
	}

	names := make([]string, 0, len(chunks))
	for k := range chunks {
		names = append(names, k)
	}
	sort.Strings(names)

	base := w.cfg.Precache.BuildBase
	var out []string
	for _, name := range names {
		ch := chunks[name]
		if !ch.IsEntry {
			continue
		}
		files := append([]string{ch.File}, ch.CSS...)
		files = append(files, ch.Assets...)
		for _, f := range files {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			out = append(out, path.Join(base, f))
		}
	}
	w.logger.Info("build manifest discovered", zap.String("url", manifestURL), zap.Int("assets", len(out)))
	return out, nil
}
