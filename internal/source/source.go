// Package source implements C3: enumerating configured source descriptors,
// reading file/URL bodies, and identifying related files (§4.3 of
// SPEC_FULL.md).
package source

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vasic-digital/embedder/internal/config"
)

// Collected is one enumerated source (§4.3 collect_sources item).
type Collected struct {
	IsURL    bool
	SourceID string
	Content  string
}

// Processor enumerates and reads sources described by SourceConfig.
type Processor struct {
	cfg    config.SourceConfig
	log    *logrus.Logger
	client *http.Client
}

func New(cfg config.SourceConfig, log *logrus.Logger) *Processor {
	if log == nil {
		log = logrus.New()
	}
	return &Processor{cfg: cfg, log: log, client: &http.Client{}}
}

// SetConfig replaces the processor's source descriptors, so a config reload
// (§4.7 update()) picks up newly added/removed paths and exclude patterns
// without rebuilding the processor.
func (p *Processor) SetConfig(cfg config.SourceConfig) {
	p.cfg = cfg
}

// CollectSources expands all configured descriptors. includeURLBodies
// controls whether URL bodies are fetched eagerly (§4.3).
func (p *Processor) CollectSources(includeURLBodies bool) []Collected {
	var out []Collected
	for _, d := range p.cfg.Paths {
		switch d.Kind {
		case "file":
			c, err := p.collectFile(d.Path)
			if err != nil {
				p.log.WithError(err).WithField("path", d.Path).Warn("source: skip missing file")
				continue
			}
			out = append(out, c)
		case "directory":
			out = append(out, p.collectDirectory(d)...)
		case "url":
			out = append(out, p.collectURL(d, includeURLBodies))
		default:
			p.log.WithField("kind", d.Kind).Warn("source: unknown descriptor kind")
		}
	}
	return out
}

func (p *Processor) collectFile(path string) (Collected, error) {
	content, err := p.readFileCapped(path)
	if err != nil {
		return Collected{}, err
	}
	return Collected{IsURL: false, SourceID: path, Content: content}, nil
}

func (p *Processor) collectDirectory(d config.SourceDescriptor) []Collected {
	extensions := d.Extensions
	if len(extensions) == 0 {
		extensions = p.cfg.DefaultExtensions
	}
	exclude := append(append([]string{}, p.cfg.GlobalExclude...), d.Exclude...)

	var out []Collected
	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // not-found during enumeration is non-fatal (§4.3 errors)
		}
		if info.IsDir() {
			if path != d.Path && !d.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if matchesAny(path, exclude) {
			return nil
		}
		if len(extensions) > 0 && !hasAnyExt(path, extensions) {
			return nil
		}
		content, err := p.readFileCapped(path)
		if err != nil {
			p.log.WithError(err).WithField("path", path).Warn("source: skip oversized/unreadable file")
			return nil
		}
		out = append(out, Collected{IsURL: false, SourceID: path, Content: content})
		return nil
	}
	_ = filepath.Walk(d.Path, walkFn)
	return out
}

func (p *Processor) collectURL(d config.SourceDescriptor, includeBody bool) Collected {
	id := StripQueryFragment(d.URL)
	if !includeBody {
		return Collected{IsURL: true, SourceID: id, Content: ""}
	}
	body, err := p.fetchURL(d)
	if err != nil {
		p.log.WithError(err).WithField("url", d.URL).Warn("source: url fetch failed")
		return Collected{IsURL: true, SourceID: id, Content: ""}
	}
	return Collected{IsURL: true, SourceID: id, Content: body}
}

func (p *Processor) fetchURL(d config.SourceDescriptor) (string, error) {
	timeout := time.Duration(d.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	req, err := http.NewRequest(http.MethodGet, d.URL, nil)
	if err != nil {
		return "", err
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("source: fetch %s: status %d", d.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// FetchSource re-reads a file or re-fetches a URL by source id (§4.3
// fetch_source). For URLs, the descriptor's headers/timeout (if still
// configured) are reused; otherwise it is fetched with no special headers.
func (p *Processor) FetchSource(sourceID string) (string, error) {
	if isURL(sourceID) {
		for _, d := range p.cfg.Paths {
			if d.Kind == "url" && StripQueryFragment(d.URL) == sourceID {
				return p.fetchURL(d)
			}
		}
		return p.fetchURL(config.SourceDescriptor{URL: sourceID})
	}
	return p.readFileCapped(sourceID)
}

// ReadFile reads path's content, returning empty content for empty files
// (§4.3 read_file).
func (p *Processor) ReadFile(path string) (string, error) {
	return p.readFileCapped(path)
}

func (p *Processor) readFileCapped(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("source: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return "", nil
	}
	maxBytes := int64(p.cfg.MaxFileSizeMB) * 1024 * 1024
	if maxBytes > 0 && info.Size() > maxBytes {
		return "", fmt.Errorf("source: %s exceeds max_file_size_mb (%d bytes > %d)", path, info.Size(), maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("source: read %s: %w", path, err)
	}
	return string(data), nil
}

// FilterRelatedSources returns the deterministic subset of candidates
// considered "related" to target (§4.3 filter_related_sources). The
// heuristic, in priority order: (1) same file stem with a paired
// header/implementation extension (.h/.cpp, .hpp/.cc, etc.); (2) same file
// stem, any extension; (3) same directory. target itself is always
// excluded.
func (p *Processor) FilterRelatedSources(candidates []string, target string) []string {
	targetDir := filepath.Dir(target)
	targetStem := stem(target)

	var pairedExt, sameStem, sameDir []string
	seen := map[string]bool{target: true}

	for _, c := range candidates {
		if seen[c] {
			continue
		}
		if stem(c) == targetStem {
			if isPairedExtension(filepath.Ext(target), filepath.Ext(c)) {
				pairedExt = append(pairedExt, c)
			} else {
				sameStem = append(sameStem, c)
			}
			continue
		}
		if filepath.Dir(c) == targetDir {
			sameDir = append(sameDir, c)
		}
	}

	sort.Strings(pairedExt)
	sort.Strings(sameStem)
	sort.Strings(sameDir)

	out := append([]string{}, pairedExt...)
	out = append(out, sameStem...)
	out = append(out, sameDir...)
	return out
}

var pairedExtensions = map[string]string{
	".h": ".cpp", ".hpp": ".cc", ".cc": ".hpp", ".cpp": ".h",
	".go": "_test.go",
}

func isPairedExtension(a, b string) bool {
	return pairedExtensions[a] == b || pairedExtensions[b] == a
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func matchesAny(path string, patterns []string) bool {
	base := filepath.Base(path)
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, path); ok {
			return true
		}
	}
	return false
}

func hasAnyExt(path string, exts []string) bool {
	e := filepath.Ext(path)
	for _, want := range exts {
		if strings.EqualFold(e, want) {
			return true
		}
	}
	return false
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// StatModTimeAndSize returns a file's mtime (UTC seconds) and size in
// bytes, used by the Ingest Engine's change-detection pass (§4.7 update()).
// ok is false when the file cannot be stat'd (e.g. it was deleted).
func StatModTimeAndSize(path string) (mtime, size int64, ok bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, false
	}
	return info.ModTime().UTC().Unix(), info.Size(), true
}

// StripQueryFragment removes the query and fragment from a URL so it can be
// used as a stable source id (§GLOSSARY Source id).
func StripQueryFragment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
