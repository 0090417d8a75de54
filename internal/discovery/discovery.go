// Package discovery enumerates installed editor extensions from an
// extensions directory laid out as publisher.name-version folders, each
// carrying a package.json manifest.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/extscan/extscan/internal/engine"
)

// manifestName is the per-extension manifest file.
const manifestName = "package.json"

// parseWorkers bounds concurrent manifest reads.
const parseWorkers = 8

// manifest is the subset of package.json fields we care about.
type manifest struct {
	Publisher string `json:"publisher"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

// Discoverer enumerates extensions under a single root directory.
type Discoverer struct {
	root   string
	logger *slog.Logger
}

// New creates a Discoverer rooted at dir.
func New(dir string, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Discoverer{root: dir, logger: logger}
}

// Discover walks the extensions directory and returns every extension
// with a readable, well-formed manifest. Results are sorted by
// publisher.name@version so scans are deterministic regardless of
// directory iteration order. Malformed entries are skipped with a
// warning, never fatal.
func (d *Discoverer) Discover(ctx context.Context) ([]engine.ExtensionRef, error) {
	dirents, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("discovery: read %s: %w", d.root, err)
	}

	var (
		mu   sync.Mutex
		refs []engine.ExtensionRef
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parseWorkers)

	for _, ent := range dirents {
		if !ent.IsDir() {
			continue
		}
		name := ent.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ref, ok := d.readManifest(name)
			if !ok {
				return nil
			}
			mu.Lock()
			refs = append(refs, ref)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Key() < refs[j].Key()
	})
	return refs, nil
}

// readManifest parses one extension directory's package.json. The
// directory name is the fallback source for fields the manifest omits.
func (d *Discoverer) readManifest(dirName string) (engine.ExtensionRef, bool) {
	path := filepath.Join(d.root, dirName, manifestName)

	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Warn("skipping extension without readable manifest", "dir", dirName, "error", err)
		return engine.ExtensionRef{}, false
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		d.logger.Warn("skipping extension with malformed manifest", "dir", dirName, "error", err)
		return engine.ExtensionRef{}, false
	}

	ref := engine.ExtensionRef{Publisher: m.Publisher, Name: m.Name, Version: m.Version}
	if ref.Publisher == "" || ref.Name == "" || ref.Version == "" {
		fallback, ok := parseDirName(dirName)
		if !ok {
			d.logger.Warn("skipping extension with incomplete manifest", "dir", dirName)
			return engine.ExtensionRef{}, false
		}
		if ref.Publisher == "" {
			ref.Publisher = fallback.Publisher
		}
		if ref.Name == "" {
			ref.Name = fallback.Name
		}
		if ref.Version == "" {
			ref.Version = fallback.Version
		}
	}
	return ref, true
}

// parseDirName splits a publisher.name-version directory name. The
// version starts at the last hyphen; the publisher ends at the first
// dot. Extension names may themselves contain dots and hyphens.
func parseDirName(dirName string) (engine.ExtensionRef, bool) {
	dash := strings.LastIndex(dirName, "-")
	if dash <= 0 || dash == len(dirName)-1 {
		return engine.ExtensionRef{}, false
	}
	idVersion := dirName[:dash]
	version := dirName[dash+1:]

	dot := strings.Index(idVersion, ".")
	if dot <= 0 || dot == len(idVersion)-1 {
		return engine.ExtensionRef{}, false
	}
	return engine.ExtensionRef{
		Publisher: idVersion[:dot],
		Name:      idVersion[dot+1:],
		Version:   version,
	}, true
}

// InstalledKeys returns the id@version key set for the given refs, the
// membership set used to prune cache entries for uninstalled
// extensions.
func InstalledKeys(refs []engine.ExtensionRef) map[string]struct{} {
	keys := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		keys[ref.Key()] = struct{}{}
	}
	return keys
}
