package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowsentry/flowsentry/internal/classifier"
	"github.com/flowsentry/flowsentry/internal/models"
	"github.com/flowsentry/flowsentry/internal/schema"
	"github.com/flowsentry/flowsentry/internal/utils"
)

// Entry is one loaded model plus the metadata the ensemble needs to vote.
type Entry struct {
	Model    classifier.Model
	ModelID  string
	Kind     classifier.Kind
	Version  string
	Accuracy float64
	Weight   float64
	LoadedAt time.Time
}

// ModelSet is an immutable, versioned snapshot of all loaded models. Scoring
// operations hold the snapshot they acquired at request start; a reload
// occurring mid-request never changes their view.
type ModelSet struct {
	Generation uint64
	LoadedAt   time.Time
	Entries    []Entry
}

// Empty reports whether the snapshot holds no models.
func (s *ModelSet) Empty() bool { return s == nil || len(s.Entries) == 0 }

// ModelStatus is the read-only per-model view exposed over the API.
type ModelStatus struct {
	ModelID  string
	Kind     classifier.Kind
	Version  string
	Accuracy float64
	Weight   float64
	LoadedAt time.Time
	Loaded   bool
}

// Registry owns the current ModelSet. Reads are lock-free via an atomic
// pointer; reloads are serialized and publish all-or-nothing.
type Registry struct {
	logger *slog.Logger
	schema *schema.Schema
	dir    string

	reloadMu sync.Mutex
	current  atomic.Pointer[ModelSet]
}

// New creates a registry reading artifacts from dir. It starts with an empty
// generation-zero snapshot; call Reload to load artifacts.
func New(logger *slog.Logger, sch *schema.Schema, dir string) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger, schema: sch, dir: dir}
	r.current.Store(&ModelSet{Generation: 0, LoadedAt: time.Now().UTC()})
	return r
}

// Current returns the latest complete snapshot. Never nil, never blocking.
func (r *Registry) Current() *ModelSet {
	return r.current.Load()
}

// Reload scans the artifact directory, parses and builds every artifact, and
// atomically publishes the new set. If any artifact is malformed the reload
// is rejected in full and the previous set stays authoritative.
func (r *Registry) Reload() (int, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	paths, err := r.artifactPaths()
	if err != nil {
		return 0, err
	}

	artifacts := make([]*classifier.Artifact, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, &models.ModelLoadError{Path: path, Err: err}
		}
		art, err := classifier.ParseArtifact(data)
		if err != nil {
			return 0, &models.ModelLoadError{Path: path, Err: err}
		}
		if prev, dup := seen[art.ModelID]; dup {
			return 0, &models.ModelLoadError{ModelID: art.ModelID, Path: path,
				Err: fmt.Errorf("duplicate of %s", prev)}
		}
		seen[art.ModelID] = path
		artifacts = append(artifacts, art)
	}

	return r.install(artifacts)
}

// Install builds the given artifacts and publishes them as the new snapshot,
// with the same all-or-nothing semantics as Reload.
func (r *Registry) Install(artifacts []*classifier.Artifact) (int, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	return r.install(artifacts)
}

func (r *Registry) install(artifacts []*classifier.Artifact) (int, error) {
	now := time.Now().UTC()
	entries := make([]Entry, 0, len(artifacts))
	for _, art := range artifacts {
		model, err := classifier.Build(art, r.schema)
		if err != nil {
			return 0, &models.ModelLoadError{ModelID: art.ModelID, Err: err}
		}
		entries = append(entries, Entry{
			Model:    model,
			ModelID:  art.ModelID,
			Kind:     art.Kind,
			Version:  art.Version,
			Accuracy: art.TrainedAccuracy,
			Weight:   art.EffectiveWeight(),
			LoadedAt: now,
		})
	}

	prev := r.current.Load()
	next := &ModelSet{
		Generation: prev.Generation + 1,
		LoadedAt:   now,
		Entries:    entries,
	}
	r.current.Store(next)

	if len(entries) == 0 {
		r.logger.Warn("model set is empty; detections will fail open to unknown",
			slog.Uint64("generation", next.Generation))
	} else {
		r.logger.Info("model set published",
			slog.Uint64("generation", next.Generation),
			slog.Int("models", len(entries)))
	}
	return len(entries), nil
}

// Status reports the per-model view of the current snapshot.
func (r *Registry) Status() (uint64, time.Time, []ModelStatus) {
	set := r.current.Load()
	statuses := make([]ModelStatus, 0, len(set.Entries))
	for _, e := range set.Entries {
		statuses = append(statuses, ModelStatus{
			ModelID:  e.ModelID,
			Kind:     e.Kind,
			Version:  e.Version,
			Accuracy: e.Accuracy,
			Weight:   e.Weight,
			LoadedAt: e.LoadedAt,
			Loaded:   true,
		})
	}
	return set.Generation, set.LoadedAt, statuses
}

func (r *Registry) artifactPaths() ([]string, error) {
	if r.dir == "" {
		return nil, utils.NewAppError("registry.scan", "artifact directory not configured", nil)
	}
	dirEntries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, utils.NewAppError("registry.scan", "read artifact directory", err)
	}
	var paths []string
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		paths = append(paths, filepath.Join(r.dir, de.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
