package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/flowsentry/flowsentry/internal/models"
	"github.com/flowsentry/flowsentry/internal/schema"
)

func treeArtifactDoc(id string, threshold float64) string {
	return fmt.Sprintf(`{
		"model_id": %q,
		"kind": "tree",
		"version": "v1",
		"trained_accuracy": 0.9,
		"weight": 1.0,
		"parameters": {"nodes": [
			{"feature": "serror_rate", "threshold": %g, "left": 1, "right": 2},
			{"leaf": true, "normal": 9, "attack": 1},
			{"leaf": true, "normal": 1, "attack": 9}
		]}
	}`, id, threshold)
}

func writeArtifacts(t *testing.T, dir string, docs map[string]string) {
	t.Helper()
	for name, doc := range docs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644); err != nil {
			t.Fatalf("write artifact %s: %v", name, err)
		}
	}
}

func TestReloadPublishesAllModels(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, map[string]string{
		"a.json": treeArtifactDoc("model-a", 0.5),
		"b.json": treeArtifactDoc("model-b", 0.4),
	})

	reg := New(nil, schema.Default(), dir)
	count, err := reg.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 models, got %d", count)
	}

	set := reg.Current()
	if set.Generation != 1 || len(set.Entries) != 2 {
		t.Fatalf("unexpected snapshot: gen=%d entries=%d", set.Generation, len(set.Entries))
	}
}

func TestReloadIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, map[string]string{
		"a.json": treeArtifactDoc("model-a", 0.5),
	})

	reg := New(nil, schema.Default(), dir)
	if _, err := reg.Reload(); err != nil {
		t.Fatalf("initial reload: %v", err)
	}
	good := reg.Current()

	// A second reload with one malformed artifact must leave the previous
	// snapshot authoritative.
	writeArtifacts(t, dir, map[string]string{
		"b.json": treeArtifactDoc("model-b", 0.4),
		"c.json": `{"model_id": "broken", "kind": "tree"}`,
	})

	_, err := reg.Reload()
	var loadErr *models.ModelLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected ModelLoadError, got %v", err)
	}
	if reg.Current() != good {
		t.Fatalf("failed reload replaced the snapshot")
	}
}

func TestReloadRejectsDuplicateModelIDs(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, map[string]string{
		"a.json": treeArtifactDoc("model-a", 0.5),
		"b.json": treeArtifactDoc("model-a", 0.4),
	})

	reg := New(nil, schema.Default(), dir)
	if _, err := reg.Reload(); err == nil {
		t.Fatalf("expected duplicate model_id to be rejected")
	}
}

func TestCurrentNeverObservesPartialSet(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, map[string]string{
		"a.json": treeArtifactDoc("model-a", 0.5),
		"b.json": treeArtifactDoc("model-b", 0.4),
		"c.json": treeArtifactDoc("model-c", 0.3),
	})

	reg := New(nil, schema.Default(), dir)
	if _, err := reg.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			set := reg.Current()
			// Each generation is either the empty boot set or complete.
			if set.Generation > 0 && len(set.Entries) != 3 {
				t.Errorf("observed partial set: gen=%d entries=%d", set.Generation, len(set.Entries))
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if _, err := reg.Reload(); err != nil {
			t.Fatalf("reload %d: %v", i, err)
		}
	}
	close(done)
	wg.Wait()
}

func TestStatusReportsMetadata(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, map[string]string{"a.json": treeArtifactDoc("model-a", 0.5)})

	reg := New(nil, schema.Default(), dir)
	if _, err := reg.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	gen, _, statuses := reg.Status()
	if gen != 1 || len(statuses) != 1 {
		t.Fatalf("unexpected status: gen=%d n=%d", gen, len(statuses))
	}
	st := statuses[0]
	if st.ModelID != "model-a" || !st.Loaded || st.Accuracy != 0.9 || st.Weight != 1.0 {
		t.Fatalf("unexpected model status: %+v", st)
	}
}

func TestReloadMissingDirectoryFails(t *testing.T) {
	reg := New(nil, schema.Default(), filepath.Join(t.TempDir(), "nope"))
	if _, err := reg.Reload(); err == nil {
		t.Fatalf("expected error for missing directory")
	}
	if reg.Current().Generation != 0 {
		t.Fatalf("failed reload must not advance the generation")
	}
}
