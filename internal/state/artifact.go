package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/user/deskstream/internal/types"
)

// InlineLimit is the most bytes of tool output a job event carries. Longer
// output is spilled to the job's output directory.
const InlineLimit = 2000

// ArtifactStore holds spilled tool output under its job, at
// jobs/<jobID>/outputs/<id>.json. An artifact id is prefixed with its job id.
type ArtifactStore struct {
	root string
}

func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

type storedOutput struct {
	Meta   *types.ArtifactMeta `json:"meta"`
	Output string              `json:"output"`
}

func (a *ArtifactStore) outputsDir(job types.JobID) string {
	return filepath.Join(a.root, "jobs", string(job), "outputs")
}

// path maps an id back to its file. Ids arrive from API paths, so each half
// must be a single path element.
func (a *ArtifactStore) path(id types.ArtifactID) (string, error) {
	job, name, ok := strings.Cut(string(id), ".")
	if !ok || !pathElem(job) || !pathElem(name) {
		return "", fmt.Errorf("artifact %s: %w", id, types.ErrNotFound)
	}
	return filepath.Join(a.outputsDir(types.JobID(job)), name+".json"), nil
}

func pathElem(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// Spill keeps output inline when it fits in InlineLimit. Otherwise it stores
// the whole output and returns the head of it with a marker naming the id.
// On a storage error the output comes back unchanged with the error.
func (a *ArtifactStore) Spill(_ context.Context, job types.JobID, tool, output string) (string, types.ArtifactID, error) {
	if len(output) <= InlineLimit {
		return output, "", nil
	}
	id, err := a.write(job, tool, output)
	if err != nil {
		return output, "", err
	}
	return truncate(output, id), id, nil
}

// truncate cuts output at InlineLimit without splitting a UTF-8 sequence.
func truncate(output string, id types.ArtifactID) string {
	n := InlineLimit
	for n > 0 && !utf8.RuneStart(output[n]) {
		n--
	}
	return output[:n] + "\n[truncated, see artifact " + string(id) + "]"
}

func (a *ArtifactStore) write(job types.JobID, tool, output string) (types.ArtifactID, error) {
	if !pathElem(string(job)) || strings.Contains(string(job), ".") {
		return "", fmt.Errorf("invalid job id %q", job)
	}
	id := types.NewArtifactID(job)
	rec := storedOutput{
		Meta: &types.ArtifactMeta{
			ID:        id,
			JobID:     job,
			Tool:      tool,
			CreatedAt: time.Now().UTC(),
			MimeType:  "text/plain",
			Bytes:     len(output),
		},
		Output: output,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}

	if err := os.MkdirAll(a.outputsDir(job), 0o755); err != nil {
		return "", fmt.Errorf("create outputs dir: %w", err)
	}
	target, err := a.path(id)
	if err != nil {
		return "", err
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return id, nil
}

func (a *ArtifactStore) read(id types.ArtifactID) (*storedOutput, error) {
	path, err := a.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("artifact %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var rec storedOutput
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", id, err)
	}
	return &rec, nil
}

// Get returns the full output as a JSON string.
func (a *ArtifactStore) Get(_ context.Context, id types.ArtifactID) (json.RawMessage, error) {
	rec, err := a.read(id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec.Output)
}

func (a *ArtifactStore) GetMeta(_ context.Context, id types.ArtifactID) (*types.ArtifactMeta, error) {
	rec, err := a.read(id)
	if err != nil {
		return nil, err
	}
	return rec.Meta, nil
}
