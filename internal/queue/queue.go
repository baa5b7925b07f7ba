// Package queue implements the filesystem-backed durable job queue.
//
// Each queue state is a directory under the queue root; a job file's parent
// directory IS its state. Every transition is an atomic rename, which is
// the only synchronization primitive: concurrent runners race on rename and
// the loser simply moves on.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// State names double as directory names under the queue root.
type State string

const (
	Pending          State = "pending"
	Running          State = "running"
	Done             State = "done"
	Failed           State = "failed"
	AwaitingApproval State = "awaiting_approval"
)

// States lists every queue state in a stable order.
var States = []State{Pending, Running, Done, Failed, AwaitingApproval}

// ErrEmpty is returned by Claim when nothing is claimable.
var ErrEmpty = errors.New("queue is empty")

// ErrDuplicateJob is returned by Enqueue when the job id already exists in
// any queue directory.
var ErrDuplicateJob = errors.New("duplicate job")

// ErrNotFound is returned by exact-match operations when no entry carries
// the requested job id.
var ErrNotFound = errors.New("job not found")

// Claimed is a handle to an entry that was moved into running/.
type Claimed struct {
	JobID string
	Path  string
}

// Queue is a handle to the queue root. Safe for use from multiple
// processes; all coordination happens through rename.
type Queue struct {
	root string
}

// Open ensures the state directories exist and returns a queue handle.
func Open(root string) (*Queue, error) {
	q := &Queue{root: root}
	for _, state := range States {
		if err := os.MkdirAll(q.dir(state), 0o750); err != nil {
			return nil, fmt.Errorf("creating queue dir %s: %w", state, err)
		}
	}
	return q, nil
}

// Root returns the queue root directory.
func (q *Queue) Root() string { return q.root }

func (q *Queue) dir(state State) string {
	return filepath.Join(q.root, string(state))
}

// matchesJobID reports whether a queue filename belongs to jobID. Valid
// shapes are "<job_id>.json" and "<job_id>.<nanos>.json"; anything else,
// including a longer id that merely starts with jobID, does not match.
func matchesJobID(name, jobID string) bool {
	stem, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return false
	}
	if stem == jobID {
		return true
	}
	rest, ok := strings.CutPrefix(stem, jobID+".")
	if !ok || rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (q *Queue) findExact(state State, jobID string) (string, bool) {
	entries, err := os.ReadDir(q.dir(state))
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() && matchesJobID(entry.Name(), jobID) {
			return filepath.Join(q.dir(state), entry.Name()), true
		}
	}
	return "", false
}

// QueueState returns the state holding jobID, if any.
func (q *Queue) QueueState(jobID string) (State, bool) {
	for _, state := range States {
		if _, ok := q.findExact(state, jobID); ok {
			return state, true
		}
	}
	return "", false
}

// Enqueue writes a new entry into pending/ or awaiting_approval/. The
// payload must be a JSON object carrying job_id. Returns the job id.
func (q *Queue) Enqueue(payload []byte, state State) (string, error) {
	if state != Pending && state != AwaitingApproval {
		return "", fmt.Errorf("enqueue into %q is not allowed", state)
	}
	jobID := jobIDFromPayload(payload)
	if jobID == "" {
		return "", errors.New("payload missing job_id")
	}
	if _, exists := q.QueueState(jobID); exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, jobID)
	}

	target := filepath.Join(q.dir(state), jobID+".json")
	if err := renameio.WriteFile(target, payload, 0o640); err != nil {
		return "", fmt.Errorf("writing queue entry: %w", err)
	}
	return jobID, nil
}

// Claim moves the oldest pending entry into running/ and returns it.
// Rename races with other runners are resolved silently: a missing source
// means someone else took the entry first.
func (q *Queue) Claim() (*Claimed, error) {
	files, err := listByMTime(q.dir(Pending))
	if err != nil {
		return nil, err
	}
	for _, src := range files {
		target := filepath.Join(q.dir(Running), filepath.Base(src))
		if err := os.Rename(src, target); err != nil {
			if os.IsNotExist(err) || errors.Is(err, os.ErrPermission) {
				continue
			}
			return nil, fmt.Errorf("claiming %s: %w", src, err)
		}
		return &Claimed{JobID: q.jobIDFromFile(target), Path: target}, nil
	}
	return nil, ErrEmpty
}

// ReadClaimed returns the claimed entry's content.
func (q *Queue) ReadClaimed(claimed *Claimed) ([]byte, error) {
	return os.ReadFile(claimed.Path)
}

// Ack moves a claimed entry into done/.
func (q *Queue) Ack(claimed *Claimed) error {
	return q.moveNoOverwrite(claimed.Path, Done)
}

// Fail moves a claimed entry into failed/.
func (q *Queue) Fail(claimed *Claimed) error {
	return q.moveNoOverwrite(claimed.Path, Failed)
}

// Requeue moves a claimed entry back into pending/.
func (q *Queue) Requeue(claimed *Claimed) error {
	return q.moveNoOverwrite(claimed.Path, Pending)
}

// AwaitApproval parks a claimed entry in awaiting_approval/.
func (q *Queue) AwaitApproval(claimed *Claimed) error {
	return q.moveNoOverwrite(claimed.Path, AwaitingApproval)
}

// Approve moves an awaiting_approval entry back into pending/. The match
// is exact on job id, never a prefix.
func (q *Queue) Approve(jobID string) error {
	path, ok := q.findExact(AwaitingApproval, jobID)
	if !ok {
		return fmt.Errorf("%w: %s in awaiting_approval", ErrNotFound, jobID)
	}
	return q.moveNoOverwrite(path, Pending)
}

// Unlock moves a running entry back into pending/ by operator request.
// The match is exact on job id, never a prefix.
func (q *Queue) Unlock(jobID string) error {
	path, ok := q.findExact(Running, jobID)
	if !ok {
		return fmt.Errorf("%w: %s in running", ErrNotFound, jobID)
	}
	return q.moveNoOverwrite(path, Pending)
}

// ReclaimStaleRunning moves every running entry whose mtime age is at
// least threshold back into pending/ and returns the number moved.
func (q *Queue) ReclaimStaleRunning(threshold time.Duration) (int, error) {
	files, err := listByMTime(q.dir(Running))
	if err != nil {
		return 0, err
	}
	now := time.Now()
	reclaimed := 0
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < threshold {
			continue
		}
		if err := q.moveNoOverwrite(path, Pending); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Count returns the number of entries in a state directory.
func (q *Queue) Count(state State) int {
	entries, err := os.ReadDir(q.dir(state))
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), ".json") {
			n++
		}
	}
	return n
}

// moveNoOverwrite renames src into the target state directory. Existing
// targets are never overwritten; the filename gains a monotonic suffix
// instead so history is preserved.
func (q *Queue) moveNoOverwrite(src string, state State) error {
	base := filepath.Base(src)
	target := filepath.Join(q.dir(state), base)
	if _, err := os.Lstat(target); os.IsNotExist(err) {
		return os.Rename(src, target)
	}

	stem := strings.TrimSuffix(base, ".json")
	for {
		alt := filepath.Join(q.dir(state), fmt.Sprintf("%s.%d.json", stem, time.Now().UnixNano()))
		if _, err := os.Lstat(alt); os.IsNotExist(err) {
			return os.Rename(src, alt)
		}
	}
}

func (q *Queue) jobIDFromFile(path string) string {
	if data, err := os.ReadFile(path); err == nil {
		if id := jobIDFromPayload(data); id != "" {
			return id
		}
	}
	// Legacy fallback: the filename stem up to the first dot.
	stem := strings.TrimSuffix(filepath.Base(path), ".json")
	if i := strings.IndexByte(stem, '.'); i > 0 {
		return stem[:i]
	}
	return stem
}

func jobIDFromPayload(payload []byte) string {
	var obj struct {
		JobID string `json:"job_id"`
		ID    string `json:"id"`
	}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return ""
	}
	if obj.JobID != "" {
		return strings.TrimSpace(obj.JobID)
	}
	return strings.TrimSpace(obj.ID)
}

func listByMTime(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type item struct {
		path  string
		mtime time.Time
	}
	var items []item
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		items = append(items, item{path: filepath.Join(dir, entry.Name()), mtime: info.ModTime()})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].mtime.Before(items[j].mtime) })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.path
	}
	return out, nil
}
