package sink

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cmdgate/internal/domain"
)

const genesisInput = "cmdgate-audit-genesis"

// Entry kinds in a JSONL audit file.
const (
	EntryExecution = "execution"
	EntryDecision  = "decision"
)

// Entry is one line of the JSONL audit file. Each entry carries the hash
// of its predecessor so that edits and deletions are detectable.
type Entry struct {
	Seq      uint64                   `json:"seq"`
	Time     time.Time                `json:"ts"`
	Kind     string                   `json:"kind"`
	Record   *domain.AuditRecord      `json:"record,omitempty"`
	Decision *domain.ApprovalDecision `json:"decision,omitempty"`
	PrevHash string                   `json:"prev_hash"`
	Hash     string                   `json:"hash"`
}

// JSONL appends hash-chained entries to a file.
type JSONL struct {
	mu       sync.Mutex
	path     string
	seq      uint64
	prevHash string
}

// NewJSONL opens or creates the file at path and resumes its chain from
// the last entry.
func NewJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	j := &JSONL{path: path, prevHash: genesisHash()}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read audit file: %w", err)
	}
	if lines := splitLines(data); len(lines) > 0 {
		var last Entry
		if err := json.Unmarshal(lines[len(lines)-1], &last); err != nil {
			return nil, fmt.Errorf("audit file %s: last entry unreadable: %w", path, err)
		}
		j.seq = last.Seq
		j.prevHash = last.Hash
	}
	return j, nil
}

func (j *JSONL) Write(_ context.Context, rec domain.AuditRecord) error {
	rec.StartTime = rec.StartTime.UTC()
	if rec.EndTime != nil {
		end := rec.EndTime.UTC()
		rec.EndTime = &end
	}
	return j.append(Entry{Kind: EntryExecution, Record: &rec})
}

func (j *JSONL) WriteDecision(_ context.Context, d domain.ApprovalDecision) error {
	d.At = d.At.UTC()
	return j.append(Entry{Kind: EntryDecision, Decision: &d})
}

func (j *JSONL) append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e.Seq = j.seq + 1
	e.Time = time.Now().UTC()
	e.PrevHash = j.prevHash
	e.Hash = computeHash(e)

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}

	j.seq = e.Seq
	j.prevHash = e.Hash
	return nil
}

func (j *JSONL) Close() error { return nil }

// Verify walks the chain in the file at path and reports the first
// broken link. An empty or missing file is valid.
func Verify(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read audit file: %w", err)
	}

	expectedPrev := genesisHash()
	var prevSeq uint64
	lines := splitLines(data)
	for i, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return i, fmt.Errorf("line %d: invalid JSON: %w", i+1, err)
		}
		if e.Seq != prevSeq+1 {
			return i, fmt.Errorf("line %d: sequence gap: expected %d, got %d", i+1, prevSeq+1, e.Seq)
		}
		if e.PrevHash != expectedPrev {
			return i, fmt.Errorf("line %d: prev_hash mismatch", i+1)
		}
		if computed := computeHash(e); e.Hash != computed {
			return i, fmt.Errorf("line %d: hash mismatch: expected %s, got %s", i+1, short(computed), short(e.Hash))
		}
		expectedPrev = e.Hash
		prevSeq = e.Seq
	}
	return len(lines), nil
}

// ReadTail returns the last n entries of the file, skipping lines that do
// not parse.
func ReadTail(path string, n int) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit file: %w", err)
	}
	lines := splitLines(data)
	if n <= 0 || n > len(lines) {
		n = len(lines)
	}

	entries := make([]Entry, 0, n)
	for _, line := range lines[len(lines)-n:] {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func genesisHash() string {
	h := sha256.Sum256([]byte(genesisInput))
	return hex.EncodeToString(h[:])
}

// computeHash hashes e with its Hash field cleared.
func computeHash(e Entry) string {
	e.Hash = ""
	data, _ := json.Marshal(e)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		lines = append(lines, bytes.Clone(sc.Bytes()))
	}
	return lines
}
