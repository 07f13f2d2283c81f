package cluster

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DurableState persists the fields a node must never forget across a
// crash: the current term, who it voted for in that term, and the commit
// index. Each field lives in its own small file and is fsynced on write,
// so a vote or term bump is on disk before any reply leaves the node.
type DurableState struct {
	dir string
}

const (
	termFile   = "term.dat"
	votedFile  = "voted_for.dat"
	commitFile = "commit_index.dat"
)

// OpenDurableState loads (or initializes) the persisted election state
// under dir. A file that exists but cannot be parsed is corruption, not a
// fresh start; the caller is expected to refuse to run.
func OpenDurableState(dir string) (*DurableState, int64, string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, 0, "", 0, fmt.Errorf("creating state dir: %w", err)
	}
	d := &DurableState{dir: dir}

	term, err := d.readInt(termFile)
	if err != nil {
		return nil, 0, "", 0, err
	}
	votedFor, err := d.readString(votedFile)
	if err != nil {
		return nil, 0, "", 0, err
	}
	commit, err := d.readInt(commitFile)
	if err != nil {
		return nil, 0, "", 0, err
	}
	return d, term, votedFor, commit, nil
}

// SaveTermAndVote persists the term and vote together. Called before any
// vote reply or candidacy so a restarted node cannot double-vote.
func (d *DurableState) SaveTermAndVote(term int64, votedFor string) error {
	if err := d.write(termFile, strconv.FormatInt(term, 10)); err != nil {
		return err
	}
	return d.write(votedFile, votedFor)
}

// SaveCommitIndex persists the commit index.
func (d *DurableState) SaveCommitIndex(commit int64) error {
	return d.write(commitFile, strconv.FormatInt(commit, 10))
}

func (d *DurableState) readInt(name string) (int64, error) {
	s, err := d.readString(name)
	if err != nil || s == "" {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt state file %s: %w", name, err)
	}
	return v, nil
}

func (d *DurableState) readString(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading state file %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// write replaces the file contents via rename so a crash mid-write leaves
// either the old value or the new one, never a torn file.
func (d *DurableState) write(name, value string) error {
	path := filepath.Join(d.dir, name)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("writing state file %s: %w", name, err)
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return fmt.Errorf("writing state file %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing state file %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing state file %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing state file %s: %w", name, err)
	}
	return nil
}
