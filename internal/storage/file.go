package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only journal, fsynced per record)
//
// On open the snapshot is loaded and the journal replayed on top of it.
// The journal is compacted into the snapshot every compactEvery records.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	writes       int

	state fileState
}

type fileState struct {
	NextID       int64                       `json:"next_id"`
	NextConvID   int64                       `json:"next_conv_id"`
	Reminders    map[int64]reminder.Reminder `json:"reminders"`
	Conversation []ConversationEntry         `json:"conversation"`
}

// journalRecord is one mutation. Exactly one payload field is set per op.
type journalRecord struct {
	Op       string             `json:"op"` // create | status | append | prune
	Reminder *reminder.Reminder `json:"reminder,omitempty"`
	Entry    *ConversationEntry `json:"entry,omitempty"`
	Before   *time.Time         `json:"before,omitempty"`
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		state:        fileState{Reminders: map[int64]reminder.Reminder{}},
	}
	journalPath := prefix + ".journal.jsonl"

	// State lives in memory per handle, so a second writer would fork it.
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(jf); err != nil {
		_ = jf.Close()
		return nil, fmt.Errorf("open file store: %w", err)
	}

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = jf.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := s.replay(journalPath); err != nil {
		_ = jf.Close()
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	s.journal = jf
	log.Debug("file store opened",
		logx.String("prefix", prefix),
		logx.Int("reminders", len(s.state.Reminders)),
		logx.Int("conversation", len(s.state.Conversation)),
	)
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	if st.Reminders == nil {
		st.Reminders = map[int64]reminder.Reminder{}
	}
	s.state = st
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	// A crash between snapshot rename and journal truncate leaves records the
	// snapshot already holds. Reminder and prune records are idempotent in
	// order; appends at or below the snapshot's sequence are skipped.
	convFloor := s.state.NextConvID
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// A torn tail write from a crash; everything before it is intact.
			s.log.Warn("skipping unreadable journal record", logx.Err(err))
			continue
		}
		if rec.Op == "append" && rec.Entry != nil && rec.Entry.ID <= convFloor {
			continue
		}
		s.apply(rec)
	}
	return sc.Err()
}

// apply mutates in-memory state. Caller holds mu (or is single-threaded at open).
func (s *fileStore) apply(rec journalRecord) {
	switch rec.Op {
	case "create", "status":
		if rec.Reminder == nil {
			return
		}
		s.state.Reminders[rec.Reminder.ID] = *rec.Reminder
		if rec.Reminder.ID > s.state.NextID {
			s.state.NextID = rec.Reminder.ID
		}
	case "append":
		if rec.Entry == nil {
			return
		}
		s.state.Conversation = append(s.state.Conversation, *rec.Entry)
		if rec.Entry.ID > s.state.NextConvID {
			s.state.NextConvID = rec.Entry.ID
		}
	case "prune":
		if rec.Before != nil {
			s.pruneLocked(*rec.Before)
		}
	}
}

// commitLocked writes rec durably, then applies it. Nothing is applied when
// the write fails.
func (s *fileStore) commitLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.apply(rec)

	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) Create(ctx context.Context, ownerID, task string, fireAt time.Time) (reminder.Reminder, error) {
	_ = ctx
	if err := reminder.Validate(ownerID, task, fireAt); err != nil {
		return reminder.Reminder{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := reminder.Reminder{
		ID:        s.state.NextID + 1,
		OwnerID:   ownerID,
		Task:      task,
		FireAt:    fireAt,
		CreatedAt: time.Now().Round(0),
		Status:    reminder.StatusPending,
	}
	if err := s.commitLocked(journalRecord{Op: "create", Reminder: &r}); err != nil {
		return reminder.Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	return r, nil
}

func (s *fileStore) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.Reminders[id]
	if !ok {
		return reminder.Reminder{}, fmt.Errorf("%w: id %d", reminder.ErrNotFound, id)
	}
	return r, nil
}

func (s *fileStore) MarkFired(ctx context.Context, id int64) (reminder.Reminder, error) {
	return s.transition(id, reminder.StatusFired)
}

func (s *fileStore) MarkCancelled(ctx context.Context, id int64) (reminder.Reminder, error) {
	return s.transition(id, reminder.StatusCancelled)
}

// transition is a compare-and-set under mu.
func (s *fileStore) transition(id int64, to reminder.Status) (reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state.Reminders[id]
	if !ok {
		return reminder.Reminder{}, fmt.Errorf("%w: id %d", reminder.ErrNotFound, id)
	}
	if cur.Status != reminder.StatusPending {
		return cur, fmt.Errorf("%w: %d is %s", reminder.ErrInvalidTransition, id, cur.Status)
	}
	now := time.Now().Round(0)
	next := cur
	next.Status = to
	if to == reminder.StatusFired {
		next.FiredAt = &now
	} else {
		next.CancelledAt = &now
	}
	if err := s.commitLocked(journalRecord{Op: "status", Reminder: &next}); err != nil {
		return reminder.Reminder{}, fmt.Errorf("mark %s %d: %w", strings.ToLower(string(to)), id, err)
	}
	return next, nil
}

func (s *fileStore) ListPending(ctx context.Context, before *time.Time) ([]reminder.Reminder, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]reminder.Reminder, 0, len(s.state.Reminders))
	for _, r := range s.state.Reminders {
		if r.Status != reminder.StatusPending {
			continue
		}
		if before != nil && r.FireAt.After(*before) {
			continue
		}
		out = append(out, r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]reminder.Reminder, error) {
	_ = ctx
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.Lock()
	var out []reminder.Reminder
	for _, r := range s.state.Reminders {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) Append(ctx context.Context, ownerID, message string) (ConversationEntry, error) {
	_ = ctx
	if strings.TrimSpace(ownerID) == "" {
		return ConversationEntry{}, fmt.Errorf("%w: owner_id is empty", reminder.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := ConversationEntry{
		ID:        s.state.NextConvID + 1,
		OwnerID:   ownerID,
		Message:   message,
		CreatedAt: time.Now().Round(0),
	}
	if err := s.commitLocked(journalRecord{Op: "append", Entry: &e}); err != nil {
		return ConversationEntry{}, fmt.Errorf("append conversation: %w", err)
	}
	return e, nil
}

// LastN relies on Conversation being kept in append order, which is
// (created_at, id) order.
func (s *fileStore) LastN(ctx context.Context, ownerID string, n int) ([]ConversationEntry, error) {
	_ = ctx
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var rev []ConversationEntry
	for i := len(s.state.Conversation) - 1; i >= 0 && len(rev) < n; i-- {
		if e := s.state.Conversation[i]; e.OwnerID == ownerID {
			rev = append(rev, e)
		}
	}
	out := make([]ConversationEntry, len(rev))
	for i, e := range rev {
		out[len(rev)-1-i] = e
	}
	return out, nil
}

func (s *fileStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.state.Conversation)
	if err := s.commitLocked(journalRecord{Op: "prune", Before: &cutoff}); err != nil {
		return 0, fmt.Errorf("prune conversation: %w", err)
	}
	return int64(before - len(s.state.Conversation)), nil
}

func (s *fileStore) pruneLocked(cutoff time.Time) {
	kept := s.state.Conversation[:0]
	for _, e := range s.state.Conversation {
		if !e.CreatedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	s.state.Conversation = kept
}
