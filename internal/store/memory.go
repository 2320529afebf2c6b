package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process Store used by tests and dev mode. The keyed
// semaphore mirrors the advisory-lock semantics of the Postgres store,
// including the bounded wait.
type Memory struct {
	mu          sync.Mutex
	cases       map[string]CaseRow       // by case_key
	contacts    map[string]ContactRow    // by line_id
	submissions map[string]SubmissionRow // by case_id|form_key|submission_id
	acks        map[string]time.Time     // by case_id|form_key|kind
	locks       map[string]chan struct{}
	LockWait    time.Duration
}

func NewMemory() *Memory {
	return &Memory{
		cases:       map[string]CaseRow{},
		contacts:    map[string]ContactRow{},
		submissions: map[string]SubmissionRow{},
		acks:        map[string]time.Time{},
		locks:       map[string]chan struct{}{},
		LockWait:    20 * time.Second,
	}
}

func (s *Memory) Ping(context.Context) error { return nil }

func subKey(caseID, formKey, submissionID string) string {
	return caseID + "|" + formKey + "|" + submissionID
}

func (s *Memory) GetCaseByKey(_ context.Context, caseKey string) (CaseRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.cases[caseKey]; ok {
		return row, nil
	}
	return CaseRow{}, ErrNotFound
}

func (s *Memory) GetCaseByID(_ context.Context, caseID string) (CaseRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.cases {
		if row.CaseID == caseID {
			return row, nil
		}
	}
	return CaseRow{}, ErrNotFound
}

func (s *Memory) GetCaseByLineID(_ context.Context, lineID string) (CaseRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best CaseRow
	found := false
	for _, row := range s.cases {
		if row.LineID != lineID {
			continue
		}
		if !found || row.LastActivity.After(best.LastActivity) {
			best, found = row, true
		}
	}
	if !found {
		return CaseRow{}, ErrNotFound
	}
	return best, nil
}

func (s *Memory) UpsertCase(_ context.Context, row CaseRow) error {
	if row.CaseKey == "" {
		return fmt.Errorf("case_key is required")
	}
	if row.LastActivity.IsZero() {
		row.LastActivity = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cases[row.CaseKey]; ok {
		if row.LineID == "" {
			row.LineID = cur.LineID
		}
		if row.FolderRef == "" {
			row.FolderRef = cur.FolderRef
		}
		if row.Status == "" {
			row.Status = cur.Status
		}
		if row.UserKey == "" {
			row.UserKey = cur.UserKey
		}
		if row.CaseID == "" {
			row.CaseID = cur.CaseID
		}
	}
	s.cases[row.CaseKey] = row
	return nil
}

func (s *Memory) SetCaseFolder(_ context.Context, caseKey, folderRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cases[caseKey]
	if !ok {
		return ErrNotFound
	}
	row.FolderRef = folderRef
	row.LastActivity = time.Now().UTC()
	s.cases[caseKey] = row
	return nil
}

func (s *Memory) GetContactByEmail(_ context.Context, email string) (ContactRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.contacts {
		if strings.EqualFold(row.Email, strings.TrimSpace(email)) {
			return row, nil
		}
	}
	return ContactRow{}, ErrNotFound
}

func (s *Memory) GetContactByLineID(_ context.Context, lineID string) (ContactRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.contacts[lineID]; ok {
		return row, nil
	}
	return ContactRow{}, ErrNotFound
}

func (s *Memory) UpsertContact(_ context.Context, row ContactRow) error {
	if row.LineID == "" {
		return fmt.Errorf("line_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.contacts[row.LineID]; ok {
		if row.Email == "" {
			row.Email = cur.Email
		}
		if row.EmailHash == "" {
			row.EmailHash = cur.EmailHash
		}
		if row.UserKey == "" {
			row.UserKey = cur.UserKey
		}
		if row.ActiveCaseID == "" {
			row.ActiveCaseID = cur.ActiveCaseID
		}
	}
	s.contacts[row.LineID] = row
	return nil
}

func (s *Memory) LastSeq(_ context.Context, caseID, formKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := 0
	for _, row := range s.submissions {
		if row.CaseID == caseID && row.FormKey == formKey && row.Status != StatusVoid && row.Seq > last {
			last = row.Seq
		}
	}
	return last, nil
}

func (s *Memory) GetSubmission(_ context.Context, caseID, formKey, submissionID string) (SubmissionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.submissions[subKey(caseID, formKey, submissionID)]; ok {
		return row, nil
	}
	return SubmissionRow{}, ErrNotFound
}

func (s *Memory) InsertSubmission(_ context.Context, row SubmissionRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subKey(row.CaseID, row.FormKey, row.SubmissionID)
	if _, ok := s.submissions[key]; ok {
		return false, nil
	}
	s.submissions[key] = row
	return true, nil
}

func (s *Memory) ListSubmissions(_ context.Context, caseID string) ([]SubmissionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SubmissionRow
	for _, row := range s.submissions {
		if row.CaseID == caseID && row.Status != StatusVoid {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FormKey != out[j].FormKey {
			return out[i].FormKey < out[j].FormKey
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *Memory) VoidSubmission(_ context.Context, caseID, formKey string, seq int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, row := range s.submissions {
		if row.CaseID == caseID && row.FormKey == formKey && row.Seq == seq {
			row.Status = StatusVoid
			row.LockedReason = reason
			s.submissions[key] = row
			return nil
		}
	}
	return ErrNotFound
}

func (s *Memory) InsertAck(_ context.Context, caseID, formKey, kind string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := caseID + "|" + formKey + "|" + kind
	if _, ok := s.acks[key]; ok {
		return false, nil
	}
	s.acks[key] = at
	return true, nil
}

func (s *Memory) WithCaseLock(ctx context.Context, caseKey string, fn func(context.Context) error) error {
	s.mu.Lock()
	sem, ok := s.locks[caseKey]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[caseKey] = sem
	}
	s.mu.Unlock()

	wait := s.LockWait
	if wait <= 0 {
		wait = 20 * time.Second
	}
	lockCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	select {
	case sem <- struct{}{}:
	case <-lockCtx.Done():
		return fmt.Errorf("case lock %q: %w", caseKey, lockCtx.Err())
	}
	defer func() { <-sem }()

	return fn(lockCtx)
}
