// Package convstore keeps durable per-contact SMS history, independent of
// any modem session. Each contact maps to one append-only file of
// fixed-width records inside a single directory; summaries are derived on
// demand by seeking to the final record, never by reading whole files.
//
// Every operation runs synchronously in the caller's goroutine. Failures
// surface as false/empty results; callers must not assume a write
// succeeded without checking.
package convstore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Summary describes one conversation, derived from the file's final record
// and size. It is never persisted.
type Summary struct {
	Phone         string
	Preview       string
	LastTimestamp uint32
	Count         int
	// Unread is reserved for a read-state feature that does not exist yet;
	// it is always zero.
	Unread int
}

// Store is the conversation store rooted at one directory, created lazily
// on first write.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. Nothing is touched on disk until the
// first SaveMessage.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// SanitizePhone strips everything but ASCII letters and digits, so numbers
// differing only in punctuation or spacing map to the same contact file.
func SanitizePhone(phone string) string {
	var b strings.Builder
	for i := 0; i < len(phone); i++ {
		c := phone[i]
		if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (s *Store) path(phone string) (string, bool) {
	name := SanitizePhone(phone)
	if name == "" {
		return "", false
	}
	return filepath.Join(s.dir, name+".dat"), true
}

// SaveMessage appends one record to the contact's file, creating the file
// and directory as needed. It returns true only when the exact record
// width was written.
func (s *Store) SaveMessage(phone, body string, sent bool, timestamp uint32) bool {
	path, ok := s.path(phone)
	if !ok {
		return false
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return false
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()

	rec := encodeRecord(phone, body, sent, timestamp)
	n, err := f.Write(rec[:])
	return err == nil && n == RecordSize
}

// LoadConversations scans the store directory and returns up to max
// summaries sorted by last-message timestamp, newest first. Files shorter
// than one record are skipped.
func (s *Store) LoadConversations(max int) []Summary {
	if max <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var out []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".dat") {
			continue
		}
		sum, ok := s.summarize(e.Name())
		if !ok {
			continue
		}
		out = append(out, sum)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastTimestamp > out[j].LastTimestamp
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// summarize reads only the final record of one contact file.
func (s *Store) summarize(name string) (Summary, bool) {
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil || info.Size() < RecordSize {
		return Summary{}, false
	}
	count := int(info.Size() / RecordSize)

	f, err := os.Open(path)
	if err != nil {
		return Summary{}, false
	}
	defer f.Close()

	var buf [RecordSize]byte
	if _, err := f.ReadAt(buf[:], int64(count-1)*RecordSize); err != nil {
		return Summary{}, false
	}
	rec := decodeRecord(buf)

	phone := strings.TrimSuffix(name, ".dat")
	if rec.Phone != "" {
		phone = rec.Phone
	}
	return Summary{
		Phone:         phone,
		Preview:       preview(rec.Body),
		LastTimestamp: rec.Timestamp,
		Count:         count,
	}, true
}

// LoadMessages returns at most the max most-recent records for a contact,
// oldest of the selected window first, suited for rendering a chat view
// bottom-aligned on the newest message.
func (s *Store) LoadMessages(phone string, max int) []Record {
	path, ok := s.path(phone)
	if !ok || max <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() < RecordSize {
		return nil
	}
	count := int(info.Size() / RecordSize)
	start := 0
	if count > max {
		start = count - max
	}

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	out := make([]Record, 0, count-start)
	var buf [RecordSize]byte
	for i := start; i < count; i++ {
		if _, err := f.ReadAt(buf[:], int64(i)*RecordSize); err != nil {
			break
		}
		out = append(out, decodeRecord(buf))
	}
	return out
}

// DeleteConversation removes the contact's file entirely. Irreversible.
func (s *Store) DeleteConversation(phone string) bool {
	path, ok := s.path(phone)
	if !ok {
		return false
	}
	return os.Remove(path) == nil
}

// MessageCount reports how many records the contact's file holds, zero if
// the file does not exist.
func (s *Store) MessageCount(phone string) int {
	path, ok := s.path(phone)
	if !ok {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return int(info.Size() / RecordSize)
}
