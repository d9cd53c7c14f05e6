package board

import "github.com/JakeFAU/crawl-taskboard/internal/crawler"

// DefaultCapacity is the number of records kept before the oldest is evicted.
const DefaultCapacity = 10

// Store is a bounded, insertion-ordered list of task records keyed by url.
// It is not safe for concurrent use; Board serializes access to it.
type Store struct {
	capacity int
	records  []crawler.TaskRecord
	index    map[string]int
	// pinned is never chosen as an eviction victim while set.
	pinned string
}

// NewStore builds an empty Store. Non-positive capacity selects DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		index:    make(map[string]int, capacity),
	}
}

// Capacity returns the maximum number of records.
func (s *Store) Capacity() int {
	return s.capacity
}

// Len returns the current number of records.
func (s *Store) Len() int {
	return len(s.records)
}

// Get looks up a record by url.
func (s *Store) Get(url string) (crawler.TaskRecord, bool) {
	i, ok := s.index[url]
	if !ok {
		return crawler.TaskRecord{}, false
	}
	return s.records[i], true
}

// Upsert replaces the status of an existing url in place, or appends a new
// record. Appending past capacity evicts the oldest unpinned record, which is
// returned as evicted.
func (s *Store) Upsert(url string, status crawler.TaskStatus) (rec crawler.TaskRecord, evicted *crawler.TaskRecord) {
	if i, ok := s.index[url]; ok {
		s.records[i].Status = status
		return s.records[i], nil
	}
	if len(s.records) >= s.capacity {
		victim := s.victim()
		old := s.records[victim]
		s.removeAt(victim)
		evicted = &old
	}
	rec = crawler.TaskRecord{URL: url, Status: status}
	s.records = append(s.records, rec)
	s.index[url] = len(s.records) - 1
	return rec, evicted
}

// BulkUpsert applies Upsert for every entry in order. Records not mentioned
// are left untouched. Evicted records are returned in eviction order.
func (s *Store) BulkUpsert(entries []crawler.ProgressEntry) []crawler.TaskRecord {
	var evicted []crawler.TaskRecord
	for _, entry := range entries {
		if _, ev := s.Upsert(entry.URL, entry.Status); ev != nil {
			evicted = append(evicted, *ev)
		}
	}
	return evicted
}

// RunningExcept returns the first url other than url whose status is
// running, or "".
func (s *Store) RunningExcept(url string) string {
	for _, rec := range s.records {
		if rec.Status == crawler.TaskStatusRunning && rec.URL != url {
			return rec.URL
		}
	}
	return ""
}

// Remove deletes url. It reports whether a record was removed.
func (s *Store) Remove(url string) bool {
	i, ok := s.index[url]
	if !ok {
		return false
	}
	s.removeAt(i)
	return true
}

// List returns a copy of the records in insertion order.
func (s *Store) List() []crawler.TaskRecord {
	out := make([]crawler.TaskRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Reset replaces the contents with records, dropping duplicates and keeping
// the newest entries when records exceeds capacity.
func (s *Store) Reset(records []crawler.TaskRecord) {
	s.records = s.records[:0]
	s.index = make(map[string]int, s.capacity)
	for _, rec := range records {
		if _, dup := s.index[rec.URL]; dup {
			continue
		}
		s.records = append(s.records, rec)
		s.index[rec.URL] = len(s.records) - 1
	}
	if over := len(s.records) - s.capacity; over > 0 {
		s.records = append([]crawler.TaskRecord(nil), s.records[over:]...)
		s.index = make(map[string]int, s.capacity)
		s.reindex()
	}
}

// Pin protects url from eviction. An empty url clears the pin.
func (s *Store) Pin(url string) {
	s.pinned = url
}

func (s *Store) victim() int {
	for i, rec := range s.records {
		if rec.URL != s.pinned {
			return i
		}
	}
	return 0
}

func (s *Store) removeAt(i int) {
	delete(s.index, s.records[i].URL)
	s.records = append(s.records[:i], s.records[i+1:]...)
	s.reindex()
}

func (s *Store) reindex() {
	for i, rec := range s.records {
		s.index[rec.URL] = i
	}
}
