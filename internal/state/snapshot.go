package state

import "github.com/tendant/sad-worker/pkg/schema"

// Snapshot is the in-memory registry and result buckets for one message.
type Snapshot struct {
	Keys    []schema.JobKeyEntry
	Results map[string][]schema.ResultRecord
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Keys:    []schema.JobKeyEntry{},
		Results: map[string][]schema.ResultRecord{},
	}
}

// HasKey reports whether a registry entry with key exists.
func (s *Snapshot) HasKey(key string) bool {
	return s.indexOf(key) >= 0
}

func (s *Snapshot) indexOf(key string) int {
	for i, entry := range s.Keys {
		if entry.Key == key {
			return i
		}
	}
	return -1
}

// Register appends entry unless its key is already present. An existing entry
// without a type (stored by older revisions) takes the type of entry. It
// reports whether the registry changed.
func (s *Snapshot) Register(entry schema.JobKeyEntry) bool {
	if i := s.indexOf(entry.Key); i >= 0 {
		if s.Keys[i].Type == "" && entry.Type != "" {
			s.Keys[i].Type = entry.Type
			return true
		}
		return false
	}
	s.Keys = append(s.Keys, entry)
	return true
}

// Bucket returns the records stored for job and whether the bucket exists.
func (s *Snapshot) Bucket(job string) ([]schema.ResultRecord, bool) {
	records, ok := s.Results[job]
	return records, ok
}

// ReplaceBucket discards the stored records for job and stores records instead.
func (s *Snapshot) ReplaceBucket(job string, records []schema.ResultRecord) {
	if s.Results == nil {
		s.Results = map[string][]schema.ResultRecord{}
	}
	if records == nil {
		records = []schema.ResultRecord{}
	}
	s.Results[job] = records
}
