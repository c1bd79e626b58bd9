package persistent

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/sushantsondhi/broker-raft/common"
)

type MemberRecord struct {
	Host string
	Port int32
}

// Metadata is the persisted record of one raft node. It is gob encoded, so
// fields are named and independently typed and the record can evolve field
// by field.
type Metadata struct {
	TopicName    string
	PartitionID  int32
	LogDirectory string

	Term     int32
	VoteHost string
	VotePort int32

	ConfigEntryTerm     int32
	ConfigEntryPosition int64
	Members             []MemberRecord
}

// DefaultMetadata is the record of a node which has never stored anything.
func DefaultMetadata() Metadata {
	return Metadata{
		PartitionID:         -1,
		VotePort:            -1,
		ConfigEntryTerm:     -1,
		ConfigEntryPosition: -1,
	}
}

func (m Metadata) clone() Metadata {
	m.Members = append([]MemberRecord(nil), m.Members...)
	return m
}

// Backend stores the encoded metadata record. Write must replace the
// previous record atomically: a reader sees either the old or the new record.
type Backend interface {
	// Read returns nil (and no error) when no record has been written yet.
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// MetaStore keeps the metadata record in memory and writes it through to its
// backend on every mutation.
type MetaStore struct {
	backend Backend
	meta    Metadata
	buffer  bytes.Buffer
}

var _ common.MetaStore = &MetaStore{}

func NewMetaStore(backend Backend) (*MetaStore, error) {
	store := &MetaStore{
		backend: backend,
		meta:    DefaultMetadata(),
	}
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewFileMetaStore opens the plain-file variant of the store at path.
func NewFileMetaStore(path string) (*MetaStore, error) {
	return NewMetaStore(NewFileBackend(path))
}

// NewLogBoundMetaStore opens the variant whose record lives inside the bolt
// file of the given log store.
func NewLogBoundMetaStore(logStore *DbLogStore) (*MetaStore, error) {
	backend, err := newBoltBackend(logStore.db)
	if err != nil {
		return nil, err
	}
	return NewMetaStore(backend)
}

// Load replaces the in-memory record with the stored one. A missing record
// resets every field to its default.
func (s *MetaStore) Load() error {
	data, err := s.backend.Read()
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}
	if data == nil {
		s.meta = DefaultMetadata()
		return nil
	}
	s.buffer.Reset()
	s.buffer.Write(data)
	var meta Metadata
	if err := gob.NewDecoder(&s.buffer).Decode(&meta); err != nil {
		return fmt.Errorf("decoding metadata: %w", err)
	}
	s.meta = meta
	return nil
}

func (s *MetaStore) Store() error {
	s.buffer.Reset()
	if err := gob.NewEncoder(&s.buffer).Encode(s.meta); err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := s.backend.Write(s.buffer.Bytes()); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// update applies mutate and stores the record. On failure the in-memory
// record is rolled back so that it never diverges from what is durable.
func (s *MetaStore) update(mutate func(meta *Metadata)) error {
	previous := s.meta.clone()
	mutate(&s.meta)
	if err := s.Store(); err != nil {
		s.meta = previous
		return err
	}
	return nil
}

func (s *MetaStore) Metadata() Metadata {
	return s.meta.clone()
}

func (s *MetaStore) TopicName() string {
	return s.meta.TopicName
}

func (s *MetaStore) PartitionID() int32 {
	return s.meta.PartitionID
}

func (s *MetaStore) LogDirectory() string {
	return s.meta.LogDirectory
}

func (s *MetaStore) Term() int32 {
	return s.meta.Term
}

func (s *MetaStore) Vote() (common.Endpoint, bool) {
	if s.meta.VoteHost == "" {
		return common.Endpoint{}, false
	}
	return common.Endpoint{Host: s.meta.VoteHost, Port: s.meta.VotePort}, true
}

// Configuration returns the stored member list as endpoints, or nil if no
// configuration was ever stored.
func (s *MetaStore) Configuration() *common.Configuration {
	if len(s.meta.Members) == 0 {
		return nil
	}
	configuration := &common.Configuration{
		EntryPosition: s.meta.ConfigEntryPosition,
		EntryTerm:     s.meta.ConfigEntryTerm,
	}
	for _, member := range s.meta.Members {
		configuration.Members = append(configuration.Members, common.Endpoint{Host: member.Host, Port: member.Port})
	}
	return configuration
}

func (s *MetaStore) StoreTopicNameAndPartitionIDAndDirectory(topicName string, partitionID int32, directory string) error {
	return s.update(func(meta *Metadata) {
		meta.TopicName = topicName
		meta.PartitionID = partitionID
		meta.LogDirectory = directory
	})
}

func (s *MetaStore) StoreTerm(term int32) error {
	return s.update(func(meta *Metadata) {
		meta.Term = term
	})
}

func (s *MetaStore) StoreVote(vote *common.Endpoint) error {
	return s.update(func(meta *Metadata) {
		setVote(meta, vote)
	})
}

func (s *MetaStore) StoreTermAndVote(term int32, vote *common.Endpoint) error {
	return s.update(func(meta *Metadata) {
		meta.Term = term
		setVote(meta, vote)
	})
}

func (s *MetaStore) StoreConfiguration(configuration common.Configuration) error {
	return s.update(func(meta *Metadata) {
		meta.ConfigEntryPosition = configuration.EntryPosition
		meta.ConfigEntryTerm = configuration.EntryTerm
		meta.Members = meta.Members[:0:0]
		for _, member := range configuration.Members {
			meta.Members = append(meta.Members, MemberRecord{Host: member.Host, Port: member.Port})
		}
	})
}

func (s *MetaStore) Close() error {
	return s.backend.Close()
}

func setVote(meta *Metadata, vote *common.Endpoint) {
	if vote == nil {
		meta.VoteHost = ""
		meta.VotePort = -1
		return
	}
	meta.VoteHost = vote.Host
	meta.VotePort = vote.Port
}
