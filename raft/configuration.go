package raft

import (
	"errors"
	"log"

	"github.com/sushantsondhi/broker-raft/common"
)

// adopt installs candidate if it was introduced after the adopted
// configuration. It is persisted right away when its entry is committed.
func (r *Raft) adopt(candidate common.Configuration) (bool, error) {
	if r.configuration != nil && candidate.EntryPosition <= r.configuration.EntryPosition {
		return false, nil
	}
	r.install(candidate)
	log.Printf("%v: adopted configuration %v at %d/%d\n", r.me, candidate.Members, candidate.EntryPosition, candidate.EntryTerm)
	return true, r.persistConfiguration()
}

// install replaces the adopted configuration and the live member set
// without any ordering check.
func (r *Raft) install(configuration common.Configuration) {
	configuration.Members = append([]common.Endpoint(nil), configuration.Members...)
	var members []*member
	for _, endpoint := range configuration.Members {
		if endpoint == r.me {
			continue
		}
		if m := r.member(endpoint); m != nil {
			members = append(members, m)
			continue
		}
		m := newMember(r, endpoint)
		if r.isLeader() {
			m.resetReaderToLastEntry()
		}
		members = append(members, m)
	}
	for _, m := range r.members {
		if !configuration.Contains(m.endpoint) {
			log.Printf("%v: removing member %v\n", r.me, m.endpoint)
			m.closeDrivers()
		}
	}
	r.members = members
	r.configuration = &configuration
	r.publish()
}

// persistConfiguration stores the adopted configuration once the entry
// that introduced it is committed.
func (r *Raft) persistConfiguration() error {
	configuration := r.configuration
	if configuration == nil || configuration.EntryPosition < 0 {
		return nil
	}
	if configuration.EntryPosition > r.commitPosition || configuration.EntryPosition <= r.persistedConfigPosition {
		return nil
	}
	if backed, err := r.verifyConfiguration(); err != nil || !backed {
		return err
	}
	if err := r.metaStore.StoreConfiguration(*configuration); err != nil {
		return err
	}
	r.persistedConfigPosition = configuration.EntryPosition
	r.stableConfiguration = configuration
	return nil
}

// verifyConfiguration checks the adopted configuration against the local
// log. A configuration received through a configure request is adopted
// before its entry is replicated; once the log covers its position with a
// different entry, the configuration is dropped in favour of the newest one
// the log does contain. It reports whether the adopted configuration is
// backed by the log.
func (r *Raft) verifyConfiguration() (bool, error) {
	configuration, stable := r.configuration, r.stableConfiguration
	if configuration == nil || (stable != nil && configuration.EntryPosition <= stable.EntryPosition) {
		return true, nil
	}
	lastPosition, _, err := r.lastEntry()
	if err != nil {
		return false, err
	}
	if configuration.EntryPosition > lastPosition {
		return false, nil
	}
	entry, err := r.logStore.Get(configuration.EntryPosition)
	if err != nil && !errors.Is(err, common.ErrEntryNotFound) {
		return false, err
	}
	if err == nil && entry.Type == common.ConfigurationEntry && entry.Term == configuration.EntryTerm {
		return true, nil
	}
	log.Printf("%v: configuration at %d/%d is not in the log\n", r.me, configuration.EntryPosition, configuration.EntryTerm)
	return false, r.readoptFromLog()
}

// readoptFromLog reinstalls the stable configuration and adopts the newest
// configuration entry the log holds after it.
func (r *Raft) readoptFromLog() error {
	stable := r.stableConfiguration
	if stable == nil {
		return nil
	}
	r.install(*stable)
	reader := r.logStore.NewReader()
	reader.Seek(stable.EntryPosition + 1)
	var newest *common.LogEntry
	for {
		entry, err := reader.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		if entry.Type == common.ConfigurationEntry {
			newest = entry
		}
	}
	if newest == nil {
		return nil
	}
	members, err := common.DecodeMembers(newest.Data)
	if err != nil {
		return err
	}
	_, err = r.adopt(common.Configuration{EntryPosition: newest.Position, EntryTerm: newest.Term, Members: members})
	return err
}

// restoreConfiguration falls back to the last configuration that cannot be
// truncated away, after the entry of the adopted one was.
func (r *Raft) restoreConfiguration() {
	stable := r.stableConfiguration
	if stable == nil || r.configuration == nil || stable.EntryPosition >= r.configuration.EntryPosition {
		return
	}
	log.Printf("%v: configuration at %d was truncated, restoring %d\n", r.me, r.configuration.EntryPosition, stable.EntryPosition)
	r.install(*stable)
}

func (r *Raft) member(endpoint common.Endpoint) *member {
	for _, m := range r.members {
		if m.endpoint == endpoint {
			return m
		}
	}
	return nil
}

// quorum counts the local node whether or not it is listed in the
// adopted configuration.
func (r *Raft) quorum() int {
	return (len(r.members)+1)/2 + 1
}

func (r *Raft) closeDrivers() {
	for _, m := range r.members {
		m.closeDrivers()
	}
}

func (r *Raft) reopenDrivers() {
	for _, m := range r.members {
		m.reopenDrivers()
	}
}
