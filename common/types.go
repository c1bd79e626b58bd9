package common

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"strconv"
)

// Endpoint represents the network address of a raft node. Members are
// identified by their endpoint only.
type Endpoint struct {
	Host string
	Port int32
}

func ParseEndpoint(address string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port in %q: %w", address, err)
	}
	return Endpoint{Host: host, Port: int32(port)}, nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) IsValid() bool {
	return e.Host != "" && e.Port >= 0
}

type EntryType uint8

const (
	ApplicationEntry EntryType = iota
	ConfigurationEntry
)

// LogEntry represents one particular entry in the replicated log
type LogEntry struct {
	Position int64
	Term     int32
	Type     EntryType
	Data     []byte
}

// Configuration is the member set of a raft group together with the
// position and term of the log entry that introduced it. A configuration
// is never mutated once created, newer ones supersede it.
type Configuration struct {
	EntryPosition int64
	EntryTerm     int32
	Members       []Endpoint
}

func (c *Configuration) Contains(endpoint Endpoint) bool {
	for _, member := range c.Members {
		if member == endpoint {
			return true
		}
	}
	return false
}

// With returns a copy of the member list with endpoint appended (if absent).
func (c *Configuration) With(endpoint Endpoint) []Endpoint {
	members := append([]Endpoint(nil), c.Members...)
	if !c.Contains(endpoint) {
		members = append(members, endpoint)
	}
	return members
}

// Without returns a copy of the member list with endpoint removed.
func (c *Configuration) Without(endpoint Endpoint) []Endpoint {
	var members []Endpoint
	for _, member := range c.Members {
		if member != endpoint {
			members = append(members, member)
		}
	}
	return members
}

// membersPayload is the body of a ConfigurationEntry.
type membersPayload struct {
	Members []Endpoint
}

func EncodeMembers(members []Endpoint) ([]byte, error) {
	buf := bytes.Buffer{}
	if err := gob.NewEncoder(&buf).Encode(membersPayload{Members: members}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeMembers(data []byte) ([]Endpoint, error) {
	var payload membersPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Members, nil
}
