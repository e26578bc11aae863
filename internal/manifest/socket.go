package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Socket types and families as written in manifests.
const (
	SockStream    = "stream"
	SockDgram     = "dgram"
	SockSeqPacket = "seqpacket"

	FamilyIPv4 = "IPv4"
	FamilyIPv6 = "IPv6"
	FamilyUnix = "Unix"
)

// SocketDescriptor is one listening endpoint owned by a job.
//
// FD is the live OS descriptor while the socket is bound, -1 otherwise. Only
// the activation subsystem changes it.
type SocketDescriptor struct {
	Name           string
	Type           string
	Passive        bool
	Family         string
	NodeName       string
	ServiceName    string
	PathName       string
	MulticastGroup string

	FD int
}

// String identifies the socket in log lines.
func (s *SocketDescriptor) String() string {
	switch {
	case s.PathName != "":
		return fmt.Sprintf("%s(%s %s %s)", s.Name, s.Family, s.Type, s.PathName)
	case s.NodeName != "":
		return fmt.Sprintf("%s(%s %s %s:%s)", s.Name, s.Family, s.Type, s.NodeName, s.ServiceName)
	default:
		return fmt.Sprintf("%s(%s %s *:%s)", s.Name, s.Family, s.Type, s.ServiceName)
	}
}

type rawSocket struct {
	SockType        string `json:"SockType"`
	SockPassive     *bool  `json:"SockPassive"`
	SockFamily      string `json:"SockFamily"`
	SockNodeName    string `json:"SockNodeName"`
	SockServiceName any    `json:"SockServiceName"`
	SockPathName    string `json:"SockPathName"`
	MulticastGroup  string `json:"MulticastGroup"`
}

// parseSocketEntry decodes the value of one Sockets key, which is either a
// single stanza or an array of stanzas.
func parseSocketEntry(name string, data json.RawMessage) ([]*SocketDescriptor, error) {
	field := "Sockets." + name

	var raws []rawSocket
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, &ValidationError{Field: field, Err: err}
		}
	} else {
		var one rawSocket
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, &ValidationError{Field: field, Err: err}
		}
		raws = []rawSocket{one}
	}

	out := make([]*SocketDescriptor, 0, len(raws))
	for _, r := range raws {
		s, err := r.toDescriptor(name)
		if err != nil {
			return nil, &ValidationError{Field: field, Err: err}
		}
		out = append(out, s)
	}
	return out, nil
}

func (r rawSocket) toDescriptor(name string) (*SocketDescriptor, error) {
	s := &SocketDescriptor{
		Name:           name,
		Type:           orDefault(r.SockType, SockStream),
		Passive:        true,
		Family:         orDefault(r.SockFamily, FamilyIPv4),
		NodeName:       r.SockNodeName,
		PathName:       r.SockPathName,
		MulticastGroup: r.MulticastGroup,
		FD:             -1,
	}
	if r.SockPassive != nil {
		s.Passive = *r.SockPassive
	}
	if r.SockFamily == "" && r.SockPathName != "" {
		s.Family = FamilyUnix
	}

	switch v := r.SockServiceName.(type) {
	case nil:
	case string:
		s.ServiceName = v
	case float64:
		if v < 0 || v > 65535 || v != float64(int(v)) {
			return nil, fmt.Errorf("SockServiceName %v is not a port number", v)
		}
		s.ServiceName = fmt.Sprintf("%d", int(v))
	default:
		return nil, fmt.Errorf("SockServiceName must be a string or a number")
	}

	switch s.Type {
	case SockStream, SockDgram, SockSeqPacket:
	default:
		return nil, fmt.Errorf("unknown SockType %q", s.Type)
	}

	switch s.Family {
	case FamilyIPv4, FamilyIPv6:
		if s.ServiceName == "" {
			return nil, fmt.Errorf("SockServiceName is required for %s sockets", s.Family)
		}
	case FamilyUnix:
		if s.PathName == "" {
			return nil, fmt.Errorf("SockPathName is required for Unix sockets")
		}
	default:
		return nil, fmt.Errorf("unknown SockFamily %q", s.Family)
	}
	return s, nil
}
