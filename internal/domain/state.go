package domain

import (
	"encoding/json"
	"fmt"
)

// ConnectionState is the lifecycle of the single streaming session.
type ConnectionState int

const (
	NotConnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case NotConnected:
		return "notConnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ConnectionState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, c := range []ConnectionState{NotConnected, Connecting, Connected} {
		if c.String() == name {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", name)
}
