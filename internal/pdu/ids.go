package pdu

import (
	"fmt"
	"strings"
)

// EventID is a validated event ID (e.g. "$Rqnc-F-dvnEYJTyHq_iKxU2bZ1CI92-kuZq3a5lr5Zg").
//
// EventID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type EventID struct {
	id string
}

// ParseEventID validates and wraps a raw event ID string.
func ParseEventID(raw string) (EventID, error) {
	if raw == "" {
		return EventID{}, fmt.Errorf("empty event ID")
	}
	if raw[0] != '$' {
		return EventID{}, fmt.Errorf("event ID must start with '$': %q", raw)
	}
	if len(raw) < 2 {
		return EventID{}, fmt.Errorf("event ID has no content after '$': %q", raw)
	}
	if len(raw) > maxIdentifierLength {
		return EventID{}, fmt.Errorf("event ID exceeds %d bytes", maxIdentifierLength)
	}
	return EventID{id: raw}, nil
}

// MustParseEventID is like ParseEventID but panics on error. Use in
// tests where the input is known-valid.
func MustParseEventID(raw string) EventID {
	e, err := ParseEventID(raw)
	if err != nil {
		panic(fmt.Sprintf("pdu.MustParseEventID(%q): %v", raw, err))
	}
	return e
}

func (e EventID) String() string { return e.id }

// IsZero reports whether the EventID is the zero value.
func (e EventID) IsZero() bool { return e.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (e EventID) MarshalText() ([]byte, error) {
	return []byte(e.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the format.
func (e *EventID) UnmarshalText(data []byte) error {
	parsed, err := ParseEventID(string(data))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ServerName is a validated homeserver name (e.g. "example.org:8448").
type ServerName struct {
	name string
}

// ParseServerName validates and wraps a raw server name.
func ParseServerName(raw string) (ServerName, error) {
	if err := validateServer(raw); err != nil {
		return ServerName{}, err
	}
	return ServerName{name: raw}, nil
}

// MustParseServerName is like ParseServerName but panics on error.
func MustParseServerName(raw string) ServerName {
	s, err := ParseServerName(raw)
	if err != nil {
		panic(fmt.Sprintf("pdu.MustParseServerName(%q): %v", raw, err))
	}
	return s
}

func (s ServerName) String() string { return s.name }

// IsZero reports whether the ServerName is the zero value.
func (s ServerName) IsZero() bool { return s.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (s ServerName) MarshalText() ([]byte, error) {
	return []byte(s.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ServerName) UnmarshalText(data []byte) error {
	parsed, err := ParseServerName(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UserID is a validated user ID (e.g. "@alice:example.org").
type UserID struct {
	id     string
	server string
}

// ParseUserID validates and wraps a raw user ID.
func ParseUserID(raw string) (UserID, error) {
	local, server, err := splitSigil(raw, '@', "user ID")
	if err != nil {
		return UserID{}, err
	}
	if local == "" {
		return UserID{}, fmt.Errorf("user ID has empty localpart: %q", raw)
	}
	return UserID{id: raw, server: server}, nil
}

// MustParseUserID is like ParseUserID but panics on error.
func MustParseUserID(raw string) UserID {
	u, err := ParseUserID(raw)
	if err != nil {
		panic(fmt.Sprintf("pdu.MustParseUserID(%q): %v", raw, err))
	}
	return u
}

func (u UserID) String() string { return u.id }

// Server returns the homeserver that owns this user.
func (u UserID) Server() ServerName { return ServerName{name: u.server} }

// IsZero reports whether the UserID is the zero value.
func (u UserID) IsZero() bool { return u.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UserID) UnmarshalText(data []byte) error {
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// RoomID is a validated room ID (e.g. "!abc123:example.org").
type RoomID struct {
	id     string
	server string
}

// ParseRoomID validates and wraps a raw room ID.
func ParseRoomID(raw string) (RoomID, error) {
	local, server, err := splitSigil(raw, '!', "room ID")
	if err != nil {
		return RoomID{}, err
	}
	if local == "" {
		return RoomID{}, fmt.Errorf("room ID has empty local part: %q", raw)
	}
	return RoomID{id: raw, server: server}, nil
}

// MustParseRoomID is like ParseRoomID but panics on error.
func MustParseRoomID(raw string) RoomID {
	r, err := ParseRoomID(raw)
	if err != nil {
		panic(fmt.Sprintf("pdu.MustParseRoomID(%q): %v", raw, err))
	}
	return r
}

func (r RoomID) String() string { return r.id }

// Server returns the server name embedded in the room ID.
func (r RoomID) Server() ServerName { return ServerName{name: r.server} }

// IsZero reports whether the RoomID is the zero value.
func (r RoomID) IsZero() bool { return r.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (r RoomID) MarshalText() ([]byte, error) {
	return []byte(r.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RoomID) UnmarshalText(data []byte) error {
	parsed, err := ParseRoomID(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

const maxIdentifierLength = 255

// splitSigil splits "<sigil>local:server" and validates the server part.
func splitSigil(raw string, sigil byte, kind string) (string, string, error) {
	if raw == "" {
		return "", "", fmt.Errorf("empty %s", kind)
	}
	if len(raw) > maxIdentifierLength {
		return "", "", fmt.Errorf("%s exceeds %d bytes", kind, maxIdentifierLength)
	}
	if raw[0] != sigil {
		return "", "", fmt.Errorf("%s must start with '%c': %q", kind, sigil, raw)
	}
	colon := strings.IndexByte(raw, ':')
	if colon < 0 {
		return "", "", fmt.Errorf("%s missing ':server' suffix: %q", kind, raw)
	}
	server := raw[colon+1:]
	if err := validateServer(server); err != nil {
		return "", "", fmt.Errorf("%s %q: %w", kind, raw, err)
	}
	return raw[1:colon], server, nil
}

func validateServer(raw string) error {
	if raw == "" {
		return fmt.Errorf("empty server name")
	}
	for _, r := range raw {
		switch {
		case r < 0x20 || r == 0x7f:
			return fmt.Errorf("server name contains control character: %q", raw)
		case r == '@' || r == '!' || r == '$' || r == '#' || r == '/' || r == ' ':
			return fmt.Errorf("server name contains invalid character %q: %q", r, raw)
		}
	}
	return nil
}
