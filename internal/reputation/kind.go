package reputation

import "strings"

// Kind selects the namespace an actor identifier lives in.
type Kind int

const (
	IP Kind = iota + 1
	User
)

// Namespace is the key segment for the kind, or "" for unsupported kinds.
func (k Kind) Namespace() string {
	switch k {
	case IP:
		return "ip"
	case User:
		return "users"
	default:
		return ""
	}
}

func (k Kind) Supported() bool {
	return k.Namespace() != ""
}

func (k Kind) String() string {
	if ns := k.Namespace(); ns != "" {
		return ns
	}
	return "unsupported"
}

// ParseKind accepts "ip", "user" and "users" in any case.
func ParseKind(raw string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ip":
		return IP, true
	case "user", "users":
		return User, true
	default:
		return 0, false
	}
}

type Status int

const (
	OK Status = iota
	Marked
	Blacklisted
	Whitelisted
	Unsupported
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Marked:
		return "MARKED"
	case Blacklisted:
		return "BLACKLISTED"
	case Whitelisted:
		return "WHITELISTED"
	default:
		return "UNSUPPORTED"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
