package telegram

import (
	"fmt"
	"strconv"
	"strings"
)

// RefKind discriminates the accepted chat reference forms.
type RefKind int

const (
	// RefNumeric is a plain or signed numeric chat id.
	RefNumeric RefKind = iota
	// RefSupergroup is a numeric id carrying the -100 supergroup prefix.
	RefSupergroup
	// RefUsername is a public username, with or without the @ prefix.
	RefUsername
	// RefInviteLink is a t.me link; only the trailing path segment matters.
	RefInviteLink
)

func (k RefKind) String() string {
	switch k {
	case RefNumeric:
		return "numeric"
	case RefSupergroup:
		return "supergroup"
	case RefUsername:
		return "username"
	case RefInviteLink:
		return "invite-link"
	}
	return "unknown"
}

// ChatRef is a parsed chat reference. ID is set for numeric forms,
// Name for username and link forms.
type ChatRef struct {
	Kind RefKind
	ID   int64
	Name string
	Raw  string
}

// ParseChatRef normalizes the accepted textual forms into a tagged reference.
// Precedence: -100 supergroup prefix, then signed numeric, then t.me link,
// then username.
func ParseChatRef(s string) (ChatRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatRef{}, fmt.Errorf("empty chat reference")
	}

	if strings.HasPrefix(s, "-100") {
		id, err := strconv.ParseInt(s[4:], 10, 64)
		if err != nil {
			return ChatRef{}, fmt.Errorf("invalid supergroup id %q: %w", s, err)
		}
		return ChatRef{Kind: RefSupergroup, ID: id, Raw: s}, nil
	}

	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ChatRef{Kind: RefNumeric, ID: id, Raw: s}, nil
	}

	if strings.Contains(s, "t.me/") {
		parts := strings.Split(strings.TrimRight(s, "/"), "/")
		name := parts[len(parts)-1]
		if name == "" {
			return ChatRef{}, fmt.Errorf("invalid invite link %q", s)
		}
		return ChatRef{Kind: RefInviteLink, Name: strings.TrimPrefix(name, "+"), Raw: s}, nil
	}

	name := strings.TrimPrefix(s, "@")
	if name == "" {
		return ChatRef{}, fmt.Errorf("invalid username %q", s)
	}
	return ChatRef{Kind: RefUsername, Name: name, Raw: s}, nil
}
