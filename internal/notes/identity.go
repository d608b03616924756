package notes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	// LocalPrefix marks tokens minted for notes created while offline.
	LocalPrefix = "local-"

	// LegacyPrefix marks tokens minted when migrating pending notes from the
	// older single-list storage format.
	LegacyPrefix = "legacy-"

	// ShadowPrefix marks the deterministic local token of an offline copy of a
	// note that already exists remotely.
	ShadowPrefix = "shadow-"
)

// Identity names a note either by a client-minted local token or by the id the
// notes API assigned. Exactly one side is set.
type Identity struct {
	local  string
	remote int64
}

// LocalID returns a local identity for token.
func LocalID(token string) Identity {
	return Identity{local: token}
}

// RemoteID returns a server-scoped identity.
func RemoteID(id int64) Identity {
	return Identity{remote: id}
}

// ShadowID returns the local identity used for offline edits of remote note id.
// The same remote id always yields the same shadow.
func ShadowID(id int64) Identity {
	return Identity{local: ShadowPrefix + strconv.FormatInt(id, 10)}
}

// IsZero reports whether neither side is set.
func (i Identity) IsZero() bool {
	return i.local == "" && i.remote == 0
}

// IsLocal reports whether the identity is a client-minted token.
func (i Identity) IsLocal() bool {
	return i.local != ""
}

// IsRemote reports whether the identity is server-assigned.
func (i Identity) IsRemote() bool {
	return i.local == "" && i.remote != 0
}

// Token returns the local token, or "" for remote identities.
func (i Identity) Token() string {
	return i.local
}

// Remote returns the server id, or 0 for local identities.
func (i Identity) Remote() int64 {
	if i.local != "" {
		return 0
	}
	return i.remote
}

// ShadowOf returns the remote id a shadow identity stands in for.
func (i Identity) ShadowOf() (int64, bool) {
	if !strings.HasPrefix(i.local, ShadowPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(i.local, ShadowPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (i Identity) String() string {
	if i.local != "" {
		return i.local
	}
	if i.remote != 0 {
		return strconv.FormatInt(i.remote, 10)
	}
	return ""
}

// ParseIdentity parses the String form of an identity.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identity{}, fmt.Errorf("note ID is required")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id <= 0 {
			return Identity{}, fmt.Errorf("invalid note ID: %s", s)
		}
		return RemoteID(id), nil
	}
	switch {
	case strings.HasPrefix(s, ShadowPrefix):
		ident := LocalID(s)
		if _, ok := ident.ShadowOf(); !ok {
			return Identity{}, fmt.Errorf("invalid shadow ID: %s", s)
		}
		return ident, nil
	case strings.HasPrefix(s, LocalPrefix) && len(s) > len(LocalPrefix),
		strings.HasPrefix(s, LegacyPrefix) && len(s) > len(LegacyPrefix):
		return LocalID(s), nil
	}
	return Identity{}, fmt.Errorf("invalid note ID: %s", s)
}

type identityJSON struct {
	Local  string `json:"local,omitempty"`
	Remote int64  `json:"remote,omitempty"`
}

func (i Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(identityJSON{Local: i.local, Remote: i.Remote()})
}

func (i *Identity) UnmarshalJSON(data []byte) error {
	var raw identityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Local != "" && raw.Remote != 0 {
		return fmt.Errorf("identity has both local %q and remote %d", raw.Local, raw.Remote)
	}
	*i = Identity{local: raw.Local, remote: raw.Remote}
	return nil
}
