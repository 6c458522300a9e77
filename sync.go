package kvadapter

import (
	"strconv"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// SyncPolicy selects how aggressively a commit is flushed to stable
// storage before it is acknowledged.
type SyncPolicy int

const (
	// NoSync leaves flushing entirely to the engine and the OS.
	NoSync SyncPolicy = iota
	// Sync flushes every commit to stable storage.
	Sync
	// WriteNoSync hands every commit to the OS without fsync.
	WriteNoSync
)

var syncPolicyNames = map[SyncPolicy]string{
	NoSync:      "NO_SYNC",
	Sync:        "SYNC",
	WriteNoSync: "WRITE_NO_SYNC",
}

func (p SyncPolicy) String() string {
	if s, ok := syncPolicyNames[p]; ok {
		return s
	}
	return "SyncPolicy(" + strconv.Itoa(int(p)) + ")"
}

// ParseSyncPolicy accepts the policy names case-insensitively.
func ParseSyncPolicy(s string) (SyncPolicy, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for p, n := range syncPolicyNames {
		if n == name {
			return p, nil
		}
	}
	return 0, errors.NotValidf("sync policy %q", s)
}

func (p SyncPolicy) MarshalText() ([]byte, error) {
	if _, ok := syncPolicyNames[p]; !ok {
		return nil, errors.NotValidf("sync policy %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *SyncPolicy) UnmarshalText(text []byte) error {
	v, err := ParseSyncPolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p *SyncPolicy) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.Trace(err)
	}
	return p.UnmarshalText([]byte(s))
}
