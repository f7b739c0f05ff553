package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Anchor is the last outbound routing record for one conversation.
type Anchor struct {
	SessionKey string    `json:"sessionKey"`
	Channel    string    `json:"channel"`
	AccountID  string    `json:"accountId"`
	To         string    `json:"to"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (a Anchor) key() string {
	return a.Channel + "/" + a.AccountID + "/" + a.To
}

// AnchorStore persists anchors in one JSON file, guarded by a file lock
// so the gateway and Host CLI tooling can share it.
type AnchorStore struct {
	path string
	lock *flock.Flock
	now  func() time.Time
}

// NewAnchorStore creates a store at path (created on first write).
func NewAnchorStore(path string) *AnchorStore {
	return &AnchorStore{
		path: path,
		lock: flock.New(path + ".lock"),
		now:  time.Now,
	}
}

// RecordInbound upserts the anchor for the message's conversation.
func (s *AnchorStore) RecordInbound(ctx context.Context, anchor Anchor) error {
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("anchor store: lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("anchor store: lock not acquired")
	}
	defer s.lock.Unlock()

	anchors, err := s.load()
	if err != nil {
		return err
	}
	anchor.UpdatedAt = s.now()
	anchors[anchor.key()] = anchor
	return s.save(anchors)
}

// Resolve returns the anchor for a session key, if any.
func (s *AnchorStore) Resolve(sessionKey string) (Anchor, bool) {
	anchors, err := s.load()
	if err != nil {
		return Anchor{}, false
	}
	var best Anchor
	var found bool
	for _, a := range anchors {
		if a.SessionKey == sessionKey && (!found || a.UpdatedAt.After(best.UpdatedAt)) {
			best, found = a, true
		}
	}
	return best, found
}

// Last returns the most recently touched anchor for one account, so
// Host-initiated messages without a target route to the last peer.
func (s *AnchorStore) Last(channel, accountID string) (Anchor, bool) {
	anchors, err := s.load()
	if err != nil {
		return Anchor{}, false
	}
	var best Anchor
	var found bool
	for _, a := range anchors {
		if a.Channel != channel || a.AccountID != accountID {
			continue
		}
		if !found || a.UpdatedAt.After(best.UpdatedAt) {
			best, found = a, true
		}
	}
	return best, found
}

// ReadUpdatedAt reports when a session's anchor last changed.
func (s *AnchorStore) ReadUpdatedAt(sessionKey string) (time.Time, error) {
	a, ok := s.Resolve(sessionKey)
	if !ok {
		return time.Time{}, fmt.Errorf("anchor store: no anchor for session %q", sessionKey)
	}
	return a.UpdatedAt, nil
}

func (s *AnchorStore) load() (map[string]Anchor, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Anchor), nil
		}
		return nil, fmt.Errorf("anchor store: read: %w", err)
	}
	anchors := make(map[string]Anchor)
	if err := json.Unmarshal(data, &anchors); err != nil {
		return nil, fmt.Errorf("anchor store: decode: %w", err)
	}
	return anchors, nil
}

func (s *AnchorStore) save(anchors map[string]Anchor) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(anchors, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
