package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

func drain(ch <-chan *Event) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}

// staticVerifier accepts "token-<user>" and rejects everything else.
type staticVerifier struct{}

func (staticVerifier) VerifyToken(token string) (Identity, error) {
	const prefix = "token-"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return Identity{}, errors.New("bad signature")
	}
	return Identity{Subject: token[len(prefix):], ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// memberDirectory is an in-memory RoomDirectory keyed by user.
type memberDirectory struct {
	members map[string][]string
	calls   int
	// afterLookup, when set, runs once after a RoomsForUser result is taken.
	afterLookup func(userID string)
}

func (d *memberDirectory) RoomsForUser(_ context.Context, userID string) ([]string, error) {
	rooms := append([]string(nil), d.members[userID]...)
	if hook := d.afterLookup; hook != nil {
		d.afterLookup = nil
		hook(userID)
	}
	return rooms, nil
}

func (d *memberDirectory) IsRoomMember(_ context.Context, userID, roomID string) (bool, error) {
	d.calls++
	for _, r := range d.members[userID] {
		if r == roomID {
			return true, nil
		}
	}
	return false, nil
}
