package domain

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v3"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"interviewer", RoleInterviewer, false},
		{" Candidate ", RoleCandidate, false},
		{"OBSERVER", RoleObserver, false},
		{"", "", true},
		{"admin", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("ParseRole(%q) err = %v, want ErrInvalidMessage", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseRole(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestSignalKindValid(t *testing.T) {
	for _, k := range []SignalKind{SignalOffer, SignalAnswer, SignalICECandidate} {
		if !k.Valid() {
			t.Errorf("%q must be valid", k)
		}
	}
	for _, k := range []SignalKind{"", "candidate", "OFFER"} {
		if k.Valid() {
			t.Errorf("%q must be invalid", k)
		}
	}
}

func TestRoomConfigClone_DeepCopiesICEServers(t *testing.T) {
	orig := RoomConfig{ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:a:3478"}}}}
	cp := orig.Clone()
	cp.ICEServers[0].URLs[0] = "stun:b:3478"
	cp.ICEServers = append(cp.ICEServers, webrtc.ICEServer{})

	if orig.ICEServers[0].URLs[0] != "stun:a:3478" || len(orig.ICEServers) != 1 {
		t.Fatalf("clone shares memory with the original: %+v", orig.ICEServers)
	}
	if DefaultRoomConfig().Clone().ICEServers != nil {
		t.Fatal("nil ice servers must stay nil")
	}
}

func TestIdentityAnonymous(t *testing.T) {
	if !Anonymous.IsAnonymous() {
		t.Fatal("zero identity is anonymous")
	}
	if (Identity{UserID: "u1"}).IsAnonymous() {
		t.Fatal("identity with a user id is not anonymous")
	}
}
