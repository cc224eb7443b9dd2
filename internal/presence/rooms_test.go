package presence

import "testing"

func TestJoinReturnsFullSubscriberListIncludingJoiner(t *testing.T) {
	registry := NewRegistry()
	registry.Join("doc-1", Subscriber{SessionID: "s1", UserID: "alice"})
	list := registry.Join("doc-1", Subscriber{SessionID: "s2", UserID: "bob"})

	if len(list) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(list))
	}
}

func TestPeersExcludesCaller(t *testing.T) {
	registry := NewRegistry()
	registry.Join("doc-1", Subscriber{SessionID: "s1", UserID: "alice"})
	registry.Join("doc-1", Subscriber{SessionID: "s2", UserID: "bob"})

	peers := registry.Peers("doc-1", "s1")
	if len(peers) != 1 || peers[0].UserID != "bob" {
		t.Fatalf("unexpected peers: %+v", peers)
	}
}

func TestLeaveRemovesRoomWhenEmpty(t *testing.T) {
	registry := NewRegistry()
	registry.Join("doc-1", Subscriber{SessionID: "s1", UserID: "alice"})
	registry.Leave("doc-1", "s1")

	if !registry.IsEmpty("doc-1") {
		t.Fatalf("expected room to be empty after last leave")
	}
}

func TestLeaveUnjoinedSessionIsNoop(t *testing.T) {
	registry := NewRegistry()
	registry.Leave("doc-1", "ghost")
	if !registry.IsEmpty("doc-1") {
		t.Fatalf("expected still-empty room")
	}
}

func TestLeaveAllRemovesSessionFromEveryRoom(t *testing.T) {
	registry := NewRegistry()
	registry.Join("doc-1", Subscriber{SessionID: "s1", UserID: "alice"})
	registry.Join("doc-2", Subscriber{SessionID: "s1", UserID: "alice"})
	registry.Join("doc-2", Subscriber{SessionID: "s2", UserID: "bob"})

	left := registry.LeaveAll("s1")
	if len(left) != 2 {
		t.Fatalf("expected session removed from 2 rooms, got %d", len(left))
	}
	if !registry.IsEmpty("doc-1") {
		t.Fatalf("expected doc-1 room empty")
	}
	if registry.IsEmpty("doc-2") {
		t.Fatalf("expected doc-2 room to still have bob")
	}
}

func TestUsersInReflectsCurrentMembership(t *testing.T) {
	registry := NewRegistry()
	registry.Join("doc-1", Subscriber{SessionID: "s1", UserID: "alice"})
	registry.Join("doc-1", Subscriber{SessionID: "s2", UserID: "bob"})
	registry.Leave("doc-1", "s1")

	users := registry.UsersIn("doc-1")
	if len(users) != 1 || users[0].UserID != "bob" {
		t.Fatalf("unexpected users: %+v", users)
	}
}
