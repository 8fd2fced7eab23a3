package hub

import (
	"net"
	"testing"
)

// newPipeSession builds a Session backed by an in-memory net.Pipe, with the
// peer end returned so a test can read whatever the session sends.
func newPipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, peer := net.Pipe()
	sess := newSession(client, nil)
	sess.state.Store(int32(StateConnected))
	return sess, peer
}

func TestVariableGetSetRoundTrip(t *testing.T) {
	store := NewVariableStore()
	store.define("Depth", 1.5, false, false)

	value, readonly, err := store.GetValue("Depth")
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if value != 1.5 || readonly {
		t.Fatalf("expected 1.5/RW, got %v/%v", value, readonly)
	}

	if err := store.SetValue("Depth", 2.75, nil); err != nil {
		t.Fatalf("SetValue: %v", err)
	}

	value, _, err = store.GetValue("Depth")
	if err != nil {
		t.Fatalf("GetValue after SetValue: %v", err)
	}
	if value != 2.75 {
		t.Fatalf("expected 2.75 after SET, got %v", value)
	}
}

func TestVariableGetUnknownIsError(t *testing.T) {
	store := NewVariableStore()
	if _, _, err := store.GetValue("NoSuchVar"); err != ErrNoSuchVariable {
		t.Fatalf("expected ErrNoSuchVariable, got %v", err)
	}
}

func TestVariableSetReadOnlyIsRejected(t *testing.T) {
	store := NewVariableStore()
	store.define("Locked", 1.0, false, true)

	if err := store.SetValue("Locked", 2.0, nil); err != ErrReadOnly {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestVariableSetUnknownIsRejected(t *testing.T) {
	store := NewVariableStore()
	if err := store.SetValue("Ghost", 1.0, nil); err != ErrNoSuchVariable {
		t.Fatalf("expected ErrNoSuchVariable, got %v", err)
	}
}

func TestSubscribeWatchFanOut(t *testing.T) {
	store := NewVariableStore()
	store.define("Depth", 1.5, false, false)

	sub, peer := newPipeSession(t)
	defer peer.Close()

	if err := store.Subscribe("Depth", sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	done := make(chan *Frame, 1)
	go func() {
		f, err := ReadFrame(peer)
		if err != nil {
			done <- nil
			return
		}
		done <- f
	}()

	if err := store.SetValue("Depth", 3.0, nil); err != nil {
		t.Fatalf("SetValue: %v", err)
	}

	f := <-done
	if f == nil {
		t.Fatal("subscriber did not receive a WATCH frame")
	}
	if len(f.Comp) != 3 || f.Comp[0] != NsWatch || f.Comp[1] != "Depth" || f.Comp[2] != "3.000000" {
		t.Errorf("unexpected WATCH frame: %+v", f.Comp)
	}
}

func TestUnsubscribeStopsFanOut(t *testing.T) {
	store := NewVariableStore()
	store.define("Depth", 1.5, false, false)

	sub, peer := newPipeSession(t)
	defer peer.Close()

	if err := store.Subscribe("Depth", sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := store.Unsubscribe("Depth", sub); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	v, _ := store.Get("Depth")
	if len(v.subscribers) != 0 {
		t.Fatalf("expected no subscribers after Unsubscribe, got %d", len(v.subscribers))
	}
	if len(sub.subscriptions()) != 0 {
		t.Fatalf("expected session to have no subscriptions after Unsubscribe")
	}
}

func TestSubscriptionSymmetricCrossReferences(t *testing.T) {
	store := NewVariableStore()
	store.define("A", 0, false, false)
	store.define("B", 0, false, false)

	sub, peer := newPipeSession(t)
	defer peer.Close()

	store.Subscribe("A", sub)
	store.Subscribe("B", sub)

	if len(sub.subscriptions()) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(sub.subscriptions()))
	}

	store.DetachSession(sub)

	if len(sub.subscriptions()) != 0 {
		t.Fatalf("expected 0 subscriptions after DetachSession, got %d", len(sub.subscriptions()))
	}
	va, _ := store.Get("A")
	vb, _ := store.Get("B")
	if len(va.subscribers) != 0 || len(vb.subscribers) != 0 {
		t.Fatal("DetachSession left dangling subscriber references")
	}
}

func TestPersistentSetSignalsOnlyWhenPersistent(t *testing.T) {
	store := NewVariableStore()
	store.define("Durable", 0, true, false)
	store.define("Volatile", 0, false, false)

	var signaled int
	onPersist := func() { signaled++ }

	if err := store.SetValue("Durable", 1.0, onPersist); err != nil {
		t.Fatalf("SetValue Durable: %v", err)
	}
	if err := store.SetValue("Volatile", 1.0, onPersist); err != nil {
		t.Fatalf("SetValue Volatile: %v", err)
	}

	if signaled != 1 {
		t.Fatalf("expected exactly 1 persistence signal, got %d", signaled)
	}
}
