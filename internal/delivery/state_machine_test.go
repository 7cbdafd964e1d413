package delivery

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/connection/conntest"
	"sudooom.im.chat/internal/events"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/status"
	"sudooom.im.chat/internal/store"
)

func strPtr(s string) *string { return &s }

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) UpdateMessageStatus(context.Context, int64, string, string, status.Status) (bool, error) {
	return false, errors.New("db down")
}

func (failingStore) BatchUpdateStatus(context.Context, string, string, status.Status) ([]int64, error) {
	return nil, errors.New("db down")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func setup(t *testing.T) (*StateMachine, *store.MemoryStore, *connection.Manager) {
	reg := connection.NewManager()
	st := store.NewMemoryStore()
	return NewStateMachine(reg, st, nil, nil, conntest.Logger()), st, reg
}

func insert(t *testing.T, st *store.MemoryStore, sender, receiver string) *model.Message {
	t.Helper()
	m, err := st.InsertMessage(context.Background(), model.NewMessage{Sender: sender, Receiver: receiver, Body: strPtr("hi")})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return m
}

func TestDelivered_NotifiesSenderOnce(t *testing.T) {
	sm, st, reg := setup(t)
	bob, bobRec := conntest.NewConn(t)
	reg.Bind("bob", bob)
	m := insert(t, st, "bob", "alice")
	ctx := context.Background()

	changed, err := sm.Delivered(ctx, m.Id, "alice", "bob")
	if err != nil || !changed {
		t.Fatalf("Delivered: changed=%v err=%v", changed, err)
	}
	changed, _ = sm.Delivered(ctx, m.Id, "alice", "bob")
	if changed {
		t.Error("Repeated delivered must be a no-op")
	}

	frames := conntest.Decoded(t, bobRec.Wait(t, 1))
	bobRec.Quiet(t, 1)
	f := frames[0]
	if f["type"] != "delivered" || f["chatId"] != float64(m.Id) || f["from"] != "alice" || f["to"] != "bob" {
		t.Errorf("Unexpected frame %v", f)
	}
}

func TestDelivered_AfterReadIsNoop(t *testing.T) {
	sm, st, reg := setup(t)
	bob, bobRec := conntest.NewConn(t)
	reg.Bind("bob", bob)
	m := insert(t, st, "bob", "alice")
	ctx := context.Background()

	if _, err := sm.Read(ctx, "alice", "bob"); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	bobRec.Wait(t, 1)

	changed, err := sm.Delivered(ctx, m.Id, "alice", "bob")
	if err != nil || changed {
		t.Fatalf("late delivered: changed=%v err=%v", changed, err)
	}
	bobRec.Quiet(t, 1)

	got, _ := st.GetMessage(ctx, m.Id)
	if got.Status != status.Read {
		t.Errorf("Status regressed to %v", got.Status)
	}
}

func TestDelivered_WrongDirectionIgnored(t *testing.T) {
	sm, st, reg := setup(t)
	bob, bobRec := conntest.NewConn(t)
	reg.Bind("bob", bob)
	carol, carolRec := conntest.NewConn(t)
	reg.Bind("carol", carol)
	m := insert(t, st, "bob", "alice")
	ctx := context.Background()

	// carol 不是接收方，alice 指错了发送方
	for _, ack := range [][2]string{{"carol", "bob"}, {"alice", "carol"}} {
		changed, err := sm.Delivered(ctx, m.Id, ack[0], ack[1])
		if err != nil || changed {
			t.Errorf("%s->%s ack: changed=%v err=%v", ack[0], ack[1], changed, err)
		}
	}
	bobRec.Quiet(t, 0)
	carolRec.Quiet(t, 0)

	got, _ := st.GetMessage(ctx, m.Id)
	if got.Status != status.Sent {
		t.Errorf("Expected sent, got %v", got.Status)
	}
}

func TestDelivered_StoreFailureSkipsNotify(t *testing.T) {
	reg := connection.NewManager()
	mem := store.NewMemoryStore()
	sm := NewStateMachine(reg, failingStore{mem}, nil, nil, conntest.Logger())
	bob, bobRec := conntest.NewConn(t)
	reg.Bind("bob", bob)
	m := insert(t, mem, "bob", "alice")

	if _, err := sm.Delivered(context.Background(), m.Id, "alice", "bob"); err == nil {
		t.Fatal("Expected store error")
	}
	if _, err := sm.Read(context.Background(), "alice", "bob"); err == nil {
		t.Fatal("Expected store error")
	}
	bobRec.Quiet(t, 0)
	if !bob.IsOpen() {
		t.Error("Connection must stay open")
	}
}

func TestRead_PerMessageEvents(t *testing.T) {
	sm, st, reg := setup(t)
	bob, bobRec := conntest.NewConn(t)
	reg.Bind("bob", bob)
	a := insert(t, st, "bob", "alice")
	b := insert(t, st, "bob", "alice")
	insert(t, st, "alice", "bob")
	ctx := context.Background()
	sm.Delivered(ctx, a.Id, "alice", "bob")

	ids, err := sm.Read(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Expected 2 ids, got %v", ids)
	}

	frames := conntest.Decoded(t, bobRec.Wait(t, 3))
	bobRec.Quiet(t, 3)
	if frames[1]["type"] != "read" || frames[1]["chatId"] != float64(a.Id) {
		t.Errorf("Unexpected frame %v", frames[1])
	}
	if frames[2]["type"] != "read" || frames[2]["chatId"] != float64(b.Id) {
		t.Errorf("Unexpected frame %v", frames[2])
	}

	again, _ := sm.Read(ctx, "alice", "bob")
	if len(again) != 0 {
		t.Errorf("Second read should affect nothing, got %v", again)
	}
}

func TestCatchUp_NotifiesEachSender(t *testing.T) {
	reg := connection.NewManager()
	st := store.NewMemoryStore()
	pub := &recordingPublisher{}
	sm := NewStateMachine(reg, st, pub, nil, conntest.Logger())

	bob, bobRec := conntest.NewConn(t)
	carol, carolRec := conntest.NewConn(t)
	reg.Bind("bob", bob)
	reg.Bind("carol", carol)

	m1 := insert(t, st, "bob", "alice")
	m2 := insert(t, st, "carol", "alice")
	insert(t, st, "dave", "alice")

	n, err := sm.CatchUp(context.Background(), "alice")
	if err != nil || n != 3 {
		t.Fatalf("CatchUp: n=%d err=%v", n, err)
	}

	bf := conntest.Decoded(t, bobRec.Wait(t, 1))
	if bf[0]["type"] != "delivered" || bf[0]["chatId"] != float64(m1.Id) || bf[0]["from"] != "alice" {
		t.Errorf("Unexpected bob frame %v", bf[0])
	}
	cf := conntest.Decoded(t, carolRec.Wait(t, 1))
	if cf[0]["chatId"] != float64(m2.Id) {
		t.Errorf("Unexpected carol frame %v", cf[0])
	}

	if n, _ := sm.CatchUp(context.Background(), "alice"); n != 0 {
		t.Errorf("Second catch-up should be empty, got %d", n)
	}
	if len(pub.events) != 3 {
		t.Errorf("Expected one status event per sender, got %d", len(pub.events))
	}
}

// 接收方没打开该会话时，连续 N 条新消息推送的未读数依次为 1..N
func TestNotifyStored_PushesUnreadCount(t *testing.T) {
	sm, st, reg := setup(t)
	alice, aliceRec := conntest.NewConn(t)
	reg.Bind("alice", alice)
	ctx := context.Background()

	const n = 4
	for i := 0; i < n; i++ {
		m := insert(t, st, "bob", "alice")
		if err := sm.NotifyStored(ctx, "bob", "alice", m.Id); err != nil {
			t.Fatalf("NotifyStored failed: %v", err)
		}
	}

	frames := conntest.Decoded(t, aliceRec.Wait(t, n))
	for i, f := range frames {
		if f["type"] != "unread-count" || f["friendId"] != "bob" || f["count"] != float64(i+1) {
			t.Errorf("frame %d: unexpected %v", i, f)
		}
	}
	derived, _ := st.CountUnread(ctx, "alice", "bob")
	if derived != n {
		t.Errorf("derived unread = %d, want %d", derived, n)
	}
}

func TestPushUnread_Unreachable(t *testing.T) {
	sm, st, _ := setup(t)
	insert(t, st, "bob", "alice")

	pushed, err := sm.PushUnread(context.Background(), "alice", "bob")
	if err != nil || pushed {
		t.Errorf("Expected silent skip, got pushed=%v err=%v", pushed, err)
	}
}

// 任意顺序的回执事件，最终状态都与顺序无关
func TestStatus_OrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 50; round++ {
		sm, st, _ := setup(t)
		m := insert(t, st, "bob", "alice")
		ctx := context.Background()

		var ops []string
		for i := rng.Intn(5); i > 0; i-- {
			if rng.Intn(2) == 0 {
				ops = append(ops, "delivered")
			} else {
				ops = append(ops, "read")
			}
		}

		var wg sync.WaitGroup
		for _, op := range ops {
			wg.Add(1)
			go func(op string) {
				defer wg.Done()
				if op == "delivered" {
					sm.Delivered(ctx, m.Id, "alice", "bob")
				} else {
					sm.Read(ctx, "alice", "bob")
				}
			}(op)
		}
		wg.Wait()

		want := status.Sent
		for _, op := range ops {
			if op == "read" {
				want = status.Read
				break
			}
			want = status.Delivered
		}

		got, _ := st.GetMessage(ctx, m.Id)
		if got.Status != want {
			t.Fatalf("ops %v: got %v, want %v", ops, got.Status, want)
		}
	}
}
