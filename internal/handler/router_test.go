package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"sudooom.im.chat/internal/connection"
	"sudooom.im.chat/internal/connection/conntest"
	"sudooom.im.chat/internal/delivery"
	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/presence"
	"sudooom.im.chat/internal/status"
	"sudooom.im.chat/internal/store"
)

type countingRemover struct {
	mu   sync.Mutex
	refs []string
}

func (r *countingRemover) RemoveAttachment(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, ref)
	return nil
}

func (r *countingRemover) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.refs...)
}

type harness struct {
	router  *Router
	reg     *connection.Manager
	store   *store.MemoryStore
	remover *countingRemover
}

func newHarness(t *testing.T, limit RateLimit) *harness {
	t.Helper()
	reg := connection.NewManager()
	st := store.NewMemoryStore()
	logger := conntest.Logger()
	remover := &countingRemover{}

	r := NewRouter(Deps{
		Registry:  reg,
		Presence:  presence.NewTracker(reg, st, logger),
		Delivery:  delivery.NewStateMachine(reg, st, nil, nil, logger),
		Store:     st,
		Media:     remover,
		Logger:    logger,
		RateLimit: limit,
	})
	return &harness{router: r, reg: reg, store: st, remover: remover}
}

func (h *harness) send(conn *connection.Connection, frame string) {
	h.router.Dispatch(context.Background(), conn, []byte(frame))
}

func (h *harness) bind(t *testing.T, identity string) (*connection.Connection, *conntest.Recorder) {
	t.Helper()
	conn, rec := conntest.NewConn(t)
	h.reg.Add(conn)
	h.send(conn, fmt.Sprintf(`{"type":"identity-bind","identity":%q}`, identity))
	if h.reg.Lookup(identity) != conn {
		t.Fatalf("%s not bound", identity)
	}
	return conn, rec
}

func (h *harness) insert(t *testing.T, msg model.NewMessage) *model.Message {
	t.Helper()
	m, err := h.store.InsertMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return m
}

func strPtr(s string) *string { return &s }

func TestRouter_AliceBobConversation(t *testing.T) {
	h := newHarness(t, RateLimit{})
	_, aliceRec := h.bind(t, "alice")
	bob, bobRec := h.bind(t, "bob")

	// alice 看到 bob 上线
	frames := conntest.Decoded(t, aliceRec.Wait(t, 1))
	if frames[0]["type"] != "presence" || frames[0]["identity"] != "bob" || frames[0]["status"] != "Online" {
		t.Fatalf("Unexpected presence frame %v", frames[0])
	}
	if _, ok := frames[0]["lastLoginAt"]; ok {
		t.Error("Online presence must not carry lastLoginAt")
	}

	m := h.insert(t, model.NewMessage{Sender: "bob", Receiver: "alice", Body: strPtr("hello")})
	chat := fmt.Sprintf(`{"type":"chat-message","receiver":"alice","payload":{"chatId":%d,"message":"hello"}}`, m.Id)
	h.send(bob, chat)

	got := aliceRec.Wait(t, 2)
	if string(got[1]) != chat {
		t.Fatalf("Forwarded frame changed: %s", got[1])
	}

	alice := h.reg.Lookup("alice")
	h.send(alice, fmt.Sprintf(`{"type":"delivery-ack","from":"alice","to":"bob","chatId":%d}`, m.Id))
	h.send(alice, `{"type":"read-ack","from":"alice","to":"bob"}`)

	bobFrames := conntest.Decoded(t, bobRec.Wait(t, 2))
	bobRec.Quiet(t, 2)
	if bobFrames[0]["type"] != "delivered" || bobFrames[0]["chatId"] != float64(m.Id) {
		t.Errorf("Expected delivered, got %v", bobFrames[0])
	}
	if bobFrames[1]["type"] != "read" || bobFrames[1]["from"] != "alice" || bobFrames[1]["to"] != "bob" {
		t.Errorf("Expected read, got %v", bobFrames[1])
	}

	stored, _ := h.store.GetMessage(context.Background(), m.Id)
	if stored.Status != status.Read {
		t.Errorf("Status = %v, want read", stored.Status)
	}
}

func TestRouter_ReceiverOfflineIsNotAnError(t *testing.T) {
	h := newHarness(t, RateLimit{})
	bob, bobRec := h.bind(t, "bob")

	h.send(bob, `{"type":"chat-message","receiver":"alice","payload":{"message":"hi"}}`)
	h.send(bob, `{"type":"typing","to":"alice"}`)

	bobRec.Quiet(t, 0)
	if !bob.IsOpen() {
		t.Error("Sender connection must stay open")
	}
}

func TestRouter_TypingForwarded(t *testing.T) {
	h := newHarness(t, RateLimit{})
	_, aliceRec := h.bind(t, "alice")
	bob, _ := h.bind(t, "bob")

	h.send(bob, `{"type":"typing","to":"alice","from":"bob"}`)
	h.send(bob, `{"type":"stop-typing","to":"alice","from":"bob"}`)

	frames := conntest.Decoded(t, aliceRec.Wait(t, 3))
	if frames[1]["type"] != "typing" || frames[2]["type"] != "stop-typing" {
		t.Errorf("Unexpected frames %v", frames)
	}
}

func TestRouter_StaleDisconnectKeepsNewBinding(t *testing.T) {
	h := newHarness(t, RateLimit{})
	_, bobRec := h.bind(t, "bob")
	first, _ := h.bind(t, "alice")
	second, _ := h.bind(t, "alice")

	h.router.Disconnect(context.Background(), first)

	if h.reg.Lookup("alice") != second {
		t.Fatal("Stale disconnect removed the newer binding")
	}
	p, _ := h.store.Presence("alice")
	if p.Status != model.Online {
		t.Errorf("Presence = %s, want Online", p.Status)
	}
	for _, f := range conntest.Decoded(t, bobRec.Frames()) {
		if f["status"] == "Offline" {
			t.Errorf("Unexpected offline broadcast %v", f)
		}
	}

	h.router.Disconnect(context.Background(), second)
	if h.reg.Lookup("alice") != nil {
		t.Error("alice still reachable after disconnect")
	}
	p, _ = h.store.Presence("alice")
	if p.Status != model.Offline {
		t.Errorf("Presence = %s, want Offline", p.Status)
	}
	frames := conntest.Decoded(t, bobRec.Wait(t, 3))
	last := frames[len(frames)-1]
	if last["status"] != "Offline" || last["lastLoginAt"] == nil {
		t.Errorf("Expected offline broadcast with lastLoginAt, got %v", last)
	}
}

func TestRouter_SupersededConnectionUnreachable(t *testing.T) {
	h := newHarness(t, RateLimit{})
	_, oldRec := h.bind(t, "alice")
	_, newRec := h.bind(t, "alice")
	bob, _ := h.bind(t, "bob")

	h.send(bob, `{"type":"chat-message","receiver":"alice","payload":{}}`)

	newFrames := conntest.Decoded(t, newRec.Wait(t, 2))
	if newFrames[1]["type"] != "chat-message" {
		t.Errorf("Expected chat frame on new connection, got %v", newFrames[1])
	}
	// 旧连接只收到 alice 第二次上线前的帧
	oldRec.Quiet(t, 0)
}

func TestRouter_DeleteExactlyOnce(t *testing.T) {
	h := newHarness(t, RateLimit{})
	alice, aliceRec := h.bind(t, "alice")
	bob, bobRec := h.bind(t, "bob")

	m := h.insert(t, model.NewMessage{Sender: "alice", Receiver: "bob", ImageUrl: strPtr("/uploads/cat.png")})
	reply := h.insert(t, model.NewMessage{
		Sender: "bob", Receiver: "alice", Body: strPtr("nice"),
		ReplyToId: &m.Id, ReplyImageUrl: strPtr("/uploads/cat.png"),
	})

	del := fmt.Sprintf(`{"type":"delete-message","chatId":"%d","user":"alice","selectedUser":"bob"}`, m.Id)
	h.send(alice, del)
	h.send(bob, del)

	if calls := h.remover.calls(); len(calls) != 1 || calls[0] != "/uploads/cat.png" {
		t.Errorf("Attachment removals = %v, want exactly one", calls)
	}

	got, _ := h.store.GetMessage(context.Background(), m.Id)
	if !got.IsTombstone() || *got.Body != model.DeletedBody || got.ImageUrl != nil {
		t.Errorf("Message not tombstoned: %+v", got)
	}
	r, _ := h.store.GetMessage(context.Background(), reply.Id)
	if r.ReplyToId != nil || r.ReplyBody == nil || *r.ReplyBody != model.DeletedReplyBody || r.ReplyImageUrl != nil {
		t.Errorf("Reply snapshot not cleared: %+v", r)
	}

	count := func(rec *conntest.Recorder) int {
		n := 0
		for _, f := range conntest.Decoded(t, rec.Frames()) {
			if f["type"] == "message-deleted" {
				if f["chatId"] != float64(m.Id) {
					t.Errorf("Unexpected chatId in %v", f)
				}
				n++
			}
		}
		return n
	}
	aliceRec.Wait(t, 2)
	bobRec.Wait(t, 1)
	if n := count(aliceRec); n != 1 {
		t.Errorf("alice received %d delete notifications", n)
	}
	if n := count(bobRec); n != 1 {
		t.Errorf("bob received %d delete notifications", n)
	}
}

func TestRouter_DeleteRequiresOwner(t *testing.T) {
	h := newHarness(t, RateLimit{})
	_, aliceRec := h.bind(t, "alice")
	bob, _ := h.bind(t, "bob")

	m := h.insert(t, model.NewMessage{Sender: "alice", Receiver: "bob", Body: strPtr("mine")})
	h.send(bob, fmt.Sprintf(`{"type":"delete-message","chatId":%d,"user":"bob","selectedUser":"alice"}`, m.Id))

	got, _ := h.store.GetMessage(context.Background(), m.Id)
	if got.IsTombstone() {
		t.Error("Non-owner deleted the message")
	}
	if len(h.remover.calls()) != 0 {
		t.Error("Attachment removed without tombstone")
	}
	// bob 上线，以及 bob 这一帧之后补偿产生的 delivered，没有删除通知
	frames := conntest.Decoded(t, aliceRec.Wait(t, 2))
	aliceRec.Quiet(t, 2)
	if frames[1]["type"] != "delivered" {
		t.Errorf("Unexpected frame %v", frames[1])
	}
}

// failingDeleteStore 按需让快照或软删失败，其余操作走内存存储
type failingDeleteStore struct {
	DeleteStore
	snapErr error
	tombErr error
}

func (s failingDeleteStore) FetchMessageSnapshot(ctx context.Context, id int64) (*model.Snapshot, error) {
	if s.snapErr != nil {
		return nil, s.snapErr
	}
	return s.DeleteStore.FetchMessageSnapshot(ctx, id)
}

func (s failingDeleteStore) TombstoneMessage(ctx context.Context, id int64, sender, receiver string) (bool, error) {
	if s.tombErr != nil {
		return false, s.tombErr
	}
	return s.DeleteStore.TombstoneMessage(ctx, id, sender, receiver)
}

func TestRouter_DeleteStoreFailure(t *testing.T) {
	errDB := errors.New("connection reset")
	tests := []struct {
		name    string
		snapErr error
		tombErr error
	}{
		{name: "snapshot fails", snapErr: errDB},
		{name: "tombstone fails", tombErr: errDB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, RateLimit{})
			alice, aliceRec := h.bind(t, "alice")
			_, bobRec := h.bind(t, "bob")
			h.router.store = failingDeleteStore{DeleteStore: h.store, snapErr: tt.snapErr, tombErr: tt.tombErr}

			m := h.insert(t, model.NewMessage{Sender: "alice", Receiver: "bob", ImageUrl: strPtr("/uploads/cat.png")})
			h.send(alice, fmt.Sprintf(`{"type":"delete-message","chatId":%d,"user":"alice","selectedUser":"bob"}`, m.Id))

			// alice 只有 bob 的上线帧，bob 什么也没收到
			aliceRec.Wait(t, 1)
			aliceRec.Quiet(t, 1)
			bobRec.Quiet(t, 0)

			if calls := h.remover.calls(); len(calls) != 0 {
				t.Errorf("Attachment removed after failed delete: %v", calls)
			}
			got, _ := h.store.GetMessage(context.Background(), m.Id)
			if got.IsTombstone() || got.ImageUrl == nil {
				t.Errorf("Message changed after failed delete: %+v", got)
			}
			if !alice.IsOpen() {
				t.Error("Connection should stay open after a store failure")
			}
		})
	}
}

func TestRouter_MalformedAndUnknownFramesDropped(t *testing.T) {
	h := newHarness(t, RateLimit{})
	_, aliceRec := h.bind(t, "alice")
	bob, _ := h.bind(t, "bob")

	for _, frame := range []string{`not json`, `{}`, `{"type":"dance"}`, `{"type":"chat-message"}`, `{"type":"delivery-ack","chatId":"abc"}`} {
		h.send(bob, frame)
	}
	if !bob.IsOpen() {
		t.Fatal("Connection closed after bad frames")
	}

	h.send(bob, `{"type":"chat-message","receiver":"alice","payload":{}}`)
	frames := conntest.Decoded(t, aliceRec.Wait(t, 2))
	if frames[1]["type"] != "chat-message" {
		t.Errorf("Valid frame after bad ones not forwarded: %v", frames[1])
	}
}

func TestRouter_CatchUpAfterBind(t *testing.T) {
	h := newHarness(t, RateLimit{})
	_, bobRec := h.bind(t, "bob")

	m1 := h.insert(t, model.NewMessage{Sender: "bob", Receiver: "alice", Body: strPtr("one")})
	m2 := h.insert(t, model.NewMessage{Sender: "bob", Receiver: "alice", Body: strPtr("two")})

	h.bind(t, "alice")

	// presence + 两条 delivered
	frames := conntest.Decoded(t, bobRec.Wait(t, 3))
	bobRec.Quiet(t, 3)
	for i, id := range []int64{m1.Id, m2.Id} {
		f := frames[i+1]
		if f["type"] != "delivered" || f["chatId"] != float64(id) || f["from"] != "alice" || f["to"] != "bob" {
			t.Errorf("Unexpected frame %v", f)
		}
	}
	for _, id := range []int64{m1.Id, m2.Id} {
		got, _ := h.store.GetMessage(context.Background(), id)
		if got.Status != status.Delivered {
			t.Errorf("message %d status %v", id, got.Status)
		}
	}
}

func TestRouter_LoggedOutKeepsBinding(t *testing.T) {
	h := newHarness(t, RateLimit{})
	_, aliceRec := h.bind(t, "alice")
	bob, _ := h.bind(t, "bob")

	h.send(bob, `{"type":"logged-out","identity":"bob"}`)

	frames := conntest.Decoded(t, aliceRec.Wait(t, 2))
	if frames[1]["identity"] != "bob" || frames[1]["status"] != "Offline" {
		t.Errorf("Expected offline broadcast, got %v", frames[1])
	}
	if h.reg.Lookup("bob") != bob {
		t.Error("logged-out must not unbind")
	}
	p, _ := h.store.Presence("bob")
	if p.Status != model.Offline {
		t.Errorf("Presence = %s", p.Status)
	}
}

func TestRouter_RebindReleasesOldIdentity(t *testing.T) {
	h := newHarness(t, RateLimit{})
	conn, _ := h.bind(t, "alice")

	h.send(conn, `{"type":"identity-bind","identity":"carol"}`)

	if h.reg.Lookup("alice") != nil {
		t.Error("alice still bound")
	}
	if h.reg.Lookup("carol") != conn {
		t.Error("carol not bound")
	}
	p, _ := h.store.Presence("alice")
	if p.Status != model.Offline {
		t.Errorf("alice presence = %s", p.Status)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	h := newHarness(t, RateLimit{Rate: 0.001, Burst: 2})
	_, aliceRec := h.bind(t, "alice")
	bob, _ := h.bind(t, "bob")

	for i := 0; i < 3; i++ {
		h.send(bob, `{"type":"chat-message","receiver":"alice","payload":{}}`)
	}

	// bind 已经用掉 bob 的一个令牌
	aliceRec.Wait(t, 2)
	aliceRec.Quiet(t, 2)
	if !bob.IsOpen() {
		t.Error("Rate limited connection must stay open")
	}
}

func TestRouter_BindMustMatchPrincipal(t *testing.T) {
	h := newHarness(t, RateLimit{})
	conn, _ := conntest.NewConn(t)
	conn.SetPrincipal("alice")

	h.send(conn, `{"type":"identity-bind","identity":"mallory"}`)
	if h.reg.Lookup("mallory") != nil {
		t.Fatal("Bound an identity different from the token")
	}

	h.send(conn, `{"type":"identity-bind","identity":"alice"}`)
	if h.reg.Lookup("alice") != conn {
		t.Error("Matching identity not bound")
	}
}

type panicStore struct{ DeleteStore }

func (panicStore) FetchMessageSnapshot(context.Context, int64) (*model.Snapshot, error) {
	panic("boom")
}

func TestRouter_PanicRecovered(t *testing.T) {
	h := newHarness(t, RateLimit{})
	alice, _ := h.bind(t, "alice")
	_, bobRec := h.bind(t, "bob")
	h.router.store = panicStore{}

	h.send(alice, `{"type":"delete-message","chatId":1,"user":"alice","selectedUser":"bob"}`)

	// 连接仍可用，后续帧照常处理
	h.send(alice, `{"type":"typing","to":"bob"}`)
	frames := conntest.Decoded(t, bobRec.Wait(t, 1))
	if frames[0]["type"] != "typing" {
		t.Errorf("Expected typing frame, got %v", frames[0])
	}
	if !alice.IsOpen() {
		t.Error("Connection should stay open after a handler panic")
	}
}

func (h *harness) bindAs(t *testing.T, identity string) (*connection.Connection, *conntest.Recorder) {
	t.Helper()
	conn, rec := conntest.NewConn(t)
	conn.SetPrincipal(identity)
	h.reg.Add(conn)
	h.send(conn, fmt.Sprintf(`{"type":"identity-bind","identity":%q}`, identity))
	if h.reg.Lookup(identity) != conn {
		t.Fatalf("%s not bound", identity)
	}
	return conn, rec
}

func TestRouter_LoggedOutMustMatchPrincipal(t *testing.T) {
	h := newHarness(t, RateLimit{})
	alice, _ := h.bindAs(t, "alice")
	bob, bobRec := h.bindAs(t, "bob")

	h.send(bob, `{"type":"logged-out","identity":"alice"}`)
	bobRec.Quiet(t, 0)
	if p, _ := h.store.Presence("alice"); p.Status != model.Online {
		t.Errorf("alice presence = %s after forged logged-out", p.Status)
	}

	h.send(alice, `{"type":"logged-out","identity":"alice"}`)
	frames := conntest.Decoded(t, bobRec.Wait(t, 1))
	if frames[0]["identity"] != "alice" || frames[0]["status"] != "Offline" {
		t.Errorf("Expected alice offline, got %v", frames[0])
	}
}

func TestRouter_DeleteMustMatchPrincipal(t *testing.T) {
	h := newHarness(t, RateLimit{})
	alice, aliceRec := h.bindAs(t, "alice")
	bob, bobRec := h.bindAs(t, "bob")

	m := h.insert(t, model.NewMessage{Sender: "alice", Receiver: "bob", ImageUrl: strPtr("/uploads/cat.png")})
	del := fmt.Sprintf(`{"type":"delete-message","chatId":%d,"user":"alice","selectedUser":"bob"}`, m.Id)

	// bob 冒充 alice 删除
	h.send(bob, del)
	got, _ := h.store.GetMessage(context.Background(), m.Id)
	if got.IsTombstone() {
		t.Fatal("Message deleted by a connection holding another identity's token")
	}
	if len(h.remover.calls()) != 0 {
		t.Error("Attachment removed by forged delete")
	}

	h.send(alice, del)
	got, _ = h.store.GetMessage(context.Background(), m.Id)
	if !got.IsTombstone() {
		t.Error("Owner delete not applied")
	}
	if calls := h.remover.calls(); len(calls) != 1 {
		t.Errorf("Attachment removals = %v", calls)
	}
	// bob 的帧触发补偿 delivered，之后是删除通知
	aliceFrames := conntest.Decoded(t, aliceRec.Wait(t, 3))
	if aliceFrames[2]["type"] != "message-deleted" {
		t.Errorf("Expected message-deleted, got %v", aliceFrames[2])
	}
	bobFrames := conntest.Decoded(t, bobRec.Wait(t, 1))
	if bobFrames[0]["type"] != "message-deleted" {
		t.Errorf("Expected message-deleted, got %v", bobFrames[0])
	}
}
