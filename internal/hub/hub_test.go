package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stobieee-bit/AsterianServer/internal/metrics"
)

// fakeConn records every enqueued frame. Tests drive the hub's internal
// handlers directly; single-owner access makes that safe without Run.
type fakeConn struct {
	frames [][]byte
	closed int
	full   bool
}

func (c *fakeConn) Enqueue(frame []byte) bool {
	if c.full || c.closed > 0 {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) Close() { c.closed++ }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestHub(t *testing.T, capacity int) (*Hub, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	h := New(Options{
		Capacity:          capacity,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		JoinDeadline:      30 * time.Second,
		Logger:            zerolog.Nop(),
		Metrics:           metrics.NewRegistry(),
		Clock:             clk.Now,
	})
	return h, clk
}

func decodeFrame(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("bad frame %q: %v", data, err)
	}
	return m
}

// ofType returns the decoded frames of one type received by a connection.
func ofType(t *testing.T, c *fakeConn, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, f := range c.frames {
		m := decodeFrame(t, f)
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// join runs a connection through accept and join, returning the assigned
// session id from its welcome.
func join(t *testing.T, h *Hub, name string) (*fakeConn, string) {
	t.Helper()
	c := &fakeConn{}
	h.handleAccept(c)
	h.dispatch(c, []byte(fmt.Sprintf(`{"type":"join","name":%q}`, name)))
	welcomes := ofType(t, c, "welcome")
	if len(welcomes) != 1 {
		t.Fatalf("got %d welcome frames, want 1", len(welcomes))
	}
	id, _ := welcomes[0]["id"].(string)
	if id == "" {
		t.Fatal("welcome carries no session id")
	}
	return c, id
}

func TestFirstJoinGetsEmptyRoster(t *testing.T) {
	h, _ := newTestHub(t, 4)
	c, _ := join(t, h, "Alice")

	welcome := ofType(t, c, "welcome")[0]
	players, _ := welcome["players"].([]any)
	if len(players) != 0 {
		t.Errorf("first welcome players = %v, want empty", players)
	}
}

func TestWelcomeContainsLatestStateOfOthers(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, aID := join(t, h, "Alice")

	// Alice moves and updates stats before Bob joins; Bob's roster must
	// reflect the latest values.
	h.dispatch(a, []byte(`{"type":"move","x":5,"z":-2,"ry":1.5,"moving":true}`))
	h.dispatch(a, []byte(`{"type":"stats","level":9,"combatStyle":"melee","hp":50,"maxHp":80,"area":"forest"}`))

	b, bID := join(t, h, "Bob")
	if aID == bID {
		t.Fatalf("duplicate session id %q", aID)
	}

	players, _ := ofType(t, b, "welcome")[0]["players"].([]any)
	if len(players) != 1 {
		t.Fatalf("Bob's roster has %d entries, want 1", len(players))
	}
	p := players[0].(map[string]any)
	if p["id"] != aID || p["name"] != "Alice" {
		t.Errorf("roster entry = %v, want Alice/%s", p, aID)
	}
	if p["x"].(float64) != 5 || p["z"].(float64) != -2 || p["moving"] != true {
		t.Errorf("roster position stale: %v", p)
	}
	stats := p["stats"].(map[string]any)
	if stats["level"].(float64) != 9 || stats["area"] != "forest" {
		t.Errorf("roster stats stale: %v", stats)
	}

	// Alice sees Bob's join broadcast; Bob does not see his own.
	if got := ofType(t, a, "join"); len(got) != 1 || got[0]["id"] != bID || got[0]["name"] != "Bob" {
		t.Errorf("Alice's join broadcasts = %v", got)
	}
	if got := ofType(t, b, "join"); len(got) != 0 {
		t.Errorf("Bob received his own join broadcast: %v", got)
	}
}

func TestCapacityRejectedAtAccept(t *testing.T) {
	h, _ := newTestHub(t, 2)
	join(t, h, "Alice")
	join(t, h, "Bob")

	extra := &fakeConn{}
	h.handleAccept(extra)

	errs := ofType(t, extra, "error")
	if len(errs) != 1 || errs[0]["msg"] != "Server full" {
		t.Fatalf("error frames = %v, want one Server full", errs)
	}
	if extra.closed == 0 {
		t.Error("rejected connection was not closed")
	}
	if h.SessionCount() != 2 {
		t.Errorf("SessionCount = %d, want 2", h.SessionCount())
	}
	if _, pending := h.pending[extra]; pending {
		t.Error("rejected connection entered Pending")
	}
}

func TestCapacityRecheckedAtJoin(t *testing.T) {
	h, _ := newTestHub(t, 1)

	// Both connections are accepted while the registry has room.
	c1, c2 := &fakeConn{}, &fakeConn{}
	h.handleAccept(c1)
	h.handleAccept(c2)

	h.dispatch(c1, []byte(`{"type":"join","name":"Alice"}`))
	h.dispatch(c2, []byte(`{"type":"join","name":"Bob"}`))

	if len(ofType(t, c1, "welcome")) != 1 {
		t.Error("first join did not succeed")
	}
	errs := ofType(t, c2, "error")
	if len(errs) != 1 || errs[0]["msg"] != "Server full" {
		t.Errorf("second join error frames = %v", errs)
	}
	if c2.closed == 0 {
		t.Error("second connection was not closed")
	}
	if h.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", h.SessionCount())
	}
}

func TestDuplicateJoinIsNoop(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, aID := join(t, h, "Alice")

	h.dispatch(a, []byte(`{"type":"join","name":"Alice2"}`))

	if got := ofType(t, a, "welcome"); len(got) != 1 {
		t.Errorf("got %d welcomes after duplicate join, want 1", len(got))
	}
	if h.sessions[aID].Name != "Alice" {
		t.Errorf("name changed on duplicate join: %q", h.sessions[aID].Name)
	}
	if h.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", h.SessionCount())
	}
}

func TestNonJoinWhilePendingIgnored(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, _ := join(t, h, "Alice")

	c := &fakeConn{}
	h.handleAccept(c)
	h.dispatch(c, []byte(`{"type":"move","x":1,"z":2,"ry":0,"moving":true}`))
	h.dispatch(c, []byte(`{"type":"chat","text":"hello"}`))

	if got := ofType(t, a, "move"); len(got) != 0 {
		t.Errorf("pending connection's move was relayed: %v", got)
	}
	if got := ofType(t, a, "chat"); len(got) != 0 {
		t.Errorf("pending connection's chat was relayed: %v", got)
	}
	if c.closed != 0 {
		t.Error("pending connection was closed for sending early")
	}
}

func TestMalformedAndUnknownFramesDropped(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, _ := join(t, h, "Alice")
	b, _ := join(t, h, "Bob")

	before := len(b.frames)
	h.dispatch(a, []byte(`not json at all`))
	h.dispatch(a, []byte(`{"type":`))
	h.dispatch(a, []byte(`{"type":"teleport","x":1}`))
	h.dispatch(a, []byte(`[1,2,3]`))

	if len(b.frames) != before {
		t.Errorf("noise frames produced %d broadcasts", len(b.frames)-before)
	}
	if a.closed != 0 {
		t.Error("connection closed over noise frames")
	}
}

func TestMoveMutatesAndExcludesSender(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, aID := join(t, h, "Alice")
	b, _ := join(t, h, "Bob")

	h.dispatch(a, []byte(`{"type":"move","x":5,"z":0,"ry":0,"moving":true}`))

	s := h.sessions[aID]
	if s.X != 5 || s.Moving != true {
		t.Errorf("session position not mutated: x=%v moving=%v", s.X, s.Moving)
	}
	moves := ofType(t, b, "move")
	if len(moves) != 1 {
		t.Fatalf("Bob got %d moves, want 1", len(moves))
	}
	if moves[0]["id"] != aID || moves[0]["x"].(float64) != 5 {
		t.Errorf("move broadcast = %v", moves[0])
	}
	if got := ofType(t, a, "move"); len(got) != 0 {
		t.Errorf("sender received its own move: %v", got)
	}
}

func TestChatEchoesToSenderOnly(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, aID := join(t, h, "Alice")
	b, _ := join(t, h, "Bob")

	h.dispatch(a, []byte(`{"type":"chat","text":"hi <there>"}`))

	for _, c := range []*fakeConn{a, b} {
		chats := ofType(t, c, "chat")
		if len(chats) != 1 {
			t.Fatalf("got %d chats, want 1", len(chats))
		}
		if chats[0]["id"] != aID || chats[0]["name"] != "Alice" || chats[0]["text"] != "hi there" {
			t.Errorf("chat broadcast = %v", chats[0])
		}
	}
}

func TestEmptyChatAfterSanitizeDropped(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, _ := join(t, h, "Alice")

	h.dispatch(a, []byte(`{"type":"chat","text":"<>&"}`))
	h.dispatch(a, []byte(`{"type":"chat","text":""}`))
	h.dispatch(a, []byte(`{"type":"chat"}`))

	if got := ofType(t, a, "chat"); len(got) != 0 {
		t.Errorf("empty chat was broadcast: %v", got)
	}
}

func TestEquipReplacedWholesale(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, aID := join(t, h, "Alice")
	b, _ := join(t, h, "Bob")

	h.dispatch(a, []byte(`{"type":"equip","equipment":{"head":"iron helm","weapon":"bow"}}`))
	h.dispatch(a, []byte(`{"type":"equip","equipment":{"weapon":"sword"}}`))

	s := h.sessions[aID]
	if _, stale := s.Equipment["head"]; stale {
		t.Error("equipment merged instead of replaced")
	}
	if s.Equipment["weapon"] != "sword" {
		t.Errorf("equipment = %v", s.Equipment)
	}
	equips := ofType(t, b, "equip")
	if len(equips) != 2 {
		t.Fatalf("Bob got %d equip broadcasts, want 2", len(equips))
	}
	if got := ofType(t, a, "equip"); len(got) != 0 {
		t.Error("sender received its own equip broadcast")
	}
}

func TestStatsCoercion(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, aID := join(t, h, "Alice")

	// Level below 1 is floored; missing numerics default to 0.
	h.dispatch(a, []byte(`{"type":"stats","level":0,"combatStyle":"<magic>","area":"town"}`))

	s := h.sessions[aID]
	if s.Stats.Level != 1 {
		t.Errorf("level = %d, want 1", s.Stats.Level)
	}
	if s.Stats.CombatStyle != "magic" {
		t.Errorf("combatStyle = %q, want magic", s.Stats.CombatStyle)
	}
	if s.Stats.HP != 0 || s.Stats.MaxHP != 0 {
		t.Errorf("hp/maxHp = %v/%v, want 0/0", s.Stats.HP, s.Stats.MaxHP)
	}
}

func TestGroundDropQuantityClamped(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, _ := join(t, h, "Alice")
	b, _ := join(t, h, "Bob")

	h.dispatch(a, []byte(`{"type":"groundDrop","x":1,"z":2,"itemId":"gold","quantity":5000}`))

	drops := ofType(t, b, "groundDrop")
	if len(drops) != 1 {
		t.Fatalf("Bob got %d groundDrops, want 1", len(drops))
	}
	if q := drops[0]["quantity"].(float64); q != 1000 {
		t.Errorf("quantity = %v, want clamped 1000", q)
	}
}

func TestStatelessRelayTypes(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, aID := join(t, h, "Alice")
	b, _ := join(t, h, "Bob")

	h.dispatch(a, []byte(`{"type":"attack","enemyId":"goblin-7","damage":12,"style":"melee","x":3,"z":4}`))
	h.dispatch(a, []byte(`{"type":"enemyKill","enemyId":"goblin-7"}`))

	attacks := ofType(t, b, "attack")
	if len(attacks) != 1 || attacks[0]["id"] != aID || attacks[0]["name"] != "Alice" || attacks[0]["damage"].(float64) != 12 {
		t.Errorf("attack broadcast = %v", attacks)
	}
	kills := ofType(t, b, "enemyKill")
	if len(kills) != 1 || kills[0]["enemyId"] != "goblin-7" {
		t.Errorf("enemyKill broadcast = %v", kills)
	}
	if len(ofType(t, a, "attack"))+len(ofType(t, a, "enemyKill")) != 0 {
		t.Error("stateless relay types echoed to sender")
	}
}

func TestDetachBroadcastsLeaveOnce(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, aID := join(t, h, "Alice")
	b, _ := join(t, h, "Bob")

	h.closeConn(a, "disconnect")
	h.closeConn(a, "disconnect") // double close must be idempotent

	leaves := ofType(t, b, "leave")
	if len(leaves) != 1 || leaves[0]["id"] != aID {
		t.Fatalf("Bob's leave frames = %v, want exactly one for %s", leaves, aID)
	}
	if h.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", h.SessionCount())
	}

	// Alice's id is gone from later rosters.
	c, _ := join(t, h, "Cara")
	players, _ := ofType(t, c, "welcome")[0]["players"].([]any)
	for _, p := range players {
		if p.(map[string]any)["id"] == aID {
			t.Error("departed session still in roster")
		}
	}
}

func TestHeartbeatPingsResponsiveSessions(t *testing.T) {
	h, clk := newTestHub(t, 4)
	a, _ := join(t, h, "Alice")

	clk.Advance(15 * time.Second)
	h.sweep(clk.Now())

	if got := ofType(t, a, "ping"); len(got) != 1 {
		t.Errorf("got %d pings, want 1", len(got))
	}
	if a.closed != 0 {
		t.Error("responsive session was closed")
	}
}

func TestHeartbeatEviction(t *testing.T) {
	h, clk := newTestHub(t, 4)
	a, aID := join(t, h, "Alice")
	b, _ := join(t, h, "Bob")

	// Bob keeps answering; Alice goes silent.
	clk.Advance(20 * time.Second)
	h.dispatch(b, []byte(`{"type":"pong"}`))
	clk.Advance(15 * time.Second) // Alice's lastSeen is now 35s old
	h.sweep(clk.Now())

	if a.closed == 0 {
		t.Error("unresponsive session was not terminated")
	}
	if _, alive := h.sessions[aID]; alive {
		t.Error("evicted session still registered")
	}
	leaves := ofType(t, b, "leave")
	if len(leaves) != 1 || leaves[0]["id"] != aID {
		t.Fatalf("Bob's leave frames = %v, want exactly one for %s", leaves, aID)
	}

	// A later tick must not broadcast the same leave again.
	clk.Advance(15 * time.Second)
	h.dispatch(b, []byte(`{"type":"pong"}`))
	h.sweep(clk.Now())
	if got := ofType(t, b, "leave"); len(got) != 1 {
		t.Errorf("leave broadcast repeated: %d frames", len(got))
	}
}

func TestPongRefreshesLastSeen(t *testing.T) {
	h, clk := newTestHub(t, 4)
	a, aID := join(t, h, "Alice")

	clk.Advance(25 * time.Second)
	h.dispatch(a, []byte(`{"type":"pong"}`))
	clk.Advance(25 * time.Second) // 50s since join, 25s since pong
	h.sweep(clk.Now())

	if _, alive := h.sessions[aID]; !alive {
		t.Error("session evicted despite recent pong")
	}
}

func TestJoinDeadlineSweep(t *testing.T) {
	h, clk := newTestHub(t, 4)
	b, _ := join(t, h, "Bob")

	idle := &fakeConn{}
	h.handleAccept(idle)

	clk.Advance(31 * time.Second)
	h.dispatch(b, []byte(`{"type":"pong"}`))
	h.sweep(clk.Now())

	if idle.closed == 0 {
		t.Error("never-joined connection survived the deadline")
	}
	// It was never registered, so nobody hears a leave for it.
	if got := ofType(t, b, "leave"); len(got) != 0 {
		t.Errorf("leave broadcast for unjoined connection: %v", got)
	}
}

func TestSlowClientDoesNotBlockBroadcast(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, _ := join(t, h, "Alice")
	slow, _ := join(t, h, "Slow")
	b, _ := join(t, h, "Bob")
	slow.full = true

	h.dispatch(a, []byte(`{"type":"chat","text":"hello"}`))

	if got := ofType(t, b, "chat"); len(got) != 1 {
		t.Errorf("healthy client got %d chats, want 1", len(got))
	}
	// The slow client's entry survives; only lifecycle paths remove it.
	if h.SessionCount() != 3 {
		t.Errorf("SessionCount = %d, want 3", h.SessionCount())
	}
	if slow.closed != 0 {
		t.Error("slow client closed by a failed send")
	}
}

func TestAnnounceSanitizedAndRelayedToAll(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, _ := join(t, h, "Alice")
	b, _ := join(t, h, "Bob")

	h.handleAnnounce("maintenance <soon>")
	h.handleAnnounce("<>&")

	for _, c := range []*fakeConn{a, b} {
		got := ofType(t, c, "announce")
		if len(got) != 1 || got[0]["text"] != "maintenance soon" {
			t.Errorf("announce frames = %v", got)
		}
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	h, _ := newTestHub(t, 4)
	a, _ := join(t, h, "Alice")

	// A frame for a closed conn whose session was force-removed exercises
	// the nil-session path through safeDispatch without crashing.
	h.sessions[h.byConn[a]] = nil
	h.safeDispatch(a, []byte(`{"type":"move","x":1,"z":1,"ry":0,"moving":false}`))
}

func TestRunShutdownClosesEverything(t *testing.T) {
	h, _ := newTestHub(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	// Accept precedes the frame in the hub's event queue, so the join is
	// guaranteed to find the connection in Pending.
	c := &fakeConn{}
	h.Accept(c)
	h.Inbound(c, []byte(`{"type":"join","name":"Alice"}`))

	deadline := time.After(2 * time.Second)
	for h.SessionCount() != 1 {
		select {
		case <-deadline:
			t.Fatal("session never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-h.stopped

	if c.closed == 0 {
		t.Error("connection not closed on shutdown")
	}
	if h.SessionCount() != 0 {
		t.Errorf("SessionCount = %d after shutdown, want 0", h.SessionCount())
	}

	// Post-shutdown API calls are absorbed without blocking.
	h.Accept(&fakeConn{})
	h.Inbound(c, []byte(`{"type":"pong"}`))
	h.Detach(c)
	h.Announce("late")
}
