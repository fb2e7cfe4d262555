package protocol

// Stats is the fixed-shape character sheet a client reports. Replaced
// wholesale on every stats message, never merged.
type Stats struct {
	Level       int     `json:"level"`
	CombatStyle string  `json:"combatStyle"`
	HP          float64 `json:"hp"`
	MaxHP       float64 `json:"maxHp"`
	Area        string  `json:"area"`
}

// DefaultStats is the sheet a session starts with before its first stats
// message.
func DefaultStats() Stats {
	return Stats{Level: 1}
}

// PlayerState is the roster entry sent in welcome messages: the latest
// known state of one joined session.
type PlayerState struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	X         float64        `json:"x"`
	Z         float64        `json:"z"`
	RY        float64        `json:"ry"`
	Moving    bool           `json:"moving"`
	Equipment map[string]any `json:"equipment"`
	Stats     Stats          `json:"stats"`
}

// Outbound message types. Every record carries its own "type" field so
// clients can dispatch on it.

type Welcome struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	Players []PlayerState `json:"players"`
}

func NewWelcome(id string, players []PlayerState) Welcome {
	return Welcome{Type: "welcome", ID: id, Players: players}
}

type JoinBroadcast struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

func NewJoinBroadcast(id, name string) JoinBroadcast {
	return JoinBroadcast{Type: "join", ID: id, Name: name}
}

type MoveBroadcast struct {
	Type   string  `json:"type"`
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Z      float64 `json:"z"`
	RY     float64 `json:"ry"`
	Moving bool    `json:"moving"`
}

func NewMoveBroadcast(id string, x, z, ry float64, moving bool) MoveBroadcast {
	return MoveBroadcast{Type: "move", ID: id, X: x, Z: z, RY: ry, Moving: moving}
}

type ChatBroadcast struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
}

func NewChatBroadcast(id, name, text string) ChatBroadcast {
	return ChatBroadcast{Type: "chat", ID: id, Name: name, Text: text}
}

type EquipBroadcast struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Equipment map[string]any `json:"equipment"`
}

func NewEquipBroadcast(id string, equipment map[string]any) EquipBroadcast {
	return EquipBroadcast{Type: "equip", ID: id, Equipment: equipment}
}

type StatsBroadcast struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Stats
}

func NewStatsBroadcast(id string, stats Stats) StatsBroadcast {
	return StatsBroadcast{Type: "stats", ID: id, Stats: stats}
}

type AttackBroadcast struct {
	Type    string  `json:"type"`
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	EnemyID string  `json:"enemyId"`
	Damage  float64 `json:"damage"`
	Style   string  `json:"style"`
	X       float64 `json:"x"`
	Z       float64 `json:"z"`
}

type EnemyKillBroadcast struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	EnemyID string `json:"enemyId"`
}

type GroundDropBroadcast struct {
	Type     string  `json:"type"`
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	X        float64 `json:"x"`
	Z        float64 `json:"z"`
	ItemID   string  `json:"itemId"`
	Quantity float64 `json:"quantity"`
}

type LeaveBroadcast struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func NewLeaveBroadcast(id string) LeaveBroadcast {
	return LeaveBroadcast{Type: "leave", ID: id}
}

type Ping struct {
	Type string `json:"type"`
}

func NewPing() Ping {
	return Ping{Type: "ping"}
}

type ErrorMessage struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

func NewError(msg string) ErrorMessage {
	return ErrorMessage{Type: "error", Msg: msg}
}

type Announce struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func NewAnnounce(text string) Announce {
	return Announce{Type: "announce", Text: text}
}
