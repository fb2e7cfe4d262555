package hub

import "github.com/stobieee-bit/AsterianServer/internal/protocol"

// dispatchJoined routes one frame from a joined session. Unknown types
// are dropped; everything else follows the message table: mutate the
// sender's session where the type calls for it, then broadcast. All relay
// types exclude the sender, chat alone echoes back as its delivery
// confirmation.
func (h *Hub) dispatchJoined(s *Session, f protocol.Frame) {
	switch f.Type {
	case "join":
		// Duplicate join on a joined connection is a no-op.
		return

	case "move":
		s.X = f.Num("x")
		s.Z = f.Num("z")
		s.RY = f.Num("ry")
		s.Moving = f.Bool("moving")
		h.broadcast(protocol.NewMoveBroadcast(s.ID, s.X, s.Z, s.RY, s.Moving), s.ID)

	case "chat":
		text := protocol.SanitizeChat(f.Str("text"))
		if text == "" {
			return
		}
		h.broadcast(protocol.NewChatBroadcast(s.ID, s.Name, text), "")

	case "equip":
		s.Equipment = f.Map("equipment")
		h.broadcast(protocol.NewEquipBroadcast(s.ID, s.Equipment), s.ID)

	case "stats":
		s.Stats = protocol.Stats{
			Level:       protocol.ClampLevel(f.Num("level")),
			CombatStyle: protocol.SanitizeTag(f.Str("combatStyle")),
			HP:          f.Num("hp"),
			MaxHP:       f.Num("maxHp"),
			Area:        protocol.SanitizeTag(f.Str("area")),
		}
		h.broadcast(protocol.NewStatsBroadcast(s.ID, s.Stats), s.ID)

	case "attack":
		// Stateless relay; the hub records nothing about combat.
		h.broadcast(protocol.AttackBroadcast{
			Type:    "attack",
			ID:      s.ID,
			Name:    s.Name,
			EnemyID: protocol.SanitizeTag(f.Str("enemyId")),
			Damage:  f.Num("damage"),
			Style:   protocol.SanitizeTag(f.Str("style")),
			X:       f.Num("x"),
			Z:       f.Num("z"),
		}, s.ID)

	case "enemyKill":
		h.broadcast(protocol.EnemyKillBroadcast{
			Type:    "enemyKill",
			ID:      s.ID,
			Name:    s.Name,
			EnemyID: protocol.SanitizeTag(f.Str("enemyId")),
		}, s.ID)

	case "groundDrop":
		h.broadcast(protocol.GroundDropBroadcast{
			Type:     "groundDrop",
			ID:       s.ID,
			Name:     s.Name,
			X:        f.Num("x"),
			Z:        f.Num("z"),
			ItemID:   protocol.SanitizeTag(f.Str("itemId")),
			Quantity: protocol.ClampQuantity(f.Num("quantity")),
		}, s.ID)

	case "pong":
		s.LastSeen = h.clock()

	default:
		h.m.FramesDropped.WithLabelValues("unknown_type").Inc()
		return
	}

	h.m.MessagesInbound.WithLabelValues(f.Type).Inc()
}
