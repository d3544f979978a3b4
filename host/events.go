package host

// Event types emitted by the reference Server's simulated players.
const (
	EventPlayerJoin EventType = `player_join`
	EventPlayerQuit EventType = `player_quit`
	EventChat       EventType = `chat`
)

type (
	PlayerJoinEvent struct {
		Player string
	}

	PlayerQuitEvent struct {
		Player string
		Reason string
	}

	// ChatEvent is a chat message sent by a player. Cancelling it prevents
	// broadcast.
	ChatEvent struct {
		Player    string
		Message   string
		cancelled bool
	}
)

var (
	_ Event       = (*PlayerJoinEvent)(nil)
	_ Event       = (*PlayerQuitEvent)(nil)
	_ Cancellable = (*ChatEvent)(nil)
)

func (*PlayerJoinEvent) EventType() EventType { return EventPlayerJoin }

func (*PlayerQuitEvent) EventType() EventType { return EventPlayerQuit }

func (*ChatEvent) EventType() EventType { return EventChat }

func (x *ChatEvent) Cancelled() bool { return x.cancelled }

func (x *ChatEvent) SetCancelled(cancelled bool) { x.cancelled = cancelled }
