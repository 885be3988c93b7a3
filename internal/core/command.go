package core

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandJoinActivity moves the client from the lobby (or another room) into an activity room.
	CommandJoinActivity CommandKind = iota
	// CommandLeaveActivity returns the client to the lobby.
	CommandLeaveActivity
	// CommandMutate applies a domain event and relays it to the room.
	CommandMutate
	// CommandPing keeps the connection marked active.
	CommandPing
)

// Command represents an action requested by a client.
type Command struct {
	Kind        CommandKind
	ActivityID  string
	Participant Participant
	Event       DomainEvent // CommandMutate
}
