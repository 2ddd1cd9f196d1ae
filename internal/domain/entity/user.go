package entity

// LocalUser is the signed-in user as seen by the messaging core. Name and
// photo are denormalized onto outgoing messages.
type LocalUser struct {
	ID    string
	Name  string
	Photo string
}
