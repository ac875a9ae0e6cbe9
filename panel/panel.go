package panel

import (
	"errors"

	"github.com/oklog/ulid/v2"
)

// the panel core keeps one canonical application state, fed by a persistent server
// connection and extended by mixins that each own a slice of the state.
// see `App` for the assembly

var ErrNotConnected = errors.New("Not connected.")
var ErrDisconnected = errors.New("Disconnected.")
var ErrClosed = errors.New("Closed.")

// comparable. Ids from `NewId` are unique within the process
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}
