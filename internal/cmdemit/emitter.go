// Package cmdemit implements the Command Emitter (spec.md §4.10): atomic
// JSON command drops into a receiver's CopierCommands directory, the same
// write-temp-then-rename durability pattern used throughout the agent.
// Grounded on the teacher's internal/order.PersistentQueue atomic rename.
package cmdemit

import (
	"fmt"
	"path/filepath"
	"time"

	"saturn-copier/pkg/persist"
)

// Kind enumerates the supported command kinds.
type Kind string

const (
	KindCloseAll   Kind = "close_all"
	KindPause      Kind = "pause"
	KindResume     Kind = "resume"
	KindOpen       Kind = "open"
	KindClose      Kind = "close"
	KindModifySLTP Kind = "modify_sl_tp"
	KindSync       Kind = "sync"
)

// Command is the payload written for the receiver terminal to pick up.
// The sync variant may populate any of the optional fields.
type Command struct {
	Kind               Kind     `json:"kind"`
	Timestamp          string   `json:"timestamp"`
	MasterPositionID   *int64   `json:"master_position_id,omitempty"`
	ReceiverPositionID *int64   `json:"receiver_position_id,omitempty"`
	Symbol             string   `json:"symbol,omitempty"`
	Direction          string   `json:"direction,omitempty"`
	Volume             *float64 `json:"volume,omitempty"`
	SL                 *float64 `json:"sl,omitempty"`
	TP                 *float64 `json:"tp,omitempty"`
}

// Emitter writes commands into a receiver's CopierCommands directory.
type Emitter struct {
	dir string
}

// New creates an Emitter rooted at dir (normally
// "<receiver>/MQL5/Files/CopierCommands").
func New(dir string) *Emitter {
	return &Emitter{dir: dir}
}

// Emit stamps cmd's timestamp (if unset) and atomically writes it as
// <kind>_<epoch_ms>.json.
func (e *Emitter) Emit(cmd Command) error {
	if cmd.Timestamp == "" {
		cmd.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	path := filepath.Join(e.dir, fmt.Sprintf("%s_%d.json", cmd.Kind, time.Now().UnixMilli()))
	return persist.WriteJSON(path, cmd)
}
