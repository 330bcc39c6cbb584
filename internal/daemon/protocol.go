// Package daemon exposes a build pipeline over a unix socket so front ends can start, observe
// and cancel jobs without owning the worker goroutines themselves.
package daemon

import (
	"encoding/json"
	"errors"

	"github.com/cochaviz/kforge/internal/build"
	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/kconfig"
	"github.com/cochaviz/kforge/internal/ledger"
	"github.com/cochaviz/kforge/internal/privilege"
	"github.com/cochaviz/kforge/internal/profile"
	"github.com/cochaviz/kforge/internal/removal"
)

const DefaultSocketPath = "/run/kforge/daemon.sock"

// Command names an IPC request.
type Command string

const (
	CommandStart   Command = "start"
	CommandCancel  Command = "cancel"
	CommandStatus  Command = "status"
	CommandList    Command = "list"
	CommandEvents  Command = "events"
	CommandHistory Command = "history"
	CommandRemove  Command = "remove"
)

// IPCRequest is sent as one JSON document per connection.
type IPCRequest struct {
	Command Command         `json:"command"`
	ID      string          `json:"id,omitempty"`
	Version string          `json:"version,omitempty"`
	Since   int             `json:"since,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IPCResponse answers an IPCRequest. Code names the sentinel error behind Error, if any.
type IPCResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// errorCodes maps wire codes to the sentinel errors clients can match with errors.Is.
var errorCodes = []struct {
	code string
	err  error
}{
	{"privilege_denied", privilege.ErrPrivilegeDenied},
	{"session_busy", privilege.ErrSessionBusy},
	{"job_active", build.ErrJobActive},
	{"invalid_request", build.ErrInvalidRequest},
	{"cancelled", build.ErrCancelled},
	{"catalog_unavailable", catalog.ErrCatalogUnavailable},
	{"running_kernel", removal.ErrRunningKernel},
	{"not_installed", removal.ErrNotInstalled},
	{"not_found", ledger.ErrNotFound},
	{"unknown_job", ErrUnknownJob},
}

func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

func codeError(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// StartRequest is the payload of CommandStart.
type StartRequest struct {
	Version string `json:"version"`
	// Channel is optional; the catalog decides when it is empty.
	Channel      catalog.Channel      `json:"channel,omitempty"`
	Profile      profile.Profile      `json:"profile"`
	CustomName   string               `json:"custom_name,omitempty"`
	Custom       kconfig.DirectiveSet `json:"custom,omitempty"`
	Cleanup      bool                 `json:"cleanup,omitempty"`
	DebugSymbols bool                 `json:"debug_symbols,omitempty"`
}

// EventPage holds the events of one job from a sequence number on.
type EventPage struct {
	Events []build.Event `json:"events"`
	// Next is the Since value of the following request.
	Next int `json:"next"`
	// Done is set once the terminal event is part of the log.
	Done bool `json:"done"`
}
