// Package endpoint implements the commanded side of the protocol: the local
// agent loop, the command dispatcher and the relay cloud session.
package endpoint

import (
	"context"

	"code.wakelink.org/golang/internal/utils"
	"code.wakelink.org/golang/pkg/packet"
)

// Dispatcher executes decrypted commands. The packet codec never routes, it
// hands every command here.
type Dispatcher interface {
	// Dispatch runs the handler for command. It errors with
	// ErrUnknownCommand when no handler is registered.
	Dispatch(ctx context.Context, command string, data map[string]string) (packet.Reply, error)
}

// HandlerFunc implements one command.
type HandlerFunc func(ctx context.Context, data map[string]string) (packet.Reply, error)

// CommandTable is a Dispatcher routing commands by name.
type CommandTable struct {
	handlers *utils.Registry[string, HandlerFunc]
}

// NewCommandTable returns an empty CommandTable.
func NewCommandTable() *CommandTable {
	return &CommandTable{handlers: utils.NewRegistry[string, HandlerFunc]()}
}

var _ Dispatcher = &CommandTable{}

// Register installs fn as the handler for command. It errors if command
// already has one.
func (self *CommandTable) Register(command string, fn HandlerFunc) error {
	err := utils.RegistrySet(self.handlers, command, fn)
	if nil != err {
		return wrapError(err, "failed registering command %s", command)
	}
	return nil
}

// Dispatch runs the handler registered for command.
func (self *CommandTable) Dispatch(ctx context.Context, command string, data map[string]string) (packet.Reply, error) {
	fn, present := utils.RegistryGet(self.handlers, command)
	if !present {
		return nil, wrapError(ErrUnknownCommand, "command %q", command)
	}
	return fn(ctx, data)
}
