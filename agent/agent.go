//
// Copyright (C) 2025 The spice-go Authors. All rights reserved.
//
// spice-go is licensed under the Apache License Version 2.0.
//
//

// Package agent defines the collaborator contract for agents driven by
// graph nodes. Concrete agent implementations (LLM clients and the like)
// live outside the core and plug in through this interface.
package agent

import (
	"context"

	"github.com/spice-framework/spice-go/message"
)

// Agent processes messages on behalf of an agent node. Implementations may
// block on I/O and may mutate state only through the returned message.
type Agent interface {
	// ProcessMessage handles one message and returns the resulting message.
	ProcessMessage(ctx context.Context, msg message.Message) (message.Message, error)
	// Capabilities names what the agent can do.
	Capabilities() []string
	// IsReady reports whether the agent can accept work.
	IsReady() bool
}
