package server

import (
	"context"

	"github.com/Sanji78/telegram-voip/internal/callsession"
	"github.com/Sanji78/telegram-voip/internal/registry"
)

// CallService exposes the call orchestration operations the API serves.
// Implemented by registry.Registry.
type CallService interface {
	RequestCall(ctx context.Context, identity string, req registry.CallRequest) (*callsession.Session, error)
	RequestHangup(identity string) error
	Status(identity string) (callsession.Status, error)
	StatusAll() []callsession.Status
	Identities() []string
}
