package topics

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/swarmlabs/zerg/internal/auth"
	"github.com/swarmlabs/zerg/internal/store"
)

var errUnauthorized = errors.New("unauthorized for topic")

// StoreAuthorizer enforces ownership: agent, thread, and execution topics
// are visible to the owning user (and admins), user topics only to the
// user themselves, and system to any authenticated client.
type StoreAuthorizer struct {
	Store store.Store
}

func (a *StoreAuthorizer) Authorize(ctx context.Context, ident *auth.Identity, t Topic) error {
	if ident == nil {
		return errUnauthorized
	}
	if ident.Admin || t.Kind == KindSystem {
		return nil
	}
	switch t.Kind {
	case KindUser:
		if t.Ref != ident.UserID {
			return errUnauthorized
		}
		return nil
	case KindAgent:
		return a.checkAgent(ctx, ident, uuid.MustParse(t.Ref))
	case KindThread:
		th, err := a.Store.GetThread(ctx, uuid.MustParse(t.Ref))
		if err != nil {
			return errUnauthorized
		}
		return a.checkAgent(ctx, ident, th.AgentID)
	case KindExecution:
		ex, err := a.Store.GetWorkflowExecution(ctx, uuid.MustParse(t.Ref))
		if err != nil {
			return errUnauthorized
		}
		wf, err := a.Store.GetWorkflow(ctx, ex.WorkflowID)
		if err != nil || wf.OwnerID != ident.UserID {
			return errUnauthorized
		}
		return nil
	}
	return errUnauthorized
}

func (a *StoreAuthorizer) checkAgent(ctx context.Context, ident *auth.Identity, agentID uuid.UUID) error {
	ag, err := a.Store.GetAgent(ctx, agentID)
	if err != nil || ag.OwnerID != ident.UserID {
		return errUnauthorized
	}
	return nil
}
