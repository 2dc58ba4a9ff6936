package sessionpay

import (
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/session"
	"github.com/R3E-Network/sessionpay/internal/chain"
)

// ownable is the owner capability.
type ownable struct {
	owner chain.Address
}

func (o ownable) requireOwner(caller chain.Address) error {
	if caller != o.owner {
		return ErrUnauthorized
	}
	return nil
}

func (o ownable) transferred(newOwner chain.Address) (ownable, error) {
	if newOwner.IsZero() {
		return o, ErrInvalidOwner
	}
	return ownable{owner: newOwner}, nil
}

// pausable is the emergency stop capability.
type pausable struct {
	paused bool
}

func (p pausable) requireNotPaused() error {
	if p.paused {
		return ErrPaused
	}
	return nil
}

// adminState composes the capabilities with the refund policy. Values are
// replaced wholesale under the engine's config lock.
type adminState struct {
	ownable
	pausable
	refundDelay time.Duration
}

func (a adminState) snapshot() session.EngineState {
	return session.EngineState{Owner: a.owner, Paused: a.paused, RefundDelay: a.refundDelay}
}

func adminFromState(st session.EngineState) adminState {
	return adminState{
		ownable:     ownable{owner: st.Owner},
		pausable:    pausable{paused: st.Paused},
		refundDelay: st.RefundDelay,
	}
}
