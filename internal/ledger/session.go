package ledger

import "context"

// Session binds a caller identity to an in-process ledger so it satisfies
// the same context-aware interface as a remote ledger client.
type Session struct {
	l      *Ledger
	caller Address
}

func (l *Ledger) Session(caller Address) *Session {
	return &Session{l: l, caller: caller}
}

func (s *Session) Caller() Address { return s.caller }

func (s *Session) Entitlement(ctx context.Context, id uint64) (View, error) {
	if err := ctx.Err(); err != nil {
		return View{}, err
	}
	return s.l.Entitlement(id)
}

func (s *Session) SetProvisioned(ctx context.Context, id uint64, instanceID, networkAddress string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.l.setProvisioned(ctx, s.caller, id, instanceID, networkAddress)
}

func (s *Session) UpdateNetworkAddress(ctx context.Context, id uint64, networkAddress string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.l.updateNetworkAddress(ctx, s.caller, id, networkAddress)
}

func (s *Session) Purchase(ctx context.Context, tier Tier, units int) (View, error) {
	if err := ctx.Err(); err != nil {
		return View{}, err
	}
	return s.l.purchase(ctx, s.caller, tier, units)
}

func (s *Session) Renew(ctx context.Context, id uint64, units int) (View, error) {
	if err := ctx.Err(); err != nil {
		return View{}, err
	}
	return s.l.renew(ctx, s.caller, id, units)
}
