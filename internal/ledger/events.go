package ledger

// EventKind names a ledger event.
type EventKind string

const (
	EventPurchased             EventKind = "Purchased"
	EventProvisioned           EventKind = "Provisioned"
	EventRenewed               EventKind = "Renewed"
	EventTerminated            EventKind = "Terminated"
	EventSuspended             EventKind = "Suspended"
	EventReactivated           EventKind = "Reactivated"
	EventTransferred           EventKind = "Transferred"
	EventNetworkAddressUpdated EventKind = "NetworkAddressUpdated"
)

// Event is one entry of the append-only ledger log. Seq is dense and starts
// at 1. Only the fields relevant to Kind are populated.
type Event struct {
	Seq           uint64    `json:"seq"`
	Kind          EventKind `json:"kind"`
	EntitlementID uint64    `json:"entitlementId"`
	Timestamp     int64     `json:"timestamp"`

	// Purchased
	Buyer         Address `json:"buyer,omitempty"`
	Tier          Tier    `json:"tier"`
	DurationUnits int     `json:"durationUnits,omitempty"`
	ExpiresAt     int64   `json:"expiresAt,omitempty"`
	Cost          uint64  `json:"cost,omitempty"`

	// Provisioned, NetworkAddressUpdated
	InstanceID        string `json:"instanceId,omitempty"`
	NetworkAddress    string `json:"networkAddress,omitempty"`
	OldNetworkAddress string `json:"oldNetworkAddress,omitempty"`

	// Renewed
	OldExpiresAt int64 `json:"oldExpiresAt,omitempty"`
	NewExpiresAt int64 `json:"newExpiresAt,omitempty"`

	// Terminated
	By Address `json:"by,omitempty"`

	// Transferred
	From Address `json:"from,omitempty"`
	To   Address `json:"to,omitempty"`
}

// eventLog is guarded by the owning Ledger's mutex.
type eventLog struct {
	events   []Event
	watchers map[int]chan struct{}
	nextID   int
}

func (l *eventLog) append(ev Event) Event {
	ev.Seq = uint64(len(l.events)) + 1
	l.events = append(l.events, ev)
	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return ev
}

func (l *eventLog) since(after uint64, limit int) []Event {
	if after >= uint64(len(l.events)) {
		return nil
	}
	rest := l.events[after:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]Event, len(rest))
	copy(out, rest)
	return out
}

func (l *eventLog) watch() (int, <-chan struct{}) {
	if l.watchers == nil {
		l.watchers = make(map[int]chan struct{})
	}
	l.nextID++
	ch := make(chan struct{}, 1)
	l.watchers[l.nextID] = ch
	return l.nextID, ch
}

func (l *eventLog) unwatch(id int) {
	delete(l.watchers, id)
}
