package protection

import "time"

// RPOHealth summarizes how far an item's newest recovery point trails now.
type RPOHealth string

const (
	RPOHealthy  RPOHealth = "healthy"
	RPOWarning  RPOHealth = "warning"
	RPOCritical RPOHealth = "critical"
	RPOUnknown  RPOHealth = "unknown"
)

// Status is the read model returned by the status query.
type Status struct {
	Item              ProtectedItem  `json:"item"`
	LastRecoveryPoint *RecoveryPoint `json:"last_recovery_point,omitempty"`
	PointCount        int            `json:"point_count"`
	Lag               time.Duration  `json:"lag"`
	LagSeconds        float64        `json:"lag_seconds"`
	RPOHealth         RPOHealth      `json:"rpo_health"`
}

// Status reports an item's state, newest recovery point and replication lag.
// Lag is measured from the newest point; before the first point it runs from
// the last sync. Health is healthy within one crash interval, warning within
// two, and critical beyond that.
func (t *Tracker) Status(id string) (*Status, error) {
	e, err := t.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	item := e.item.clone()
	st := &Status{Item: item, PointCount: len(e.points)}
	if n := len(e.points); n > 0 {
		rp := e.points[n-1]
		st.LastRecoveryPoint = &rp
	}
	e.mu.RUnlock()

	if !item.State.Syncable() {
		st.RPOHealth = RPOUnknown
		return st, nil
	}

	since := item.LastSyncAt
	if st.LastRecoveryPoint != nil {
		since = st.LastRecoveryPoint.Timestamp
	}
	if since.IsZero() {
		since = item.CreatedAt
	}
	st.Lag = t.now().Sub(since)
	if st.Lag < 0 {
		st.Lag = 0
	}
	st.LagSeconds = st.Lag.Seconds()

	pol, err := t.policies.Get(item.PolicyID)
	if err != nil {
		st.RPOHealth = RPOUnknown
		return st, nil
	}
	switch crash := pol.CrashInterval(); {
	case st.Lag <= crash:
		st.RPOHealth = RPOHealthy
	case st.Lag <= 2*crash:
		st.RPOHealth = RPOWarning
	default:
		st.RPOHealth = RPOCritical
	}
	return st, nil
}
