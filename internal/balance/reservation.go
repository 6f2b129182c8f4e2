package balance

import "sync/atomic"

// Reservation is the handle returned by Tracker.Reserve. Exactly one of Commit or
// Release should be called; callers defer Close so a reservation abandoned on an
// early return or panic is handed back.
//
//	res, err := tracker.Reserve(krw, usdt)
//	if err != nil {
//		return err
//	}
//	defer res.Close()
type Reservation struct {
	tracker *Tracker
	id      string
	amounts Amounts
	done    atomic.Bool
}

// ID returns the reservation identifier.
func (r *Reservation) ID() string { return r.id }

// Amounts returns the reserved amounts.
func (r *Reservation) Amounts() Amounts { return r.amounts }

// Commit reconciles the reservation against what the fills actually spent.
func (r *Reservation) Commit(actualKRW, actualUSDT float64) error {
	if r.done.Load() {
		return ErrReservationClosed
	}
	if err := r.tracker.commit(r.id, Amounts{KRW: actualKRW, USDT: actualUSDT}); err != nil {
		return err
	}
	r.done.Store(true)
	return nil
}

// Release returns the whole reservation to the pools.
func (r *Reservation) Release() error {
	if r.done.Load() {
		return ErrReservationClosed
	}
	if err := r.tracker.release(r.id); err != nil {
		return err
	}
	r.done.Store(true)
	return nil
}

// Close is the scoped-exit hook. It is a no-op after Commit or Release; otherwise it
// tries to release without blocking and leaves the record for the sweeper if the
// tracker lock is held elsewhere.
func (r *Reservation) Close() {
	if r == nil || !r.done.CompareAndSwap(false, true) {
		return
	}
	r.tracker.drop(r.id)
}
