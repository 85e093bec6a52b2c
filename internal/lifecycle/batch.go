package lifecycle

import (
	"fmt"
	"time"

	"go_certorch/internal/events"
	"go_certorch/internal/model"
	"go_certorch/internal/store"
)

// Batch collects transitions on one or two related certificates into a
// single store.Change, so they are committed together.
type Batch struct {
	m      *Machine
	at     time.Time
	change store.Change
	events []events.Event
	seen   map[int]bool
}

// NewBatch starts an empty batch stamped at
func (m *Machine) NewBatch(at time.Time) *Batch {
	return &Batch{m: m, at: at, seen: make(map[int]bool)}
}

// At is the batch timestamp
func (b *Batch) At() time.Time { return b.at }

func (b *Batch) track(cert *model.Certificate, before string) {
	if b.seen[cert.ID] {
		return
	}
	b.seen[cert.ID] = true
	b.change.Certificates = append(b.change.Certificates, cert)
	b.change.Expecting(cert, before)
}

func (b *Batch) delta(subscriptionID, d int) {
	if b.change.SubscriptionDeltas == nil {
		b.change.SubscriptionDeltas = make(map[int]int)
	}
	b.change.SubscriptionDeltas[subscriptionID] += d
}

// Fire applies t to cert and records the result in the batch
func (b *Batch) Fire(cert *model.Certificate, t Transition) error {
	if t.At.IsZero() {
		t.At = b.at
	}
	before := cert.Status
	out, err := b.m.Fire(cert, t)
	if err != nil {
		return err
	}
	b.track(cert, before)
	b.events = append(b.events, out.Events...)
	if out.SlotFreed {
		b.delta(cert.SubscriptionID, -1)
	}
	return nil
}

// FireRenewal applies t to a renewal successor and carries the result over
// to its predecessor: promotion supersedes it, failure hands it back to
// active. pred may be nil for plain certificates.
func (b *Batch) FireRenewal(succ, pred *model.Certificate, t Transition) error {
	if err := b.Fire(succ, t); err != nil {
		return err
	}
	if pred == nil || succ.RenewalOfID == nil {
		return nil
	}

	switch succ.Status {
	case model.CertificateStatusActive:
		if pred.Status == model.CertificateStatusRenewing {
			return b.Fire(pred, Transition{Trigger: TriggerSuperseded, SupersededByID: succ.ID})
		}
		// predecessor left the slot on its own; the successor claims fresh quota
		b.delta(succ.SubscriptionID, 1)

	case model.CertificateStatusFailed:
		if pred.Status == model.CertificateStatusRenewing {
			return b.Fire(pred, Transition{
				Trigger: TriggerRenewalFailed,
				Error:   fmt.Sprintf("renewal certificate %d failed: %s", succ.ID, t.Error),
			})
		}
	}
	return nil
}

// AddChallenges queues new challenge rows
func (b *Batch) AddChallenges(vs ...*model.ValidationChallenge) {
	b.change.NewChallenges = append(b.change.NewChallenges, vs...)
}

// UpdateChallenges queues modified challenge rows
func (b *Batch) UpdateChallenges(vs ...*model.ValidationChallenge) {
	b.change.Challenges = append(b.change.Challenges, vs...)
}

// Save queues cert for writing without a transition, pinned to its current status
func (b *Batch) Save(cert *model.Certificate) {
	b.track(cert, cert.Status)
}

// Empty reports whether the batch has nothing to commit
func (b *Batch) Empty() bool {
	return len(b.change.Certificates) == 0 && len(b.change.NewChallenges) == 0 &&
		len(b.change.Challenges) == 0 && len(b.change.SubscriptionDeltas) == 0
}

// Change returns the unit of work to commit
func (b *Batch) Change() store.Change { return b.change }

// Events returns the events produced so far, in order
func (b *Batch) Events() []events.Event { return b.events }
