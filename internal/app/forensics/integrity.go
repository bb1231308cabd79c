package forensics

import "github.com/mercurylabs/mercurystream/internal/domain/schema"

// symbolState holds the per-symbol integrity watermarks.
type symbolState struct {
	lastTimeMS   int64
	lastSequence int64
	hasSequence  bool
	tradeIDs     *lruSet
}

// integrity runs the duplicate, out-of-order, and sequence-gap checks.
// State is keyed by product id; the forensics task is the single owner.
type integrity struct {
	lruMax int
	states map[string]*symbolState
}

func newIntegrity(lruMax int) *integrity {
	return &integrity{lruMax: lruMax, states: make(map[string]*symbolState)}
}

func (i *integrity) state(symbol string) *symbolState {
	st, ok := i.states[symbol]
	if !ok {
		st = &symbolState{tradeIDs: newLRUSet(i.lruMax)}
		i.states[symbol] = st
	}
	return st
}

// Check classifies one event. gapSize is the number of skipped sequence
// numbers, zero when the sequence advanced normally. Events missing a
// trade id, time, or sequence simply skip the corresponding check.
func (i *integrity) Check(evt *schema.Event) (dup, ooo bool, gapSize int64) {
	st := i.state(evt.ProductID)

	if evt.HasTradeID {
		if st.tradeIDs.Seen(evt.TradeID) {
			dup = true
		} else {
			st.tradeIDs.Add(evt.TradeID)
		}
	}

	if evt.TimeMS != 0 {
		// The watermark keeps the highest time seen so a burst of late
		// events counts each one, not just the first.
		if st.lastTimeMS > 0 && evt.TimeMS < st.lastTimeMS {
			ooo = true
		}
		if evt.TimeMS > st.lastTimeMS {
			st.lastTimeMS = evt.TimeMS
		}
	}

	if evt.HasSequence {
		if st.hasSequence && evt.Sequence > st.lastSequence+1 {
			gapSize = evt.Sequence - st.lastSequence - 1
		}
		st.lastSequence = evt.Sequence
		st.hasSequence = true
	}

	return dup, ooo, gapSize
}
