// Package dedup suppresses byte-identical retransmissions of SDP offers and
// answers. Comparison is exact string equality; two descriptions differing by
// a single character are both relayed.
package dedup

import "sync"

type kind int

const (
	kindOffer kind = iota
	kindAnswer
)

type fingerprints struct {
	offer  string
	answer string
	seen   [2]bool
}

// Filter keeps the last offer and the last answer seen per call.
// Entries live until Forget is called for the call.
type Filter struct {
	mu    sync.Mutex
	calls map[string]*fingerprints
}

func New() *Filter {
	return &Filter{calls: make(map[string]*fingerprints)}
}

func (f *Filter) IsDuplicateOffer(callID, sdp string) bool {
	return f.isDuplicate(callID, sdp, kindOffer)
}

func (f *Filter) RecordOffer(callID, sdp string) { f.record(callID, sdp, kindOffer) }

func (f *Filter) IsDuplicateAnswer(callID, sdp string) bool {
	return f.isDuplicate(callID, sdp, kindAnswer)
}

func (f *Filter) RecordAnswer(callID, sdp string) { f.record(callID, sdp, kindAnswer) }

// ObserveOffer records sdp as the call's latest offer and reports whether it
// is new. A false result means sdp is a retransmission to drop.
func (f *Filter) ObserveOffer(callID, sdp string) bool {
	return f.observe(callID, sdp, kindOffer)
}

// ObserveAnswer is ObserveOffer for answers.
func (f *Filter) ObserveAnswer(callID, sdp string) bool {
	return f.observe(callID, sdp, kindAnswer)
}

// ForgetOffer clears the recorded offer if it is still sdp.
func (f *Filter) ForgetOffer(callID, sdp string) { f.forgetIf(callID, sdp, kindOffer) }

// ForgetAnswer clears the recorded answer if it is still sdp.
func (f *Filter) ForgetAnswer(callID, sdp string) { f.forgetIf(callID, sdp, kindAnswer) }

// Forget drops every fingerprint of a call.
func (f *Filter) Forget(callID string) {
	f.mu.Lock()
	delete(f.calls, callID)
	f.mu.Unlock()
}

// Len returns the number of calls with at least one fingerprint.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *Filter) isDuplicate(callID, sdp string, k kind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.matchLocked(callID, sdp, k)
}

func (f *Filter) record(callID, sdp string, k kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setLocked(callID, sdp, k)
}

func (f *Filter) observe(callID, sdp string, k kind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matchLocked(callID, sdp, k) {
		return false
	}
	f.setLocked(callID, sdp, k)
	return true
}

func (f *Filter) forgetIf(callID, sdp string, k kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.matchLocked(callID, sdp, k) {
		return
	}
	fp := f.calls[callID]
	fp.seen[k] = false
	if k == kindOffer {
		fp.offer = ""
	} else {
		fp.answer = ""
	}
	if !fp.seen[kindOffer] && !fp.seen[kindAnswer] {
		delete(f.calls, callID)
	}
}

func (f *Filter) matchLocked(callID, sdp string, k kind) bool {
	fp, ok := f.calls[callID]
	if !ok || !fp.seen[k] {
		return false
	}
	if k == kindOffer {
		return fp.offer == sdp
	}
	return fp.answer == sdp
}

func (f *Filter) setLocked(callID, sdp string, k kind) {
	fp, ok := f.calls[callID]
	if !ok {
		fp = &fingerprints{}
		f.calls[callID] = fp
	}
	fp.seen[k] = true
	if k == kindOffer {
		fp.offer = sdp
	} else {
		fp.answer = sdp
	}
}
