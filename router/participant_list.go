package router

import (
	"fmt"
	"sync"

	"github.com/civetdb/civet/hlc"
)

// Vote is a participant's two-phase commit response
type Vote int

const (
	VoteNone Vote = iota
	VoteCommit
	VoteAbort
)

// ParticipantList tracks two-phase commit votes and acknowledgements for
// the shards of one transaction. The coordinator path drives it: collect a
// vote per shard, read the decision, then collect acks.
type ParticipantList struct {
	mu      sync.Mutex
	votes   map[string]Vote
	acked   map[string]bool
	highest hlc.Timestamp
}

// NewParticipantList builds vote bookkeeping over a fixed shard set
func NewParticipantList(shards []string) *ParticipantList {
	votes := make(map[string]Vote, len(shards))
	for _, shard := range shards {
		votes[shard] = VoteNone
	}
	return &ParticipantList{
		votes: votes,
		acked: make(map[string]bool, len(shards)),
	}
}

// RecordVote stores one shard's vote. Commit votes carry the shard's
// prepare timestamp; the highest one becomes the commit timestamp
// candidate. A shard may not change its vote.
func (l *ParticipantList) RecordVote(shard string, vote Vote, prepareTS hlc.Timestamp) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.votes[shard]
	if !ok {
		return fmt.Errorf("shard %s is not a transaction participant", shard)
	}
	if existing != VoteNone && existing != vote {
		return fmt.Errorf("shard %s changed its vote", shard)
	}

	l.votes[shard] = vote
	if vote == VoteCommit && l.highest.Before(prepareTS) {
		l.highest = prepareTS
	}
	return nil
}

// Decision reports the outcome once every shard has voted. decided is
// false while votes are outstanding, except that a single abort vote
// decides immediately.
func (l *ParticipantList) Decision() (commit bool, decided bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, vote := range l.votes {
		if vote == VoteAbort {
			return false, true
		}
	}
	for _, vote := range l.votes {
		if vote == VoteNone {
			return false, false
		}
	}
	return true, true
}

// HighestPrepareTS returns the largest prepare timestamp among commit votes
func (l *ParticipantList) HighestPrepareTS() hlc.Timestamp {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.highest
}

// RecordAck marks one shard's acknowledgement of the decision
func (l *ParticipantList) RecordAck(shard string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.votes[shard]; !ok {
		return fmt.Errorf("shard %s is not a transaction participant", shard)
	}
	l.acked[shard] = true
	return nil
}

// AllAcked reports whether every shard acknowledged the decision
func (l *ParticipantList) AllAcked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.acked) == len(l.votes)
}
