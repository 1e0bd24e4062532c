package service

import (
	"context"

	"proxyvote/internal/delegation/events"
)

// journal defers the observable side-effects of one engine operation until
// its transaction commits: lifecycle events and success counters produced
// inside RunInTx are collected here and applied afterwards, so a rolled-back
// operation publishes and counts nothing. It also remembers which allowance
// tokens the operation consumed, so a rollback can hand them back.
type journal struct {
	events       []events.Event
	allowances   []string
	nodesCreated int
	funds        int
	subDelegated int
	recallSweeps []int
}

type journalKey struct{}

func withJournal(ctx context.Context) (context.Context, *journal) {
	j := &journal{}
	return context.WithValue(ctx, journalKey{}, j), j
}

func journalFrom(ctx context.Context) *journal {
	j, _ := ctx.Value(journalKey{}).(*journal)
	return j
}

func (j *journal) emit(event events.Event) {
	if j != nil {
		j.events = append(j.events, event)
	}
}

func (j *journal) trackAllowance(tokenID string) {
	if j != nil {
		j.allowances = append(j.allowances, tokenID)
	}
}

func (j *journal) countNodeCreated() {
	if j != nil {
		j.nodesCreated++
	}
}

func (j *journal) countFund() {
	if j != nil {
		j.funds++
	}
}

func (j *journal) countSubDelegation() {
	if j != nil {
		j.subDelegated++
	}
}

func (j *journal) countRecall(swept int) {
	if j != nil {
		j.recallSweeps = append(j.recallSweeps, swept)
	}
}
