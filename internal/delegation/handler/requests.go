package handler

import (
	"strings"

	id "proxyvote/pkg/domain"
	dErrors "proxyvote/pkg/domain-errors"
)

// FundRequest is the HTTP request body for POST /v1/delegations/fund and
// /v1/delegations/fund-signed.
type FundRequest struct {
	Delegatee string `json:"delegatee"`
	Amount    uint64 `json:"amount"`
	Allowance string `json:"allowance,omitempty"`

	parsedDelegatee id.AccountID
}

// Validate parses and validates the request.
func (r *FundRequest) Validate() error {
	delegatee, err := parseAccount(r.Delegatee, "delegatee")
	if err != nil {
		return err
	}
	r.parsedDelegatee = delegatee
	return nil
}

// ParsedDelegatee returns the validated delegatee account.
func (r *FundRequest) ParsedDelegatee() id.AccountID {
	return r.parsedDelegatee
}

// FundBatchRequest is the body for POST /v1/delegations/fund-batch and
// /v1/delegations/fund-signed-batch. Lengths are validated by the service so
// mismatches surface with the counts in the error.
type FundBatchRequest struct {
	Delegatees []string `json:"delegatees"`
	Amounts    []uint64 `json:"amounts"`
	Allowances []string `json:"allowances,omitempty"`

	parsedDelegatees []id.AccountID
}

func (r *FundBatchRequest) Validate() error {
	parsed, err := parseAccounts(r.Delegatees, "delegatees")
	if err != nil {
		return err
	}
	r.parsedDelegatees = parsed
	return nil
}

func (r *FundBatchRequest) ParsedDelegatees() []id.AccountID {
	return r.parsedDelegatees
}

// RecallRequest is the body for POST /v1/delegations/recall and
// POST /v1/nodes/{nodeID}/recall. Target defaults to the caller.
type RecallRequest struct {
	Delegatee string `json:"delegatee,omitempty"`
	Target    string `json:"target,omitempty"`

	parsedDelegatee id.AccountID
	parsedTarget    id.AccountID
}

func (r *RecallRequest) Validate() error {
	if strings.TrimSpace(r.Delegatee) != "" {
		delegatee, err := parseAccount(r.Delegatee, "delegatee")
		if err != nil {
			return err
		}
		r.parsedDelegatee = delegatee
	}
	if strings.TrimSpace(r.Target) != "" {
		target, err := parseAccount(r.Target, "target")
		if err != nil {
			return err
		}
		r.parsedTarget = target
	}
	return nil
}

func (r *RecallRequest) ParsedDelegatee() id.AccountID { return r.parsedDelegatee }
func (r *RecallRequest) ParsedTarget() id.AccountID    { return r.parsedTarget }

// RecallBatchRequest is the body for POST /v1/delegations/recall-batch.
type RecallBatchRequest struct {
	Delegatees []string `json:"delegatees"`
	Targets    []string `json:"targets"`

	parsedDelegatees []id.AccountID
	parsedTargets    []id.AccountID
}

func (r *RecallBatchRequest) Validate() error {
	delegatees, err := parseAccounts(r.Delegatees, "delegatees")
	if err != nil {
		return err
	}
	targets, err := parseAccounts(r.Targets, "targets")
	if err != nil {
		return err
	}
	r.parsedDelegatees = delegatees
	r.parsedTargets = targets
	return nil
}

func (r *RecallBatchRequest) ParsedDelegatees() []id.AccountID { return r.parsedDelegatees }
func (r *RecallBatchRequest) ParsedTargets() []id.AccountID    { return r.parsedTargets }

// SubDelegateRequest is the body for POST /v1/nodes/{nodeID}/sub-delegate.
type SubDelegateRequest struct {
	Delegatee string `json:"delegatee"`
	Amount    uint64 `json:"amount"`

	parsedDelegatee id.AccountID
}

func (r *SubDelegateRequest) Validate() error {
	delegatee, err := parseAccount(r.Delegatee, "delegatee")
	if err != nil {
		return err
	}
	r.parsedDelegatee = delegatee
	return nil
}

func (r *SubDelegateRequest) ParsedDelegatee() id.AccountID { return r.parsedDelegatee }

// SubDelegateBatchRequest is the body for
// POST /v1/nodes/{nodeID}/sub-delegate-batch.
type SubDelegateBatchRequest struct {
	Delegatees []string `json:"delegatees"`
	Amounts    []uint64 `json:"amounts"`

	parsedDelegatees []id.AccountID
}

func (r *SubDelegateBatchRequest) Validate() error {
	parsed, err := parseAccounts(r.Delegatees, "delegatees")
	if err != nil {
		return err
	}
	r.parsedDelegatees = parsed
	return nil
}

func (r *SubDelegateBatchRequest) ParsedDelegatees() []id.AccountID { return r.parsedDelegatees }

// UnSubDelegateRequest is the body for POST /v1/nodes/{nodeID}/un-sub-delegate.
type UnSubDelegateRequest struct {
	Delegatee string `json:"delegatee"`

	parsedDelegatee id.AccountID
}

func (r *UnSubDelegateRequest) Validate() error {
	delegatee, err := parseAccount(r.Delegatee, "delegatee")
	if err != nil {
		return err
	}
	r.parsedDelegatee = delegatee
	return nil
}

func (r *UnSubDelegateRequest) ParsedDelegatee() id.AccountID { return r.parsedDelegatee }

// UnSubDelegateBatchRequest is the body for
// POST /v1/nodes/{nodeID}/un-sub-delegate-batch.
type UnSubDelegateBatchRequest struct {
	Delegatees []string `json:"delegatees"`

	parsedDelegatees []id.AccountID
}

func (r *UnSubDelegateBatchRequest) Validate() error {
	parsed, err := parseAccounts(r.Delegatees, "delegatees")
	if err != nil {
		return err
	}
	r.parsedDelegatees = parsed
	return nil
}

func (r *UnSubDelegateBatchRequest) ParsedDelegatees() []id.AccountID { return r.parsedDelegatees }

func parseAccount(raw, field string) (id.AccountID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return id.AccountID{}, dErrors.Newf(dErrors.CodeBadRequest, "%s is required", field)
	}
	account, err := id.ParseAccountID(raw)
	if err != nil {
		return id.AccountID{}, dErrors.Wrapf(err, dErrors.CodeBadRequest, "invalid %s", field)
	}
	return account, nil
}

func parseAccounts(raw []string, field string) ([]id.AccountID, error) {
	parsed := make([]id.AccountID, 0, len(raw))
	for _, entry := range raw {
		account, err := parseAccount(entry, field)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, account)
	}
	return parsed, nil
}
