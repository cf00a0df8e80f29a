package ledger

import (
	"fmt"
	"strings"
)

const (
	accountPrefix = "account/"
	balancePrefix = "balance/"
	activePrefix  = "active/"
	requestPrefix = "request/"
	statusPrefix  = "status/"
)

func accountKey(id string) string { return accountPrefix + id }

// BalanceKey is the counter holding an account's balance.
func BalanceKey(id string) string { return balancePrefix + id }

// ActiveKey holds "true" once an account is activated.
func ActiveKey(id string) string { return activePrefix + id }

func requestKey(kind Kind, id string) string {
	return requestPrefix + string(kind) + "/" + id
}

// StatusKey holds the lifecycle status of a request.
func StatusKey(kind Kind, id string) string {
	return statusPrefix + string(kind) + "/" + id
}

func validateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("ledger: id required")
	}
	if trimmed != id || strings.ContainsAny(id, "/\x00") {
		return fmt.Errorf("ledger: id %q contains reserved characters", id)
	}
	return nil
}
