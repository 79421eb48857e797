package queue

import (
	"fmt"
	"strings"
)

// Routing is the per-poll admission filter on a task's owning account:
// disabled admits everything, include admits only listed accounts, exclude
// admits everything but. It is folded into the selection SQL so admission,
// priority ordering and the concurrency cap are decided by the same query.
type Routing struct {
	mode     routingMode
	accounts []int64
}

type routingMode int

const (
	routeAll routingMode = iota
	routeInclude
	routeExclude
)

func RouteAll() Routing { return Routing{mode: routeAll} }

func RouteInclude(accounts ...int64) Routing {
	return Routing{mode: routeInclude, accounts: accounts}
}

func RouteExclude(accounts ...int64) Routing {
	return Routing{mode: routeExclude, accounts: accounts}
}

func (r Routing) Enabled() bool { return r.mode != routeAll }

func (r Routing) Admits(accountID int64) bool {
	switch r.mode {
	case routeInclude:
		return r.contains(accountID)
	case routeExclude:
		return !r.contains(accountID)
	default:
		return true
	}
}

func (r Routing) contains(accountID int64) bool {
	for _, id := range r.accounts {
		if id == accountID {
			return true
		}
	}
	return false
}

// filterSQL returns a predicate on column (or an empty string) plus its
// bind arguments.
func (r Routing) filterSQL(column string) (string, []any) {
	if r.mode == routeAll || len(r.accounts) == 0 {
		if r.mode == routeInclude {
			// Include mode with an empty list admits nothing.
			return "1=0", nil
		}
		return "", nil
	}
	args := make([]any, len(r.accounts))
	for i, id := range r.accounts {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(r.accounts)), ",")
	op := "IN"
	if r.mode == routeExclude {
		op = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", column, op, placeholders), args
}
