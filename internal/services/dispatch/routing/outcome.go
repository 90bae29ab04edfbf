package routing

import "github.com/louisbranch/dispatch/internal/services/dispatch/domain"

// Outcome is the result of a routing attempt: either Routed or Exhausted.
type Outcome interface {
	outcome()
	// Result returns the request as committed by the attempt.
	Result() domain.Request
}

// Routed means the request now awaits a decision from Candidate.
type Routed struct {
	Request   domain.Request
	Routing   domain.Routing
	Candidate domain.Candidate
}

// Exhausted means no untried eligible candidate remained and the request
// expired.
type Exhausted struct {
	Request domain.Request
	Reason  string
}

func (Routed) outcome()    {}
func (Exhausted) outcome() {}

func (o Routed) Result() domain.Request    { return o.Request }
func (o Exhausted) Result() domain.Request { return o.Request }
