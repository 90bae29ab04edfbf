package dispatchctl

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

type statusView struct {
	Request struct {
		ID           string  `json:"id"`
		Category     string  `json:"category"`
		Terms        string  `json:"terms"`
		Status       string  `json:"status"`
		StatusReason string  `json:"status_reason"`
		AgreedTerms  *string `json:"agreed_terms"`
	} `json:"request"`
	Candidates []struct {
		CounterpartyID string  `json:"counterparty_id"`
		Eligible       bool    `json:"eligible"`
		Reason         string  `json:"reason"`
		Score          float64 `json:"score"`
		Rank           int     `json:"rank"`
	} `json:"candidates"`
	Routings []struct {
		CounterpartyID string     `json:"counterparty_id"`
		Attempt        int        `json:"attempt"`
		DeadlineAt     time.Time  `json:"deadline_at"`
		ClosedAt       *time.Time `json:"closed_at"`
		CloseReason    string     `json:"close_reason"`
	} `json:"routings"`
}

type auditView struct {
	Entries []struct {
		Actor     string    `json:"actor"`
		Action    string    `json:"action"`
		Label     string    `json:"label"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"entries"`
}

type sweepView struct {
	Reminders    int `json:"reminders"`
	AutoApproved int `json:"auto_approved"`
	Expired      int `json:"expired"`
	Rerouted     int `json:"rerouted"`
	Skipped      int `json:"skipped"`
}

func printStatus(out io.Writer, p palette, status statusView) error {
	r := status.Request
	line := fmt.Sprintf("%s %s  %s  terms=%s", p.header.Sprint("request"), r.ID, p.status(r.Status), r.Terms)
	if r.AgreedTerms != nil {
		line += " agreed=" + *r.AgreedTerms
	}
	if r.StatusReason != "" {
		line += " (" + r.StatusReason + ")"
	}
	if _, err := fmt.Fprintln(out, line); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, p.header.Sprint("candidates"))
	for _, c := range status.Candidates {
		if c.Eligible {
			fmt.Fprintf(tw, "  #%d\t%s\t%.4f\n", c.Rank, c.CounterpartyID, c.Score)
			continue
		}
		fmt.Fprintf(tw, "  -\t%s\t%s\n", c.CounterpartyID, p.dim.Sprint(c.Reason))
	}
	fmt.Fprintln(tw, p.header.Sprint("routings"))
	for _, rt := range status.Routings {
		state := p.warn.Sprint("active")
		if rt.ClosedAt != nil {
			state = rt.CloseReason
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\tdeadline %s\n", rt.Attempt, rt.CounterpartyID, state, rt.DeadlineAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printAudit(out io.Writer, p palette, audit auditView) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, entry := range audit.Entries {
		detail := entry.Label
		if detail == "" {
			detail = p.dim.Sprint(entry.Action)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", entry.CreatedAt.Format(time.RFC3339), entry.Actor, detail)
	}
	return tw.Flush()
}
