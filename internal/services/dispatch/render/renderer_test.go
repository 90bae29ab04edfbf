package render

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"golang.org/x/text/message"
)

var deadline = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func payload(kind domain.NotificationKind) domain.NotificationPayload {
	return domain.NotificationPayload{
		Kind:       kind,
		RequestID:  "req-1",
		ItemID:     "item-9",
		Terms:      "10",
		DeadlineAt: deadline,
	}
}

func TestRenderDecisionRequestWithLinks(t *testing.T) {
	t.Parallel()

	links := Links{
		Approve: "https://dispatch.example/r?decision=approve&t=abc",
		Decline: "https://dispatch.example/r?decision=decline&t=abc",
	}
	out := Render(Printer("en-US"), Input{Payload: payload(domain.NotificationDecisionRequest), Links: links})
	if out.Title != "New request awaiting your decision" {
		t.Fatalf("title = %q", out.Title)
	}
	want := "Request req-1 for item item-9 asks for terms 10. Please respond before 2026-04-02 09:00 UTC.\n" +
		"Approve: https://dispatch.example/r?decision=approve&t=abc\n" +
		"Decline: https://dispatch.example/r?decision=decline&t=abc"
	if out.BodyText != want {
		t.Fatalf("body = %q, want %q", out.BodyText, want)
	}
	if !strings.HasPrefix(out.Text(), out.Title+"\n\n") {
		t.Fatalf("text = %q", out.Text())
	}
}

func TestRenderReminderInPortuguese(t *testing.T) {
	t.Parallel()

	out := Render(Printer("pt-BR"), Input{Payload: payload(domain.NotificationReminder)})
	if out.Title != "Lembrete: uma solicitação ainda precisa da sua decisão" {
		t.Fatalf("title = %q", out.Title)
	}
	if !strings.Contains(out.BodyText, "item-9") || strings.Contains(out.BodyText, "Aprovar") {
		t.Fatalf("body = %q", out.BodyText)
	}
}

func TestRenderLinksInPortuguese(t *testing.T) {
	t.Parallel()

	out := Render(Printer("pt-BR"), Input{
		Payload: payload(domain.NotificationReminder),
		Links:   Links{Approve: "https://a.example", Decline: "https://d.example"},
	})
	if !strings.HasSuffix(out.BodyText, "\nAprovar: https://a.example\nRecusar: https://d.example") {
		t.Fatalf("body = %q", out.BodyText)
	}
}

func TestPrinterFallsBackToEnglish(t *testing.T) {
	t.Parallel()

	out := Render(Printer("fr-FR"), Input{Payload: payload(domain.NotificationReminder)})
	if out.Title != "Reminder: a request still needs your decision" {
		t.Fatalf("title = %q", out.Title)
	}
}

func TestRenderUnknownKindFallsBack(t *testing.T) {
	t.Parallel()

	loc := fakeLocalizer{values: map[string]string{
		"dispatch.generic.title": "Notice",
	}}
	out := Render(loc, Input{Payload: domain.NotificationPayload{Kind: "mystery"}})
	if out.Title != "Notice" || out.BodyText != defaultGenericBody {
		t.Fatalf("out = %+v", out)
	}
}

func TestRenderMissingTranslationFallsBack(t *testing.T) {
	t.Parallel()

	out := Render(fakeLocalizer{}, Input{Payload: payload(domain.NotificationDecisionRequest)})
	if out.Title != defaultGenericTitle {
		t.Fatalf("title = %q", out.Title)
	}
}

type fakeLocalizer struct {
	values map[string]string
}

func (f fakeLocalizer) Sprintf(key message.Reference, args ...any) string {
	asString, ok := key.(string)
	if !ok {
		return ""
	}
	template := f.values[asString]
	if template == "" {
		return asString
	}
	if len(args) == 0 {
		return template
	}
	return fmt.Sprintf(template, args...)
}
