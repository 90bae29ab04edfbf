// Package render produces localized notification copy for decision requests
// and reminders.
package render

import (
	"strings"
	"time"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	defaultGenericTitle = "Notification"
	defaultGenericBody  = "You have a new request."

	deadlineLayout = "2006-01-02 15:04 MST"
)

var (
	supported = []language.Tag{language.English, language.MustParse("pt-BR")}
	matcher   = language.NewMatcher(supported)
)

// Links are the one-click decision URLs appended to a rendered body.
type Links struct {
	Approve string
	Decline string
}

// Input is one notification payload to render, with its decision links.
type Input struct {
	Payload domain.NotificationPayload
	Links   Links
}

// Output is localized copy for one notification.
type Output struct {
	Title    string
	BodyText string
}

// Text joins title and body for channels that carry a single text field.
func (o Output) Text() string {
	if o.BodyText == "" {
		return o.Title
	}
	return o.Title + "\n\n" + o.BodyText
}

// Localizer is the minimal message-printer contract required by the renderer.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

// Printer returns a Localizer for the closest supported locale.
func Printer(locale string) Localizer {
	_, index, _ := matcher.Match(language.Make(strings.TrimSpace(locale)))
	return message.NewPrinter(supported[index])
}

// Render returns localized copy for input.
func Render(loc Localizer, input Input) Output {
	payload := input.Payload
	deadline := Deadline(payload.DeadlineAt)
	var out Output
	switch payload.Kind {
	case domain.NotificationDecisionRequest:
		out = Output{
			Title:    localize(loc, "dispatch.decision_request.title"),
			BodyText: localize(loc, "dispatch.decision_request.body", payload.RequestID, payload.ItemID, payload.Terms, deadline),
		}
	case domain.NotificationReminder:
		out = Output{
			Title:    localize(loc, "dispatch.reminder.title"),
			BodyText: localize(loc, "dispatch.reminder.body", payload.RequestID, payload.ItemID, deadline),
		}
	default:
		return genericOutput(loc)
	}
	if out.Title == "" || strings.HasPrefix(out.Title, "dispatch.") {
		return genericOutput(loc)
	}
	if link := strings.TrimSpace(input.Links.Approve); link != "" {
		out.BodyText += "\n" + localize(loc, "dispatch.respond.approve", link)
	}
	if link := strings.TrimSpace(input.Links.Decline); link != "" {
		out.BodyText += "\n" + localize(loc, "dispatch.respond.decline", link)
	}
	return out
}

// Deadline formats a deadline the way rendered copy shows it.
func Deadline(at time.Time) string {
	return at.UTC().Format(deadlineLayout)
}

func genericOutput(loc Localizer) Output {
	return Output{
		Title:    localizeWithFallback(loc, "dispatch.generic.title", defaultGenericTitle),
		BodyText: localizeWithFallback(loc, "dispatch.generic.body", defaultGenericBody),
	}
}

func localize(loc Localizer, key message.Reference, args ...any) string {
	if loc == nil {
		if asString, ok := key.(string); ok {
			return asString
		}
		return ""
	}
	return loc.Sprintf(key, args...)
}

func localizeWithFallback(loc Localizer, key string, fallback string) string {
	value := strings.TrimSpace(localize(loc, key))
	if value == "" || value == key {
		return fallback
	}
	return value
}
