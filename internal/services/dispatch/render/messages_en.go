package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	message.SetString(lang, "dispatch.generic.title", defaultGenericTitle)
	message.SetString(lang, "dispatch.generic.body", defaultGenericBody)
	message.SetString(lang, "dispatch.decision_request.title", "New request awaiting your decision")
	message.SetString(lang, "dispatch.decision_request.body", "Request %s for item %s asks for terms %s. Please respond before %s.")
	message.SetString(lang, "dispatch.reminder.title", "Reminder: a request still needs your decision")
	message.SetString(lang, "dispatch.reminder.body", "Request %s for item %s is still waiting. The decision window closes at %s.")
	message.SetString(lang, "dispatch.respond.approve", "Approve: %s")
	message.SetString(lang, "dispatch.respond.decline", "Decline: %s")
}
