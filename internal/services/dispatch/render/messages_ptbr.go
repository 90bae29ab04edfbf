package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.MustParse("pt-BR")

	message.SetString(lang, "dispatch.generic.title", "Notificação")
	message.SetString(lang, "dispatch.generic.body", "Você tem uma nova solicitação.")
	message.SetString(lang, "dispatch.decision_request.title", "Nova solicitação aguardando sua decisão")
	message.SetString(lang, "dispatch.decision_request.body", "A solicitação %s para o item %s pede os termos %s. Responda antes de %s.")
	message.SetString(lang, "dispatch.reminder.title", "Lembrete: uma solicitação ainda precisa da sua decisão")
	message.SetString(lang, "dispatch.reminder.body", "A solicitação %s para o item %s ainda está aguardando. O prazo termina em %s.")
	message.SetString(lang, "dispatch.respond.approve", "Aprovar: %s")
	message.SetString(lang, "dispatch.respond.decline", "Recusar: %s")
}
