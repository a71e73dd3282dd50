package session

import (
	"errors"

	"companion/internal/domain"
)

type localized struct{ es, en string }

var (
	msgTooLong = localized{
		es: "Tu mensaje es muy largo. No es que no me importes, pero ayuda si escribes en bloques.\n\nCuéntame lo más importante ahora. 💙",
		en: "Your message is too long. It's not that I don't care, it helps if you write in smaller pieces.\n\nTell me the most important part now. 💙",
	}
	msgInvalid = localized{
		es: "No pude procesar ese mensaje. ¿Puedes escribirlo de otra forma?",
		en: "I couldn't process that message. Could you say it another way?",
	}
	msgNoCredits = localized{
		es: "No tienes créditos suficientes. Usa /daily para tu bono diario o /plans para ver los planes. 💙",
		en: "You don't have enough credits. Use /daily for your daily bonus or /plans to see the plans. 💙",
	}
	msgTimeout = localized{
		es: "Tardé demasiado en responder. No se te cobró nada. ¿Intentamos de nuevo?",
		en: "I took too long to answer. You were not charged. Shall we try again?",
	}
	msgBusy = localized{
		es: "Estoy recibiendo muchos mensajes ahora mismo. No se te cobró nada. Inténtalo en un minuto. 💙",
		en: "I'm receiving a lot of messages right now. You were not charged. Try again in a minute. 💙",
	}
	msgProvider = localized{
		es: "Algo falló en mi parte. Pero tu sentimiento sigue siendo válido.\n\n¿Quieres intentar de nuevo? No se te cobró nada. 💙",
		en: "Something failed on my side. Your feelings are still valid.\n\nWant to try again? You were not charged. 💙",
	}
	msgGeneric = localized{
		es: "Lo siento, tuve un problema interno. Ya lo estamos revisando.",
		en: "Sorry, I had an internal problem. We're looking into it.",
	}
	msgUnsupported = localized{
		es: "Esa función no está disponible en tu plan.",
		en: "That feature isn't available on your plan.",
	}
)

// UserMessage maps an error from HandleTurn to short, non-technical text.
func UserMessage(err error, locale string) string {
	m := msgGeneric
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMessageTooLong):
		m = msgTooLong
	case errors.Is(err, domain.ErrInsufficientCredits):
		m = msgNoCredits
	case errors.Is(err, domain.ErrUnsupportedPlan):
		m = msgUnsupported
	case errors.Is(err, domain.ErrStorage):
		m = msgGeneric
	case errors.Is(err, domain.ErrGatewayTimeout):
		m = msgTimeout
	case errors.Is(err, domain.ErrGatewayRateLimited):
		m = msgBusy
	case errors.Is(err, domain.ErrProviderFailure):
		m = msgProvider
	case errors.Is(err, domain.ErrValidation):
		m = msgInvalid
	}
	if Lang(locale) == "en" {
		return m.en
	}
	return m.es
}
