package telegram

import (
	"fmt"
	"strings"
	"time"

	"companion/internal/domain"
	"companion/internal/policy"
	"companion/internal/providers/image"
	"companion/internal/session"
)

type text struct{ es, en string }

func (t text) in(locale string) string {
	if session.Lang(locale) == "en" {
		return t.en
	}
	return t.es
}

var (
	txtWelcome = text{
		es: "Hola %s. Estoy aquí para acompañarte. 💙\n\nNo tengo todas las respuestas, pero estoy presente para escuchar.\n\nEscríbeme lo que sientas o usa /help para ver lo que puedo hacer.\n\nRecuerda: las relaciones humanas son irremplazables. Si sufres mucho, busca a alguien de confianza.",
		en: "Hi %s. I'm here to keep you company. 💙\n\nI don't have all the answers, but I'm here to listen.\n\nWrite whatever you feel or use /help to see what I can do.\n\nRemember: human relationships are irreplaceable. If you're hurting a lot, reach out to someone you trust.",
	}
	txtBonusGranted = text{
		es: "🎁 Hoy te doy +%d créditos. Saldo: %d.",
		en: "🎁 Here are +%d credits for today. Balance: %d.",
	}
	txtBonusTaken = text{
		es: "Ya recibiste tu bono de hoy. Vuelve mañana. Saldo: %d.",
		en: "You already got today's bonus. Come back tomorrow. Balance: %d.",
	}
	txtHelp = text{
		es: "💙 Cómo funciono\n\nEscríbeme cualquier cosa y te responderé (%d crédito).\n\n/create <texto> - reflexión, poema o carta (%d créditos)\n/image [estilo] <descripción> - imagen (%d créditos)\n/images <n> [estilo] <descripción> - lote de imágenes, planes Pro y Agency\n/credits - tu saldo y plan\n/daily - bono diario\n/plans - planes disponibles\n/reset - olvidar la conversación actual\n\nEstilos: %s",
		en: "💙 How I work\n\nWrite me anything and I'll answer (%d credit).\n\n/create <text> - reflection, poem or letter (%d credits)\n/image [style] <description> - image (%d credits)\n/images <n> [style] <description> - image batch, Pro and Agency plans\n/credits - your balance and plan\n/daily - daily bonus\n/plans - available plans\n/reset - forget the current conversation\n\nStyles: %s",
	}
	txtCredits = text{
		es: "💰 Créditos: %d\n📊 Plan: %s",
		en: "💰 Credits: %d\n📊 Plan: %s",
	}
	txtExpires = text{
		es: "\n⏳ Vence: %s",
		en: "\n⏳ Expires: %s",
	}
	txtReset = text{
		es: "Listo, empezamos de cero. Aquí sigo. 💙",
		en: "Done, we're starting fresh. I'm still here. 💙",
	}
	txtCreateUsage = text{
		es: "Uso: /create <lo que quieres que escriba>",
		en: "Usage: /create <what you'd like me to write>",
	}
	txtImageUsage = text{
		es: "Uso: /image [estilo] <descripción>\nEjemplo: /image neon una ciudad de noche",
		en: "Usage: /image [style] <description>\nExample: /image neon a city at night",
	}
	txtImagesUsage = text{
		es: "Uso: /images <1-10> [estilo] <descripción>",
		en: "Usage: /images <1-10> [style] <description>",
	}
	txtBatchSummary = text{
		es: "✅ Generadas %d/%d imágenes. Créditos gastados: %d. Saldo: %d.",
		en: "✅ Generated %d/%d images. Credits spent: %d. Balance: %d.",
	}
	txtNotAdmin = text{
		es: "Este comando es solo para administradores.",
		en: "This command is for administrators only.",
	}
	txtAddCreditsUsage = text{
		es: "Uso: /addcredits <id> <cantidad> [motivo]",
		en: "Usage: /addcredits <id> <amount> [reason]",
	}
	txtAddCreditsDone = text{
		es: "✅ +%d créditos para %d. Nuevo saldo: %d.",
		en: "✅ +%d credits for %d. New balance: %d.",
	}
	txtUnknown = text{
		es: "No conozco ese comando. Usa /help.",
		en: "I don't know that command. Use /help.",
	}
	txtPlansHeader = text{
		es: "📋 Planes",
		en: "📋 Plans",
	}
	txtPlanLine = text{
		es: "\n\n%s - $%d/mes\n• %d créditos de bono\n• %s",
		en: "\n\n%s - $%d/month\n• %d bonus credits\n• %s",
	}
)

func welcomeText(locale, name string) string {
	if strings.TrimSpace(name) == "" {
		name = "👋"
	}
	return fmt.Sprintf(txtWelcome.in(locale), name)
}

func helpText(locale string, chat, create, img int64) string {
	var names []string
	for _, s := range image.Styles() {
		names = append(names, string(s))
	}
	return fmt.Sprintf(txtHelp.in(locale), chat, create, img, strings.Join(names, ", "))
}

func creditsText(locale string, acc *domain.Account, tierName string) string {
	out := fmt.Sprintf(txtCredits.in(locale), acc.Balance, tierName)
	if acc.TierExpiresAt != nil {
		out += fmt.Sprintf(txtExpires.in(locale), acc.TierExpiresAt.UTC().Format(time.DateOnly))
	}
	return out
}

func plansText(locale string, plans []policy.Plan) string {
	var b strings.Builder
	b.WriteString(txtPlansHeader.in(locale))
	for _, p := range plans {
		fmt.Fprintf(&b, txtPlanLine.in(locale), p.Name, p.Price, p.BonusCredits, strings.Join(p.Features, "\n• "))
	}
	return b.String()
}

// splitText breaks s into chunks Telegram accepts, preferring line breaks.
func splitText(s string, limit int) []string {
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	var out []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
