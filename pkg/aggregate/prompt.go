package aggregate

import (
	"fmt"
	"strings"

	"arisbot/pkg/domain"
	"arisbot/pkg/sources"
)

// Profile is the caller identity appended to the base prompt.
type Profile struct {
	Name       string
	Department string
	Site       string
	Role       string
}

// ProfileFromUser snapshots the prompt-relevant user fields.
func ProfileFromUser(u domain.User) Profile {
	return Profile{Name: u.Name, Department: u.Department, Site: u.Site, Role: string(u.Role)}
}

// SystemPrompt appends the user context block to base.
func SystemPrompt(base string, p Profile) string {
	return base + fmt.Sprintf("\n---\n## Contexto del usuario actual\n- Nombre: %s\n- Departamento: %s\n- Sede: %s\n- Rol: %s\n",
		sources.Or(p.Name, "No proporcionado"),
		sources.Or(p.Department, "No proporcionado"),
		sources.Or(p.Site, "No proporcionada"),
		sources.Or(p.Role, "No proporcionado"),
	)
}

const priorityRules = "**REGLAS DE PRIORIDAD:**\n" +
	"1. **SIEMPRE usa primero la información de las fuentes internas** (Wiki y documentación) que se incluyen abajo.\n" +
	"2. **NO des respuestas genéricas ni de internet** si hay información relevante en las fuentes internas.\n" +
	"3. **Solo usa tu conocimiento general** si las fuentes internas NO contienen información relevante para la pregunta.\n" +
	"4. Si la info interna es parcial, complémenta con tu conocimiento pero SIEMPRE indicando qué viene de la empresa y qué es información general.\n"

// NoSourcesHeader is appended when no source produced a fragment.
const NoSourcesHeader = "\n---\n## FUENTES\n\n" +
	"No se encontró información relevante en la wiki ni en la documentación interna para esta consulta.\n" +
	"Puedes responder con tu conocimiento general, pero indica al usuario que no encontraste documentación interna específica sobre el tema.\n" +
	"---\n"

func priorityHeader(labels []string) string {
	return "\n---\n## JERARQUÍA DE FUENTES (OBLIGATORIO)\n\n" +
		"Se encontró información en: **" + strings.Join(labels, " y ") + "**.\n\n" +
		priorityRules + "---\n"
}

const historyExcerptRunes = 500

func historyBlock(past []domain.PastMessage) string {
	var b strings.Builder
	b.WriteString("\n---\n## CONTEXTO DE CONVERSACIONES ANTERIORES\n\n")
	b.WriteString("El usuario hace referencia a conversaciones previas. Aquí tienes mensajes relevantes encontrados:\n\n")
	for _, m := range past {
		speaker := "Asistente"
		if m.Role == domain.MessageRoleUser {
			speaker = "Usuario"
		}
		fmt.Fprintf(&b, "**[%s]** %s: %s\n\n", m.Title, speaker, sources.Truncate(m.Content, historyExcerptRunes))
	}
	b.WriteString("Usa este contexto para dar una respuesta coherente con lo que ya se discutió.\n---\n")
	return b.String()
}
