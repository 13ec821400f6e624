package proactive

import (
	"fmt"
	"strings"
)

// catalog holds the patient-facing rationale per rule and language.
var catalog = map[string]map[RuleID]string{
	"en": {
		RuleCycleLimit:       "New recipe required. Preparation cycle limit of %d reached.",
		RuleExpiring:         "New recipe required. Document is expired or about to expire.",
		RuleNoActiveRecipe:   "Chronic patient with no active magistral recipe. One must be arranged.",
		RulePreventiveWindow: "Attention: recipe will expire soon. Plan the request for a new one.",
		RuleReprepareCycle:   "Time to prepare the next medication cycle for the patient.",
		RuleUpToDate:         "Patient up to date with treatment. No immediate action required.",
	},
	"es": {
		RuleCycleLimit:       "Se requiere nueva receta. Se alcanzó el límite de %d ciclos de preparación.",
		RuleExpiring:         "Se requiere nueva receta. El documento está vencido o próximo a vencer.",
		RuleNoActiveRecipe:   "Paciente crónico sin receta magistral activa. Se debe gestionar una.",
		RulePreventiveWindow: "Atención: la receta vencerá pronto. Planifique la solicitud de una nueva.",
		RuleReprepareCycle:   "Es momento de preparar el siguiente ciclo de medicación para el paciente.",
		RuleUpToDate:         "Paciente al día con su tratamiento. No se requiere acción inmediata.",
	},
}

// SupportedLocale reports whether messages exist for the locale's language.
func SupportedLocale(locale string) bool {
	_, ok := catalog[language(locale)]
	return ok
}

// language reduces a tag such as "es-CL" to its primary subtag.
func language(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(locale, "-_"); i >= 0 {
		locale = locale[:i]
	}
	return locale
}

func message(locale string, rule RuleID, maxCycles int) string {
	msgs := catalog[language(locale)]
	if msgs == nil {
		msgs = catalog["en"]
	}
	if rule == RuleCycleLimit {
		return fmt.Sprintf(msgs[rule], maxCycles)
	}
	return msgs[rule]
}
