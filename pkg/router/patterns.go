package router

import "regexp"

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		out[i] = regexp.MustCompile(expr)
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, message string) bool {
	for _, p := range patterns {
		if p.MatchString(message) {
			return true
		}
	}
	return false
}

var connectivityPatterns = compile(
	`(?i)fibra`,
	`(?i)l[ií]nea`,
	`(?i)conexi[oó]n`,
	`(?i)conectividad`,
	`(?i)velocidad.*(?:mb|gb|mega|giga)`,
	`(?i)ip\s*(?:est[aá]tica|din[aá]mica|fija|p[uú]blica)`,
	`\b\d{9}\b`,
	`(?i)\bLCR[-\s]?\d+\b`,
	`(?i)operador`,
	`(?i)cliente.*fibra`,
	`(?i)ip\s*fija`,
	`(?i)sede.*(?:fibra|conexi|internet)`,
	`(?i)internet.*sede`,
	`(?i)mantenimiento.*l[ií]nea`,
	`(?i)cu[aá]ntas\s*(?:l[ií]neas|fibras)`,
	`(?i)proveedor`,
)

var ticketingPatterns = compile(
	`(?i)ticket`,
	`(?i)incidencia`,
	`(?i)crm`,
	`(?i)soporte`,
	`(?i)reclamaci[oó]n`,
	`(?i)petici[oó]n`,
	`(?i)caso\s+abierto`,
	`(?i)tickets?\s+(?:abierto|pendiente|cerrado)`,
	`(?i)estado\s+(?:del?\s+)?ticket`,
	`(?i)cu[aá]ntos\s+tickets`,
	`(?i)cliente.*ticket`,
	`(?i)ticket.*cliente`,
	`(?i)[\s,]baja[\s,.]`,
	`(?i)alta\s+(?:de\s+)?(?:fibra|l[ií]nea|servicio|centralita)`,
	`(?i)portabilidad`,
	`(?i)aver[ií]a`,
	`(?i)gesti[oó]n.*(?:comercial|t[eé]cnica)`,
	`(?i)oficina\s+t[eé]cnica`,
	`(?i)atenci[oó]n\s+m[oó]vil`,
)

var resolutionPatterns = compile(
	`(?i)c[oó]mo\s+(?:se\s+)?(?:resuelv|solucion|arregl|fix)`,
	`(?i)soluci[oó]n\s+(?:para|de|del?)`,
	`(?i)resolver\s+(?:un[ao]?\s+)?(?:incidencia|problema|ticket|error|fallo)`,
	`(?i)qu[eé]\s+(?:se\s+)?hizo\s+(?:con|para|cuando)`,
	`(?i)caso[s]?\s+similar`,
	`(?i)ha\s+pasado\s+antes`,
	`(?i)precedente`,
	`(?i)problema\s+(?:con|de|del?)\s+`,
	`(?i)no\s+(?:funciona|va|anda|conecta|llama)`,
	`(?i)se\s+(?:cae|corta|pierde|desconecta)`,
	`(?i)sin\s+(?:servicio|conexi[oó]n|l[ií]nea|tono|internet)`,
	`(?i)error\s+(?:en|de|del?|al)`,
	`(?i)fallo\s+(?:en|de|del?)`,
	`(?i)ayuda\s+(?:con|para)\s+(?:un[ao]?\s+)?(?:incidencia|ticket|problema)`,
)

var clientPatterns = compile(
	`(?i)(?:a\s+)?qui[eé]n\s+pertenece`,
	`(?i)(?:de\s+)?qui[eé]n\s+es\s+(?:el\s+)?(?:n[uú]mero|tel[eé]fono|l[ií]nea)`,
	`(?i)(?:busca|buscar|consulta|consultar)\s+(?:el\s+)?cliente`,
	`(?i)(?:datos|info|informaci[oó]n)\s+(?:del?\s+)?cliente`,
	`(?i)cliente\s+(?:con|del?)\s+(?:CIF|NIF|n[uú]mero)`,
	`\b[89]\d{8}\b`,
	`\b[BbAa]\d{7,8}\b`,
	`(?i)numeraci[oó]n`,
	`(?i)titularidad`,
)

var diversionPatterns = compile(
	`(?i)desv[ií]o`,
	`(?i)desviar`,
	`(?i)redirig`,
	`(?i)forwarding`,
	`(?i)tiene\s+desv`,
	`(?i)desv[ií]os?\s+activ`,
	`(?i)desv[ií]os?\s+program`,
	`(?i)a\s+d[oó]nde\s+desv`,
	`(?i)n[uú]mero\s+de\s+desv`,
	`(?i)l[ií]nea\s+fija.*desv`,
	`(?i)fijo.*desv`,
)

var portalFibrePatterns = compile(
	`(?i)solicitud\s+(?:de\s+)?fibra`,
	`(?i)estado\s+(?:de\s+)?(?:la\s+)?fibra`,
	`(?i)estado\s+lcr`,
	`(?i)estado\s+proveedor`,
	`(?i)instalaci[oó]n\s+ptro`,
	`(?i)ventana\s+(?:de\s+)?activaci[oó]n`,
	`\bIUA\b`,
	`\bIDONT\b`,
	`(?i)\bptro\b`,
	`(?i)solicitud\s+\d{4,6}`,
	`(?i)c[oó]digo\s+(?:de\s+)?solicitud`,
)

var historyPatterns = compile(
	`(?i)la otra vez`,
	`(?i)recuerdas`,
	`(?i)como hicimos`,
	`(?i)ya me dijiste`,
	`(?i)me explicaste`,
	`(?i)hablamos de`,
	`(?i)la vez pasada`,
	`(?i)anteriormente`,
	`(?i)como me dijiste`,
	`(?i)lo que me ense[ñn]aste`,
	`(?i)ya hab[ií]amos`,
	`(?i)en la otra conversaci[oó]n`,
	`(?i)la conversaci[oó]n anterior`,
	`(?i)antes me`,
)
