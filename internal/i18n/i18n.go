// Package i18n provides the bilingual (es/en) message catalog for everything
// the gateway sends over the radio. Lookup is by locale and key with {param}
// interpolation; a missing key falls back to Spanish, then to the key itself.
package i18n

import "strings"

// Supported locales.
const (
	LocaleES = "es"
	LocaleEN = "en"
)

// Message keys.
const (
	KeyAckSuccess       = "ack_success"
	KeyAckQueued        = "ack_queued"
	KeyAckDuplicate     = "ack_duplicate"
	KeyRejectEmpty      = "reject_empty"
	KeyRejectTooLong    = "reject_too_long"
	KeyRejectNoGPS      = "reject_no_gps"
	KeyRejectGPSWarming = "reject_gps_warming"
	KeyRejectBadCoords  = "reject_invalid_coords"
	KeyRejectStaleGPS   = "reject_stale_gps"
	KeyRejectRateLimit  = "reject_rate_limited"
	KeyNoteError        = "note_error"
	KeyHelp             = "help"
	KeyMoreHelp         = "morehelp"
	KeyStatus           = "status"
	KeyCount            = "count"
	KeyListHeader       = "list_header"
	KeyListEmpty        = "list_empty"
	KeyQueue            = "queue"
	KeyNodesHeader      = "nodes_header"
	KeyNodesEmpty       = "nodes_empty"
	KeyLangSet          = "lang_set"
	KeyLangUsage        = "lang_usage"
	KeySentNotification = "sent_notification"
	KeySentSummary      = "sent_summary"
	KeyFailedNotify     = "failed_notification"
	KeyFailedSummary    = "failed_summary"
	KeyDailyBroadcast   = "daily_broadcast"
	KeyAttribution      = "attribution"
)

const disclaimerES = "⚠️ No envíes datos personales ni emergencias médicas."
const disclaimerEN = "⚠️ Do not send personal data or medical emergencies."

var catalogES = map[string]string{
	KeyAckSuccess: "✅ Reporte recibido y nota creada en OSM.\n" +
		"📝 Nota: #{id}\n" +
		"{url}\n" +
		"{location}" +
		disclaimerES,
	KeyAckQueued: "✅ Reporte recibido. Quedó en cola para enviar cuando haya Internet.\n" +
		"📦 En cola: {queue_id}\n" +
		disclaimerES,
	KeyAckDuplicate: "✅ Reporte recibido (ya estaba registrado).\n" +
		disclaimerES,
	KeyRejectEmpty: "❌ Falta el texto del reporte.\n" +
		"Usa: #osmnote <tu mensaje>\n" +
		disclaimerES,
	KeyRejectTooLong: "❌ El mensaje es demasiado largo (máximo {max_len} caracteres).\n" +
		"Acorta el mensaje y reenvía.\n" +
		disclaimerES,
	KeyRejectNoGPS: "❌ Reporte recibido, pero no hay GPS reciente del dispositivo.\n" +
		"Mantén el T-Echo encendido al aire libre 30-60 s y reenvía.\n" +
		disclaimerES,
	KeyRejectGPSWarming: "❌ El dispositivo se prendió hace poco, por lo que la posición no es precisa.\n" +
		"Espera {wait_time} segundos más para que el GPS se estabilice y reenvía.\n" +
		disclaimerES,
	KeyRejectBadCoords: "❌ Las coordenadas GPS recibidas son inválidas.\n" +
		"Verifica que el GPS esté funcionando correctamente.\n" +
		disclaimerES,
	KeyRejectStaleGPS: "❌ Reporte recibido, pero la última posición es muy vieja (>2 min).\n" +
		"Espera a que el GPS se actualice y reenvía.\n" +
		disclaimerES,
	KeyRejectRateLimit: "❌ Demasiados reportes seguidos. Espera un minuto y reenvía.\n" +
		disclaimerES,
	KeyNoteError: "❌ Error al crear la nota. Intenta de nuevo.\n" + disclaimerES,
	KeyHelp: "ℹ️ Para crear una nota de mapeo escribe:\n" +
		"#osmnote <tu mensaje>\n\n" +
		"Usa #osmstatus para ver estado y #osmmorehelp para más comandos.\n" +
		disclaimerES,
	KeyMoreHelp: "ℹ️ Comandos:\n" +
		"#osmnote <msj> - crear nota\n" +
		"#osmstatus - estado\n" +
		"#osmcount - tus notas\n" +
		"#osmlist [n] - últimas notas\n" +
		"#osmqueue - cola\n" +
		"#osmnodes - nodos vistos\n" +
		"#osmlang es|en - idioma\n\n" +
		"📱 Configuración T-Echo recomendada:\n" +
		"• Position Broadcast: 60 segundos (mínimo)\n" +
		"• Smart Broadcast Min Interval: 15 segundos\n" +
		"• Smart Broadcast Min Distance: 100 metros\n" +
		"• Device GPS Update: 120 segundos (2 min)\n" +
		disclaimerES,
	KeyStatus: "ℹ️ Gateway activo\n" +
		"Internet: {internet}\n" +
		"Cola total: {total_queue}\n" +
		"Tu cola: {node_queue}\n" +
		disclaimerES,
	KeyCount: "📊 Notas creadas:\n" +
		"Hoy: {today}\n" +
		"Total: {total}\n" +
		disclaimerES,
	KeyListHeader: "📝 Últimas {n} notas:",
	KeyListEmpty:  "📝 No hay notas registradas.\n" + disclaimerES,
	KeyQueue: "📦 Cola:\n" +
		"Total: {total_queue}\n" +
		"Tu cola: {node_queue}\n" +
		disclaimerES,
	KeyNodesHeader: "📡 Nodos vistos ({n}):",
	KeyNodesEmpty:  "📡 No hay nodos con posición reciente.\n" + disclaimerES,
	KeyLangSet:     "✅ Idioma cambiado a español.\n" + disclaimerES,
	KeyLangUsage:   "Usa: #osmlang es|en\n" + disclaimerES,
	KeySentNotification: "✅ Enviado desde cola: {queue_id} → Nota OSM #{note_id}\n" +
		"{url}",
	KeySentSummary: "✅ Se enviaron {n} notas de tu cola a OSM.\n" + disclaimerES,
	KeyFailedNotify: "❌ No se pudo enviar tu reporte {queue_id} después de {attempts} intentos.\n" +
		"Contacta al operador del gateway.\n" +
		disclaimerES,
	KeyFailedSummary: "❌ {n} reportes de tu cola no se pudieron enviar.\n" + disclaimerES,
	KeyDailyBroadcast: "ℹ️ Gateway de notas OSM activo.\n" +
		"Usa:\n" +
		"#osmnote <mensaje>\n" +
		"#osmhelp",
	KeyAttribution: "Reporte enviado vía LoRa/Meshtastic por un participante de la malla.",
}

var catalogEN = map[string]string{
	KeyAckSuccess: "✅ Report received and note created on OSM.\n" +
		"📝 Note: #{id}\n" +
		"{url}\n" +
		"{location}" +
		disclaimerEN,
	KeyAckQueued: "✅ Report received. Queued until Internet is available.\n" +
		"📦 Queued: {queue_id}\n" +
		disclaimerEN,
	KeyAckDuplicate: "✅ Report received (already registered).\n" +
		disclaimerEN,
	KeyRejectEmpty: "❌ The report text is missing.\n" +
		"Use: #osmnote <your message>\n" +
		disclaimerEN,
	KeyRejectTooLong: "❌ The message is too long (maximum {max_len} characters).\n" +
		"Shorten the message and resend.\n" +
		disclaimerEN,
	KeyRejectNoGPS: "❌ Report received, but there is no recent GPS fix from your device.\n" +
		"Keep the T-Echo on outdoors for 30-60 s and resend.\n" +
		disclaimerEN,
	KeyRejectGPSWarming: "❌ The device started recently, so the position is not precise yet.\n" +
		"Wait {wait_time} more seconds for the GPS to settle and resend.\n" +
		disclaimerEN,
	KeyRejectBadCoords: "❌ The received GPS coordinates are invalid.\n" +
		"Check that the GPS is working correctly.\n" +
		disclaimerEN,
	KeyRejectStaleGPS: "❌ Report received, but the last position is too old (>2 min).\n" +
		"Wait for a GPS update and resend.\n" +
		disclaimerEN,
	KeyRejectRateLimit: "❌ Too many reports in a row. Wait a minute and resend.\n" +
		disclaimerEN,
	KeyNoteError: "❌ Could not create the note. Try again.\n" + disclaimerEN,
	KeyHelp: "ℹ️ To create a mapping note write:\n" +
		"#osmnote <your message>\n\n" +
		"Use #osmstatus for status and #osmmorehelp for more commands.\n" +
		disclaimerEN,
	KeyMoreHelp: "ℹ️ Commands:\n" +
		"#osmnote <msg> - create note\n" +
		"#osmstatus - status\n" +
		"#osmcount - your notes\n" +
		"#osmlist [n] - recent notes\n" +
		"#osmqueue - queue\n" +
		"#osmnodes - seen nodes\n" +
		"#osmlang es|en - language\n\n" +
		"📱 Recommended T-Echo settings:\n" +
		"• Position Broadcast: 60 seconds (minimum)\n" +
		"• Smart Broadcast Min Interval: 15 seconds\n" +
		"• Smart Broadcast Min Distance: 100 meters\n" +
		"• Device GPS Update: 120 seconds (2 min)\n" +
		disclaimerEN,
	KeyStatus: "ℹ️ Gateway active\n" +
		"Internet: {internet}\n" +
		"Total queue: {total_queue}\n" +
		"Your queue: {node_queue}\n" +
		disclaimerEN,
	KeyCount: "📊 Notes created:\n" +
		"Today: {today}\n" +
		"Total: {total}\n" +
		disclaimerEN,
	KeyListHeader: "📝 Last {n} notes:",
	KeyListEmpty:  "📝 No notes registered.\n" + disclaimerEN,
	KeyQueue: "📦 Queue:\n" +
		"Total: {total_queue}\n" +
		"Your queue: {node_queue}\n" +
		disclaimerEN,
	KeyNodesHeader: "📡 Seen nodes ({n}):",
	KeyNodesEmpty:  "📡 No nodes with a recent position.\n" + disclaimerEN,
	KeyLangSet:     "✅ Language switched to English.\n" + disclaimerEN,
	KeyLangUsage:   "Use: #osmlang es|en\n" + disclaimerEN,
	KeySentNotification: "✅ Sent from queue: {queue_id} → OSM note #{note_id}\n" +
		"{url}",
	KeySentSummary: "✅ {n} notes from your queue were sent to OSM.\n" + disclaimerEN,
	KeyFailedNotify: "❌ Your report {queue_id} could not be sent after {attempts} attempts.\n" +
		"Contact the gateway operator.\n" +
		disclaimerEN,
	KeyFailedSummary: "❌ {n} reports from your queue could not be sent.\n" + disclaimerEN,
	KeyDailyBroadcast: "ℹ️ OSM notes gateway active.\n" +
		"Use:\n" +
		"#osmnote <message>\n" +
		"#osmhelp",
	KeyAttribution: "Report sent via LoRa/Meshtastic by a mesh participant.",
}

var catalogs = map[string]map[string]string{
	LocaleES: catalogES,
	LocaleEN: catalogEN,
}

// Normalize maps arbitrary input to a supported locale, defaulting to Spanish.
func Normalize(locale string) string {
	if _, ok := catalogs[locale]; ok {
		return locale
	}
	return LocaleES
}

// T looks up key in the catalog for locale and interpolates {param} markers.
// Unknown locales fall back to Spanish; an unknown key is returned verbatim.
func T(locale, key string, params map[string]string) string {
	catalog, ok := catalogs[locale]
	if !ok {
		catalog = catalogES
	}
	tmpl, ok := catalog[key]
	if !ok {
		tmpl, ok = catalogES[key]
		if !ok {
			return key
		}
	}
	if len(params) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(params)*2)
	for k, v := range params {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
