package i18n

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"es", LocaleES},
		{"en", LocaleEN},
		{"fr", LocaleES},
		{"", LocaleES},
		{"EN", LocaleES},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestT_Interpolation(t *testing.T) {
	got := T(LocaleES, KeyAckQueued, map[string]string{"queue_id": "Q-0001"})
	if !strings.Contains(got, "Q-0001") {
		t.Errorf("T(ack_queued) = %q, want queue id interpolated", got)
	}
	if strings.Contains(got, "{queue_id}") {
		t.Errorf("T(ack_queued) = %q, marker left unreplaced", got)
	}
}

func TestT_FallbackToSpanish(t *testing.T) {
	es := T(LocaleES, KeyHelp, nil)
	if got := T("pt", KeyHelp, nil); got != es {
		t.Errorf("unknown locale = %q, want Spanish fallback", got)
	}
}

func TestT_UnknownKey(t *testing.T) {
	if got := T(LocaleES, "no_such_key", nil); got != "no_such_key" {
		t.Errorf("T(unknown key) = %q, want key verbatim", got)
	}
}

// Every user-facing acknowledgment and rejection carries the safety
// disclaimer; notification one-liners and list headers do not.
func TestDisclaimerPresence(t *testing.T) {
	withDisclaimer := []string{
		KeyAckSuccess, KeyAckQueued, KeyAckDuplicate,
		KeyRejectEmpty, KeyRejectTooLong, KeyRejectNoGPS,
		KeyRejectGPSWarming, KeyRejectBadCoords, KeyRejectStaleGPS,
		KeyRejectRateLimit, KeyHelp, KeyStatus, KeyCount, KeyQueue,
	}
	for _, key := range withDisclaimer {
		if !strings.Contains(T(LocaleES, key, nil), disclaimerES) {
			t.Errorf("es catalog %q missing disclaimer", key)
		}
		if !strings.Contains(T(LocaleEN, key, nil), disclaimerEN) {
			t.Errorf("en catalog %q missing disclaimer", key)
		}
	}
}

func TestCatalogsCoverSameKeys(t *testing.T) {
	for key := range catalogES {
		if _, ok := catalogEN[key]; !ok {
			t.Errorf("en catalog missing key %q", key)
		}
	}
	for key := range catalogEN {
		if _, ok := catalogES[key]; !ok {
			t.Errorf("es catalog missing key %q", key)
		}
	}
}

func TestCatalogsAvoidTypographicDashes(t *testing.T) {
	// Mesh clients render over tiny screens and plain fonts; catalog text
	// sticks to ASCII punctuation.
	catalogs := map[string]map[string]string{"es": catalogES, "en": catalogEN}
	for locale, catalog := range catalogs {
		for key, msg := range catalog {
			if strings.ContainsAny(msg, "—–") {
				t.Errorf("%s catalog %q uses a typographic dash: %q", locale, key, msg)
			}
		}
	}
}
