package osm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Nominatim usage policy: at most one request per second, identified client.
const (
	geocodeInterval = time.Second
	geocodeTimeout  = 5 * time.Second
	geocodeUA       = "lora-osmnotes-gateway/1.0"
)

// Geocoder resolves coordinates to a short human-readable place string via
// the Nominatim reverse endpoint. Failures are soft: callers omit the place.
type Geocoder struct {
	apiURL string
	http   *http.Client

	mu          sync.Mutex
	lastRequest time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// NewGeocoder creates a geocoder against apiURL.
func NewGeocoder(apiURL string) *Geocoder {
	return &Geocoder{
		apiURL: apiURL,
		http:   &http.Client{Timeout: geocodeTimeout},
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// ReverseGeocode returns a place string like
// "Prado Veraniego, Suba, Bogotá, Cundinamarca, Colombia", or an error when
// the service is unreachable or returns nothing usable.
func (g *Geocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	g.mu.Lock()
	if !g.lastRequest.IsZero() {
		if wait := geocodeInterval - g.now().Sub(g.lastRequest); wait > 0 {
			g.sleep(wait)
		}
	}
	g.lastRequest = g.now()
	g.mu.Unlock()

	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%f", lat))
	q.Set("lon", fmt.Sprintf("%f", lon))
	q.Set("format", "json")
	q.Set("addressdetails", "1")
	q.Set("accept-language", "es")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", geocodeUA)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geocoder status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	var payload struct {
		Address map[string]string `json:"address"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", err
	}

	place := FormatAddress(payload.Address)
	if place == "" {
		return "", fmt.Errorf("no address components")
	}
	log.Debug().Str("place", place).Msg("reverse geocoded")
	return place, nil
}

func firstOf(address map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := address[k]; v != "" {
			return v
		}
	}
	return ""
}

// FormatAddress builds a five-level hierarchy (neighbourhood, district, city,
// state, country) from Nominatim address components, dropping adjacent
// duplicate names.
func FormatAddress(address map[string]string) string {
	levels := []string{
		firstOf(address, "neighbourhood", "suburb", "quarter", "village", "residential", "city_district"),
		firstOf(address, "district", "locality", "city_district", "subdistrict"),
		firstOf(address, "city", "town", "municipality"),
		firstOf(address, "state", "region"),
		address["country"],
	}

	var parts []string
	for _, level := range levels {
		if level == "" {
			continue
		}
		if len(parts) > 0 && parts[len(parts)-1] == level {
			continue
		}
		parts = append(parts, level)
	}
	return strings.Join(parts, ", ")
}

// SetClocks overrides the clock and sleep functions. Test hook.
func (g *Geocoder) SetClocks(now func() time.Time, sleep func(time.Duration)) {
	g.now = now
	g.sleep = sleep
}
