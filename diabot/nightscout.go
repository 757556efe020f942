package diabot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	nightscoutEntriesPath = "/api/v1/entries/sgv.json"
	nightscoutStatusPath  = "/api/v1/status.json"

	// nightscoutMaxEntries caps how many entries a single request will
	// ask for - 288 is a full day of 5-minute CGM readings.
	nightscoutMaxEntries = 288
)

// StaleReadingThreshold is the age after which the most recent CGM
// reading is considered stale (sensor gap, dead transmitter, ...).
var StaleReadingThreshold = 10 * time.Minute

var (
	// ErrNoNightscoutURL indicates the user hasn't configured a
	// Nightscout site yet.
	ErrNoNightscoutURL = errors.New("no nightscout URL configured")

	// ErrNoReadings indicates the Nightscout site returned no entries.
	ErrNoReadings = errors.New("no recent readings")
)

// trendArrows maps Nightscout direction strings to display arrows.
var trendArrows = map[string]string{
	"DoubleUp":          "⇈",
	"SingleUp":          "↑",
	"FortyFiveUp":       "↗",
	"Flat":              "→",
	"FortyFiveDown":     "↘",
	"SingleDown":        "↓",
	"DoubleDown":        "⇊",
	"NOT COMPUTABLE":    "-",
	"RATE OUT OF RANGE": "⇕",
}

// TrendArrow returns the display arrow for a Nightscout trend direction.
func TrendArrow(direction string) string {
	if arrow, ok := trendArrows[direction]; ok {
		return arrow
	}
	return ""
}

// NightscoutEntry is a single SGV entry from the Nightscout entries API.
type NightscoutEntry struct {
	SGV        int    `json:"sgv"`
	Date       int64  `json:"date"`
	DateString string `json:"dateString"`
	Direction  string `json:"direction"`
	Device     string `json:"device"`
	Type       string `json:"type"`
}

// Time returns the entry timestamp.
func (e NightscoutEntry) Time() time.Time {
	return time.UnixMilli(e.Date).UTC()
}

// Stale reports whether the entry is older than StaleReadingThreshold.
func (e NightscoutEntry) Stale(now time.Time) bool {
	return now.Sub(e.Time()) > StaleReadingThreshold
}

// Reading converts the entry to a chart Reading.
func (e NightscoutEntry) Reading() Reading {
	return Reading{Mgdl: float64(e.SGV), Time: e.Time()}
}

// NightscoutStatus is the subset of the Nightscout status API the bot
// cares about: the site's display units and BG thresholds.
type NightscoutStatus struct {
	Settings struct {
		Units      string `json:"units"`
		Thresholds struct {
			BgHigh         float64 `json:"bgHigh"`
			BgTargetTop    float64 `json:"bgTargetTop"`
			BgTargetBottom float64 `json:"bgTargetBottom"`
			BgLow          float64 `json:"bgLow"`
		} `json:"thresholds"`
	} `json:"settings"`
}

// Units returns the site's configured display unit, defaulting to mg/dL.
func (s NightscoutStatus) Units() GlucoseUnit {
	if strings.HasPrefix(strings.ToLower(s.Settings.Units), "mmol") {
		return UnitMmol
	}
	return UnitMgdl
}

// NightscoutConfig configures the shared Nightscout API client.
type NightscoutConfig struct {
	// MaxRequestsPerSecond is the global rate limit for outgoing
	// Nightscout API requests, across all users.
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=1"`

	// RequestTimeout bounds a single Nightscout API request.
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout"`

	// LogLevel for Nightscout API operations
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// Nightscout is an HTTP client for per-user Nightscout sites. A single
// instance is shared across users; the base URL and access token are
// passed per call.
type Nightscout struct {
	httpClient     *http.Client
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	requestTimeout time.Duration

	metricEntriesRequests atomic.Int64
	metricStatusRequests  atomic.Int64
}

func newNightscout(config *NightscoutConfig, client *http.Client) *Nightscout {
	if client == nil {
		client = http.DefaultClient
	}
	return &Nightscout{
		httpClient:     client,
		requestLimiter: rate.NewLimiter(rate.Limit(config.MaxRequestsPerSecond), 1),
		requestTimeout: config.RequestTimeout,
	}
}

// nightscoutURL joins the user's base URL with an API path, setting the
// token query parameter when an access token is configured.
func nightscoutURL(base string, path string, token string, query url.Values) (string, error) {
	if base == "" {
		return "", ErrNoNightscoutURL
	}
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", fmt.Errorf("%w: bad nightscout URL: %v", ErrInvalidArgument, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf(
			"%w: nightscout URL must be http or https", ErrInvalidArgument,
		)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if query == nil {
		query = url.Values{}
	}
	if token != "" {
		query.Set("token", token)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (n *Nightscout) get(ctx context.Context, requestURL string, out any) error {
	if err := n.requestLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	logger := n.logger
	if logger == nil {
		logger = slog.Default()
	}

	started := time.Now()
	resp, err := n.httpClient.Do(req)
	if err != nil {
		logger.ErrorContext(ctx, "nightscout request failed", tint.Err(err))
		return fmt.Errorf("nightscout request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	logger.DebugContext(
		ctx,
		"nightscout response",
		"status", resp.StatusCode,
		"elapsed", time.Since(started),
	)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf(
			"%w: nightscout rejected the request (status %d) - check the access token",
			ErrInvalidArgument, resp.StatusCode,
		)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nightscout returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// Entries fetches up to count SGV entries newer than since from the
// given Nightscout site, most recent first.
func (n *Nightscout) Entries(
	ctx context.Context,
	baseURL string,
	token string,
	count int,
	since time.Time,
) ([]NightscoutEntry, error) {
	n.metricEntriesRequests.Add(1)

	if count <= 0 || count > nightscoutMaxEntries {
		count = nightscoutMaxEntries
	}
	query := url.Values{}
	query.Set("count", fmt.Sprintf("%d", count))
	if !since.IsZero() {
		query.Set("find[date][$gte]", fmt.Sprintf("%d", since.UnixMilli()))
	}

	requestURL, err := nightscoutURL(baseURL, nightscoutEntriesPath, token, query)
	if err != nil {
		return nil, err
	}

	var entries []NightscoutEntry
	if err := n.get(ctx, requestURL, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoReadings
	}
	return entries, nil
}

// Status fetches the site's status, which carries its configured display
// units and BG thresholds.
func (n *Nightscout) Status(
	ctx context.Context,
	baseURL string,
	token string,
) (*NightscoutStatus, error) {
	n.metricStatusRequests.Add(1)

	requestURL, err := nightscoutURL(baseURL, nightscoutStatusPath, token, nil)
	if err != nil {
		return nil, err
	}
	var status NightscoutStatus
	if err := n.get(ctx, requestURL, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
