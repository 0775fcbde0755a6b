package nightscout

import (
	"context"
	"crypto/sha1" //nolint:gosec // Nightscout expects the API secret as a SHA1 hex digest.
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"nightguard/guard/defs"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	pebbleEndpoint       = "pebble"
	entriesEndpoint      = "api/v1/entries.json"
	statusEndpoint       = "api/v1/status.json"
	deviceStatusEndpoint = "api/v1/devicestatus.json"
	treatmentsEndpoint   = "api/v1/treatments.json"

	// One reading per minute is the densest a CGM reports.
	maxEntriesPerDay   = 1440
	deviceStatusCount  = 5
	treatmentTimestamp = "2006-01-02T15:04:05.000Z"
)

type Client struct {
	client    *http.Client
	logger    *zap.Logger
	baseURL   string
	token     string
	apiSecret string
}

// Source is everything the cache reads from the backend.
type Source interface {
	ReadCurrentData(ctx context.Context, units defs.Units) (defs.NightscoutData, error)
	ReadTodaysChartData(ctx context.Context, oldValues []defs.BloodSugar, startOfDay time.Time) ([]defs.BloodSugar, error)
	ReadYesterdaysChartData(ctx context.Context, startOfDay time.Time) ([]defs.BloodSugar, error)
	ReadDeviceStatus(ctx context.Context) (defs.DeviceStatusData, error)
	ReadLastTreatmentEventTimestamp(ctx context.Context, eventType defs.EventType, since time.Time) (time.Time, error)
	ReadLastTemporaryTarget(ctx context.Context, since time.Time) (*defs.TemporaryTargetData, error)
}

// StatusReader resolves the units configured on the backend.
type StatusReader interface {
	ReadStatus(ctx context.Context) (defs.Units, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nightscout returned %d: %s", e.Code, e.Body)
}

// New creates a client for uri. A "token" query parameter on uri is kept and
// sent with every request.
func New(uri, apiSecret string, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return nil, fmt.Errorf("unable to parse nightscout uri: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("nightscout uri needs a scheme and host: %q", uri)
	}

	token := u.Query().Get("token")
	u.RawQuery = ""
	u.Fragment = ""

	return &Client{
		client:    &http.Client{Timeout: defs.RequestTimeout},
		logger:    logger,
		baseURL:   strings.TrimRight(u.String(), "/"),
		token:     token,
		apiSecret: apiSecret,
	}, nil
}

func hashSecret(secret string) string {
	hasher := sha1.New() //nolint:gosec
	hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, v interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	if c.token != "" {
		params.Set("token", c.token)
	}

	full := c.baseURL + "/" + endpoint
	if len(params) > 0 {
		full += "?" + params.Encode()
	}

	c.logger.Debug("making nightscout request",
		zap.String("endpoint", endpoint),
		zap.Any("params", params),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiSecret != "" {
		req.Header.Set("API-SECRET", hashSecret(c.apiSecret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("unable to request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("unable to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("nightscout request failed",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
		)
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unable to decode %s response: %w", endpoint, err)
	}
	return nil
}

// ReadCurrentData reads the latest reading from the pebble endpoint, which
// already carries delta, battery, IOB and COB.
func (c *Client) ReadCurrentData(ctx context.Context, units defs.Units) (defs.NightscoutData, error) {
	params := url.Values{"count": {"2"}}
	if units == defs.Mmol {
		params.Set("units", "mmol")
	}

	var pr pebbleResponse
	if err := c.get(ctx, pebbleEndpoint, params, &pr); err != nil {
		return defs.NewNightscoutData(), err
	}
	if len(pr.Bgs) == 0 {
		return defs.NewNightscoutData(), fmt.Errorf("no readings in pebble response")
	}

	nd := transformPebble(pr.Bgs[0], units)

	c.logger.Debug("received current reading",
		zap.String("sgv", nd.Sgv),
		zap.String("delta", nd.BgDeltaString),
		zap.Int64("time", nd.Time),
	)
	return nd, nil
}

// ReadChartData returns the readings in (from, to], oldest first. A zero to
// leaves the range open.
func (c *Client) ReadChartData(ctx context.Context, from, to time.Time) ([]defs.BloodSugar, error) {
	params := url.Values{
		"find[date][$gt]": {strconv.FormatInt(from.UnixMilli(), 10)},
		"count":           {strconv.Itoa(maxEntriesPerDay)},
	}
	if !to.IsZero() {
		params.Set("find[date][$lte]", strconv.FormatInt(to.UnixMilli(), 10))
	}

	var entries []entry
	if err := c.get(ctx, entriesEndpoint, params, &entries); err != nil {
		return nil, err
	}

	bss := transformEntries(entries)
	c.logger.Debug("received chart data",
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("count", len(bss)),
	)
	return bss, nil
}

// ReadTodaysChartData fetches only what is newer than the newest old value and
// merges it in. Values from before startOfDay are dropped.
func (c *Client) ReadTodaysChartData(ctx context.Context, oldValues []defs.BloodSugar, startOfDay time.Time) ([]defs.BloodSugar, error) {
	from := startOfDay
	if n := len(oldValues); n > 0 {
		if last := oldValues[n-1].GetTime(); last.After(from) {
			from = last
		}
	}

	fresh, err := c.ReadChartData(ctx, from, time.Time{})
	if err != nil {
		return nil, err
	}

	return mergeBloodSugars(oldValues, fresh, startOfDay.UnixMilli()), nil
}

// ReadYesterdaysChartData reads the full day before startOfDay.
func (c *Client) ReadYesterdaysChartData(ctx context.Context, startOfDay time.Time) ([]defs.BloodSugar, error) {
	return c.ReadChartData(ctx, startOfDay.AddDate(0, 0, -1), startOfDay)
}

func (c *Client) ReadStatus(ctx context.Context) (defs.Units, error) {
	var st serverStatus
	if err := c.get(ctx, statusEndpoint, nil, &st); err != nil {
		return defs.Mgdl, err
	}

	c.logger.Debug("received status",
		zap.String("name", st.Name),
		zap.String("version", st.Version),
		zap.String("units", st.Settings.Units),
	)
	return parseUnits(st.Settings.Units), nil
}

func (c *Client) ReadDeviceStatus(ctx context.Context) (defs.DeviceStatusData, error) {
	params := url.Values{"count": {strconv.Itoa(deviceStatusCount)}}

	var statuses []deviceStatus
	if err := c.get(ctx, deviceStatusEndpoint, params, &statuses); err != nil {
		return defs.DeviceStatusData{}, err
	}
	return transformDeviceStatus(statuses), nil
}

func (c *Client) treatments(ctx context.Context, eventType defs.EventType, since time.Time, count int) ([]treatment, error) {
	params := url.Values{
		"find[eventType]":        {string(eventType)},
		"find[created_at][$gte]": {since.UTC().Format(treatmentTimestamp)},
		"count":                  {strconv.Itoa(count)},
	}

	var trs []treatment
	if err := c.get(ctx, treatmentsEndpoint, params, &trs); err != nil {
		return nil, err
	}
	return trs, nil
}

// ReadLastTreatmentEventTimestamp returns the zero time when no such event
// happened since the given time.
func (c *Client) ReadLastTreatmentEventTimestamp(ctx context.Context, eventType defs.EventType, since time.Time) (time.Time, error) {
	trs, err := c.treatments(ctx, eventType, since, 1)
	if err != nil {
		return time.Time{}, err
	}

	var last time.Time
	for _, tr := range trs {
		if t := tr.time(); t.After(last) {
			last = t
		}
	}

	c.logger.Debug("received treatment event",
		zap.String("event type", string(eventType)),
		zap.Time("time", last),
	)
	return last, nil
}

// ReadLastTemporaryTarget returns nil when no temporary target was set since
// the given time.
func (c *Client) ReadLastTemporaryTarget(ctx context.Context, since time.Time) (*defs.TemporaryTargetData, error) {
	trs, err := c.treatments(ctx, defs.TemporaryTarget, since, 1)
	if err != nil {
		return nil, err
	}
	if len(trs) == 0 {
		return nil, nil
	}

	newest := trs[0]
	for _, tr := range trs[1:] {
		if tr.time().After(newest.time()) {
			newest = tr
		}
	}

	start := newest.time()
	return &defs.TemporaryTargetData{
		TargetTop:    newest.TargetTop,
		TargetBottom: newest.TargetBottom,
		ActiveUntil:  start.Add(time.Duration(newest.Duration * float64(time.Minute))),
	}, nil
}
