package http

import (
	"context"
	"errors"
	"net/http"
	"nightguard/guard/defs"
	"nightguard/guard/pkg/cache"
	"nightguard/guard/pkg/desc"
	"nightguard/guard/pkg/stats"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type dataCache interface {
	IsEmpty() bool
	HasTodaysBgDataPendingRequests() bool
	HasYesterdaysBgDataPendingRequests() bool
	HasCurrentNightscoutDataPendingRequests() bool
	ValuesChanged() bool

	CurrentNightscoutData() defs.NightscoutData
	LoadCurrentNightscoutData(forceRefresh bool, handler cache.Handler[defs.NightscoutData]) defs.NightscoutData
	LoadTodaysData(handler cache.Handler[[]defs.BloodSugar]) []defs.BloodSugar
	LoadYesterdaysData(handler cache.Handler[[]defs.BloodSugar]) []defs.BloodSugar

	CannulaChangeTime() time.Time
	SensorChangeTime() time.Time
	PumpBatteryChangeTime() time.Time
	DeviceStatusData(handler cache.Handler[defs.DeviceStatusData]) defs.DeviceStatusData
	TemporaryTargetData(handler cache.Handler[defs.TemporaryTargetData]) defs.TemporaryTargetData
}

type settingsService interface {
	Preferences() defs.Preferences
	UpdatePreferences(ctx context.Context, p defs.Preferences) (defs.Preferences, error)
	ChangeNightscoutURL(ctx context.Context, uri string) (defs.Preferences, error)
}

type HttpServer struct {
	Cache    dataCache
	Settings settingsService
	Glucose  defs.GlucoseConfig
	Location *time.Location
	Logger   *zap.Logger

	// Timeout bounds how long a request waits for a refresh before it is
	// answered from the cache.
	Timeout time.Duration
	Now     func() time.Time

	engine *gin.Engine
}

type response struct {
	Data  interface{} `json:"data"`
	Error string      `json:"error,omitempty"`
}

func New(c dataCache, s settingsService, glucose defs.GlucoseConfig, loc *time.Location, logger *zap.Logger) *HttpServer {
	hs := &HttpServer{
		Cache:    c,
		Settings: s,
		Glucose:  glucose.OrDefault(),
		Location: loc,
		Logger:   logger,
		Timeout:  defs.TimeoutInterval,
		Now:      time.Now,
	}
	hs.engine = hs.routes()
	return hs
}

func (s *HttpServer) Handler() http.Handler {
	return s.engine
}

// Serve blocks until ctx is done or the listener fails.
func (s *HttpServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("serving api", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defs.TimeoutInterval)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *HttpServer) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	api := r.Group("/api")
	api.GET("/current", s.current)
	api.GET("/today", s.today)
	api.GET("/yesterday", s.yesterday)
	api.GET("/chart", s.chart)
	api.GET("/devicestatus", s.deviceStatus)
	api.GET("/ages", s.ages)
	api.GET("/temptarget", s.temporaryTarget)
	api.GET("/stats", s.statistics)
	api.GET("/widget", s.widget)
	api.GET("/cache", s.cacheState)
	api.GET("/prefs", s.getPreferences)
	api.PUT("/prefs", s.putPreferences)
	api.PUT("/prefs/url", s.putNightscoutURL)
	api.GET("/uris", s.uris)

	return r
}

func (s *HttpServer) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Debug("handled request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// await triggers load and waits for its refresh, up to timeout. The cached
// value is returned when no refresh was needed or it did not finish in time.
func await[T any](timeout time.Duration, load func(handler cache.Handler[T]) T) (T, error) {
	ch := make(chan *defs.RequestResult[T], 1)
	cached := load(func(res *defs.RequestResult[T]) {
		select {
		case ch <- res:
		default:
		}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		switch {
		case res == nil:
			return cached, nil
		case res.Err != nil:
			return cached, res.Err
		default:
			return res.Data, nil
		}
	case <-timer.C:
		return cached, nil
	}
}

func (s *HttpServer) respond(c *gin.Context, data interface{}, err error) {
	if err == nil {
		c.JSON(http.StatusOK, response{Data: data})
		return
	}

	s.Logger.Debug("serving cached data after refresh failed", zap.Error(err))
	status := http.StatusOK
	if errors.Is(err, cache.ErrNotConfigured) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, response{Data: data, Error: err.Error()})
}

type currentResponse struct {
	defs.NightscoutData
	HourAndMinutes string `json:"hourAndMinutes"`
	TimeString     string `json:"timeString"`
	Stale          bool   `json:"stale"`
}

func (s *HttpServer) current(c *gin.Context) {
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))

	nd, err := await(s.Timeout, func(h cache.Handler[defs.NightscoutData]) defs.NightscoutData {
		return s.Cache.LoadCurrentNightscoutData(force, h)
	})

	now := s.Now()
	s.respond(c, currentResponse{
		NightscoutData: nd,
		HourAndMinutes: nd.HourAndMinutes(s.Location),
		TimeString:     nd.TimeString(now),
		Stale:          nd.IsOlderThanYMinutes(now, s.Settings.Preferences().CheckBGEveryMinute),
	}, err)
}

func (s *HttpServer) today(c *gin.Context) {
	bss, err := await(s.Timeout, s.Cache.LoadTodaysData)
	s.respond(c, bss, err)
}

func (s *HttpServer) yesterday(c *gin.Context) {
	bss, err := await(s.Timeout, s.Cache.LoadYesterdaysData)
	s.respond(c, bss, err)
}

type chartResponse struct {
	Today     []defs.BloodSugar `json:"today"`
	Yesterday []defs.BloodSugar `json:"yesterday,omitempty"`
	Changed   bool              `json:"changed"`
}

func (s *HttpServer) chart(c *gin.Context) {
	today, err := await(s.Timeout, s.Cache.LoadTodaysData)

	cr := chartResponse{Today: today}
	if s.Settings.Preferences().ShowYesterdaysBgs {
		yesterday, yerr := await(s.Timeout, s.Cache.LoadYesterdaysData)
		cr.Yesterday = yesterday
		if err == nil {
			err = yerr
		}
	}
	cr.Changed = s.Cache.ValuesChanged()

	s.respond(c, cr, err)
}

func (s *HttpServer) deviceStatus(c *gin.Context) {
	dsd, err := await(s.Timeout, s.Cache.DeviceStatusData)
	s.respond(c, dsd, err)
}

type agesResponse struct {
	CannulaChangeTime     time.Time `json:"cannulaChangeTime"`
	SensorChangeTime      time.Time `json:"sensorChangeTime"`
	PumpBatteryChangeTime time.Time `json:"pumpBatteryChangeTime"`
}

func (s *HttpServer) ages(c *gin.Context) {
	s.respond(c, agesResponse{
		CannulaChangeTime:     s.Cache.CannulaChangeTime(),
		SensorChangeTime:      s.Cache.SensorChangeTime(),
		PumpBatteryChangeTime: s.Cache.PumpBatteryChangeTime(),
	}, nil)
}

type temporaryTargetResponse struct {
	defs.TemporaryTargetData
	Active bool `json:"active"`
}

func (s *HttpServer) temporaryTarget(c *gin.Context) {
	tt, err := await(s.Timeout, s.Cache.TemporaryTargetData)
	s.respond(c, temporaryTargetResponse{
		TemporaryTargetData: tt,
		Active:              tt.IsActive(s.Now()),
	}, err)
}

type statsResponse struct {
	stats.Description
	Units defs.Units `json:"units"`
}

func (s *HttpServer) statistics(c *gin.Context) {
	prefs := s.Settings.Preferences()
	if !prefs.ShowStats {
		c.JSON(http.StatusNotFound, response{Error: "statistics are disabled"})
		return
	}

	bss, err := await(s.Timeout, s.Cache.LoadTodaysData)
	s.respond(c, statsResponse{
		Description: stats.Describe(bss, s.Glucose),
		Units:       prefs.Units,
	}, err)
}

type widgetResponse struct {
	desc.WidgetEntry
	Lines []string `json:"lines"`
}

func (s *HttpServer) widget(c *gin.Context) {
	current, err := await(s.Timeout, func(h cache.Handler[defs.NightscoutData]) defs.NightscoutData {
		return s.Cache.LoadCurrentNightscoutData(false, h)
	})
	today, terr := await(s.Timeout, s.Cache.LoadTodaysData)
	if err == nil {
		err = terr
	}

	d := desc.New(s.Settings.Preferences().Units, s.Location)
	entry := d.WidgetEntry(s.Now(), current, today, err)
	c.JSON(http.StatusOK, response{Data: widgetResponse{WidgetEntry: entry, Lines: entry.Lines()}})
}

type cacheStateResponse struct {
	Empty            bool `json:"empty"`
	PendingToday     bool `json:"pendingToday"`
	PendingYesterday bool `json:"pendingYesterday"`
	PendingCurrent   bool `json:"pendingCurrent"`
}

func (s *HttpServer) cacheState(c *gin.Context) {
	s.respond(c, cacheStateResponse{
		Empty:            s.Cache.IsEmpty(),
		PendingToday:     s.Cache.HasTodaysBgDataPendingRequests(),
		PendingYesterday: s.Cache.HasYesterdaysBgDataPendingRequests(),
		PendingCurrent:   s.Cache.HasCurrentNightscoutDataPendingRequests(),
	}, nil)
}

func (s *HttpServer) getPreferences(c *gin.Context) {
	s.respond(c, s.Settings.Preferences(), nil)
}

func (s *HttpServer) putPreferences(c *gin.Context) {
	// Fields missing from the body keep their current values.
	p := s.Settings.Preferences()
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, response{Error: "expected preferences as json: " + err.Error()})
		return
	}

	updated, err := s.Settings.UpdatePreferences(c.Request.Context(), p)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, response{Data: updated, Error: err.Error()})
		return
	}
	s.respond(c, updated, nil)
}

type urlRequest struct {
	URI string `json:"uri" binding:"required"`
}

func (s *HttpServer) putNightscoutURL(c *gin.Context) {
	var req urlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{Error: "expected {\"uri\": ...}: " + err.Error()})
		return
	}

	p, err := s.Settings.ChangeNightscoutURL(c.Request.Context(), req.URI)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, response{Data: p, Error: err.Error()})
		return
	}
	s.respond(c, p, nil)
}

func (s *HttpServer) uris(c *gin.Context) {
	s.respond(c, s.Settings.Preferences().NightscoutURIs, nil)
}
