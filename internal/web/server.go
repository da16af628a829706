package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"emabot/internal/engine"
	"emabot/internal/metrics"
	"emabot/internal/state"
)

// Viewer computes the read model of one instrument.
type Viewer interface {
	View(ctx context.Context, symbol string) (state.View, error)
	Symbols() []string
}

type Server struct {
	viewer Viewer
	store  *state.Store
	hub    *Hub
	log    zerolog.Logger
}

func NewServer(viewer Viewer, store *state.Store, hub *Hub, log zerolog.Logger) *Server {
	return &Server{
		viewer: viewer,
		store:  store,
		hub:    hub,
		log:    log.With().Str("component", "web").Logger(),
	}
}

type instrumentStatus struct {
	Symbol        string     `json:"symbol"`
	Lots          int        `json:"lots"`
	AvgEntry      float64    `json:"averagePositionPrice,omitempty"`
	LastBarTime   *time.Time `json:"lastBarTime,omitempty"`
	LastTradeTime *time.Time `json:"lastTradeTime,omitempty"`
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	api := r.Group("/api")
	api.GET("/candles", s.handleCandles)
	api.GET("/instruments", s.handleInstruments)
	if s.hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			s.hub.ServeWS(c.Writer, c.Request)
		})
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.hub != nil {
			s.hub.Close()
		}
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCandles(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	if symbol == "" {
		symbols := s.viewer.Symbols()
		if len(symbols) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no instruments configured"})
			return
		}
		symbol = symbols[0]
	}

	view, err := s.viewer.View(c.Request.Context(), symbol)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, view)
	case errors.Is(err, engine.ErrUnknownSymbol):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNoView):
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("no view available")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.Error().Err(err).Str("symbol", symbol).Msg("view failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleInstruments(c *gin.Context) {
	symbols := s.viewer.Symbols()
	out := make([]instrumentStatus, 0, len(symbols))
	for _, sym := range symbols {
		status := instrumentStatus{Symbol: sym}
		if inst, ok := s.store.Instrument(sym); ok {
			status.Lots = inst.Position.Qty
			status.AvgEntry = inst.Position.AvgEntry
			if !inst.LastBarTime.IsZero() {
				t := inst.LastBarTime
				status.LastBarTime = &t
			}
			if !inst.LastTradeTime.IsZero() {
				t := inst.LastTradeTime
				status.LastTradeTime = &t
			}
		}
		out = append(out, status)
	}
	c.JSON(http.StatusOK, out)
}
