// Package admin serves read only status of a running server over HTTP.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"cdr.dev/slog"
	"github.com/gin-gonic/gin"
	"golang.org/x/xerrors"
)

// Status summarizes a server.
type Status struct {
	Name        string    `json:"name"`
	Addr        string    `json:"addr"`
	Driver      string    `json:"driver"`
	PID         int       `json:"pid"`
	Workers     int       `json:"workers"`
	Connections int       `json:"connections"`
	Handshaken  int       `json:"handshaken"`
	Accepted    int64     `json:"accepted"`
	Closed      int64     `json:"closed"`
	Rejected    int64     `json:"rejected"`
	Messages    int64     `json:"messages"`
	StartedAt   time.Time `json:"started_at"`
	Uptime      string    `json:"uptime"`
}

// Client describes one connection.
type Client struct {
	ID          int       `json:"id"`
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	Handshake   bool      `json:"handshake"`
	Path        string    `json:"path"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Source provides what the endpoints report.
type Source interface {
	Status() Status
	Clients() []Client
}

// Handler returns the admin routes:
//
//	GET /status
//	GET /clients
//	GET /clients/:id
func Handler(src Source, log slog.Logger) http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), logRequests(log))

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Status())
	})
	r.GET("/clients", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"clients": src.Clients()})
	})
	r.GET("/clients/:id", func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		for _, cl := range src.Clients() {
			if cl.ID == id {
				c.JSON(http.StatusOK, cl)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "no such client"})
	})
	return r
}

func logRequests(log slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug(c.Request.Context(), "admin request",
			slog.F("method", c.Request.Method),
			slog.F("path", c.Request.URL.Path),
			slog.F("status", c.Writer.Status()),
			slog.F("took", time.Since(start)),
		)
	}
}

// Fetch reads the status of the server whose admin endpoint is at addr.
func Fetch(ctx context.Context, addr string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return Status{}, xerrors.Errorf("failed to create status request: %w", err)
	}
	req.Close = true
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Status{}, xerrors.Errorf("failed to fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Status{}, xerrors.Errorf("unexpected status code: %v", resp.StatusCode)
	}

	var st Status
	err = json.NewDecoder(resp.Body).Decode(&st)
	if err != nil {
		return Status{}, xerrors.Errorf("failed to decode status: %w", err)
	}
	return st, nil
}
