package web

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/deemkeen/mammut/activitypub"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
	"github.com/deemkeen/mammut/util"
)

const maxActivityBytes = 1 * 1024 * 1024 // 1MB

// Server bundles what the handlers need.
type Server struct {
	DB        *db.DB
	Conf      *util.AppConfig
	Processor *activitypub.Processor
}

// NewRouter wires up the federation HTTP surface.
func NewRouter(s *Server) *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// 10 req/s per IP overall, tighter on the inboxes
	g.Use(RateLimitMiddleware(NewRateLimiter(rate.Limit(10), 20)))
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(maxActivityBytes)

	host := s.Conf.Conf.SslDomain

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
			return
		}
		username := strings.TrimPrefix(resource, "acct:")
		username = strings.TrimSuffix(username, "@"+host)

		err, resp := GetWebfinger(s.DB, username, host)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	g.GET("/users/:actor", func(c *gin.Context) {
		err, doc := GetActor(s.DB, c.Param("actor"), host, s.Conf.Conf.AutoAcceptFollows)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
			return
		}
		activityJSON(c, doc)
	})

	g.GET("/users/:actor/outbox", func(c *gin.Context) {
		err, col := GetOutboxCollection(s.DB, c.Param("actor"), host)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
			return
		}
		activityJSON(c, col)
	})

	g.GET("/users/:actor/followers", func(c *gin.Context) {
		err, col := GetFollowersCollection(s.DB, c.Param("actor"), host)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
			return
		}
		activityJSON(c, col)
	})

	g.GET("/notes/:id", func(c *gin.Context) {
		noteId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Invalid note ID"})
			return
		}
		err, obj := GetNoteObject(s.DB, noteId, host)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
			return
		}
		activityJSON(c, obj)
	})

	g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		err, target := s.DB.ReadAccByUsername(c.Param("actor"))
		if err != nil || target == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
			return
		}
		s.handleInbox(c, target)
	})

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		s.handleInbox(c, nil)
	})

	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		rss, err := GetRSS(s.DB, s.Conf, c.Query("username"))
		if err != nil {
			c.String(http.StatusNotFound, "")
			return
		}
		c.String(http.StatusOK, rss)
	})

	g.GET("/feed/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		feedId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.String(http.StatusNotFound, "")
			return
		}
		rss, err := GetRSSItem(s.DB, s.Conf, feedId)
		if err != nil {
			c.String(http.StatusNotFound, "")
			return
		}
		c.String(http.StatusOK, rss)
	})

	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	return g
}

// handleInbox runs one inbound POST through the processor and maps the
// error type to a status: the sender's fault is 4xx, ours is 5xx.
func (s *Server) handleInbox(c *gin.Context, target *domain.Account) {
	if c.GetHeader("Signature") == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing signature"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	err = s.Processor.ProcessInbox(c.Request, body, target)
	if err == nil {
		c.Status(http.StatusAccepted)
		return
	}

	var verifyErr *activitypub.VerifyError
	var resolveErr *activitypub.ResolutionError
	switch {
	case errors.As(err, &verifyErr):
		slog.Info("inbox rejected activity", "reason", verifyErr.Reason)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Rejected"})
	case errors.As(err, &resolveErr):
		slog.Info("inbox could not resolve reference", "ref", resolveErr.Ref)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unresolvable reference"})
	default:
		slog.Error("inbox processing failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Processing failed"})
	}
}

func activityJSON(c *gin.Context, doc interface{}) {
	c.Header("Content-Type", "application/activity+json; charset=utf-8")
	c.JSON(http.StatusOK, doc)
}
