// Package httpapi exposes the session over HTTP: producers POST payloads,
// dashboards read targets and frames.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/golang-jwt/jwt"
	"github.com/visus/twinsync/internal/ingest"
	"github.com/visus/twinsync/internal/protocol"
	"github.com/visus/twinsync/internal/session"
	"go.uber.org/zap"
)

type Server struct {
	app       *fiber.App
	sess      *session.Session
	queue     *ingest.Queue
	latest    *session.LatestFrame
	jwtSecret string
	log       *zap.Logger
}

// New builds the API. An empty jwtSecret leaves the write routes open.
func New(sess *session.Session, queue *ingest.Queue, latest *session.LatestFrame, jwtSecret string, log *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             1 << 20,
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Authorization, Content-Type",
	}))

	s := &Server{
		app:       app,
		sess:      sess,
		queue:     queue,
		latest:    latest,
		jwtSecret: jwtSecret,
		log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.health)
	s.app.Post("/twin/updates", s.tokenRequired(s.postUpdates))
	s.app.Post("/twin/reset", s.tokenRequired(s.postReset))
	s.app.Get("/twin/targets", s.getTargets)
	s.app.Get("/twin/objects", s.getObjects)
	s.app.Get("/twin/frame", s.getFrame)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Listen blocks serving addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Info("http api listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func errorJSON(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

// tokenRequired checks an HS256 bearer token whose "sub" claim names the
// producer.
func (s *Server) tokenRequired(handler fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.jwtSecret == "" {
			c.Locals("producer", "anonymous")
			return handler(c)
		}
		parts := strings.Fields(c.Get(fiber.HeaderAuthorization))
		if len(parts) != 2 || parts[0] != "Bearer" {
			return errorJSON(c, http.StatusUnauthorized, "expected Authorization: Bearer <token>")
		}

		token, err := jwt.Parse(parts[1], func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.NewValidationError("unexpected signing method", jwt.ValidationErrorSignatureInvalid)
			}
			return []byte(s.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			s.log.Debug("rejected token", zap.Error(err))
			return errorJSON(c, http.StatusUnauthorized, "invalid token")
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return errorJSON(c, http.StatusUnauthorized, "invalid token claims")
		}
		producer, ok := claims["sub"].(string)
		if !ok || producer == "" {
			return errorJSON(c, http.StatusUnauthorized, "token has no subject")
		}
		c.Locals("producer", producer)
		return handler(c)
	}
}

func source(c *fiber.Ctx) string {
	p, _ := c.Locals("producer").(string)
	return "http:" + p
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"schema":  protocol.SchemaVersion,
		"session": s.sess.Name(),
		"objects": s.sess.Index().Len(),
		"targets": s.sess.Store().Len(),
		"queued":  s.queue.Len(),
		"dropped": s.queue.Dropped(),
	})
}

func (s *Server) postUpdates(c *fiber.Ctx) error {
	// fiber reuses the request buffer once the handler returns.
	raw := append([]byte(nil), c.Body()...)

	p, ferrs, err := protocol.Decode(raw)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if !s.queue.OfferPayload(source(c), p, raw) {
		return errorJSON(c, http.StatusServiceUnavailable, "ingest queue full")
	}

	dropped := make([]string, 0, len(ferrs))
	for _, fe := range ferrs {
		dropped = append(dropped, fe.Error())
	}
	if len(ferrs) > 0 {
		s.log.Debug("payload fields dropped", zap.String("source", source(c)), zap.Strings("fields", dropped))
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"accepted": len(p.Updates),
		"dropped":  dropped,
	})
}

func (s *Server) postReset(c *fiber.Ctx) error {
	if !s.queue.Offer(ingest.Envelope{Kind: ingest.KindReset, Source: source(c)}) {
		return errorJSON(c, http.StatusServiceUnavailable, "ingest queue full")
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"reset": true})
}

func (s *Server) getTargets(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"schema":  protocol.SchemaVersion,
		"targets": s.sess.Store().Snapshot(),
	})
}

func (s *Server) getObjects(c *fiber.Ctx) error {
	index := s.sess.Index()
	return c.JSON(fiber.Map{
		"source": s.sess.Source(),
		"digest": index.Digest(),
		"ids":    index.IDs(),
	})
}

func (s *Server) getFrame(c *fiber.Ctx) error {
	if s.latest == nil {
		return errorJSON(c, http.StatusNotFound, "frames are not recorded")
	}
	f, ok := s.latest.Frame()
	if !ok {
		return errorJSON(c, http.StatusNotFound, "no frame yet")
	}
	return c.JSON(f)
}
