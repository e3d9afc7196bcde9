// Package httpapi is the HTTP surface: note CRUD, login pages and the
// relay endpoint behind one gin engine.
package httpapi

import (
	"embed"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"notesync/backend/internal/logging"
)

//go:embed templates/*.tmpl
var templates embed.FS

type Options struct {
	CookieName      string
	SecureCookie    bool
	AllowedOrigins  []string
	DefaultPageSize int
	MaxPageSize     int
}

type Deps struct {
	Notes NoteService
	Auth  AuthService
	// Relay serves GET /ws; nil disables the endpoint.
	Relay gin.HandlerFunc
	Log   logging.Logger
}

var localOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func allowOrigin(prefixes []string) func(string) bool {
	if len(prefixes) == 0 {
		prefixes = localOrigins
	}
	return func(origin string) bool {
		for _, p := range prefixes {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

func NewRouter(d Deps, opt Options) *gin.Engine {
	r := gin.New()
	r.Use(logging.GinMiddleware(d.Log), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  allowOrigin(opt.AllowedOrigins),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.SetHTMLTemplate(template.Must(template.New("").ParseFS(templates, "templates/*.tmpl")))

	notes := NewNoteHandler(d.Notes, d.Log, opt.DefaultPageSize, opt.MaxPageSize)
	auth := NewAuthHandler(d.Auth, d.Log, opt.CookieName, opt.SecureCookie)

	r.GET("/", func(c *gin.Context) { c.Redirect(http.StatusFound, "/notes") })
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	a := r.Group("/auth")
	a.GET("/login", auth.LoginPage)
	a.POST("/login", auth.Login)
	a.GET("/register", auth.RegisterPage)
	a.POST("/register", auth.Register)
	a.GET("/logout", auth.Logout)

	authed := r.Group("/", AuthMiddleware(d.Auth, opt.CookieName))
	authed.GET("/notes", notes.List)
	authed.POST("/notes", notes.Create)
	authed.GET("/notes/:id", notes.Get)
	authed.PUT("/notes/:id", notes.Update)
	authed.DELETE("/notes/:id", notes.Delete)
	if d.Relay != nil {
		authed.GET("/ws", d.Relay)
	}
	return r
}
