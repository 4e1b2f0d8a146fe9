package daemon

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionName = "watervend"
	sessionUser = "user"
)

// adminRoutes need a signed-in session. Everything else is served to the
// kiosk screen without credentials.
var adminRoutes = map[string]bool{
	"POST /api/dispenser/start/{volume}": true,
	"GET /api/sales":                     true,
	"GET /api/sales/outbox":              true,
	"POST /api/sales/sync":               true,
	"GET /api/payments":                  true,
	"GET /api/errors":                    true,
}

func newSessionStore(secret string) *sessions.CookieStore {
	s := sessions.NewCookieStore([]byte(secret))
	s.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   8 * 3600,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	return s
}

type credentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

func (d *Daemon) signIn(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if c.User != d.config.Server.User ||
		bcrypt.CompareHashAndPassword([]byte(d.config.Server.PasswordHash), []byte(c.Password)) != nil {
		log.Println("daemon: failed sign in for", c.User)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	session, _ := d.sessions.Get(r, sessionName)
	session.Values[sessionUser] = c.User
	if err := session.Save(r, w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) signOut(w http.ResponseWriter, r *http.Request) {
	session, _ := d.sessions.Get(r, sessionName)
	delete(session.Values, sessionUser)
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) signedIn(r *http.Request) bool {
	session, err := d.sessions.Get(r, sessionName)
	if err != nil {
		return false
	}
	user, ok := session.Values[sessionUser].(string)
	return ok && user == d.config.Server.User
}

// authenticate rejects admin routes without a session.
func (d *Daemon) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := mux.CurrentRoute(r)
		if route != nil {
			tmpl, _ := route.GetPathTemplate()
			if adminRoutes[r.Method+" "+tmpl] && !d.signedIn(r) {
				http.Error(w, "sign in required", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
