package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
)

const (
	flashCookie = "pixelconvert_flash"

	flashSuccess = "success"
	flashError   = "error"
)

// Flash is a one-shot message shown on the next rendered page.
type Flash struct {
	Category string `json:"c"`
	Message  string `json:"m"`
}

func (s *Server) redirectWithFlash(w http.ResponseWriter, r *http.Request, target, category, message string) {
	setFlash(w, Flash{Category: category, Message: message})
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func setFlash(w http.ResponseWriter, f Flash) {
	raw, err := json.Marshal([]Flash{f})
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Value:    base64.RawURLEncoding.EncodeToString(raw),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// takeFlashes reads and clears pending messages. A malformed cookie is
// dropped silently.
func takeFlashes(w http.ResponseWriter, r *http.Request) []Flash {
	c, err := r.Cookie(flashCookie)
	if err != nil {
		return nil
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil
	}
	var flashes []Flash
	if err := json.Unmarshal(raw, &flashes); err != nil {
		return nil
	}
	return flashes
}
