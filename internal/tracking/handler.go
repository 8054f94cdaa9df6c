package tracking

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cadencehq/cadence/internal/pkg/logger"
)

// 1x1 transparent GIF served for open pixels.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Routes mounts the tracking endpoints. Open and click failures degrade
// silently: a broken pixel or redirect must never error in a recipient's
// face.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/open/{payload}/{sig}", s.serveOpen)
	r.Get("/click/{payload}/{sig}", s.serveClick)
	r.Get("/unsubscribe/{payload}/{sig}", s.serveUnsubscribe)
	r.Post("/unsubscribe/{payload}/{sig}", s.serveUnsubscribe)
	return r
}

func (s *Service) serveOpen(w http.ResponseWriter, r *http.Request) {
	if err := s.HandleOpen(r.Context(), chi.URLParam(r, "payload"), chi.URLParam(r, "sig")); err != nil {
		logger.Debug("open tracking rejected", "error", err)
	}
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(pixelGIF)
}

func (s *Service) serveClick(w http.ResponseWriter, r *http.Request) {
	dest, err := s.HandleClick(r.Context(), chi.URLParam(r, "payload"), chi.URLParam(r, "sig"))
	if err != nil {
		logger.Debug("click tracking rejected", "error", err)
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, dest, http.StatusFound)
}

func (s *Service) serveUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.HandleUnsubscribe(r.Context(), chi.URLParam(r, "payload"), chi.URLParam(r, "sig")); err != nil {
		logger.Debug("unsubscribe rejected", "error", err)
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte("<html><body><p>You have been unsubscribed.</p></body></html>"))
}
