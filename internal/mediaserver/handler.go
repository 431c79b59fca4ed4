package mediaserver

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Renderers refuse streams without these, even for plain progressive HTTP.
const dlnaContentFeatures = "DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=01700000000000000000000000000000"

func (s *Server) routes(sess *session) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	serve := s.serveMedia(sess)
	r.Get("/media/{sessionID}/{file}", serve)
	r.Head("/media/{sessionID}/{file}", serve)
	return r
}

func (s *Server) serveMedia(sess *session) http.HandlerFunc {
	id := sess.info.ID
	return func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "sessionID") != id {
			http.NotFound(w, r)
			return
		}
		if err := s.RecordActivity(id, 0); err != nil {
			http.Error(w, "serving session expired", http.StatusGone)
			return
		}

		f, err := os.Open(sess.path)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}

		h := w.Header()
		if sess.contentType != "" {
			h.Set("Content-Type", sess.contentType)
		}
		h.Set("transferMode.dlna.org", "Streaming")
		h.Set("contentFeatures.dlna.org", dlnaContentFeatures)

		aw := &activityWriter{ResponseWriter: w, record: func(n int) {
			_ = s.RecordActivity(id, int64(n))
		}}
		http.ServeContent(aw, r, info.Name(), info.ModTime(), f)
	}
}

// activityWriter reports every chunk written to the device.
type activityWriter struct {
	http.ResponseWriter
	record func(n int)
}

func (w *activityWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	if n > 0 {
		w.record(n)
	}
	return n, err
}

func (w *activityWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
