package httpapi

import (
	_ "embed"
	"net/http"
)

//go:embed demo.html
var demoPage []byte

func (s *Server) handleDemo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(demoPage)
}
