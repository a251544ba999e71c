// Command mockbackend serves a scripted transcription backend for local
// development of the recorder.
package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/observability/logging"
	"clinical-scribe-service/internal/service/stt/mock"
)

func main() {
	addr := flag.String("addr", ":8765", "Listen address")
	path := flag.String("path", "/v1/stream", "Streaming endpoint path")
	token := flag.String("token", "", "Require this token (empty accepts any)")
	dropAfter := flag.Int("drop-after", 0, "Drop each of the first -drop-dials connections after this many chunks")
	dropDials := flag.Int("drop-dials", 0, "Number of connections to drop")
	flag.Parse()

	lc := logging.DefaultConfig()
	lc.Format = "console"
	logging.Init(lc)

	d := mock.New()
	d.RequireToken = *token
	d.DropAfterChunks = *dropAfter
	d.DropDials = *dropDials

	mux := http.NewServeMux()
	mux.Handle(*path, d.Handler())

	log.Info().Str("addr", *addr).Str("path", *path).Msg("Mock transcription backend started")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Error().Err(err).Msg("Mock backend stopped")
		os.Exit(1)
	}
}
