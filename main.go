package main

import (
	"github.com/go2airplay/go2airplay/internal/airplay"
	"github.com/go2airplay/go2airplay/internal/api"
	"github.com/go2airplay/go2airplay/internal/api/ws"
	"github.com/go2airplay/go2airplay/internal/app"
	"github.com/go2airplay/go2airplay/pkg/shell"
)

func main() {
	app.Init() // init config and logs

	api.Init() // init HTTP API server
	ws.Init()  // init WS API endpoint

	airplay.Init() // discovery, pairing, media and mirror API

	sig := shell.RunUntilSignal()

	app.Logger.Info().Str("signal", sig.String()).Msg("exit")
}
