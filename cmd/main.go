package main

import (
	"github.com/corray333/backend-labs/delivery/internal/app"
	"github.com/corray333/backend-labs/delivery/internal/config"
)

func main() {
	cfg := config.MustInit()
	app.MustNewApp(cfg).Run()
}
