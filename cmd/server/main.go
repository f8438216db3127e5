package main

import (
	"time"

	"go.uber.org/fx"

	"github.com/unipass/backend/internal/app"
)

func main() {
	fx.New(
		app.Module,
		fx.WithLogger(app.FxLogger),
		fx.StartTimeout(time.Minute),
		fx.StopTimeout(30*time.Second),
	).Run()
}
